package graph

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParamKind tags the variant held by a ParamValue.
type ParamKind string

const (
	ParamNumber ParamKind = "number"
	ParamString ParamKind = "string"
	ParamBool   ParamKind = "bool"
	ParamEnum   ParamKind = "enum"
)

// ParamValue is a tagged parameter value. Only the field matching Kind is meaningful.
type ParamValue struct {
	Kind    ParamKind `json:"kind" yaml:"kind"`
	Number  float64   `json:"number,omitempty" yaml:"number,omitempty"`
	Text    string    `json:"text,omitempty" yaml:"text,omitempty"`
	Flag    bool      `json:"flag,omitempty" yaml:"flag,omitempty"`
	Options []string  `json:"options,omitempty" yaml:"options,omitempty"`
}

// Number returns a numeric parameter.
func Number(v float64) ParamValue { return ParamValue{Kind: ParamNumber, Number: v} }

// String returns a string parameter.
func String(v string) ParamValue { return ParamValue{Kind: ParamString, Text: v} }

// Bool returns a boolean parameter.
func Bool(v bool) ParamValue { return ParamValue{Kind: ParamBool, Flag: v} }

// Enum returns an enum parameter holding value, restricted to options.
func Enum(value string, options ...string) ParamValue {
	return ParamValue{Kind: ParamEnum, Text: value, Options: options}
}

// ParseParam converts raw text into a value of the given kind. When the text
// does not parse, def is returned.
func ParseParam(kind ParamKind, raw string, def ParamValue) ParamValue {
	raw = strings.TrimSpace(raw)
	switch kind {
	case ParamNumber:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return def
		}
		return Number(f)
	case ParamBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return def
		}
		return Bool(b)
	case ParamEnum:
		for _, opt := range def.Options {
			if strings.EqualFold(opt, raw) {
				return Enum(opt, def.Options...)
			}
		}
		return def
	case ParamString:
		return String(raw)
	default:
		return def
	}
}

// Float returns the value as float64, or def when it cannot be converted.
func (v ParamValue) Float(def float64) float64 {
	switch v.Kind {
	case ParamNumber:
		return v.Number
	case ParamBool:
		if v.Flag {
			return 1
		}
		return 0
	case ParamString, ParamEnum:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Text), 64)
		if err != nil {
			return def
		}
		return f
	default:
		return def
	}
}

// Int returns the value rounded to an int, or def when it is not a finite
// number within the range of int.
func (v ParamValue) Int(def int) int {
	f := math.Round(v.Float(math.NaN()))
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return def
	}
	if f < math.MinInt || f >= -float64(math.MinInt) {
		return def
	}
	return int(f)
}

// Bool returns the value as bool, or def.
func (v ParamValue) Bool(def bool) bool {
	switch v.Kind {
	case ParamBool:
		return v.Flag
	case ParamNumber:
		return v.Number != 0
	case ParamString, ParamEnum:
		b, err := strconv.ParseBool(strings.TrimSpace(v.Text))
		if err != nil {
			return def
		}
		return b
	default:
		return def
	}
}

// String renders the value as text.
func (v ParamValue) String() string {
	switch v.Kind {
	case ParamNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	case ParamBool:
		return strconv.FormatBool(v.Flag)
	default:
		return v.Text
	}
}

// Interface returns the Go value carried by the variant.
func (v ParamValue) Interface() any {
	switch v.Kind {
	case ParamNumber:
		return v.Number
	case ParamBool:
		return v.Flag
	default:
		return v.Text
	}
}

// Validate checks the variant is consistent.
func (v ParamValue) Validate() error {
	switch v.Kind {
	case ParamNumber, ParamString, ParamBool:
		return nil
	case ParamEnum:
		for _, opt := range v.Options {
			if opt == v.Text {
				return nil
			}
		}
		return fmt.Errorf("enum value %q not in options %v", v.Text, v.Options)
	default:
		return fmt.Errorf("invalid param kind: %s", v.Kind)
	}
}

// UnmarshalYAML accepts the tagged mapping form or a bare scalar, which is
// typed by FromInterface.
func (v *ParamValue) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var x any
		if err := value.Decode(&x); err != nil {
			return err
		}
		pv, err := FromInterface(x)
		if err != nil {
			return err
		}
		*v = pv
		return nil
	}

	type plain ParamValue
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*v = ParamValue(p)
	return v.Validate()
}

// FromInterface builds a ParamValue from an untyped Go value.
func FromInterface(x any) (ParamValue, error) {
	switch val := x.(type) {
	case ParamValue:
		return val, nil
	case float64:
		return Number(val), nil
	case float32:
		return Number(float64(val)), nil
	case int:
		return Number(float64(val)), nil
	case int64:
		return Number(float64(val)), nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return ParamValue{}, err
		}
		return Number(f), nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case fmt.Stringer:
		return String(val.String()), nil
	default:
		return ParamValue{}, fmt.Errorf("unsupported parameter type %T", x)
	}
}

// Params is a named set of parameter values.
type Params map[string]ParamValue

// Clone returns a copy of the parameter set.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	c := make(Params, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// Float returns the named parameter as float64, or def.
func (p Params) Float(name string, def float64) float64 {
	v, ok := p[name]
	if !ok {
		return def
	}
	return v.Float(def)
}

// Int returns the named parameter as int, or def.
func (p Params) Int(name string, def int) int {
	v, ok := p[name]
	if !ok {
		return def
	}
	return v.Int(def)
}

// Bool returns the named parameter as bool, or def.
func (p Params) Bool(name string, def bool) bool {
	v, ok := p[name]
	if !ok {
		return def
	}
	return v.Bool(def)
}

// String returns the named parameter as text, or def.
func (p Params) String(name, def string) string {
	v, ok := p[name]
	if !ok {
		return def
	}
	return v.String()
}
