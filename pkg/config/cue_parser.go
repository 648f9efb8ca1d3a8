package config

import (
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

// CUEParser parses CUE sources and checks them against the built-in schemas.
type CUEParser struct {
	ctx     *cue.Context
	schemas *SchemaRegistry
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:     ctx,
		schemas: NewSchemaRegistry(ctx),
	}
}

// Schemas returns the schema registry.
func (cp *CUEParser) Schemas() *SchemaRegistry {
	return cp.schemas
}

// ParseFile compiles a single CUE file.
func (cp *CUEParser) ParseFile(path string) (cue.Value, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("failed to read file: %w", err)
	}

	val := cp.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Validate(); err != nil {
		return cue.Value{}, &ParseError{Source: path, Errors: cp.convertCUEErrors(err)}
	}
	return val, nil
}

// ParseInline compiles inline CUE content.
func (cp *CUEParser) ParseInline(content string) (cue.Value, error) {
	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Validate(); err != nil {
		return cue.Value{}, &ParseError{Source: "inline", Errors: cp.convertCUEErrors(err)}
	}
	return val, nil
}

// Decode checks val against the named schema and decodes it into out.
// The value is exported as JSON and read back with yaml.v3, so out uses
// its yaml tags and durations may be written as "250ms".
func (cp *CUEParser) Decode(schemaName, source string, val cue.Value, out any) error {
	unified, err := cp.schemas.Unify(schemaName, val)
	if err != nil {
		return &ParseError{Source: source, Errors: cp.convertCUEErrors(err)}
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to export %s: %w", source, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", source, err)
	}
	return nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int

		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		format, args := e.Msg()
		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		})
	}

	return validationErrors
}
