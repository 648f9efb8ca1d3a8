package graph

import (
	"math"
	"testing"
)

func TestParamValue_Int(t *testing.T) {
	tests := []struct {
		name  string
		value ParamValue
		want  int
	}{
		{"whole", Number(12), 12},
		{"rounds half away from zero", Number(2.5), 3},
		{"negative", Number(-7.6), -8},
		{"numeric string", String(" 41.7 "), 42},
		{"bool", Bool(true), 1},
		{"not a number", String("wide"), -1},
		{"nan", Number(math.NaN()), -1},
		{"positive infinity", Number(math.Inf(1)), -1},
		{"negative infinity", Number(math.Inf(-1)), -1},
		{"infinity string", String("inf"), -1},
		{"too large", Number(1e300), -1},
		{"too small", Number(-1e300), -1},
		{"just past int range", Number(-float64(math.MinInt)), -1},
		{"int minimum", Number(float64(math.MinInt)), math.MinInt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.value.Int(-1); got != tt.want {
				t.Errorf("Int(-1) = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParams_IntFallsBackOnOverflow(t *testing.T) {
	p := Params{"kernel": Number(1e300), "iterations": Number(3)}
	if got := p.Int("kernel", 5); got != 5 {
		t.Errorf("Int(kernel) = %d, want 5", got)
	}
	if got := p.Int("iterations", 5); got != 3 {
		t.Errorf("Int(iterations) = %d, want 3", got)
	}
	if got := p.Int("missing", 5); got != 5 {
		t.Errorf("Int(missing) = %d, want 5", got)
	}
}
