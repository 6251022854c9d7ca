package quality

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", s, err)
	}
	return v
}

func TestUnwrapScatterShapes(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		shape  ScatterShape
		values []float64
		lower  float64
		upper  float64
	}{
		{
			name:   "config object",
			body:   `{"config":{"LowerLimit":1,"UpperLimit":"9"},"lstVal":[2,"3",null,"x",{"y":4}]}`,
			shape:  ShapeConfigObject,
			values: []float64{2, 3, 4},
			lower:  1, upper: 9,
		},
		{
			name:   "config array",
			body:   `[{"config":{"lsl":-2},"lstVal":[0.5,1.5]},{"config":{"lsl":-100},"lstVal":[99]}]`,
			shape:  ShapeConfigArray,
			values: []float64{0.5, 1.5},
			lower:  -2, upper: 25,
		},
		{
			name:   "limit array",
			body:   `[{"lowerLimit":0,"upperLimit":10,"value":1},{"y":2},{"val":"3"},{"measurement":4},{"data":5},{"other":6}]`,
			shape:  ShapeLimitArray,
			values: []float64{1, 2, 3, 4, 5},
			lower:  0, upper: 10,
		},
		{
			name:   "plain array",
			body:   `[1,"2",{"value":3},{"y":"4"},null,true]`,
			shape:  ShapePlainArray,
			values: []float64{1, 2, 3, 4},
			lower:  -25, upper: 25,
		},
		{
			name:   "empty array",
			body:   `[]`,
			shape:  ShapePlainArray,
			values: []float64{},
			lower:  -25, upper: 25,
		},
		{
			name:   "unknown object",
			body:   `{"message":"no data"}`,
			shape:  ShapeUnknown,
			values: []float64{},
			lower:  -25, upper: 25,
		},
		{
			name:   "scalar lstVal",
			body:   `{"config":{},"lstVal":"7.5"}`,
			shape:  ShapeConfigObject,
			values: []float64{7.5},
			lower:  -25, upper: 25,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := UnwrapScatterResponse(decode(t, c.body), -25, 25, 100)
			if got.Shape != c.shape {
				t.Fatalf("shape: got %s want %s", got.Shape, c.shape)
			}
			if !reflect.DeepEqual(got.Values, c.values) {
				t.Fatalf("values: got %v want %v", got.Values, c.values)
			}
			if got.LowerLimit != c.lower || got.UpperLimit != c.upper {
				t.Fatalf("limits: got %v/%v want %v/%v", got.LowerLimit, got.UpperLimit, c.lower, c.upper)
			}
			if got.Truncated {
				t.Fatalf("unexpected truncation")
			}
		})
	}
}

func TestUnwrapScatterNonJSONInput(t *testing.T) {
	for _, in := range []any{nil, 3.14, "text"} {
		got := UnwrapScatterResponse(in, 1, 2, 10)
		if got.Shape != ShapeUnknown || len(got.Values) != 0 || got.LowerLimit != 1 || got.UpperLimit != 2 {
			t.Fatalf("input %v: unexpected %+v", in, got)
		}
	}
}

// Excess samples are discarded, not summarized.
func TestUnwrapScatterTruncatesToMaxPoints(t *testing.T) {
	raw := make([]any, 12000)
	for i := range raw {
		raw[i] = float64(i)
	}
	got := UnwrapScatterResponse(raw, 0, 1, 10000)
	if len(got.Values) != 10000 || !got.Truncated {
		t.Fatalf("expected 10000 truncated values, got %d (truncated=%v)", len(got.Values), got.Truncated)
	}
	for i, v := range got.Values {
		if v != float64(i) {
			t.Fatalf("value %d out of order: %v", i, v)
		}
	}

	uncapped := UnwrapScatterResponse(raw, 0, 1, 0)
	if len(uncapped.Values) != 12000 || uncapped.Truncated {
		t.Fatalf("maxPoints <= 0 must not cap, got %d", len(uncapped.Values))
	}
}

func TestUnwrapScatterPrefersConfigOverArrayLikeObject(t *testing.T) {
	resp := map[string]any{
		"0":      100.0,
		"1":      200.0,
		"length": 2.0,
		"config": map[string]any{"UpperLimit": 5.0},
		"lstVal": []any{1.0, 2.0},
	}
	got := UnwrapScatterResponse(resp, 0, 10, 0)
	if got.Shape != ShapeConfigObject {
		t.Fatalf("expected config branch, got %s", got.Shape)
	}
	if !reflect.DeepEqual(got.Values, []float64{1, 2}) || got.UpperLimit != 5 || got.LowerLimit != 0 {
		t.Fatalf("unexpected %+v", got)
	}
}

func TestUnwrapScatterCountsDropped(t *testing.T) {
	got := UnwrapScatterResponse([]any{1.0, "bad", nil}, 0, 1, 0)
	if got.Dropped != 2 {
		t.Fatalf("expected 2 dropped, got %d", got.Dropped)
	}
}
