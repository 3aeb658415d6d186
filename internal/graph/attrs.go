package graph

import (
	"github.com/pkg/errors"
)

// Attrs holds op attributes. Values are plain Go values (numbers, strings,
// slices of numbers). Decoded documents may carry other numeric widths, so
// readers should go through the typed getters.
type Attrs map[string]any

// Clone makes a shallow copy.
func (a Attrs) Clone() Attrs {
	if a == nil {
		return nil
	}
	c := make(Attrs, len(a))
	for k, v := range a {
		c[k] = v
	}
	return c
}

// Int reads an integer attribute.
func (a Attrs) Int(key string) (int, error) {
	v, ok := a[key]
	if !ok {
		return 0, errors.Errorf("attribute %q not set", key)
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, errors.Errorf("attribute %q is %T, not a number", key, v)
	}
	return int(f), nil
}

// Str reads a string attribute.
func (a Attrs) Str(key string) (string, error) {
	v, ok := a[key]
	if !ok {
		return "", errors.Errorf("attribute %q not set", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.Errorf("attribute %q is %T, not a string", key, v)
	}
	return s, nil
}

// Ints reads an integer list attribute.
func (a Attrs) Ints(key string) ([]int, error) {
	fs, err := a.Floats(key)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(fs))
	for i, f := range fs {
		out[i] = int(f)
	}
	return out, nil
}

// Floats reads a number list attribute. A single number is returned as a one
// element list.
func (a Attrs) Floats(key string) ([]float64, error) {
	v, ok := a[key]
	if !ok {
		return nil, errors.Errorf("attribute %q not set", key)
	}
	if f, ok := toFloat(v); ok {
		return []float64{f}, nil
	}
	switch vs := v.(type) {
	case []float64:
		out := make([]float64, len(vs))
		copy(out, vs)
		return out, nil
	case []float32:
		out := make([]float64, len(vs))
		for i, x := range vs {
			out[i] = float64(x)
		}
		return out, nil
	case []int:
		out := make([]float64, len(vs))
		for i, x := range vs {
			out[i] = float64(x)
		}
		return out, nil
	case []any:
		out := make([]float64, len(vs))
		for i, x := range vs {
			f, ok := toFloat(x)
			if !ok {
				return nil, errors.Errorf("attribute %q element %d is %T, not a number", key, i, x)
			}
			out[i] = f
		}
		return out, nil
	}
	return nil, errors.Errorf("attribute %q is %T, not a number list", key, v)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint:
		return float64(x), true
	}
	return 0, false
}
