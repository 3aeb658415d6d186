package graph

import (
	"strconv"
	"strings"
)

// Shape is the static shape of a tensor value. The zero value is DynamicShape.
// A scalar is ShapeOf() (known, rank 0).
type Shape struct {
	dims  []int
	known bool
}

// DynamicShape is an unspecified shape.
var DynamicShape = Shape{}

// ShapeOf returns a known shape with the given dimensions.
func ShapeOf(dims ...int) Shape {
	d := make([]int, len(dims))
	copy(d, dims)
	return Shape{dims: d, known: true}
}

// IsDynamic reports whether the shape is unspecified.
func (s Shape) IsDynamic() bool {
	return !s.known
}

// Rank returns the number of dimensions, -1 when dynamic.
func (s Shape) Rank() int {
	if !s.known {
		return -1
	}
	return len(s.dims)
}

// Dims returns a copy of the dimensions.
func (s Shape) Dims() []int {
	if !s.known {
		return nil
	}
	d := make([]int, len(s.dims))
	copy(d, s.dims)
	return d
}

// Dim returns dimension i.
func (s Shape) Dim(i int) int {
	return s.dims[i]
}

// Size returns the element count, -1 when dynamic.
func (s Shape) Size() int {
	if !s.known {
		return -1
	}
	n := 1
	for _, d := range s.dims {
		n *= d
	}
	return n
}

// Equal compares two shapes. Two dynamic shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if s.known != other.known {
		return false
	}
	if len(s.dims) != len(other.dims) {
		return false
	}
	for i := range s.dims {
		if s.dims[i] != other.dims[i] {
			return false
		}
	}
	return true
}

// Compatible is like Equal but a dynamic side matches anything.
func (s Shape) Compatible(other Shape) bool {
	if !s.known || !other.known {
		return true
	}
	return s.Equal(other)
}

func (s Shape) String() string {
	if !s.known {
		return "?"
	}
	parts := make([]string, len(s.dims))
	for i, d := range s.dims {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
