package graph

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/pkg/errors"
)

// ElementType is the element type of a tensor value. It is backed by an Arrow
// data type so that graph values and exported reports share one type system.
// The zero value is DynamicType, meaning "unspecified".
type ElementType struct {
	dt arrow.DataType
}

var (
	DynamicType = ElementType{}
	Float16     = ElementType{arrow.FixedWidthTypes.Float16}
	Float32     = ElementType{arrow.PrimitiveTypes.Float32}
	Float64     = ElementType{arrow.PrimitiveTypes.Float64}
	Int32       = ElementType{arrow.PrimitiveTypes.Int32}
	Int64       = ElementType{arrow.PrimitiveTypes.Int64}
	Boolean     = ElementType{arrow.FixedWidthTypes.Boolean}
)

// ElementTypeOf wraps an Arrow data type.
func ElementTypeOf(dt arrow.DataType) ElementType {
	return ElementType{dt: dt}
}

// ParseElementType accepts short ("f32") and long ("float32") names.
func ParseElementType(s string) (ElementType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "?", "dynamic":
		return DynamicType, nil
	case "f16", "float16", "halffloat":
		return Float16, nil
	case "f32", "float32", "float":
		return Float32, nil
	case "f64", "float64", "double":
		return Float64, nil
	case "i32", "int32":
		return Int32, nil
	case "i64", "int64":
		return Int64, nil
	case "bool", "boolean":
		return Boolean, nil
	}
	return DynamicType, errors.Errorf("unknown element type %q", s)
}

// IsDynamic reports whether the type is unspecified.
func (e ElementType) IsDynamic() bool {
	return e.dt == nil
}

// Arrow returns the backing Arrow type, nil when dynamic.
func (e ElementType) Arrow() arrow.DataType {
	return e.dt
}

// Equal compares two element types. Two dynamic types are equal.
func (e ElementType) Equal(other ElementType) bool {
	if e.dt == nil || other.dt == nil {
		return e.dt == nil && other.dt == nil
	}
	return arrow.TypeEqual(e.dt, other.dt)
}

// Compatible is like Equal but a dynamic side matches anything.
func (e ElementType) Compatible(other ElementType) bool {
	if e.IsDynamic() || other.IsDynamic() {
		return true
	}
	return e.Equal(other)
}

// IsFloat reports whether the type is a floating point type.
func (e ElementType) IsFloat() bool {
	if e.dt == nil {
		return false
	}
	switch e.dt.ID() {
	case arrow.FLOAT16, arrow.FLOAT32, arrow.FLOAT64:
		return true
	}
	return false
}

// BitWidth returns the width of one element in bits, 0 when dynamic.
func (e ElementType) BitWidth() int {
	if fw, ok := e.dt.(arrow.FixedWidthDataType); ok {
		return fw.BitWidth()
	}
	return 0
}

func (e ElementType) String() string {
	if e.dt == nil {
		return "dynamic"
	}
	switch e.dt.ID() {
	case arrow.FLOAT16:
		return "f16"
	case arrow.FLOAT32:
		return "f32"
	case arrow.FLOAT64:
		return "f64"
	case arrow.INT32:
		return "i32"
	case arrow.INT64:
		return "i64"
	case arrow.BOOL:
		return "bool"
	}
	return e.dt.Name()
}
