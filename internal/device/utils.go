package device

import (
	"math"

	"github.com/apache/arrow-go/v18/arrow/float16"

	"github.com/23skdu/longbow-fuse/internal/graph"
)

// RoundFloat16 rounds v to the nearest IEEE 754 binary16 value. Values
// outside the binary16 range become infinities; NaN stays NaN.
func RoundFloat16(v float64) float64 {
	return float64(float16.New(float32(v)).Float32())
}

// RoundFloat32 rounds v to the nearest float32.
func RoundFloat32(v float64) float64 {
	return float64(float32(v))
}

// rounder returns the function that maps a value to the precision of et.
func rounder(et graph.ElementType) func(float64) float64 {
	switch {
	case et.Equal(graph.Float16):
		return RoundFloat16
	case et.Equal(graph.Float32):
		return RoundFloat32
	case et.Equal(graph.Int32), et.Equal(graph.Int64):
		return math.Trunc
	case et.Equal(graph.Boolean):
		return func(v float64) float64 {
			if v != 0 {
				return 1
			}
			return 0
		}
	}
	return func(v float64) float64 { return v }
}
