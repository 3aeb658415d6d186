package device

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-fuse/internal/graph"
	"github.com/23skdu/longbow-fuse/internal/rewrite"
)

// Tensor is a dense row-major host tensor. Values are held as float64
// whatever the element type; Convert rounds them to the target precision.
type Tensor struct {
	shape graph.Shape
	data  []float64
}

// NewTensor copies data into a new tensor. nil data gives zeros. A length that
// does not match the shape is a programming error.
func NewTensor(shape graph.Shape, data []float64) *Tensor {
	if shape.IsDynamic() {
		panic("NewTensor: shape must be static")
	}
	size := shape.Size()
	t := &Tensor{shape: shape, data: make([]float64, size)}
	if data != nil {
		if len(data) != size {
			panic(fmt.Sprintf("NewTensor: %d values for shape %s", len(data), shape))
		}
		copy(t.data, data)
	}
	return t
}

func (t *Tensor) Shape() graph.Shape { return t.shape }

// Data returns the backing slice.
func (t *Tensor) Data() []float64 { return t.data }

// ToHost returns a copy of the values.
func (t *Tensor) ToHost() []float64 {
	out := make([]float64, len(t.data))
	copy(out, t.data)
	return out
}

// At returns the element at the given index.
func (t *Tensor) At(idx ...int) float64 {
	if len(idx) != t.shape.Rank() {
		panic(fmt.Sprintf("At: %d indices for shape %s", len(idx), t.shape))
	}
	off := 0
	for i, x := range idx {
		off = off*t.shape.Dim(i) + x
	}
	return t.data[off]
}

// Executable is a compiled graph.
type Executable interface {
	// Call runs the graph. Inputs follow the graph parameters in order.
	Call(ctx context.Context, inputs ...*Tensor) ([]*Tensor, error)
	// Graph returns the optimized graph.
	Graph() *graph.Graph
	// Reports returns what the compile-time passes did.
	Reports() []*rewrite.Report
}

// PassConfig selects the passes a backend runs while compiling.
type PassConfig struct {
	// Passes names the passes in run order; nil means the backend default.
	Passes []string
	// Disable removes passes from the list.
	Disable []string
	Options rewrite.Options
}

func DefaultPassConfig() PassConfig {
	return PassConfig{Options: rewrite.DefaultOptions()}
}

// Backend compiles graphs for one device.
type Backend interface {
	Name() string
	// IsSupported reports whether the backend can execute n.
	IsSupported(n *graph.Node) bool
	// Compile optimizes g in place and prepares it for execution.
	Compile(ctx context.Context, g *graph.Graph, cfg PassConfig) (Executable, error)
}
