// Package ops is the op catalog: the op kinds the passes and the reference
// backend understand, with constructors that infer output types and shapes.
//
// Every constructor takes a graph.NodeAdder, so the same code builds a graph
// up front and stages a replacement inside a rewrite.
package ops

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/23skdu/longbow-fuse/internal/graph"
)

var (
	ConstantKind          = graph.NewOpKind("Constant", graph.Constant, graph.Source)
	AddKind               = graph.NewOpKind("Add", graph.Commutative)
	SubtractKind          = graph.NewOpKind("Subtract")
	MultiplyKind          = graph.NewOpKind("Multiply", graph.Commutative)
	DivideKind            = graph.NewOpKind("Divide")
	MaximumKind           = graph.NewOpKind("Maximum", graph.Commutative)
	SquaredDifferenceKind = graph.NewOpKind("SquaredDifference", graph.Commutative)
	NegativeKind          = graph.NewOpKind("Negative")
	ReluKind              = graph.NewOpKind("Relu")
	TanhKind              = graph.NewOpKind("Tanh")
	GeluKind              = graph.NewOpKind("Gelu")
	ReshapeKind           = graph.NewOpKind("Reshape")
	BroadcastKind         = graph.NewOpKind("Broadcast")
	ConvertKind           = graph.NewOpKind("Convert")
	MatMulKind            = graph.NewOpKind("MatMul")
	LinearKind            = graph.NewOpKind("Linear")
	LinearActivationKind  = graph.NewOpKind("LinearActivation")
	DepthToSpaceKind      = graph.NewOpKind("DepthToSpace")
)

// Attribute keys.
const (
	AttrValue      = "value"
	AttrShape      = "shape"
	AttrType       = "type"
	AttrActivation = "activation"
	AttrMode       = "mode"
	AttrBlockSize  = "block_size"
)

type ActivationType int

const (
	ActivationIdentity ActivationType = iota
	ActivationRelu
	ActivationGELU
	ActivationTanh
)

var activationNames = map[ActivationType]string{
	ActivationIdentity: "identity",
	ActivationRelu:     "relu",
	ActivationGELU:     "gelu",
	ActivationTanh:     "tanh",
}

func (a ActivationType) String() string {
	if s, ok := activationNames[a]; ok {
		return s
	}
	return "unknown"
}

// ParseActivation is the inverse of ActivationType.String.
func ParseActivation(s string) (ActivationType, error) {
	for a, name := range activationNames {
		if strings.EqualFold(s, name) {
			return a, nil
		}
	}
	return ActivationIdentity, errors.Errorf("unknown activation %q", s)
}

// ActivationOf maps a unary activation kind to its fused form.
func ActivationOf(kind *graph.OpKind) (ActivationType, bool) {
	switch kind {
	case ReluKind:
		return ActivationRelu, true
	case GeluKind:
		return ActivationGELU, true
	case TanhKind:
		return ActivationTanh, true
	}
	return ActivationIdentity, false
}

// DepthToSpaceMode selects how the depth dimension is split.
type DepthToSpaceMode string

const (
	BlocksFirst DepthToSpaceMode = "blocks_first"
	DepthFirst  DepthToSpaceMode = "depth_first"
)

func one(a graph.NodeAdder, kind *graph.OpKind, inputs []graph.Output, out graph.OutputDesc, attrs graph.Attrs) (graph.Output, error) {
	n, err := a.AddNode(kind, inputs, []graph.OutputDesc{out}, attrs)
	if err != nil {
		return graph.Output{}, err
	}
	return n.Output(0), nil
}

// Constant creates a constant. values holds the elements in row-major order;
// a single value is splatted over the whole shape.
func Constant(a graph.NodeAdder, et graph.ElementType, shape graph.Shape, values ...float64) (graph.Output, error) {
	if shape.IsDynamic() {
		return graph.Output{}, errors.New("ops: constant needs a static shape")
	}
	if len(values) != 1 && len(values) != shape.Size() {
		return graph.Output{}, errors.Errorf("ops: constant of shape %s given %d values", shape, len(values))
	}
	v := make([]float64, len(values))
	copy(v, values)
	return one(a, ConstantKind, nil, graph.OutputDesc{Type: et, Shape: shape}, graph.Attrs{AttrValue: v})
}

// Scalar creates a rank 0 constant.
func Scalar(a graph.NodeAdder, et graph.ElementType, v float64) (graph.Output, error) {
	return Constant(a, et, graph.ShapeOf(), v)
}

// ConstantValues returns the elements of a constant node, expanded to its
// full size.
func ConstantValues(n *graph.Node) ([]float64, error) {
	if n.Kind() != ConstantKind {
		return nil, errors.Errorf("ops: %s is not a constant", n)
	}
	v, err := n.Attrs().Floats(AttrValue)
	if err != nil {
		return nil, errors.Wrapf(err, "ops: %s", n)
	}
	size := n.OutputShape(0).Size()
	if len(v) == 1 && size > 1 {
		out := make([]float64, size)
		for i := range out {
			out[i] = v[0]
		}
		return out, nil
	}
	if len(v) != size {
		return nil, errors.Errorf("ops: %s holds %d values for shape %s", n, len(v), n.OutputShape(0))
	}
	return v, nil
}

// IsSplat reports whether o is a constant whose elements are all c.
func IsSplat(o graph.Output, c float64) bool {
	if o.Node == nil || o.Node.Kind() != ConstantKind {
		return false
	}
	v, err := o.Node.Attrs().Floats(AttrValue)
	if err != nil || len(v) == 0 {
		return false
	}
	for _, x := range v {
		if x != c {
			return false
		}
	}
	return true
}

func binary(a graph.NodeAdder, kind *graph.OpKind, x, y graph.Output) (graph.Output, error) {
	et, err := unifyType(x.Type(), y.Type())
	if err != nil {
		return graph.Output{}, errors.Wrapf(err, "ops: %s", kind)
	}
	shape, err := BroadcastShapes(x.Shape(), y.Shape())
	if err != nil {
		return graph.Output{}, errors.Wrapf(err, "ops: %s", kind)
	}
	return one(a, kind, []graph.Output{x, y}, graph.OutputDesc{Type: et, Shape: shape}, nil)
}

func Add(a graph.NodeAdder, x, y graph.Output) (graph.Output, error) {
	return binary(a, AddKind, x, y)
}

func Subtract(a graph.NodeAdder, x, y graph.Output) (graph.Output, error) {
	return binary(a, SubtractKind, x, y)
}

func Multiply(a graph.NodeAdder, x, y graph.Output) (graph.Output, error) {
	return binary(a, MultiplyKind, x, y)
}

func Divide(a graph.NodeAdder, x, y graph.Output) (graph.Output, error) {
	return binary(a, DivideKind, x, y)
}

func Maximum(a graph.NodeAdder, x, y graph.Output) (graph.Output, error) {
	return binary(a, MaximumKind, x, y)
}

// SquaredDifference computes (x-y)*(x-y) elementwise.
func SquaredDifference(a graph.NodeAdder, x, y graph.Output) (graph.Output, error) {
	return binary(a, SquaredDifferenceKind, x, y)
}

func unary(a graph.NodeAdder, kind *graph.OpKind, x graph.Output) (graph.Output, error) {
	return one(a, kind, []graph.Output{x}, x.Desc(), nil)
}

func Negative(a graph.NodeAdder, x graph.Output) (graph.Output, error) {
	return unary(a, NegativeKind, x)
}

func Relu(a graph.NodeAdder, x graph.Output) (graph.Output, error) {
	return unary(a, ReluKind, x)
}

func Tanh(a graph.NodeAdder, x graph.Output) (graph.Output, error) {
	return unary(a, TanhKind, x)
}

func Gelu(a graph.NodeAdder, x graph.Output) (graph.Output, error) {
	return unary(a, GeluKind, x)
}

// Activation applies the unary op for act. Identity returns x unchanged.
func Activation(a graph.NodeAdder, act ActivationType, x graph.Output) (graph.Output, error) {
	switch act {
	case ActivationIdentity:
		return x, nil
	case ActivationRelu:
		return Relu(a, x)
	case ActivationGELU:
		return Gelu(a, x)
	case ActivationTanh:
		return Tanh(a, x)
	}
	return graph.Output{}, errors.Errorf("ops: unknown activation %d", act)
}

// Reshape changes the shape of x. One dimension may be -1 and is inferred.
func Reshape(a graph.NodeAdder, x graph.Output, dims ...int) (graph.Output, error) {
	shape, err := ReshapeTarget(x.Shape(), dims)
	if err != nil {
		return graph.Output{}, err
	}
	return one(a, ReshapeKind, []graph.Output{x}, graph.OutputDesc{Type: x.Type(), Shape: shape},
		graph.Attrs{AttrShape: shape.Dims()})
}

// Broadcast expands x to dims following the usual trailing-dimension rules.
func Broadcast(a graph.NodeAdder, x graph.Output, dims ...int) (graph.Output, error) {
	target := graph.ShapeOf(dims...)
	got, err := BroadcastShapes(x.Shape(), target)
	if err != nil {
		return graph.Output{}, errors.Wrap(err, "ops: Broadcast")
	}
	if !got.Compatible(target) {
		return graph.Output{}, errors.Errorf("ops: cannot broadcast %s to %s", x.Shape(), target)
	}
	return one(a, BroadcastKind, []graph.Output{x}, graph.OutputDesc{Type: x.Type(), Shape: target},
		graph.Attrs{AttrShape: target.Dims()})
}

// Convert changes the element type of x.
func Convert(a graph.NodeAdder, x graph.Output, et graph.ElementType) (graph.Output, error) {
	if et.IsDynamic() {
		return graph.Output{}, errors.New("ops: Convert needs a static element type")
	}
	return one(a, ConvertKind, []graph.Output{x}, graph.OutputDesc{Type: et, Shape: x.Shape()},
		graph.Attrs{AttrType: et.String()})
}

// MatMul multiplies x [..., m, k] by w [k, n].
func MatMul(a graph.NodeAdder, x, w graph.Output) (graph.Output, error) {
	desc, err := matmulDesc(x, w)
	if err != nil {
		return graph.Output{}, err
	}
	return one(a, MatMulKind, []graph.Output{x, w}, desc, nil)
}

// Linear computes x*w + b with b of shape [n].
func Linear(a graph.NodeAdder, x, w, b graph.Output) (graph.Output, error) {
	desc, err := linearDesc(x, w, b)
	if err != nil {
		return graph.Output{}, err
	}
	return one(a, LinearKind, []graph.Output{x, w, b}, desc, nil)
}

// LinearActivation computes act(x*w + b).
func LinearActivation(a graph.NodeAdder, x, w, b graph.Output, act ActivationType) (graph.Output, error) {
	desc, err := linearDesc(x, w, b)
	if err != nil {
		return graph.Output{}, err
	}
	return one(a, LinearActivationKind, []graph.Output{x, w, b}, desc,
		graph.Attrs{AttrActivation: act.String()})
}

// DepthToSpace rearranges [N, C, H, W] into [N, C/(bs*bs), H*bs, W*bs].
func DepthToSpace(a graph.NodeAdder, x graph.Output, mode DepthToSpaceMode, blockSize int) (graph.Output, error) {
	if mode != BlocksFirst && mode != DepthFirst {
		return graph.Output{}, errors.Errorf("ops: unknown DepthToSpace mode %q", mode)
	}
	if blockSize < 1 {
		return graph.Output{}, errors.Errorf("ops: DepthToSpace block size %d", blockSize)
	}
	shape := graph.DynamicShape
	if s := x.Shape(); !s.IsDynamic() {
		if s.Rank() != 4 {
			return graph.Output{}, errors.Errorf("ops: DepthToSpace wants rank 4, got %s", s)
		}
		d := s.Dims()
		bb := blockSize * blockSize
		if d[1]%bb != 0 {
			return graph.Output{}, errors.Errorf("ops: DepthToSpace depth %d not divisible by %d", d[1], bb)
		}
		shape = graph.ShapeOf(d[0], d[1]/bb, d[2]*blockSize, d[3]*blockSize)
	}
	return one(a, DepthToSpaceKind, []graph.Output{x}, graph.OutputDesc{Type: x.Type(), Shape: shape},
		graph.Attrs{AttrMode: string(mode), AttrBlockSize: blockSize})
}
