package ops

import (
	"github.com/pkg/errors"

	"github.com/23skdu/longbow-fuse/internal/graph"
)

func unifyType(x, y graph.ElementType) (graph.ElementType, error) {
	if x.IsDynamic() {
		return y, nil
	}
	if y.IsDynamic() || x.Equal(y) {
		return x, nil
	}
	return graph.DynamicType, errors.Errorf("element types %s and %s differ", x, y)
}

// BroadcastShapes returns the shape of an elementwise op over x and y. Trailing
// dimensions must be equal or 1. A dynamic input gives a dynamic result.
func BroadcastShapes(x, y graph.Shape) (graph.Shape, error) {
	if x.IsDynamic() || y.IsDynamic() {
		return graph.DynamicShape, nil
	}
	xd, yd := x.Dims(), y.Dims()
	if len(xd) < len(yd) {
		xd, yd = yd, xd
	}
	out := make([]int, len(xd))
	copy(out, xd)
	off := len(xd) - len(yd)
	for i, d := range yd {
		switch o := out[off+i]; {
		case o == d, d == 1:
		case o == 1:
			out[off+i] = d
		default:
			return graph.DynamicShape, errors.Errorf("shapes %s and %s do not broadcast", x, y)
		}
	}
	return graph.ShapeOf(out...), nil
}

// ReshapeTarget resolves a reshape of from to dims, inferring a single -1.
func ReshapeTarget(from graph.Shape, dims []int) (graph.Shape, error) {
	infer := -1
	known := 1
	for i, d := range dims {
		switch {
		case d == -1 && infer < 0:
			infer = i
		case d < 0:
			return graph.DynamicShape, errors.Errorf("ops: invalid reshape dims %v", dims)
		default:
			known *= d
		}
	}
	out := append([]int(nil), dims...)
	if from.IsDynamic() {
		if infer >= 0 {
			return graph.DynamicShape, nil
		}
		return graph.ShapeOf(out...), nil
	}
	size := from.Size()
	if infer >= 0 {
		if known == 0 || size%known != 0 {
			return graph.DynamicShape, errors.Errorf("ops: cannot reshape %s to %v", from, dims)
		}
		out[infer] = size / known
		known = size
	}
	if known != size {
		return graph.DynamicShape, errors.Errorf("ops: cannot reshape %s to %v", from, dims)
	}
	return graph.ShapeOf(out...), nil
}

func matmulDesc(x, w graph.Output) (graph.OutputDesc, error) {
	et, err := unifyType(x.Type(), w.Type())
	if err != nil {
		return graph.OutputDesc{}, errors.Wrap(err, "ops: MatMul")
	}
	xs, ws := x.Shape(), w.Shape()
	if xs.IsDynamic() || ws.IsDynamic() {
		return graph.OutputDesc{Type: et, Shape: graph.DynamicShape}, nil
	}
	if xs.Rank() < 2 || ws.Rank() != 2 {
		return graph.OutputDesc{}, errors.Errorf("ops: MatMul wants [...,m,k] x [k,n], got %s x %s", xs, ws)
	}
	xd := xs.Dims()
	if xd[len(xd)-1] != ws.Dim(0) {
		return graph.OutputDesc{}, errors.Errorf("ops: MatMul inner dims differ: %s x %s", xs, ws)
	}
	xd[len(xd)-1] = ws.Dim(1)
	return graph.OutputDesc{Type: et, Shape: graph.ShapeOf(xd...)}, nil
}

func linearDesc(x, w, b graph.Output) (graph.OutputDesc, error) {
	desc, err := matmulDesc(x, w)
	if err != nil {
		return desc, err
	}
	if _, err := unifyType(desc.Type, b.Type()); err != nil {
		return graph.OutputDesc{}, errors.Wrap(err, "ops: Linear bias")
	}
	bs := b.Shape()
	if !bs.IsDynamic() && !desc.Shape.IsDynamic() {
		n := desc.Shape.Dim(desc.Shape.Rank() - 1)
		if bs.Rank() != 1 || bs.Dim(0) != n {
			return graph.OutputDesc{}, errors.Errorf("ops: Linear bias %s does not match %d outputs", bs, n)
		}
	}
	return desc, nil
}
