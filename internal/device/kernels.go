package device

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-fuse/internal/graph"
	"github.com/23skdu/longbow-fuse/internal/ops"
)

// kernel computes the single output of n from its evaluated inputs. Shapes
// come from the inputs, not the graph, so dynamic declarations still run.
type kernel func(b *CPUBackend, n *graph.Node, in []*Tensor) (*Tensor, error)

var kernels = map[*graph.OpKind]kernel{
	ops.ConstantKind:          constantKernel,
	ops.AddKind:               binaryKernel(floats.AddTo),
	ops.SubtractKind:          binaryKernel(floats.SubTo),
	ops.MultiplyKind:          binaryKernel(floats.MulTo),
	ops.DivideKind:            binaryKernel(floats.DivTo),
	ops.MaximumKind:           binaryKernel(maxTo),
	ops.SquaredDifferenceKind: binaryKernel(squaredDiffTo),
	ops.NegativeKind:          unaryKernel(func(v float64) float64 { return -v }),
	ops.ReluKind:              unaryKernel(relu),
	ops.TanhKind:              unaryKernel(math.Tanh),
	ops.GeluKind:              unaryKernel(gelu),
	ops.ReshapeKind:           reshapeKernel,
	ops.BroadcastKind:         broadcastKernel,
	ops.ConvertKind:           convertKernel,
	ops.MatMulKind:            matmulKernel,
	ops.LinearKind:            linearKernel,
	ops.LinearActivationKind:  linearActivationKernel,
	ops.DepthToSpaceKind:      depthToSpaceKernel,
}

func relu(v float64) float64 {
	if v > 0 {
		return v
	}
	return 0
}

// gelu uses the tanh approximation.
func gelu(v float64) float64 {
	return 0.5 * v * (1 + math.Tanh(0.7978845608*(v+0.044715*v*v*v)))
}

func activationFunc(act ops.ActivationType) (func(float64) float64, error) {
	switch act {
	case ops.ActivationIdentity:
		return nil, nil
	case ops.ActivationRelu:
		return relu, nil
	case ops.ActivationGELU:
		return gelu, nil
	case ops.ActivationTanh:
		return math.Tanh, nil
	}
	return nil, errors.Errorf("unknown activation %d", act)
}

func maxTo(dst, s, t []float64) []float64 {
	for i := range dst {
		dst[i] = math.Max(s[i], t[i])
	}
	return dst
}

func squaredDiffTo(dst, s, t []float64) []float64 {
	floats.SubTo(dst, s, t)
	return floats.MulTo(dst, dst, dst)
}

func constantKernel(b *CPUBackend, n *graph.Node, _ []*Tensor) (*Tensor, error) {
	v, err := ops.ConstantValues(n)
	if err != nil {
		return nil, err
	}
	out := b.newTensor(n.OutputShape(0))
	copy(out.data, v)
	return out, nil
}

func binaryKernel(fn func(dst, s, t []float64) []float64) kernel {
	return func(b *CPUBackend, _ *graph.Node, in []*Tensor) (*Tensor, error) {
		x, y := in[0], in[1]
		shape, err := ops.BroadcastShapes(x.shape, y.shape)
		if err != nil {
			return nil, err
		}
		xs := b.broadcastTo(x, shape)
		ys := b.broadcastTo(y, shape)
		out := b.newTensor(shape)
		fn(out.data, xs.data, ys.data)
		if xs != x {
			b.putBuffer(xs.data)
		}
		if ys != y {
			b.putBuffer(ys.data)
		}
		return out, nil
	}
}

func unaryKernel(fn func(float64) float64) kernel {
	return func(b *CPUBackend, _ *graph.Node, in []*Tensor) (*Tensor, error) {
		out := b.newTensor(in[0].shape)
		for i, v := range in[0].data {
			out.data[i] = fn(v)
		}
		return out, nil
	}
}

// broadcastTo expands t to shape. It returns t itself when nothing changes.
func (b *CPUBackend) broadcastTo(t *Tensor, shape graph.Shape) *Tensor {
	if t.shape.Equal(shape) {
		return t
	}
	dims := shape.Dims()
	src := t.shape.Dims()
	off := len(dims) - len(src)

	// strides of t laid over the target rank; broadcast axes get stride 0
	strides := make([]int, len(dims))
	stride := 1
	for i := len(src) - 1; i >= 0; i-- {
		if src[i] != 1 {
			strides[off+i] = stride
		}
		stride *= src[i]
	}

	out := b.newTensor(shape)
	idx := make([]int, len(dims))
	for i := range out.data {
		pos := 0
		for d, x := range idx {
			pos += x * strides[d]
		}
		out.data[i] = t.data[pos]
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < dims[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out
}

func reshapeKernel(b *CPUBackend, n *graph.Node, in []*Tensor) (*Tensor, error) {
	dims, err := n.Attrs().Ints(ops.AttrShape)
	if err != nil {
		return nil, err
	}
	shape, err := ops.ReshapeTarget(in[0].shape, dims)
	if err != nil {
		return nil, err
	}
	out := b.newTensor(shape)
	copy(out.data, in[0].data)
	return out, nil
}

func broadcastKernel(b *CPUBackend, n *graph.Node, in []*Tensor) (*Tensor, error) {
	dims, err := n.Attrs().Ints(ops.AttrShape)
	if err != nil {
		return nil, err
	}
	target := graph.ShapeOf(dims...)
	got, err := ops.BroadcastShapes(in[0].shape, target)
	if err != nil {
		return nil, err
	}
	if !got.Equal(target) {
		return nil, errors.Errorf("cannot broadcast %s to %s", in[0].shape, target)
	}
	out := b.broadcastTo(in[0], target)
	if out == in[0] {
		out = b.newTensor(target)
		copy(out.data, in[0].data)
	}
	return out, nil
}

func convertKernel(b *CPUBackend, n *graph.Node, in []*Tensor) (*Tensor, error) {
	name, err := n.Attrs().Str(ops.AttrType)
	if err != nil {
		return nil, err
	}
	et, err := graph.ParseElementType(name)
	if err != nil {
		return nil, err
	}
	round := rounder(et)
	out := b.newTensor(in[0].shape)
	for i, v := range in[0].data {
		out.data[i] = round(v)
	}
	return out, nil
}

// matmul multiplies x [..., m, k] by w [k, n], flattening the leading
// dimensions of x into rows.
func (b *CPUBackend) matmul(x, w *Tensor) (*Tensor, error) {
	if x.shape.Rank() < 2 || w.shape.Rank() != 2 {
		return nil, errors.Errorf("matmul wants [...,m,k] x [k,n], got %s x %s", x.shape, w.shape)
	}
	xd := x.shape.Dims()
	k := xd[len(xd)-1]
	if k != w.shape.Dim(0) {
		return nil, errors.Errorf("matmul inner dims differ: %s x %s", x.shape, w.shape)
	}
	cols := w.shape.Dim(1)
	xd[len(xd)-1] = cols
	out := b.newTensor(graph.ShapeOf(xd...))
	rows := x.shape.Size() / k
	if rows == 0 || k == 0 || cols == 0 {
		return out, nil
	}
	dst := mat.NewDense(rows, cols, out.data)
	dst.Mul(mat.NewDense(rows, k, x.data), mat.NewDense(k, cols, w.data))
	return out, nil
}

func matmulKernel(b *CPUBackend, _ *graph.Node, in []*Tensor) (*Tensor, error) {
	return b.matmul(in[0], in[1])
}

func (b *CPUBackend) linear(in []*Tensor) (*Tensor, error) {
	out, err := b.matmul(in[0], in[1])
	if err != nil {
		return nil, err
	}
	bias := in[2]
	cols := out.shape.Dim(out.shape.Rank() - 1)
	if bias.shape.Rank() != 1 || bias.shape.Dim(0) != cols {
		b.putBuffer(out.data)
		return nil, errors.Errorf("bias %s does not match %d outputs", bias.shape, cols)
	}
	for row := 0; row+cols <= len(out.data) && cols > 0; row += cols {
		floats.Add(out.data[row:row+cols], bias.data)
	}
	return out, nil
}

func linearKernel(b *CPUBackend, _ *graph.Node, in []*Tensor) (*Tensor, error) {
	return b.linear(in)
}

func linearActivationKernel(b *CPUBackend, n *graph.Node, in []*Tensor) (*Tensor, error) {
	name, err := n.Attrs().Str(ops.AttrActivation)
	if err != nil {
		return nil, err
	}
	act, err := ops.ParseActivation(name)
	if err != nil {
		return nil, err
	}
	fn, err := activationFunc(act)
	if err != nil {
		return nil, err
	}
	out, err := b.linear(in)
	if err != nil {
		return nil, err
	}
	if fn != nil {
		for i, v := range out.data {
			out.data[i] = fn(v)
		}
	}
	return out, nil
}

func depthToSpaceKernel(b *CPUBackend, n *graph.Node, in []*Tensor) (*Tensor, error) {
	mode, err := n.Attrs().Str(ops.AttrMode)
	if err != nil {
		return nil, err
	}
	bs, err := n.Attrs().Int(ops.AttrBlockSize)
	if err != nil {
		return nil, err
	}
	x := in[0]
	if x.shape.Rank() != 4 {
		return nil, errors.Errorf("DepthToSpace wants rank 4, got %s", x.shape)
	}
	d := x.shape.Dims()
	batch, depth, height, width := d[0], d[1], d[2], d[3]
	bb := bs * bs
	if bs < 1 || depth%bb != 0 {
		return nil, errors.Errorf("DepthToSpace depth %d not divisible by %d", depth, bb)
	}
	cout := depth / bb

	var channel func(c, b1, b2 int) int
	switch ops.DepthToSpaceMode(mode) {
	case ops.BlocksFirst:
		channel = func(c, b1, b2 int) int { return (b1*bs+b2)*cout + c }
	case ops.DepthFirst:
		channel = func(c, b1, b2 int) int { return c*bb + b1*bs + b2 }
	default:
		return nil, errors.Errorf("unknown DepthToSpace mode %q", mode)
	}

	out := b.newTensor(graph.ShapeOf(batch, cout, height*bs, width*bs))
	ow := width * bs
	oh := height * bs
	for ni := 0; ni < batch; ni++ {
		for c := 0; c < cout; c++ {
			for h := 0; h < height; h++ {
				for b1 := 0; b1 < bs; b1++ {
					for w := 0; w < width; w++ {
						for b2 := 0; b2 < bs; b2++ {
							src := ((ni*depth+channel(c, b1, b2))*height+h)*width + w
							dst := ((ni*cout+c)*oh+h*bs+b1)*ow + w*bs + b2
							out.data[dst] = x.data[src]
						}
					}
				}
			}
		}
	}
	return out, nil
}
