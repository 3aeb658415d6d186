package graph

import (
	"bytes"
	"strconv"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testAdd   = NewOpKind("test.Add", Commutative)
	testRelu  = NewOpKind("test.Relu")
	testSplit = NewOpKind("test.Split")
	testConst = NewOpKind("test.Const", Constant, Source)
)

func f32(dims ...int) []OutputDesc {
	return []OutputDesc{{Type: Float32, Shape: ShapeOf(dims...)}}
}

func mustAdd(t *testing.T, a NodeAdder, kind *OpKind, inputs ...Output) *Node {
	t.Helper()
	n, err := a.AddNode(kind, inputs, f32(2, 3), nil)
	require.NoError(t, err)
	return n
}

// x -> relu -> add(relu, y) -> result
func buildSmall(t *testing.T) (*Graph, Output, Output, *Node, *Node) {
	t.Helper()
	g := New("small")
	x := g.Parameter("x", Float32, ShapeOf(2, 3))
	y := g.Parameter("y", Float32, ShapeOf(2, 3))
	relu := mustAdd(t, g, testRelu, x)
	add := mustAdd(t, g, testAdd, relu.Output(0), y)
	require.NoError(t, g.SetResults(add.Output(0)))
	return g, x, y, relu, add
}

func TestElementType(t *testing.T) {
	et, err := ParseElementType("float32")
	require.NoError(t, err)
	assert.True(t, et.Equal(Float32))
	assert.Equal(t, "f32", et.String())
	assert.Equal(t, 32, et.BitWidth())
	assert.True(t, et.IsFloat())
	assert.True(t, Float16.IsFloat())
	assert.False(t, Int64.IsFloat())

	assert.True(t, DynamicType.Equal(DynamicType))
	assert.False(t, DynamicType.Equal(Float32))
	assert.True(t, DynamicType.Compatible(Float32))
	assert.False(t, Float32.Compatible(Float64))
	assert.True(t, ElementTypeOf(arrow.PrimitiveTypes.Int32).Equal(Int32))

	_, err = ParseElementType("complex128")
	assert.Error(t, err)
}

func TestShape(t *testing.T) {
	s := ShapeOf(2, 3)
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 6, s.Size())
	assert.Equal(t, "[2,3]", s.String())
	assert.True(t, s.Equal(ShapeOf(2, 3)))
	assert.False(t, s.Equal(ShapeOf(3, 2)))
	assert.False(t, s.Equal(DynamicShape))
	assert.True(t, s.Compatible(DynamicShape))

	scalar := ShapeOf()
	assert.False(t, scalar.IsDynamic())
	assert.Equal(t, 0, scalar.Rank())
	assert.Equal(t, 1, scalar.Size())

	assert.Equal(t, -1, DynamicShape.Rank())
	assert.Equal(t, "?", DynamicShape.String())
}

func TestOpKindRegistry(t *testing.T) {
	k, ok := LookupOpKind("test.Add")
	require.True(t, ok)
	assert.Same(t, testAdd, k)
	assert.True(t, k.IsCommutative())
	assert.False(t, testRelu.IsCommutative())
	assert.True(t, testConst.Is(Constant|Source))
	assert.Contains(t, OpKinds(), "Parameter")

	assert.Panics(t, func() { NewOpKind("test.Add") })
}

func TestAttrs(t *testing.T) {
	a := Attrs{
		"axis":  uint64(2),
		"mode":  "blocks_first",
		"shape": []any{uint64(4), int64(-1)},
		"value": []float32{1.5},
	}
	axis, err := a.Int("axis")
	require.NoError(t, err)
	assert.Equal(t, 2, axis)

	mode, err := a.Str("mode")
	require.NoError(t, err)
	assert.Equal(t, "blocks_first", mode)

	shape, err := a.Ints("shape")
	require.NoError(t, err)
	assert.Equal(t, []int{4, -1}, shape)

	v, err := a.Floats("value")
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5}, v)

	_, err = a.Str("axis")
	assert.Error(t, err)
	_, err = a.Int("missing")
	assert.Error(t, err)

	c := a.Clone()
	c["axis"] = 7
	assert.Equal(t, uint64(2), a["axis"])
}

func TestGraphBuild(t *testing.T) {
	g, x, y, relu, add := buildSmall(t)

	assert.Equal(t, 4, g.Len())
	assert.True(t, g.Has(relu))
	assert.Equal(t, []*Node{x.Node, y.Node}, g.Parameters())
	assert.Equal(t, "x", x.Node.Name())
	assert.Equal(t, "test.Relu_3", relu.Name())

	n, ok := g.Node(add.ID())
	require.True(t, ok)
	assert.Same(t, add, n)

	uses := g.Consumers(relu)
	require.Len(t, uses, 1)
	assert.Equal(t, Use{Node: add, Slot: 0}, uses[0])

	uses = g.ConsumersOf(add.Output(0))
	require.Len(t, uses, 1)
	assert.True(t, uses[0].IsResult())

	assert.NoError(t, g.Validate())

	t.Run("foreign value", func(t *testing.T) {
		other := New("other")
		_, err := other.AddNode(testRelu, []Output{x}, f32(2, 3), nil)
		assert.True(t, errors.Is(err, ErrForeignValue))
	})

	t.Run("invalid output index", func(t *testing.T) {
		_, err := g.AddNode(testRelu, []Output{{Node: relu, Index: 3}}, f32(2, 3), nil)
		assert.True(t, errors.Is(err, ErrDangling))
	})

	t.Run("no outputs", func(t *testing.T) {
		_, err := g.AddNode(testRelu, []Output{x}, nil, nil)
		assert.Error(t, err)
	})
}

func TestTopologicalOrder(t *testing.T) {
	g, x, y, relu, add := buildSmall(t)
	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []*Node{x.Node, y.Node, relu, add}, order)

	pos := make(map[*Node]int)
	for i, n := range order {
		pos[n] = i
	}
	for _, n := range order {
		for _, in := range n.Inputs() {
			assert.Less(t, pos[in.Node], pos[n])
		}
	}
}

func TestPrune(t *testing.T) {
	g, x, _, _, add := buildSmall(t)
	dead := mustAdd(t, g, testRelu, x)
	mustAdd(t, g, testRelu, dead.Output(0))
	assert.Equal(t, 6, g.Len())

	removed := g.Prune()
	assert.Equal(t, 2, removed)
	assert.False(t, g.Has(dead))
	assert.True(t, g.Has(add))
	assert.NoError(t, g.Validate())

	t.Run("parameters survive", func(t *testing.T) {
		g := New("params")
		p := g.Parameter("unused", Float32, ShapeOf(2, 3))
		q := g.Parameter("q", Float32, ShapeOf(2, 3))
		require.NoError(t, g.SetResults(q))
		assert.Equal(t, 0, g.Prune())
		assert.True(t, g.Has(p.Node))
	})

	t.Run("no results", func(t *testing.T) {
		g := New("open")
		x := g.Parameter("x", Float32, ShapeOf(2, 3))
		mustAdd(t, g, testRelu, x)
		assert.Equal(t, 0, g.Prune())
		assert.Equal(t, 2, g.Len())
	})
}

func TestCodecRoundTrip(t *testing.T) {
	g := New("codec")
	x := g.Parameter("x", Float32, ShapeOf(2, 3))
	d := g.Parameter("d", DynamicType, DynamicShape)
	c, err := g.AddNode(testConst, nil, []OutputDesc{{Type: Float32, Shape: ShapeOf()}},
		Attrs{"value": []float64{0.5}})
	require.NoError(t, err)
	split, err := g.AddNode(testSplit, []Output{x}, append(f32(1, 3), f32(1, 3)...), Attrs{"axis": 0})
	require.NoError(t, err)
	add := mustAdd(t, g, testAdd, split.Output(1), c.Output(0))
	require.NoError(t, g.SetResults(add.Output(0), split.Output(0), d))

	data, err := Marshal(g)
	require.NoError(t, err)
	again, err := Marshal(g)
	require.NoError(t, err)
	assert.Equal(t, data, again, "encoding is deterministic")

	h, err := Unmarshal(data)
	require.NoError(t, err)
	require.NoError(t, h.Validate())
	assert.Equal(t, "codec", h.Name())
	assert.Equal(t, g.Len(), h.Len())

	params := h.Parameters()
	require.Len(t, params, 2)
	assert.Equal(t, "x", params[0].Name())
	assert.True(t, params[1].OutputType(0).IsDynamic())
	assert.True(t, params[1].OutputShape(0).IsDynamic())

	results := h.Results()
	require.Len(t, results, 3)
	assert.Same(t, testAdd, results[0].Node.Kind())
	assert.Equal(t, 1, results[0].Node.Input(0).Index)
	assert.Same(t, testSplit, results[1].Node.Kind())
	assert.Equal(t, 2, results[1].Node.NumOutputs())

	cn := results[0].Node.Input(1).Node
	assert.True(t, cn.IsConstant())
	assert.Equal(t, 0, cn.OutputShape(0).Rank())
	v, err := cn.Attrs().Floats("value")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5}, v)

	t.Run("unknown op", func(t *testing.T) {
		doc, err := Encode(g)
		require.NoError(t, err)
		doc.Nodes[len(doc.Nodes)-1].Op = "NoSuchOp"
		_, err = Decode(doc)
		assert.Error(t, err)
	})

	t.Run("dangling reference", func(t *testing.T) {
		doc, err := Encode(g)
		require.NoError(t, err)
		doc.Results[0].Node = 999
		_, err = Decode(doc)
		assert.True(t, errors.Is(err, ErrDangling))
	})
}

func TestWriteDot(t *testing.T) {
	g, _, _, relu, add := buildSmall(t)
	var buf bytes.Buffer
	require.NoError(t, g.WriteDot(&buf))
	out := buf.String()
	assert.Contains(t, out, "digraph small {")
	assert.Contains(t, out, "n3 -> n4 [label=0];")
	assert.Contains(t, out, relu.Name())
	assert.Contains(t, out, add.Name())
	assert.Contains(t, out, "n4 -> result0;")
	assert.Contains(t, out, "result0 [")
}

func TestWriteDotRepeatedOperand(t *testing.T) {
	g := New("square")
	x := g.Parameter("x", Float32, ShapeOf(4))
	sq := mustAdd(t, g, testAdd, x, x)
	require.NoError(t, g.SetResults(sq.Output(0)))

	var buf bytes.Buffer
	require.NoError(t, g.WriteDot(&buf))
	out := buf.String()
	from := "n" + strconv.FormatInt(x.Node.ID(), 10)
	to := "n" + strconv.FormatInt(sq.ID(), 10)
	assert.Contains(t, out, from+" -> "+to+" [label=0];")
	assert.Contains(t, out, from+" -> "+to+" [label=1];")
}
