package pattern

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-fuse/internal/graph"
	"github.com/23skdu/longbow-fuse/internal/ops"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	return 0
}

func must(t *testing.T) func(graph.Output, error) graph.Output {
	return func(o graph.Output, err error) graph.Output {
		t.Helper()
		require.NoError(t, err)
		return o
	}
}

type fixture struct {
	g          *graph.Graph
	a, b       graph.Output
	relu       graph.Output
	add        graph.Output
	sq         graph.Output
	sum        graph.Output
	allOutputs []graph.Output
}

// a, b -> relu(a) -> add(relu, b); sq = add(a, a); sum = add(relu, sq)
func newFixture(t *testing.T) *fixture {
	g := graph.New("fixture")
	f := &fixture{g: g}
	f.a = g.Parameter("a", graph.Float32, graph.ShapeOf(2, 3))
	f.b = g.Parameter("b", graph.Float32, graph.ShapeOf(2, 3))
	f.relu = must(t)(ops.Relu(g, f.a))
	f.add = must(t)(ops.Add(g, f.relu, f.b))
	f.sq = must(t)(ops.Add(g, f.a, f.a))
	f.sum = must(t)(ops.Add(g, f.add, f.sq))
	require.NoError(t, g.SetResults(f.sum))
	for _, n := range g.Nodes() {
		f.allOutputs = append(f.allOutputs, n.Outputs()...)
	}
	return f
}

func TestSkipMatchesEveryNode(t *testing.T) {
	f := newFixture(t)
	for _, o := range f.allOutputs {
		vm, ok := Match(Wildcard(), o, Strict)
		require.True(t, ok, o.String())
		assert.Equal(t, 0, vm.Len())
		assert.Empty(t, vm.Matched())
		assert.Equal(t, o, vm.Root())
	}

	onlyRelu := NewSkip(HasOpKind(ops.ReluKind))
	_, ok := Match(onlyRelu, f.relu, Strict)
	assert.True(t, ok)
	_, ok = Match(onlyRelu, f.add, Strict)
	assert.False(t, ok)
}

func TestRepeatedLabel(t *testing.T) {
	f := newFixture(t)
	p := NewOp(ops.AddKind, Var("x"), Var("x"))

	vm, ok := Match(p, f.sq, Strict)
	require.True(t, ok)
	assert.Equal(t, f.a, vm.Value("x"))
	assert.Equal(t, []string{"x"}, vm.Names())
	assert.Equal(t, []*graph.Node{f.sq.Node}, vm.Matched())

	_, ok = Match(p, f.add, Strict)
	assert.False(t, ok, "add(relu, b) has two different operands")
}

func TestRepeatedLabelChecksEveryOccurrence(t *testing.T) {
	f := newFixture(t)

	t.Run("Predicate", func(t *testing.T) {
		calls := 0
		never := func(graph.Output) bool {
			calls++
			return false
		}
		_, ok := Match(NewOp(ops.AddKind, Var("x"), VarWhere("x", never)), f.sq, Strict)
		assert.False(t, ok)
		assert.Equal(t, 1, calls)

		_, ok = Match(NewOp(ops.AddKind, Var("x"), VarWhere("x", HasRank(2))), f.sq, Strict)
		assert.True(t, ok)
	})

	t.Run("Sub pattern", func(t *testing.T) {
		reluOf := NewLabel("y", graph.DynamicType, graph.DynamicShape, nil, NewOp(ops.ReluKind, Wildcard()))
		_, ok := Match(NewOp(ops.AddKind, Var("y"), reluOf), f.sq, Strict)
		assert.False(t, ok)
	})

	t.Run("Strict declaration", func(t *testing.T) {
		half := NewLabel("z", graph.Float16, graph.DynamicShape, nil, nil)
		p := NewOp(ops.AddKind, Var("z"), half)
		_, ok := Match(p, f.sq, Strict)
		assert.False(t, ok)
		_, ok = Match(p, f.sq, Loose)
		assert.True(t, ok)
	})
}

func TestAnyOfAlwaysFalse(t *testing.T) {
	f := newFixture(t)
	never := func(graph.Output) bool { return false }
	p := MustAnyOf(graph.DynamicType, graph.DynamicShape, never, Wildcard())

	for _, o := range f.allOutputs {
		vm, ok := Match(p, o, Strict)
		assert.False(t, ok)
		assert.Nil(t, vm)
	}

	// the failed AnyOf branch visited the node but the visit does not leak
	// into the alternative that succeeds
	alt := NewOr(p, NewOp(ops.AddKind, Wildcard(), Wildcard()))
	vm, ok := Match(alt, f.add, Strict)
	require.True(t, ok)
	assert.Equal(t, []*graph.Node{f.add.Node}, vm.Matched())
}

func TestAnyOfDescendsInInputOrder(t *testing.T) {
	f := newFixture(t)
	var tried []graph.Output
	notRelu := func(o graph.Output) bool {
		tried = append(tried, o)
		return o.Node.Kind() != ops.ReluKind
	}
	p := MustAnyOf(graph.DynamicType, graph.DynamicShape, HasOpKind(ops.AddKind), VarWhere("y", notRelu))

	vm, ok := Match(p, f.add, Strict)
	require.True(t, ok)
	assert.Equal(t, f.b, vm.Value("y"))
	assert.Equal(t, []*graph.Node{f.add.Node}, vm.Matched())
	assert.Equal(t, []graph.Output{f.relu, f.b}, tried)

	_, ok = Match(p, f.relu, Strict)
	assert.False(t, ok, "relu fails the AnyOf predicate")
}

func TestAnyOfConstruction(t *testing.T) {
	_, err := NewAnyOf(graph.DynamicType, graph.DynamicShape, nil)
	assert.True(t, errors.Is(err, ErrAnyOfArity))
	_, err = NewAnyOf(graph.DynamicType, graph.DynamicShape, nil, Wildcard(), Wildcard())
	assert.True(t, errors.Is(err, ErrAnyOfArity))
	_, err = NewAnyOf(graph.DynamicType, graph.DynamicShape, nil, nil)
	assert.True(t, errors.Is(err, ErrAnyOfArity))
	assert.Panics(t, func() { MustAnyOf(graph.DynamicType, graph.DynamicShape, nil) })

	f := newFixture(t)
	p, err := NewAnyOfLike(f.add, nil, Var("v"))
	require.NoError(t, err)
	assert.Contains(t, p.String(), "f32 [2,3]")
}

func TestAnyOfSkipsChain(t *testing.T) {
	g := graph.New("chain")
	x := g.Parameter("x", graph.Float32, graph.ShapeOf(2, 3))
	r1 := must(t)(ops.Reshape(g, x, 3, 2))
	r2 := must(t)(ops.Reshape(g, r1, 6))
	passThrough := HasOpKind(ops.ReshapeKind)

	// AnyOf(reshape, AnyOf(reshape, x)) records both reshapes
	inner := MustAnyOf(graph.DynamicType, graph.DynamicShape, passThrough, VarWhere("src", HasOpKind(graph.ParameterKind)))
	outer := MustAnyOf(graph.DynamicType, graph.DynamicShape, passThrough, inner)
	vm, ok := Match(outer, r2, Strict)
	require.True(t, ok)
	assert.Equal(t, x, vm.Value("src"))
	assert.Equal(t, []*graph.Node{r2.Node, r1.Node}, vm.Matched())
}

func TestOrOrdering(t *testing.T) {
	f := newFixture(t)

	t.Run("first fails, second wins", func(t *testing.T) {
		p1 := NewOp(ops.ReluKind, Var("first")).Typed(graph.Float32, graph.ShapeOf(3, 2))
		p2 := NewOp(ops.ReluKind, Var("second"))
		vm, ok := Match(NewOr(p1, p2), f.relu, Strict)
		require.True(t, ok)
		_, bound := vm.Get("first")
		assert.False(t, bound)
		assert.Equal(t, f.a, vm.Value("second"))
	})

	t.Run("short circuit", func(t *testing.T) {
		calls := 0
		counting := func(graph.Output) bool {
			calls++
			return true
		}
		p1 := NewOp(ops.ReluKind, Var("first"))
		p2 := NewOp(ops.ReluKind, Var("second")).Where(counting)
		vm, ok := Match(NewOr(p1, p2), f.relu, Strict)
		require.True(t, ok)
		assert.Equal(t, f.a, vm.Value("first"))
		assert.Equal(t, 0, calls)
	})

	t.Run("rollback between alternatives", func(t *testing.T) {
		// alternative 1 binds x then fails on the second operand
		p1 := NewOp(ops.AddKind, Var("x"), NewOp(ops.ReluKind, Var("z")))
		p2 := NewOp(ops.AddKind, Var("y"), Var("w"))
		vm, ok := NewMatcher(NewOr(p1, p2), WithMaxPermutationArity(0)).Match(f.sq)
		require.True(t, ok)
		assert.Equal(t, []string{"y", "w"}, vm.Names())
		assert.Equal(t, []*graph.Node{f.sq.Node}, vm.Matched())
	})

	t.Run("empty never matches", func(t *testing.T) {
		_, ok := Match(NewOr(), f.relu, Strict)
		assert.False(t, ok)
	})
}

func TestCommutativePermutation(t *testing.T) {
	f := newFixture(t)
	// add(relu(a), b) written the other way round
	p := NewOp(ops.AddKind, Var("other"), NewOp(ops.ReluKind, Var("in")))

	before := getMetricValue(permutationsTried)
	vm, ok := Match(p, f.add, Strict)
	require.True(t, ok)
	assert.Equal(t, f.b, vm.Value("other"))
	assert.Equal(t, f.a, vm.Value("in"))
	assert.Equal(t, []*graph.Node{f.add.Node, f.relu.Node}, vm.Matched())
	assert.Equal(t, 1.0, getMetricValue(permutationsTried)-before)

	t.Run("identity order first", func(t *testing.T) {
		before := getMetricValue(permutationsTried)
		vm, ok := Match(NewOp(ops.AddKind, Var("l"), Var("r")), f.add, Strict)
		require.True(t, ok)
		assert.Equal(t, f.relu, vm.Value("l"))
		assert.Equal(t, f.b, vm.Value("r"))
		assert.Equal(t, 0.0, getMetricValue(permutationsTried)-before)
	})

	t.Run("non commutative kinds keep order", func(t *testing.T) {
		g := graph.New("sub")
		x := g.Parameter("x", graph.Float32, graph.ShapeOf(3))
		y := g.Parameter("y", graph.Float32, graph.ShapeOf(3))
		d := must(t)(ops.Subtract(g, x, must(t)(ops.Relu(g, y))))
		_, ok := Match(NewOp(ops.SubtractKind, NewOp(ops.ReluKind, Wildcard()), Wildcard()), d, Strict)
		assert.False(t, ok)
	})

	t.Run("above the arity bound", func(t *testing.T) {
		before := getMetricValue(arityOverflow)
		_, ok := NewMatcher(p, WithMaxPermutationArity(1)).Match(f.add)
		assert.False(t, ok)
		assert.Equal(t, 1.0, getMetricValue(arityOverflow)-before)
	})
}

func TestStrictAndLoose(t *testing.T) {
	f := newFixture(t)
	p := NewOp(ops.ReluKind, Wildcard()).Typed(graph.Float64, graph.DynamicShape)

	_, ok := Match(p, f.relu, Strict)
	assert.False(t, ok)
	_, ok = Match(p, f.relu, Loose)
	assert.True(t, ok)

	dyn := NewOp(ops.ReluKind, Wildcard()).Typed(graph.DynamicType, graph.DynamicShape)
	_, ok = Match(dyn, f.relu, Strict)
	assert.True(t, ok, "dynamic declarations are unconstrained")

	label := NewLabel("v", graph.Float32, graph.ShapeOf(3, 2), nil, nil)
	_, ok = Match(label, f.relu, Strict)
	assert.False(t, ok)
	_, ok = Match(label, f.relu, Loose)
	assert.True(t, ok)

	assert.Equal(t, "loose", Loose.String())
}

func TestDepthLimit(t *testing.T) {
	f := newFixture(t)
	p := NewOp(ops.AddKind, NewOp(ops.AddKind, NewOp(ops.ReluKind, Wildcard()), Wildcard()), Wildcard())

	_, ok := Match(p, f.sum, Strict)
	require.True(t, ok)

	before := getMetricValue(depthExceeded)
	vm, ok := NewMatcher(p, WithMaxDepth(2)).Match(f.sum)
	assert.False(t, ok)
	assert.Nil(t, vm)
	assert.Greater(t, getMetricValue(depthExceeded)-before, 0.0)
}

func TestLabelSubPattern(t *testing.T) {
	f := newFixture(t)
	p := NewOp(ops.AddKind,
		NewLabel("act", graph.DynamicType, graph.DynamicShape, nil, NewOp(ops.ReluKind, Var("in"))),
		Var("rest"))

	vm, ok := Match(p, f.add, Strict)
	require.True(t, ok)
	assert.Equal(t, f.relu, vm.Value("act"))
	assert.Equal(t, f.a, vm.Value("in"))
	assert.Equal(t, f.b, vm.Value("rest"))
	assert.Equal(t, []string{"in", "act", "rest"}, vm.Names())

	anon1 := NewLabel("", graph.DynamicType, graph.DynamicShape, nil, nil)
	anon2 := NewLabel("", graph.DynamicType, graph.DynamicShape, nil, nil)
	assert.NotEqual(t, anon1.Name(), anon2.Name())
	_, ok = Match(NewOp(ops.AddKind, anon1, anon2), f.add, Strict)
	assert.True(t, ok)
}

func TestAnyPattern(t *testing.T) {
	f := newFixture(t)
	unary := NewAny(nil, Var("x"))
	vm, ok := Match(unary, f.relu, Strict)
	require.True(t, ok)
	assert.Equal(t, f.a, vm.Value("x"))

	_, ok = Match(unary, f.add, Strict)
	assert.False(t, ok, "arity differs")

	anything := NewAny(IsFloat())
	_, ok = Match(anything, f.sum, Strict)
	assert.True(t, ok)

	// Any follows the commutativity of the subject
	vm, ok = Match(NewAny(nil, Var("p"), NewOp(ops.ReluKind, Wildcard())), f.add, Strict)
	require.True(t, ok)
	assert.Equal(t, f.b, vm.Value("p"))
}

func TestPort(t *testing.T) {
	splitKind := graph.NewOpKind("test.Split2")
	g := graph.New("port")
	x := g.Parameter("x", graph.Float32, graph.ShapeOf(4))
	desc := graph.OutputDesc{Type: graph.Float32, Shape: graph.ShapeOf(2)}
	split, err := g.AddNode(splitKind, []graph.Output{x}, []graph.OutputDesc{desc, desc}, nil)
	require.NoError(t, err)

	_, ok := Match(NewOp(splitKind, Wildcard()), split.Output(1), Strict)
	assert.False(t, ok)
	_, ok = Match(NewOp(splitKind, Wildcard()).Port(1), split.Output(1), Strict)
	assert.True(t, ok)
}

func TestPredicates(t *testing.T) {
	f := newFixture(t)
	c := must(t)(ops.Scalar(f.g, graph.Float32, 2))

	assert.True(t, HasType(graph.Float32)(f.a))
	assert.True(t, HasShape(graph.ShapeOf(2, 3))(f.a))
	assert.True(t, HasRank(2)(f.a))
	assert.True(t, HasStaticShape()(f.a))
	assert.True(t, IsConstant()(c))
	assert.False(t, IsConstant()(f.a))
	assert.True(t, All(HasRank(2), nil, IsFloat())(f.a))
	assert.False(t, All(HasRank(2), IsConstant())(f.a))
	assert.True(t, Some(IsConstant(), HasRank(2))(f.a))
	assert.False(t, Some()(f.a))
	assert.True(t, Not(IsConstant())(f.a))

	// a feeds relu and sq twice
	assert.True(t, ConsumerCount(3)(f.a))
	assert.True(t, SingleConsumer()(f.relu))
	assert.True(t, SingleConsumer()(f.sum), "graph results count as uses")
	assert.False(t, SingleConsumer()(c))
}

func TestMatchDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	before, err := graph.Marshal(f.g)
	require.NoError(t, err)
	p := NewOr(
		NewOp(ops.AddKind, Var("x"), Var("x")),
		MustAnyOf(graph.DynamicType, graph.DynamicShape, nil, NewOp(ops.ReluKind, Var("x"))),
	)
	for _, o := range f.allOutputs {
		Match(p, o, Strict)
	}
	after, err := graph.Marshal(f.g)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
