package passes

import (
	"github.com/23skdu/longbow-fuse/internal/graph"
	"github.com/23skdu/longbow-fuse/internal/ops"
	"github.com/23skdu/longbow-fuse/internal/pattern"
	"github.com/23skdu/longbow-fuse/internal/rewrite"
)

func splat(c float64) pattern.Predicate {
	return func(o graph.Output) bool { return ops.IsSplat(o, c) }
}

// x+0, x-0, x*1, x/1 -> x. Add and Multiply are commutative so 0+x and 1*x
// match too.
func algebraicIdentity() rewrite.Pass {
	zero := pattern.NewSkip(splat(0))
	one := pattern.NewSkip(splat(1))
	return rewrite.Pass{
		Name: AlgebraicIdentity,
		Pattern: pattern.NewOr(
			pattern.NewOp(ops.AddKind, pattern.Var("x"), zero),
			pattern.NewOp(ops.SubtractKind, pattern.Var("x"), zero),
			pattern.NewOp(ops.MultiplyKind, pattern.Var("x"), one),
			pattern.NewOp(ops.DivideKind, pattern.Var("x"), one),
		),
		Build: func(b *rewrite.Builder, m *pattern.ValueMap) ([]graph.Output, error) {
			x, root := m.Value("x"), b.Root()
			// the constant may have broadcast x to a bigger shape
			if !x.Shape().Equal(root.Shape()) || !x.Type().Equal(root.Type()) {
				return nil, nil
			}
			return []graph.Output{x}, nil
		},
	}
}

// reshape(x) to x's own shape -> x
func identityReshape() rewrite.Pass {
	sameShape := func(o graph.Output) bool {
		in := o.Node.Input(0).Shape()
		return !in.IsDynamic() && in.Equal(o.Shape())
	}
	return rewrite.Pass{
		Name:    IdentityReshape,
		Pattern: pattern.NewOp(ops.ReshapeKind, pattern.Var("x")).Where(sameShape),
		Build: func(b *rewrite.Builder, m *pattern.ValueMap) ([]graph.Output, error) {
			return []graph.Output{m.Value("x")}, nil
		},
	}
}

// reshape(reshape(x)) -> reshape(x). The inner reshape is skipped with an
// AnyOf so it shows up in the matched list.
func reshapeChain() rewrite.Pass {
	isReshape := pattern.HasOpKind(ops.ReshapeKind)
	inner := pattern.MustAnyOf(graph.DynamicType, graph.DynamicShape, isReshape,
		pattern.VarWhere("src", pattern.Not(isReshape)))
	return rewrite.Pass{
		Name:    ReshapeChain,
		Pattern: pattern.NewOp(ops.ReshapeKind, inner).Where(pattern.HasStaticShape()),
		Build: func(b *rewrite.Builder, m *pattern.ValueMap) ([]graph.Output, error) {
			out, err := ops.Reshape(b, m.Value("src"), b.Root().Shape().Dims()...)
			if err != nil {
				return nil, err
			}
			return []graph.Output{out}, nil
		},
	}
}
