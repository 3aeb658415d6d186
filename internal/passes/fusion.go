package passes

import (
	"github.com/pkg/errors"

	"github.com/23skdu/longbow-fuse/internal/graph"
	"github.com/23skdu/longbow-fuse/internal/ops"
	"github.com/23skdu/longbow-fuse/internal/pattern"
	"github.com/23skdu/longbow-fuse/internal/rewrite"
)

func single(outs ...graph.Output) []graph.Output { return outs }

// (a-b)*(a-b) -> SquaredDifference(a, b). Both operands of the multiply must
// be the very same subtract.
func squaredDifference() rewrite.Pass {
	diff := pattern.NewLabel("diff", graph.DynamicType, graph.DynamicShape, nil,
		pattern.NewOp(ops.SubtractKind, pattern.Var("a"), pattern.Var("b")))
	return rewrite.Pass{
		Name:    SquaredDiff,
		Pattern: pattern.NewOp(ops.MultiplyKind, diff, diff),
		Build: func(b *rewrite.Builder, m *pattern.ValueMap) ([]graph.Output, error) {
			out, err := ops.SquaredDifference(b, m.Value("a"), m.Value("b"))
			if err != nil {
				return nil, err
			}
			return single(out), nil
		},
	}
}

// MatMul(x, w) + b -> Linear(x, w, b) for a rank 1 bias. The matmul must have
// no other consumer, otherwise it would be computed twice.
func linear() rewrite.Pass {
	mm := pattern.NewLabel("mm", graph.DynamicType, graph.DynamicShape, pattern.SingleConsumer(),
		pattern.NewOp(ops.MatMulKind, pattern.Var("x"), pattern.Var("w")))
	return rewrite.Pass{
		Name:    LinearFusion,
		Pattern: pattern.NewOp(ops.AddKind, mm, pattern.VarWhere("b", pattern.HasRank(1))),
		Build: func(b *rewrite.Builder, m *pattern.ValueMap) ([]graph.Output, error) {
			// a [1] bias broadcast over n outputs is not a Linear bias
			if bs, ms := m.Value("b").Shape(), m.Value("mm").Shape(); !bs.IsDynamic() && !ms.IsDynamic() &&
				bs.Dim(0) != ms.Dim(ms.Rank()-1) {
				return nil, nil
			}
			out, err := ops.Linear(b, m.Value("x"), m.Value("w"), m.Value("b"))
			if err != nil {
				return nil, err
			}
			if !out.Shape().Compatible(b.Root().Shape()) {
				return nil, errors.Errorf("fused shape %s differs from %s", out.Shape(), b.Root().Shape())
			}
			return single(out), nil
		},
	}
}

// act(Linear(x, w, b)) -> LinearActivation(x, w, b, act) for Relu, Tanh and
// Gelu.
func linearActivation() rewrite.Pass {
	lin := pattern.NewLabel("linear", graph.DynamicType, graph.DynamicShape, pattern.SingleConsumer(),
		pattern.NewOp(ops.LinearKind, pattern.Var("x"), pattern.Var("w"), pattern.Var("b")))
	return rewrite.Pass{
		Name:    LinearActivation,
		Pattern: pattern.NewAny(pattern.HasOpKind(ops.ReluKind, ops.TanhKind, ops.GeluKind), lin),
		Build: func(b *rewrite.Builder, m *pattern.ValueMap) ([]graph.Output, error) {
			act, ok := ops.ActivationOf(b.Root().Node.Kind())
			if !ok {
				return nil, nil
			}
			out, err := ops.LinearActivation(b, m.Value("x"), m.Value("w"), m.Value("b"), act)
			if err != nil {
				return nil, err
			}
			return single(out), nil
		},
	}
}
