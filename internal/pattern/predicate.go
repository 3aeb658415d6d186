package pattern

import (
	"github.com/23skdu/longbow-fuse/internal/graph"
)

// Predicate tests a candidate value. It must be pure: the matcher may call it
// any number of times during one attempt.
type Predicate func(graph.Output) bool

// All is true when every predicate is; nil predicates are skipped.
func All(preds ...Predicate) Predicate {
	return func(o graph.Output) bool {
		for _, p := range preds {
			if p != nil && !p(o) {
				return false
			}
		}
		return true
	}
}

// Some is true when at least one predicate is. Evaluation stops at the first
// true predicate.
func Some(preds ...Predicate) Predicate {
	return func(o graph.Output) bool {
		for _, p := range preds {
			if p != nil && p(o) {
				return true
			}
		}
		return false
	}
}

func Not(p Predicate) Predicate {
	return func(o graph.Output) bool { return !p(o) }
}

func HasType(et graph.ElementType) Predicate {
	return func(o graph.Output) bool { return o.Type().Equal(et) }
}

func HasShape(s graph.Shape) Predicate {
	return func(o graph.Output) bool { return o.Shape().Equal(s) }
}

func HasRank(r int) Predicate {
	return func(o graph.Output) bool { return o.Shape().Rank() == r }
}

// HasStaticShape rejects values of unknown shape.
func HasStaticShape() Predicate {
	return func(o graph.Output) bool { return !o.Shape().IsDynamic() }
}

// IsFloat accepts floating point values.
func IsFloat() Predicate {
	return func(o graph.Output) bool { return o.Type().IsFloat() }
}

// IsConstant accepts outputs of constant nodes.
func IsConstant() Predicate {
	return func(o graph.Output) bool { return o.Node.IsConstant() }
}

// HasOpKind accepts outputs of nodes of any of the given kinds.
func HasOpKind(kinds ...*graph.OpKind) Predicate {
	return func(o graph.Output) bool {
		for _, k := range kinds {
			if o.Node.Kind() == k {
				return true
			}
		}
		return false
	}
}

// ConsumerCount accepts values with exactly n uses, graph results included.
func ConsumerCount(n int) Predicate {
	return func(o graph.Output) bool {
		g := o.Node.Graph()
		return g != nil && len(g.ConsumersOf(o)) == n
	}
}

// SingleConsumer is ConsumerCount(1).
func SingleConsumer() Predicate {
	return ConsumerCount(1)
}
