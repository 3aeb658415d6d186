// Package passes holds the fusion and simplification passes built on the
// pattern engine.
package passes

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/23skdu/longbow-fuse/internal/rewrite"
)

// Names of the built-in passes.
const (
	AlgebraicIdentity = "algebraic-identity"
	IdentityReshape   = "identity-reshape"
	ReshapeChain      = "reshape-chain"
	SquaredDiff       = "squared-difference"
	LinearFusion      = "linear"
	LinearActivation  = "linear-activation"
)

var registry = map[string]func() rewrite.Pass{
	AlgebraicIdentity: algebraicIdentity,
	IdentityReshape:   identityReshape,
	ReshapeChain:      reshapeChain,
	SquaredDiff:       squaredDifference,
	LinearFusion:      linear,
	LinearActivation:  linearActivation,
}

// defaultOrder runs simplifications before fusions so that fusions see
// the cleaned up graph. Collapsed reshape chains often end up as identity
// reshapes, and linear must run before linear-activation.
var defaultOrder = []string{
	AlgebraicIdentity,
	ReshapeChain,
	IdentityReshape,
	SquaredDiff,
	LinearFusion,
	LinearActivation,
}

// Default returns every built-in pass in the default run order.
func Default() []rewrite.Pass {
	ps, _ := Lookup(defaultOrder)
	return ps
}

// Lookup returns the named passes in the given order.
func Lookup(names []string) ([]rewrite.Pass, error) {
	ps := make([]rewrite.Pass, 0, len(names))
	for _, name := range names {
		mk, ok := registry[name]
		if !ok {
			return nil, errors.Errorf("unknown pass %q", name)
		}
		ps = append(ps, mk())
	}
	return ps, nil
}

// Names lists the built-in passes, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
