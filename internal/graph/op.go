package graph

import (
	"sort"
	"sync"
)

// Trait describes properties of an op kind that the matcher and the passes rely on.
type Trait uint8

const (
	// Commutative ops may have their inputs matched in any order.
	Commutative Trait = 1 << iota
	// Constant ops carry their value in the "value" attribute.
	Constant
	// Source ops have no inputs (parameters, constants).
	Source
)

// OpKind identifies an operation. Kinds are compared by pointer identity.
type OpKind struct {
	name   string
	traits Trait
}

// Name returns the registered name.
func (k *OpKind) Name() string { return k.name }

// Is reports whether the kind carries every trait in t.
func (k *OpKind) Is(t Trait) bool { return k.traits&t == t }

// IsCommutative is shorthand for Is(Commutative).
func (k *OpKind) IsCommutative() bool { return k.Is(Commutative) }

func (k *OpKind) String() string { return k.name }

var (
	kindsMu sync.RWMutex
	kinds   = make(map[string]*OpKind)
)

// ParameterKind is the kind of graph inputs.
var ParameterKind = NewOpKind("Parameter", Source)

// NewOpKind registers a new op kind. Registering a name twice is a programming
// error and panics.
func NewOpKind(name string, traits ...Trait) *OpKind {
	k := &OpKind{name: name}
	for _, t := range traits {
		k.traits |= t
	}
	kindsMu.Lock()
	defer kindsMu.Unlock()
	if _, exists := kinds[name]; exists {
		panic("graph: op kind " + name + " registered twice")
	}
	kinds[name] = k
	return k
}

// LookupOpKind finds a registered kind by name.
func LookupOpKind(name string) (*OpKind, bool) {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	k, ok := kinds[name]
	return k, ok
}

// OpKinds returns all registered kind names, sorted.
func OpKinds() []string {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	names := make([]string, 0, len(kinds))
	for name := range kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
