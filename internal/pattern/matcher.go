// Package pattern matches template subgraphs against a subject graph.
//
// A pattern is a small DAG of pattern nodes: ordinary ops (Op), op-kind
// wildcards (Any), single-value wildcards (Skip), named bindings (Label),
// ordered alternation (Or) and skip-down wildcards (AnyOf). The Matcher walks a
// pattern and the subject in lock step, backtracking over Or alternatives,
// AnyOf operands and commutative input orders, and returns a ValueMap on
// success. A failed match is a plain negative result and leaves nothing
// behind.
package pattern

import (
	"github.com/rs/zerolog"

	"github.com/23skdu/longbow-fuse/internal/graph"
)

// Mode selects whether declared types and shapes are enforced.
type Mode int

const (
	// Strict requires a declared element type and shape to equal the
	// matched value's. Dynamic declarations still match anything.
	Strict Mode = iota
	// Loose checks only op kinds and input structure.
	Loose
)

func (m Mode) String() string {
	if m == Loose {
		return "loose"
	}
	return "strict"
}

const (
	DefaultMaxDepth            = 256
	DefaultMaxPermutationArity = 4
)

// Option configures a Matcher.
type Option func(*Matcher)

func WithMode(mode Mode) Option {
	return func(m *Matcher) { m.mode = mode }
}

// WithMaxDepth bounds recursion. Patterns deeper than this never match.
func WithMaxDepth(n int) Option {
	return func(m *Matcher) { m.maxDepth = n }
}

// WithMaxPermutationArity bounds the commutative permutation search. Nodes
// with more inputs are matched in declared order only.
func WithMaxPermutationArity(n int) Option {
	return func(m *Matcher) { m.maxPermArity = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Matcher) { m.log = l }
}

// Matcher matches one pattern. It keeps per-attempt state and must not be
// used from several goroutines at once.
type Matcher struct {
	root         Node
	mode         Mode
	maxDepth     int
	maxPermArity int
	log          zerolog.Logger

	vm *ValueMap
}

func NewMatcher(root Node, opts ...Option) *Matcher {
	m := &Matcher{
		root:         root,
		mode:         Strict,
		maxDepth:     DefaultMaxDepth,
		maxPermArity: DefaultMaxPermutationArity,
		log:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Pattern returns the root pattern node.
func (m *Matcher) Pattern() Node { return m.root }

// Mode returns the match mode.
func (m *Matcher) Mode() Mode { return m.mode }

// Match tries the pattern rooted at subject. On failure it returns nil and
// false; no partial result survives.
func (m *Matcher) Match(subject graph.Output) (*ValueMap, bool) {
	if !subject.IsValid() {
		return nil, false
	}
	m.vm = newValueMap(subject)
	defer func() { m.vm = nil }()

	if !m.matchValue(m.root, subject, 0) {
		return nil, false
	}
	m.log.Trace().Str("root", subject.String()).Int("bound", m.vm.Len()).Msg("pattern matched")
	return m.vm, true
}

// Match is a one-shot match of root against subject.
func Match(root Node, subject graph.Output, mode Mode) (*ValueMap, bool) {
	return NewMatcher(root, WithMode(mode)).Match(subject)
}

// matchValue matches p against g. On failure every binding and visit recorded
// below this call is rolled back.
func (m *Matcher) matchValue(p Node, g graph.Output, depth int) bool {
	if depth > m.maxDepth {
		depthExceeded.Inc()
		m.log.Debug().Int("depth", depth).Str("value", g.String()).Msg("match depth limit reached")
		return false
	}
	cp := m.vm.checkpoint()
	var ok bool
	switch p := p.(type) {
	case *Skip:
		ok = p.pred == nil || p.pred(g)
	case *Label:
		ok = m.matchLabel(p, g, depth)
	case *Or:
		ok = m.matchOr(p, g, depth)
	case *AnyOf:
		ok = m.matchAnyOf(p, g, depth)
	case *Any:
		ok = m.matchAny(p, g, depth)
	case *Op:
		ok = m.matchOp(p, g, depth)
	}
	if !ok {
		m.vm.rollback(cp)
	}
	return ok
}

func (m *Matcher) declared(d decl, g graph.Output) bool {
	if m.mode == Strict {
		if !d.et.IsDynamic() && !d.et.Equal(g.Type()) {
			return false
		}
		if !d.shape.IsDynamic() && !d.shape.Equal(g.Shape()) {
			return false
		}
	}
	return d.pred == nil || d.pred(g)
}

// matchLabel checks every occurrence of a label against its own declaration
// and sub pattern before comparing with an earlier binding of the name.
func (m *Matcher) matchLabel(p *Label, g graph.Output, depth int) bool {
	if !m.declared(p.decl, g) {
		return false
	}
	if p.sub != nil && !m.matchValue(p.sub, g, depth+1) {
		return false
	}
	if prev, bound := m.vm.Get(p.name); bound {
		return prev == g
	}
	m.vm.bind(p.name, g)
	return true
}

func (m *Matcher) matchOr(p *Or, g graph.Output, depth int) bool {
	for _, alt := range p.alts {
		if m.matchValue(alt, g, depth+1) {
			return true
		}
	}
	return false
}

func (m *Matcher) matchAnyOf(p *AnyOf, g graph.Output, depth int) bool {
	m.vm.visit(g.Node)
	if !m.declared(p.decl, g) {
		return false
	}
	for _, in := range g.Node.Inputs() {
		if m.matchValue(p.wrapped, in, depth+1) {
			return true
		}
	}
	return false
}

func (m *Matcher) matchAny(p *Any, g graph.Output, depth int) bool {
	if !m.declared(p.decl, g) {
		return false
	}
	m.vm.visit(g.Node)
	if len(p.inputs) == 0 {
		return true
	}
	return m.matchInputs(p.inputs, g.Node, depth)
}

func (m *Matcher) matchOp(p *Op, g graph.Output, depth int) bool {
	if g.Node.Kind() != p.kind || g.Index != p.port {
		return false
	}
	if !m.declared(p.decl, g) {
		return false
	}
	m.vm.visit(g.Node)
	return m.matchInputs(p.inputs, g.Node, depth)
}

// matchInputs matches pattern inputs against the inputs of n, trying other
// orders when n is commutative.
func (m *Matcher) matchInputs(pats []Node, n *graph.Node, depth int) bool {
	args := n.Inputs()
	if len(args) != len(pats) {
		return false
	}
	if m.matchOrder(pats, args, nil, depth) {
		return true
	}
	if !n.Kind().IsCommutative() || len(args) < 2 {
		return false
	}
	if len(args) > m.maxPermArity {
		arityOverflow.Inc()
		m.log.Debug().Str("node", n.String()).Int("arity", len(args)).Msg("permutation search skipped")
		return false
	}
	return m.permute(len(args), func(perm []int) bool {
		return m.matchOrder(pats, args, perm, depth)
	})
}

// matchOrder matches pats[i] against args[perm[i]], or args[i] when perm is
// nil.
func (m *Matcher) matchOrder(pats []Node, args []graph.Output, perm []int, depth int) bool {
	cp := m.vm.checkpoint()
	for i, p := range pats {
		j := i
		if perm != nil {
			j = perm[i]
		}
		if !m.matchValue(p, args[j], depth+1) {
			m.vm.rollback(cp)
			return false
		}
	}
	return true
}
