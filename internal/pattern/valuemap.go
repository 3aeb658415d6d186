package pattern

import (
	"github.com/23skdu/longbow-fuse/internal/graph"
)

// ValueMap is the result of a successful match: label bindings plus every
// subject node visited by Op, Any and AnyOf patterns, in visit order.
type ValueMap struct {
	root     graph.Output
	bindings map[string]graph.Output
	order    []string
	matched  []*graph.Node
}

func newValueMap(root graph.Output) *ValueMap {
	return &ValueMap{root: root, bindings: make(map[string]graph.Output)}
}

// Root returns the subject value the match was rooted at.
func (m *ValueMap) Root() graph.Output { return m.root }

// Get returns the value bound to name.
func (m *ValueMap) Get(name string) (graph.Output, bool) {
	o, ok := m.bindings[name]
	return o, ok
}

// Value returns the value bound to name, or the zero Output.
func (m *ValueMap) Value(name string) graph.Output {
	return m.bindings[name]
}

// Names returns the bound names in binding order.
func (m *ValueMap) Names() []string {
	return append([]string(nil), m.order...)
}

// Len returns the number of bindings.
func (m *ValueMap) Len() int { return len(m.order) }

// Matched returns the visited subject nodes.
func (m *ValueMap) Matched() []*graph.Node {
	return append([]*graph.Node(nil), m.matched...)
}

func (m *ValueMap) bind(name string, o graph.Output) {
	m.bindings[name] = o
	m.order = append(m.order, name)
}

func (m *ValueMap) visit(n *graph.Node) {
	m.matched = append(m.matched, n)
}

type checkpoint struct {
	bound, matched int
}

func (m *ValueMap) checkpoint() checkpoint {
	return checkpoint{bound: len(m.order), matched: len(m.matched)}
}

// rollback discards everything recorded after c.
func (m *ValueMap) rollback(c checkpoint) {
	for _, name := range m.order[c.bound:] {
		delete(m.bindings, name)
	}
	m.order = m.order[:c.bound]
	for i := c.matched; i < len(m.matched); i++ {
		m.matched[i] = nil
	}
	m.matched = m.matched[:c.matched]
}
