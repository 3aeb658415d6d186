package graph

import (
	"github.com/pkg/errors"
)

// NodeAdder creates nodes. It is implemented by *Graph, which inserts them
// immediately, and by *Txn, which stages them until the splice commits.
type NodeAdder interface {
	AddNode(kind *OpKind, inputs []Output, outputs []OutputDesc, attrs Attrs) (*Node, error)
}

var (
	_ NodeAdder = (*Graph)(nil)
	_ NodeAdder = (*Txn)(nil)
)

// Txn stages a replacement subgraph and splices it in with Replace. Nothing in
// the graph changes until Replace succeeds; Abort, or a failed Replace, leaves
// the graph exactly as it was.
type Txn struct {
	g      *Graph
	staged []*Node
	set    map[*Node]bool
	closed bool
}

// Begin starts a splice transaction.
func (g *Graph) Begin() *Txn {
	return &Txn{g: g, set: make(map[*Node]bool)}
}

// Graph returns the graph the transaction applies to.
func (t *Txn) Graph() *Graph { return t.g }

// Staged returns the nodes created so far, in creation order.
func (t *Txn) Staged() []*Node {
	return append([]*Node(nil), t.staged...)
}

// AddNode stages a node. Inputs may be live graph values or staged values.
func (t *Txn) AddNode(kind *OpKind, inputs []Output, outputs []OutputDesc, attrs Attrs) (*Node, error) {
	if t.closed {
		return nil, ErrTxnClosed
	}
	if err := checkSignature(kind, outputs); err != nil {
		return nil, err
	}
	t.g.mu.Lock()
	defer t.g.mu.Unlock()
	for i, in := range inputs {
		if err := t.checkLocked(in); err != nil {
			return nil, errors.Wrapf(err, "%s input %d", kind.Name(), i)
		}
	}
	n := t.g.allocLocked(kind, inputs, outputs, attrs)
	t.staged = append(t.staged, n)
	t.set[n] = true
	return n, nil
}

func (t *Txn) checkLocked(o Output) error {
	if o.IsValid() && t.set[o.Node] {
		return nil
	}
	return t.g.checkLiveLocked(o)
}

// Abort drops every staged node.
func (t *Txn) Abort() {
	t.closed = true
	t.staged = nil
	t.set = nil
}

type rewire struct {
	node *Node // nil for a graph result
	slot int
	prev Output
}

// Replace commits the transaction: every consumer of an output of old,
// including graph results, is reconnected to the corresponding value in repl,
// and the staged nodes become part of the graph. All checks run before the
// first mutation. The transaction is closed afterwards whether or not it
// succeeded.
func (t *Txn) Replace(old *Node, repl []Output) error {
	if t.closed {
		return ErrTxnClosed
	}
	defer func() {
		t.closed = true
	}()

	g := t.g
	g.mu.Lock()
	defer g.mu.Unlock()

	if old == nil || g.index[old.id] != old {
		return errors.Wrapf(ErrDangling, "replaced node %v is not in the graph", old)
	}
	if len(repl) != len(old.outputs) {
		return errors.Wrapf(ErrArity, "%s has %d outputs, replacement has %d", old, len(old.outputs), len(repl))
	}
	for i, r := range repl {
		if err := t.checkLocked(r); err != nil {
			return errors.Wrapf(err, "replacement %d", i)
		}
		want := old.outputs[i]
		got := r.Desc()
		if !want.Type.Compatible(got.Type) || !want.Shape.Compatible(got.Shape) {
			return errors.Wrapf(ErrTypeMismatch, "%s output %d is %s%s, replacement %s is %s%s",
				old, i, want.Type, want.Shape, r, got.Type, got.Shape)
		}
	}
	if n := t.cycleLocked(old, repl); n != nil {
		return errors.Wrapf(ErrCycle, "replacement for %s depends on its consumer %s", old, n)
	}

	// no check failed, so we can actually modify the graph
	var edits []rewire
	for _, c := range g.nodes {
		for slot, in := range c.inputs {
			if in.Node == old {
				edits = append(edits, rewire{node: c, slot: slot, prev: in})
				c.inputs[slot] = repl[in.Index]
			}
		}
	}
	for i, r := range g.results {
		if r.Node == old {
			edits = append(edits, rewire{slot: i, prev: r})
			g.results[i] = repl[r.Index]
		}
	}
	for _, n := range t.staged {
		g.insertLocked(n)
	}

	if err := g.validateLocked(); err != nil {
		t.revertLocked(edits)
		return errors.Wrapf(err, "splice of %s reverted", old)
	}
	return nil
}

func (t *Txn) revertLocked(edits []rewire) {
	g := t.g
	for i := len(edits) - 1; i >= 0; i-- {
		e := edits[i]
		if e.node == nil {
			g.results[e.slot] = e.prev
			continue
		}
		e.node.inputs[e.slot] = e.prev
	}
	for _, n := range t.staged {
		delete(g.index, n.id)
	}
	g.nodes = g.nodes[:len(g.nodes)-len(t.staged)]
}

// cycleLocked returns a node that would end up on a cycle if repl were spliced
// in for old: a strict descendant of old that repl depends on.
func (t *Txn) cycleLocked(old *Node, repl []Output) *Node {
	consumers := make(map[*Node][]*Node)
	for _, c := range t.g.nodes {
		for _, in := range c.inputs {
			consumers[in.Node] = append(consumers[in.Node], c)
		}
	}
	below := make(map[*Node]bool)
	stack := append([]*Node(nil), consumers[old]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if below[n] {
			continue
		}
		below[n] = true
		stack = append(stack, consumers[n]...)
	}
	if len(below) == 0 {
		return nil
	}

	seen := make(map[*Node]bool)
	for _, r := range repl {
		stack = append(stack, r.Node)
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		if below[n] {
			return n
		}
		for _, in := range n.inputs {
			stack = append(stack, in.Node)
		}
	}
	return nil
}
