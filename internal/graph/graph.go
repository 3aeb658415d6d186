// Package graph is the dataflow graph model: nodes with an op kind, ordered
// input edges and typed outputs. Graphs are DAGs; the only mutation after
// construction is the atomic splice performed through a Txn.
package graph

import (
	"sort"
	"sync"

	gonum "gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/pkg/errors"
)

var (
	ErrCycle        = errors.New("graph: cycle")
	ErrDangling     = errors.New("graph: dangling reference")
	ErrForeignValue = errors.New("graph: value does not belong to this graph")
	ErrArity        = errors.New("graph: output arity mismatch")
	ErrTypeMismatch = errors.New("graph: type or shape mismatch")
	ErrTxnClosed    = errors.New("graph: transaction already closed")
)

// Graph is the subject graph owned by the compiler pipeline.
type Graph struct {
	name string

	mu   sync.RWMutex // guards the structure below
	pass sync.Mutex   // held by a rewrite pass for its whole run

	nextID  int64
	nodes   []*Node // creation order
	index   map[int64]*Node
	params  []*Node
	results []Output
}

// New creates an empty graph.
func New(name string) *Graph {
	return &Graph{
		name:  name,
		index: make(map[int64]*Node),
	}
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// Acquire takes the pass lock and returns its release func. A rewrite pass
// holds it for its whole run so that passes touching the same graph are
// serialized.
func (g *Graph) Acquire() func() {
	g.pass.Lock()
	return g.pass.Unlock
}

// Parameter adds a graph input.
func (g *Graph) Parameter(name string, et ElementType, shape Shape) Output {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.allocLocked(ParameterKind, nil, []OutputDesc{{Type: et, Shape: shape}}, nil)
	n.name = name
	g.insertLocked(n)
	g.params = append(g.params, n)
	return n.Output(0)
}

// AddNode appends a node. Every input must be a live value of this graph.
func (g *Graph) AddNode(kind *OpKind, inputs []Output, outputs []OutputDesc, attrs Attrs) (*Node, error) {
	if err := checkSignature(kind, outputs); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, in := range inputs {
		if err := g.checkLiveLocked(in); err != nil {
			return nil, errors.Wrapf(err, "%s input %d", kind.Name(), i)
		}
	}
	n := g.allocLocked(kind, inputs, outputs, attrs)
	g.insertLocked(n)
	return n, nil
}

func checkSignature(kind *OpKind, outputs []OutputDesc) error {
	if kind == nil {
		return errors.New("graph: nil op kind")
	}
	if len(outputs) == 0 {
		return errors.Errorf("graph: %s declares no outputs", kind.Name())
	}
	return nil
}

func (g *Graph) allocLocked(kind *OpKind, inputs []Output, outputs []OutputDesc, attrs Attrs) *Node {
	g.nextID++
	in := make([]Output, len(inputs))
	copy(in, inputs)
	out := make([]OutputDesc, len(outputs))
	copy(out, outputs)
	return &Node{
		id:      g.nextID,
		kind:    kind,
		inputs:  in,
		outputs: out,
		attrs:   attrs.Clone(),
		graph:   g,
	}
}

func (g *Graph) insertLocked(n *Node) {
	g.nodes = append(g.nodes, n)
	g.index[n.id] = n
}

func (g *Graph) checkLiveLocked(o Output) error {
	if !o.IsValid() {
		return errors.Wrapf(ErrDangling, "invalid value %s", o)
	}
	if o.Node.graph != g {
		return errors.Wrapf(ErrForeignValue, "%s", o)
	}
	if g.index[o.Node.id] != o.Node {
		return errors.Wrapf(ErrDangling, "%s was removed", o)
	}
	return nil
}

// SetResults declares the graph outputs.
func (g *Graph) SetResults(outs ...Output) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, o := range outs {
		if err := g.checkLiveLocked(o); err != nil {
			return errors.Wrapf(err, "result %d", i)
		}
	}
	g.results = append([]Output(nil), outs...)
	return nil
}

// Results returns the graph outputs.
func (g *Graph) Results() []Output {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Output(nil), g.results...)
}

// Parameters returns the graph inputs in declaration order.
func (g *Graph) Parameters() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*Node(nil), g.params...)
}

// Nodes returns the live nodes in creation order.
func (g *Graph) Nodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*Node(nil), g.nodes...)
}

// Len returns the number of live nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Has reports whether n is a live node of g.
func (g *Graph) Has(n *Node) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return n != nil && g.index[n.id] == n
}

// Node looks up a live node by id.
func (g *Graph) Node(id int64) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.index[id]
	return n, ok
}

// Use is one consumer of a value: input Slot of Node, or, when Node is nil,
// graph result number Slot.
type Use struct {
	Node *Node
	Slot int
}

// IsResult reports whether the use is a graph result.
func (u Use) IsResult() bool { return u.Node == nil }

// Consumers returns every use of any output of n.
func (g *Graph) Consumers(n *Node) []Use {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.usesLocked(func(o Output) bool { return o.Node == n })
}

// ConsumersOf returns every use of the value o.
func (g *Graph) ConsumersOf(o Output) []Use {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.usesLocked(func(x Output) bool { return x == o })
}

func (g *Graph) usesLocked(match func(Output) bool) []Use {
	var uses []Use
	for _, c := range g.nodes {
		for slot, in := range c.inputs {
			if match(in) {
				uses = append(uses, Use{Node: c, Slot: slot})
			}
		}
	}
	for i, r := range g.results {
		if match(r) {
			uses = append(uses, Use{Slot: i})
		}
	}
	return uses
}

// TopologicalOrder returns the live nodes so that producers come before their
// consumers. Ties are broken by node id, so the order is deterministic.
func (g *Graph) TopologicalOrder() ([]*Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.topoLocked()
}

func (g *Graph) topoLocked() ([]*Node, error) {
	dg := simple.NewDirectedGraph()
	for _, n := range g.nodes {
		dg.AddNode(n)
	}
	for _, n := range g.nodes {
		for slot, in := range n.inputs {
			if in.Node == n {
				return nil, errors.Wrapf(ErrCycle, "%s consumes itself", n)
			}
			if in.Node == nil || dg.Node(in.Node.id) == nil {
				return nil, errors.Wrapf(ErrDangling, "%s input %d", n, slot)
			}
			dg.SetEdge(dg.NewEdge(in.Node, n))
		}
	}
	sorted, err := topo.SortStabilized(dg, byID)
	if err != nil {
		return nil, errors.Wrap(ErrCycle, err.Error())
	}
	order := make([]*Node, len(sorted))
	for i, n := range sorted {
		order[i] = n.(*Node)
	}
	return order, nil
}

func byID(nodes []gonum.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID() < nodes[j].ID() })
}

// Validate checks the structural invariants: every input and result resolves
// to a live node and the graph is acyclic.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.validateLocked()
}

func (g *Graph) validateLocked() error {
	for _, n := range g.nodes {
		for slot, in := range n.inputs {
			if err := g.checkLiveLocked(in); err != nil {
				return errors.Wrapf(err, "%s input %d", n, slot)
			}
		}
	}
	for i, r := range g.results {
		if err := g.checkLiveLocked(r); err != nil {
			return errors.Wrapf(err, "result %d", i)
		}
	}
	_, err := g.topoLocked()
	return err
}

// Prune removes nodes that no result depends on. Parameters are always kept.
// A graph without results is left alone. It returns the number of nodes
// removed.
func (g *Graph) Prune() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.results) == 0 {
		return 0
	}
	live := make(map[*Node]bool, len(g.nodes))
	for _, p := range g.params {
		live[p] = true
	}
	var stack []*Node
	for _, r := range g.results {
		if !live[r.Node] {
			stack = append(stack, r.Node)
		}
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if live[n] {
			continue
		}
		live[n] = true
		for _, in := range n.inputs {
			if !live[in.Node] {
				stack = append(stack, in.Node)
			}
		}
	}
	kept := g.nodes[:0]
	removed := 0
	for _, n := range g.nodes {
		if live[n] {
			kept = append(kept, n)
			continue
		}
		delete(g.index, n.id)
		removed++
	}
	for i := len(kept); i < len(g.nodes); i++ {
		g.nodes[i] = nil
	}
	g.nodes = kept
	return removed
}
