package graph

import (
	"fmt"
)

// OutputDesc declares the type and shape of one node output.
type OutputDesc struct {
	Type  ElementType
	Shape Shape
}

// Node is one operation in a graph. A node is immutable once it is part of a
// graph, except for its input edges which only a committed Txn rewires.
type Node struct {
	id      int64
	kind    *OpKind
	name    string
	inputs  []Output
	outputs []OutputDesc
	attrs   Attrs
	graph   *Graph
}

// ID returns the stable identity of the node. It also makes *Node a gonum
// graph.Node.
func (n *Node) ID() int64 { return n.id }

// Kind returns the op kind.
func (n *Node) Kind() *OpKind { return n.kind }

// Name returns the friendly name, or kind plus id.
func (n *Node) Name() string {
	if n.name != "" {
		return n.name
	}
	return fmt.Sprintf("%s_%d", n.kind.Name(), n.id)
}

// Graph returns the owning graph.
func (n *Node) Graph() *Graph { return n.graph }

// NumInputs returns the number of input edges.
func (n *Node) NumInputs() int { return len(n.inputs) }

// Input returns input edge i.
func (n *Node) Input(i int) Output { return n.inputs[i] }

// Inputs returns a copy of the input edges.
func (n *Node) Inputs() []Output {
	in := make([]Output, len(n.inputs))
	copy(in, n.inputs)
	return in
}

// NumOutputs returns the number of outputs.
func (n *Node) NumOutputs() int { return len(n.outputs) }

// Output returns output i as a value.
func (n *Node) Output(i int) Output { return Output{Node: n, Index: i} }

// Outputs returns every output of the node.
func (n *Node) Outputs() []Output {
	out := make([]Output, len(n.outputs))
	for i := range n.outputs {
		out[i] = Output{Node: n, Index: i}
	}
	return out
}

// OutputType returns the element type of output i.
func (n *Node) OutputType(i int) ElementType { return n.outputs[i].Type }

// OutputShape returns the shape of output i.
func (n *Node) OutputShape(i int) Shape { return n.outputs[i].Shape }

// Attrs returns the attributes. Callers must not modify the map.
func (n *Node) Attrs() Attrs { return n.attrs }

// IsConstant reports whether the node is a constant.
func (n *Node) IsConstant() bool { return n.kind.Is(Constant) }

func (n *Node) String() string {
	return n.Name()
}

// Output is a value in the graph: output Index of Node.
type Output struct {
	Node  *Node
	Index int
}

// IsValid reports whether the value refers to an existing output.
func (o Output) IsValid() bool {
	return o.Node != nil && o.Index >= 0 && o.Index < len(o.Node.outputs)
}

// Type returns the element type of the value.
func (o Output) Type() ElementType { return o.Node.outputs[o.Index].Type }

// Shape returns the shape of the value.
func (o Output) Shape() Shape { return o.Node.outputs[o.Index].Shape }

// Desc returns the declared type and shape of the value.
func (o Output) Desc() OutputDesc { return o.Node.outputs[o.Index] }

func (o Output) String() string {
	if o.Node == nil {
		return "<nil>"
	}
	if len(o.Node.outputs) == 1 {
		return o.Node.Name()
	}
	return fmt.Sprintf("%s:%d", o.Node.Name(), o.Index)
}
