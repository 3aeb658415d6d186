package graph

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// Document is the interchange form of a graph. Nodes are listed so that every
// input refers to an earlier node.
type Document struct {
	Name    string    `cbor:"name"`
	Nodes   []NodeDoc `cbor:"nodes"`
	Params  []int64   `cbor:"params"`
	Results []Ref     `cbor:"results"`
}

// NodeDoc is one node of a Document.
type NodeDoc struct {
	ID      int64          `cbor:"id"`
	Op      string         `cbor:"op"`
	Name    string         `cbor:"name,omitempty"`
	Inputs  []Ref          `cbor:"inputs,omitempty"`
	Outputs []TensorDoc    `cbor:"outputs"`
	Attrs   map[string]any `cbor:"attrs,omitempty"`
}

// Ref names output Index of the node with id Node.
type Ref struct {
	Node  int64 `cbor:"node"`
	Index int   `cbor:"index"`
}

// TensorDoc describes one output. A nil Shape is a dynamic shape; an empty
// Type is a dynamic element type.
type TensorDoc struct {
	Type  string `cbor:"type,omitempty"`
	Shape []int  `cbor:"shape"`
}

var encMode cbor.EncMode

func init() {
	var err error
	// deterministic encoding so equal graphs give equal bytes
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Encode converts g to a Document.
func Encode(g *Graph) (*Document, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	doc := &Document{Name: g.Name()}
	for _, n := range order {
		nd := NodeDoc{
			ID:   n.id,
			Op:   n.kind.Name(),
			Name: n.name,
		}
		for _, in := range n.inputs {
			nd.Inputs = append(nd.Inputs, Ref{Node: in.Node.id, Index: in.Index})
		}
		for _, o := range n.outputs {
			nd.Outputs = append(nd.Outputs, tensorDoc(o))
		}
		if len(n.attrs) > 0 {
			nd.Attrs = map[string]any(n.attrs.Clone())
		}
		doc.Nodes = append(doc.Nodes, nd)
	}
	for _, p := range g.Parameters() {
		doc.Params = append(doc.Params, p.id)
	}
	for _, r := range g.Results() {
		doc.Results = append(doc.Results, Ref{Node: r.Node.id, Index: r.Index})
	}
	return doc, nil
}

func tensorDoc(o OutputDesc) TensorDoc {
	td := TensorDoc{}
	if !o.Type.IsDynamic() {
		td.Type = o.Type.String()
	}
	if !o.Shape.IsDynamic() {
		td.Shape = o.Shape.Dims()
		if td.Shape == nil {
			td.Shape = []int{}
		}
	}
	return td
}

func (td TensorDoc) desc() (OutputDesc, error) {
	et := DynamicType
	if td.Type != "" {
		var err error
		if et, err = ParseElementType(td.Type); err != nil {
			return OutputDesc{}, err
		}
	}
	shape := DynamicShape
	if td.Shape != nil {
		shape = ShapeOf(td.Shape...)
	}
	return OutputDesc{Type: et, Shape: shape}, nil
}

// Decode builds a graph from a Document. Node ids are reassigned.
func Decode(doc *Document) (*Graph, error) {
	g := New(doc.Name)
	byID := make(map[int64]*Node, len(doc.Nodes))
	nodes := make(map[int64]NodeDoc, len(doc.Nodes))
	for _, nd := range doc.Nodes {
		if _, dup := nodes[nd.ID]; dup {
			return nil, errors.Errorf("graph: duplicate node id %d", nd.ID)
		}
		nodes[nd.ID] = nd
	}

	for _, id := range doc.Params {
		nd, ok := nodes[id]
		if !ok || nd.Op != ParameterKind.Name() || len(nd.Outputs) != 1 {
			return nil, errors.Errorf("graph: parameter %d is not a parameter node", id)
		}
		desc, err := nd.Outputs[0].desc()
		if err != nil {
			return nil, errors.Wrapf(err, "parameter %d", id)
		}
		byID[id] = g.Parameter(nd.Name, desc.Type, desc.Shape).Node
	}

	resolve := func(r Ref) (Output, error) {
		n, ok := byID[r.Node]
		if !ok {
			return Output{}, errors.Wrapf(ErrDangling, "node %d", r.Node)
		}
		o := n.Output(r.Index)
		if !o.IsValid() {
			return Output{}, errors.Wrapf(ErrDangling, "node %d has no output %d", r.Node, r.Index)
		}
		return o, nil
	}

	for _, nd := range doc.Nodes {
		if nd.Op == ParameterKind.Name() {
			if _, ok := byID[nd.ID]; !ok {
				return nil, errors.Errorf("graph: parameter node %d not listed in params", nd.ID)
			}
			continue
		}
		kind, ok := LookupOpKind(nd.Op)
		if !ok {
			return nil, errors.Errorf("graph: unknown op %q", nd.Op)
		}
		inputs := make([]Output, len(nd.Inputs))
		for i, r := range nd.Inputs {
			in, err := resolve(r)
			if err != nil {
				return nil, errors.Wrapf(err, "node %d input %d", nd.ID, i)
			}
			inputs[i] = in
		}
		outputs := make([]OutputDesc, len(nd.Outputs))
		for i, td := range nd.Outputs {
			desc, err := td.desc()
			if err != nil {
				return nil, errors.Wrapf(err, "node %d output %d", nd.ID, i)
			}
			outputs[i] = desc
		}
		n, err := g.AddNode(kind, inputs, outputs, Attrs(nd.Attrs))
		if err != nil {
			return nil, errors.Wrapf(err, "node %d", nd.ID)
		}
		n.name = nd.Name
		byID[nd.ID] = n
	}

	results := make([]Output, len(doc.Results))
	for i, r := range doc.Results {
		o, err := resolve(r)
		if err != nil {
			return nil, errors.Wrapf(err, "result %d", i)
		}
		results[i] = o
	}
	if err := g.SetResults(results...); err != nil {
		return nil, err
	}
	return g, nil
}

// Marshal encodes g as CBOR.
func Marshal(g *Graph) ([]byte, error) {
	doc, err := Encode(g)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(doc)
}

// Unmarshal decodes a CBOR graph document.
func Unmarshal(data []byte) (*Graph, error) {
	var doc Document
	if err := cbor.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "graph: decode document")
	}
	return Decode(&doc)
}
