package graph

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	gonum "gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/multi"
)

// dotGraph adds top-level attributes to the exported multigraph.
type dotGraph struct {
	*multi.DirectedGraph
	name string
}

func (g dotGraph) DOTID() string { return g.name }

func (g dotGraph) DOTAttributers() (graphAttrs, nodeAttrs, edgeAttrs encoding.Attributer) {
	return nil, &encoding.Attributes{{Key: "shape", Value: "box"}}, nil
}

type dotNode struct {
	*Node
}

func (n dotNode) DOTID() string { return "n" + strconv.FormatInt(n.id, 10) }

func (n dotNode) Attributes() []encoding.Attribute {
	var label strings.Builder
	if n.name != "" {
		label.WriteString(n.name + "\n" + n.kind.Name())
	} else {
		label.WriteString(n.Name())
	}
	for i, o := range n.outputs {
		fmt.Fprintf(&label, "\n%d: %s%s", i, o.Type, o.Shape)
	}
	return []encoding.Attribute{{Key: "label", Value: label.String()}}
}

type dotResult struct {
	id    int64
	index int
}

func (r dotResult) ID() int64     { return r.id }
func (r dotResult) DOTID() string { return "result" + strconv.Itoa(r.index) }

func (r dotResult) Attributes() []encoding.Attribute {
	return []encoding.Attribute{
		{Key: "shape", Value: "plaintext"},
		{Key: "label", Value: "result " + strconv.Itoa(r.index)},
	}
}

// dotEdge is one input edge; its id is the consumer slot, so repeated
// operands stay distinct lines.
type dotEdge struct {
	from, to gonum.Node
	slot     int
	labelled bool
}

func (e dotEdge) From() gonum.Node { return e.from }
func (e dotEdge) To() gonum.Node   { return e.to }
func (e dotEdge) ID() int64        { return int64(e.slot) }

func (e dotEdge) ReversedLine() gonum.Line {
	return dotEdge{from: e.to, to: e.from, slot: e.slot, labelled: e.labelled}
}

func (e dotEdge) Attributes() []encoding.Attribute {
	if !e.labelled {
		return nil
	}
	return []encoding.Attribute{{Key: "label", Value: strconv.Itoa(e.slot)}}
}

// WriteDot writes g in Graphviz dot syntax. Edges are labelled with the
// consumer input slot.
func (g *Graph) WriteDot(w io.Writer) error {
	order, err := g.TopologicalOrder()
	if err != nil {
		return err
	}
	dg := dotGraph{DirectedGraph: multi.NewDirectedGraph(), name: g.Name()}
	nodes := make(map[int64]dotNode, len(order))
	var maxID int64
	for _, n := range order {
		dn := dotNode{n}
		nodes[n.id] = dn
		dg.AddNode(dn)
		if n.id > maxID {
			maxID = n.id
		}
	}
	for _, n := range order {
		for slot, in := range n.inputs {
			dg.SetLine(dotEdge{from: nodes[in.Node.id], to: nodes[n.id], slot: slot, labelled: true})
		}
	}
	for i, r := range g.Results() {
		res := dotResult{id: maxID + 1 + int64(i), index: i}
		dg.SetLine(dotEdge{from: nodes[r.Node.id], to: res, slot: r.Index})
	}

	data, err := dot.MarshalMulti(dg, "", "", "\t")
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
