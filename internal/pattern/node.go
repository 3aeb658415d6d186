package pattern

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/23skdu/longbow-fuse/internal/graph"
)

// ErrAnyOfArity is returned when an AnyOf does not wrap exactly one pattern.
var ErrAnyOfArity = errors.New("pattern: AnyOf expects exactly one wrapped pattern")

// Node is a node of a pattern graph. The set of implementations is closed:
// *Op, *Any, *Skip, *Label, *Or and *AnyOf.
type Node interface {
	fmt.Stringer
	patternNode()
}

// decl is the declared output type and shape of a pattern node plus its
// predicate. Dynamic declarations constrain nothing.
type decl struct {
	et    graph.ElementType
	shape graph.Shape
	pred  Predicate
}

func (d decl) suffix() string {
	var parts []string
	if !d.et.IsDynamic() {
		parts = append(parts, d.et.String())
	}
	if !d.shape.IsDynamic() {
		parts = append(parts, d.shape.String())
	}
	if d.pred != nil {
		parts = append(parts, "pred")
	}
	if len(parts) == 0 {
		return ""
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// Op matches a graph node of one op kind whose inputs match Inputs, in order,
// or in any order when the kind is commutative.
type Op struct {
	decl
	kind   *graph.OpKind
	port   int
	inputs []Node
}

// NewOp returns a pattern for kind. The subject must have exactly
// len(inputs) inputs.
func NewOp(kind *graph.OpKind, inputs ...Node) *Op {
	return &Op{kind: kind, inputs: append([]Node(nil), inputs...)}
}

// Typed sets the declared type and shape checked in strict mode.
func (p *Op) Typed(et graph.ElementType, shape graph.Shape) *Op {
	p.et, p.shape = et, shape
	return p
}

// Where attaches a predicate.
func (p *Op) Where(pred Predicate) *Op {
	p.pred = pred
	return p
}

// Port selects which output of the subject node must be matched. The
// default is output 0.
func (p *Op) Port(i int) *Op {
	p.port = i
	return p
}

func (p *Op) String() string {
	return fmt.Sprintf("%s%s(%s)", p.kind.Name(), p.suffix(), join(p.inputs))
}

// Any matches a node of any op kind. When inputs are given they are matched
// like Op inputs; with none the subject inputs are unconstrained.
type Any struct {
	decl
	inputs []Node
}

func NewAny(pred Predicate, inputs ...Node) *Any {
	return &Any{decl: decl{pred: pred}, inputs: append([]Node(nil), inputs...)}
}

// Typed sets the declared type and shape checked in strict mode.
func (p *Any) Typed(et graph.ElementType, shape graph.Shape) *Any {
	p.et, p.shape = et, shape
	return p
}

func (p *Any) String() string {
	return fmt.Sprintf("Any%s(%s)", p.suffix(), join(p.inputs))
}

// Skip matches any single value and binds nothing.
type Skip struct {
	pred Predicate
}

// NewSkip returns a wildcard constrained by pred, which may be nil.
func NewSkip(pred Predicate) *Skip {
	return &Skip{pred: pred}
}

// Wildcard matches anything.
func Wildcard() *Skip {
	return &Skip{}
}

func (p *Skip) String() string {
	if p.pred != nil {
		return "_{pred}"
	}
	return "_"
}

// Label binds a name to the value matched at its position. Within one match
// attempt every Label with the same name must match the same value.
type Label struct {
	decl
	name string
	sub  Node
}

var anonymous atomic.Int64

// NewLabel creates a label. An empty name gets a unique generated one. sub
// may be nil, in which case only the declaration and predicate constrain the
// value.
func NewLabel(name string, et graph.ElementType, shape graph.Shape, pred Predicate, sub Node) *Label {
	if name == "" {
		name = fmt.Sprintf("_label%d", anonymous.Add(1))
	}
	return &Label{decl: decl{et: et, shape: shape, pred: pred}, name: name, sub: sub}
}

// Var is an unconstrained label.
func Var(name string) *Label {
	return NewLabel(name, graph.DynamicType, graph.DynamicShape, nil, nil)
}

// VarWhere is a label constrained by pred.
func VarWhere(name string, pred Predicate) *Label {
	return NewLabel(name, graph.DynamicType, graph.DynamicShape, pred, nil)
}

// Name returns the binding name.
func (p *Label) Name() string { return p.name }

func (p *Label) String() string {
	if p.sub != nil {
		return fmt.Sprintf("%s%s=%s", p.name, p.suffix(), p.sub)
	}
	return p.name + p.suffix()
}

// Or tries its alternatives in order; the first that matches wins.
type Or struct {
	alts []Node
}

// NewOr creates an alternation. With no alternatives it never matches.
func NewOr(alts ...Node) *Or {
	return &Or{alts: append([]Node(nil), alts...)}
}

func (p *Or) String() string {
	parts := make([]string, len(p.alts))
	for i, a := range p.alts {
		parts[i] = a.String()
	}
	return "(" + strings.Join(parts, " | ") + ")"
}

// AnyOf descends through nodes that satisfy its predicate: it matches a node
// when the wrapped pattern matches one of that node's inputs. Every node it
// descends through is recorded in the matched list.
type AnyOf struct {
	decl
	wrapped Node
}

// NewAnyOf creates a skip-down wildcard. Exactly one wrapped pattern is
// required.
func NewAnyOf(et graph.ElementType, shape graph.Shape, pred Predicate, wrapped ...Node) (*AnyOf, error) {
	if len(wrapped) != 1 {
		return nil, errors.Wrapf(ErrAnyOfArity, "got %d", len(wrapped))
	}
	if wrapped[0] == nil {
		return nil, errors.Wrap(ErrAnyOfArity, "wrapped pattern is nil")
	}
	return &AnyOf{decl: decl{et: et, shape: shape, pred: pred}, wrapped: wrapped[0]}, nil
}

// NewAnyOfLike takes the declared type and shape from an existing value.
func NewAnyOfLike(like graph.Output, pred Predicate, wrapped ...Node) (*AnyOf, error) {
	return NewAnyOf(like.Type(), like.Shape(), pred, wrapped...)
}

// MustAnyOf is NewAnyOf that panics on a construction error.
func MustAnyOf(et graph.ElementType, shape graph.Shape, pred Predicate, wrapped ...Node) *AnyOf {
	p, err := NewAnyOf(et, shape, pred, wrapped...)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *AnyOf) String() string {
	return fmt.Sprintf("AnyOf%s(%s)", p.suffix(), p.wrapped)
}

func (*Op) patternNode()    {}
func (*Any) patternNode()   {}
func (*Skip) patternNode()  {}
func (*Label) patternNode() {}
func (*Or) patternNode()    {}
func (*AnyOf) patternNode() {}

func join(nodes []Node) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = n.String()
	}
	return strings.Join(parts, ", ")
}
