// Package rewrite applies pattern/builder pairs to a graph.
//
// The Driver visits candidate roots in topological order, matches the pass
// pattern at each one and, on success, lets the pass build a replacement
// inside a graph.Txn. The replacement is spliced in atomically: either every
// consumer of the matched root moves to the replacement or the graph is left
// exactly as it was.
package rewrite

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/23skdu/longbow-fuse/internal/graph"
	"github.com/23skdu/longbow-fuse/internal/pattern"
)

// BuildFunc builds the replacement for a match. It returns one value per
// output of the matched root node. Returning nil, nil declines the rewrite.
type BuildFunc func(b *Builder, m *pattern.ValueMap) ([]graph.Output, error)

// Pass is one rewrite rule.
type Pass struct {
	Name    string
	Pattern pattern.Node
	Build   BuildFunc
	Mode    pattern.Mode
}

// Builder stages replacement nodes. It satisfies graph.NodeAdder so the ops
// constructors can be used directly.
type Builder struct {
	txn  *graph.Txn
	root graph.Output
}

var _ graph.NodeAdder = (*Builder)(nil)

func (b *Builder) AddNode(kind *graph.OpKind, inputs []graph.Output, outputs []graph.OutputDesc, attrs graph.Attrs) (*graph.Node, error) {
	return b.txn.AddNode(kind, inputs, outputs, attrs)
}

// Root returns the matched value.
func (b *Builder) Root() graph.Output { return b.root }

// Graph returns the subject graph.
func (b *Builder) Graph() *graph.Graph { return b.txn.Graph() }

// Options configures a Driver.
type Options struct {
	// Reverse visits candidates consumers first.
	Reverse bool
	// Prune drops unreachable nodes after each splice.
	Prune bool
	// MaxIterations bounds RunToFixedPoint.
	MaxIterations       int
	MaxDepth            int
	MaxPermutationArity int
}

func DefaultOptions() Options {
	return Options{
		Prune:               true,
		MaxIterations:       32,
		MaxDepth:            pattern.DefaultMaxDepth,
		MaxPermutationArity: pattern.DefaultMaxPermutationArity,
	}
}

// Rewrite records one committed splice.
type Rewrite struct {
	Pass        string
	RootID      int64
	Root        string
	RootOp      string
	Replacement []string
	Matched     int
	Bindings    int
	Pruned      int
}

func (r Rewrite) String() string {
	return fmt.Sprintf("%s: %s (%s) -> %v", r.Pass, r.Root, r.RootOp, r.Replacement)
}

// Report summarizes a pass run.
type Report struct {
	Pass       string
	Iterations int
	Converged  bool
	Attempts   int
	Matches    int
	Declined   int
	Failed     int
	Rewrites   []Rewrite
	Duration   time.Duration

	errs *multierror.Error
}

// Applied returns the number of committed splices.
func (r *Report) Applied() int { return len(r.Rewrites) }

// Err returns the builder and splice failures, or nil.
func (r *Report) Err() error { return r.errs.ErrorOrNil() }

func (r *Report) fail(err error) {
	r.Failed++
	r.errs = multierror.Append(r.errs, err)
}

func (r *Report) merge(o *Report) {
	r.Attempts += o.Attempts
	r.Matches += o.Matches
	r.Declined += o.Declined
	r.Failed += o.Failed
	r.Rewrites = append(r.Rewrites, o.Rewrites...)
	if o.errs != nil {
		r.errs = multierror.Append(r.errs, o.errs.Errors...)
	}
}
