package rewrite

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-fuse/internal/graph"
	"github.com/23skdu/longbow-fuse/internal/pattern"
)

var tracer = otel.Tracer("fuse-rewrite")

// Driver runs passes over a graph.
type Driver struct {
	opts Options
}

func NewDriver(opts Options) *Driver {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultOptions().MaxIterations
	}
	return &Driver{opts: opts}
}

// Options returns the driver configuration.
func (d *Driver) Options() Options { return d.opts }

func (d *Driver) matcher(p Pass) *pattern.Matcher {
	opts := []pattern.Option{
		pattern.WithMode(p.Mode),
		pattern.WithLogger(log.Logger.With().Str("pass", p.Name).Logger()),
	}
	if d.opts.MaxDepth > 0 {
		opts = append(opts, pattern.WithMaxDepth(d.opts.MaxDepth))
	}
	if d.opts.MaxPermutationArity > 0 {
		opts = append(opts, pattern.WithMaxPermutationArity(d.opts.MaxPermutationArity))
	}
	return pattern.NewMatcher(p.Pattern, opts...)
}

// Apply makes one sweep of pass over g. Builder errors and rejected splices
// are collected in the report and do not stop the sweep; the returned error
// is non-nil only when the graph is invalid or ctx is done.
func (d *Driver) Apply(ctx context.Context, g *graph.Graph, p Pass) (*Report, error) {
	release := g.Acquire()
	defer release()
	return d.apply(ctx, g, p)
}

func (d *Driver) apply(ctx context.Context, g *graph.Graph, p Pass) (*Report, error) {
	ctx, span := tracer.Start(ctx, "Apply", trace.WithAttributes(attribute.String("pass", p.Name)))
	defer span.End()

	report := &Report{Pass: p.Name, Iterations: 1}
	order, err := g.TopologicalOrder()
	if err != nil {
		span.RecordError(err)
		return report, errors.Wrapf(err, "pass %s", p.Name)
	}
	if d.opts.Reverse {
		for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
			order[i], order[j] = order[j], order[i]
		}
	}

	m := d.matcher(p)
	hasResults := len(g.Results()) > 0
	for _, n := range order {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !g.Has(n) {
			continue
		}
		// dead nodes are left to Prune
		if hasResults && len(g.Consumers(n)) == 0 {
			continue
		}
		for _, o := range n.Outputs() {
			report.Attempts++
			matchAttempts.WithLabelValues(p.Name).Inc()
			vm, ok := m.Match(o)
			if !ok {
				continue
			}
			report.Matches++
			matchesFound.WithLabelValues(p.Name).Inc()
			if d.rewrite(g, p, o, vm, report) {
				break
			}
		}
	}

	span.SetAttributes(
		attribute.Int("attempts", report.Attempts),
		attribute.Int("applied", report.Applied()),
	)
	return report, nil
}

// rewrite builds and splices one replacement. It reports whether the graph
// changed.
func (d *Driver) rewrite(g *graph.Graph, p Pass, root graph.Output, vm *pattern.ValueMap, report *Report) bool {
	txn := g.Begin()
	b := &Builder{txn: txn, root: root}
	repl, err := build(p, b, vm)
	if err != nil {
		txn.Abort()
		d.failed(p, root, errors.Wrapf(err, "%s: build at %s", p.Name, root), report)
		return false
	}
	if repl == nil {
		txn.Abort()
		report.Declined++
		return false
	}

	staged := txn.Staged()
	if err := txn.Replace(root.Node, repl); err != nil {
		d.failed(p, root, errors.Wrapf(err, "%s: splice at %s", p.Name, root), report)
		return false
	}

	rw := Rewrite{
		Pass:     p.Name,
		RootID:   root.Node.ID(),
		Root:     root.String(),
		RootOp:   root.Node.Kind().Name(),
		Matched:  len(vm.Matched()),
		Bindings: vm.Len(),
	}
	for _, n := range staged {
		rw.Replacement = append(rw.Replacement, n.Kind().Name())
	}
	if d.opts.Prune {
		rw.Pruned = g.Prune()
	}
	report.Rewrites = append(report.Rewrites, rw)
	rewritesApplied.WithLabelValues(p.Name).Inc()

	log.Debug().
		Str("pass", p.Name).
		Str("root", rw.Root).
		Str("op", rw.RootOp).
		Strs("replacement", rw.Replacement).
		Int("pruned", rw.Pruned).
		Msg("rewrite applied")
	return true
}

// build runs the pass builder, turning a panic into an error so one bad
// candidate cannot end the sweep.
func build(p Pass, b *Builder, vm *pattern.ValueMap) (repl []graph.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			repl, err = nil, errors.Errorf("builder panic: %v", r)
		}
	}()
	return p.Build(b, vm)
}

func (d *Driver) failed(p Pass, root graph.Output, err error, report *Report) {
	spliceFailures.WithLabelValues(p.Name).Inc()
	log.Warn().Err(err).Str("pass", p.Name).Str("root", root.String()).Msg("rewrite skipped")
	report.fail(err)
}

// RunToFixedPoint repeats Apply until a sweep changes nothing or
// MaxIterations sweeps have run.
func (d *Driver) RunToFixedPoint(ctx context.Context, g *graph.Graph, p Pass) (*Report, error) {
	release := g.Acquire()
	defer release()
	return d.runToFixedPoint(ctx, g, p)
}

func (d *Driver) runToFixedPoint(ctx context.Context, g *graph.Graph, p Pass) (*Report, error) {
	ctx, span := tracer.Start(ctx, "RunToFixedPoint", trace.WithAttributes(attribute.String("pass", p.Name)))
	defer span.End()

	start := time.Now()
	total := &Report{Pass: p.Name}
	defer func() {
		total.Duration = time.Since(start)
		passDuration.WithLabelValues(p.Name).Observe(total.Duration.Seconds())
	}()

	for total.Iterations < d.opts.MaxIterations {
		r, err := d.apply(ctx, g, p)
		total.Iterations++
		total.merge(r)
		if err != nil {
			span.RecordError(err)
			return total, err
		}
		if r.Applied() == 0 {
			total.Converged = true
			break
		}
	}
	if !total.Converged {
		log.Warn().Str("pass", p.Name).Int("iterations", total.Iterations).Msg("pass did not reach a fixed point")
	}
	span.SetAttributes(attribute.Int("applied", total.Applied()), attribute.Bool("converged", total.Converged))
	return total, nil
}

// Manager runs an ordered list of passes, each to its fixed point.
type Manager struct {
	driver *Driver
	passes []Pass
}

func NewManager(d *Driver, passes ...Pass) *Manager {
	return &Manager{driver: d, passes: append([]Pass(nil), passes...)}
}

// Passes returns the configured passes in run order.
func (m *Manager) Passes() []Pass {
	return append([]Pass(nil), m.passes...)
}

// Run applies every pass in order, holding the graph's pass lock throughout.
// It stops at the first hard error and returns the reports gathered so far.
func (m *Manager) Run(ctx context.Context, g *graph.Graph) ([]*Report, error) {
	release := g.Acquire()
	defer release()

	ctx, span := tracer.Start(ctx, "Manager.Run")
	defer span.End()
	span.SetAttributes(attribute.String("graph", g.Name()), attribute.Int("passes", len(m.passes)))

	reports := make([]*Report, 0, len(m.passes))
	for _, p := range m.passes {
		r, err := m.driver.runToFixedPoint(ctx, g, p)
		reports = append(reports, r)
		if err != nil {
			span.RecordError(err)
			return reports, err
		}
		log.Info().
			Str("pass", p.Name).
			Int("applied", r.Applied()).
			Int("iterations", r.Iterations).
			Dur("duration", r.Duration).
			Msg("pass finished")
	}
	return reports, nil
}
