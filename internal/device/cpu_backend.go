package device

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-fuse/internal/graph"
	"github.com/23skdu/longbow-fuse/internal/passes"
	"github.com/23skdu/longbow-fuse/internal/rewrite"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Executable = (*cpuExecutable)(nil)

var tracer = otel.Tracer("fuse-device")

// CPUBackend is the reference interpreter. It has no performance goal; it
// exists so that rewrites can be checked against the unoptimized graph.
type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{
		pool: sync.Pool{
			New: func() interface{} {
				return new([]float64)
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) IsSupported(n *graph.Node) bool {
	if n.Kind() == graph.ParameterKind {
		return true
	}
	_, ok := kernels[n.Kind()]
	return ok
}

// getBuffer returns a zeroed buffer of the given size, reusing a pooled one
// when it is large enough.
func (b *CPUBackend) getBuffer(size int) []float64 {
	p := b.pool.Get().(*[]float64)
	if cap(*p) >= size && *p != nil {
		poolHits.Inc()
		buf := (*p)[:size]
		for i := range buf {
			buf[i] = 0
		}
		return buf
	}
	poolMisses.Inc()
	return make([]float64, size)
}

func (b *CPUBackend) putBuffer(buf []float64) {
	if cap(buf) == 0 {
		return
	}
	buf = buf[:0]
	b.pool.Put(&buf)
}

func (b *CPUBackend) newTensor(shape graph.Shape) *Tensor {
	return &Tensor{shape: shape, data: b.getBuffer(shape.Size())}
}

// resolvePasses turns a PassConfig into the pass list to run.
func resolvePasses(cfg PassConfig) ([]rewrite.Pass, error) {
	var ps []rewrite.Pass
	if cfg.Passes == nil {
		ps = passes.Default()
	} else {
		var err error
		if ps, err = passes.Lookup(cfg.Passes); err != nil {
			return nil, err
		}
	}
	if len(cfg.Disable) == 0 {
		return ps, nil
	}
	off := make(map[string]bool, len(cfg.Disable))
	for _, name := range cfg.Disable {
		off[name] = true
	}
	kept := ps[:0]
	for _, p := range ps {
		if !off[p.Name] {
			kept = append(kept, p)
		}
	}
	return kept, nil
}

func (b *CPUBackend) Compile(ctx context.Context, g *graph.Graph, cfg PassConfig) (Executable, error) {
	ctx, span := tracer.Start(ctx, "Compile")
	defer span.End()
	span.SetAttributes(attribute.String("graph", g.Name()), attribute.String("backend", b.Name()))

	start := time.Now()
	defer func() {
		compileDuration.Observe(time.Since(start).Seconds())
	}()

	ps, err := resolvePasses(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "cpu: compile")
	}
	reports, err := rewrite.NewManager(rewrite.NewDriver(cfg.Options), ps...).Run(ctx, g)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "cpu: compile")
	}

	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, errors.Wrap(err, "cpu: compile")
	}
	for _, n := range order {
		if !b.IsSupported(n) {
			return nil, errors.Errorf("cpu: unsupported op %s (%s)", n.Kind(), n)
		}
	}

	exe := &cpuExecutable{
		backend: b,
		g:       g,
		order:   order,
		params:  g.Parameters(),
		results: g.Results(),
		reports: reports,
		uses:    make(map[graph.Output]int),
	}
	for _, n := range order {
		for _, in := range n.Inputs() {
			exe.uses[in]++
		}
	}
	log.Debug().Str("graph", g.Name()).Int("nodes", len(order)).Msg("compiled for CPU")
	return exe, nil
}

type cpuExecutable struct {
	backend *CPUBackend
	g       *graph.Graph
	order   []*graph.Node
	params  []*graph.Node
	results []graph.Output
	reports []*rewrite.Report
	uses    map[graph.Output]int
}

func (e *cpuExecutable) Graph() *graph.Graph        { return e.g }
func (e *cpuExecutable) Reports() []*rewrite.Report { return e.reports }

func (e *cpuExecutable) Call(ctx context.Context, inputs ...*Tensor) ([]*Tensor, error) {
	if len(inputs) != len(e.params) {
		return nil, errors.Errorf("cpu: %d inputs for %d parameters", len(inputs), len(e.params))
	}
	values := make(map[graph.Output]*Tensor, len(e.order))
	owned := make(map[*Tensor]bool)
	for i, p := range e.params {
		want := p.OutputShape(0)
		if !want.Compatible(inputs[i].Shape()) {
			return nil, errors.Errorf("cpu: input %d (%s) has shape %s, want %s", i, p.Name(), inputs[i].Shape(), want)
		}
		values[p.Output(0)] = inputs[i]
	}

	keep := make(map[graph.Output]bool, len(e.results))
	for _, r := range e.results {
		keep[r] = true
	}
	remaining := make(map[graph.Output]int, len(e.uses))
	for o, n := range e.uses {
		remaining[o] = n
	}

	for _, n := range e.order {
		if n.Kind() == graph.ParameterKind {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		args := make([]*Tensor, n.NumInputs())
		for i, in := range n.Inputs() {
			args[i] = values[in]
		}
		out, err := kernels[n.Kind()](e.backend, n, args)
		if err != nil {
			return nil, errors.Wrapf(err, "cpu: %s", n)
		}
		kernelInvocations.WithLabelValues(n.Kind().Name()).Inc()
		values[n.Output(0)] = out
		owned[out] = true

		// hand intermediate buffers back once their last consumer has run
		for _, in := range n.Inputs() {
			remaining[in]--
			if t := values[in]; remaining[in] == 0 && !keep[in] && owned[t] {
				e.backend.putBuffer(t.data)
				delete(owned, t)
			}
		}
	}

	outs := make([]*Tensor, len(e.results))
	for i, r := range e.results {
		t, ok := values[r]
		if !ok {
			return nil, errors.Errorf("cpu: result %d (%s) was not computed", i, r)
		}
		outs[i] = NewTensor(t.shape, t.data)
	}
	return outs, nil
}
