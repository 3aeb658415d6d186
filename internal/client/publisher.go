package client

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-fuse/internal/rewrite"
)

// Publisher exports rewrite reports to a dataset behind a circuit breaker, so
// an unavailable server costs one fast error per call instead of a timeout.
type Publisher struct {
	putter  Putter
	builder *ReportBuilder
	breaker *CircuitBreaker
	dataset string
}

func NewPublisher(p Putter, dataset string, breaker *CircuitBreaker) *Publisher {
	return &Publisher{
		putter:  p,
		builder: NewReportBuilder(memory.NewGoAllocator()),
		breaker: breaker,
		dataset: dataset,
	}
}

// Publish sends the rewrites of one compilation. Reports without rewrites
// send nothing.
func (p *Publisher) Publish(ctx context.Context, graphName string, reports []*rewrite.Report) error {
	rec, err := p.builder.Build(graphName, reports)
	if err != nil {
		return errors.Wrap(err, "publish: build report")
	}
	if rec == nil {
		return nil
	}
	defer rec.Release()

	err = p.breaker.Do(func() error {
		return p.putter.DoPut(ctx, p.dataset, rec)
	})
	if err != nil {
		publishFailures.Inc()
		return errors.Wrapf(err, "publish: %s", p.dataset)
	}
	rowsPublished.Add(float64(rec.NumRows()))
	log.Debug().Str("graph", graphName).Str("dataset", p.dataset).Int64("rows", rec.NumRows()).Msg("published rewrite report")
	return nil
}

func (p *Publisher) Close() error {
	return p.putter.Close()
}
