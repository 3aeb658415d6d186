package main

import (
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-fuse/internal/client"
)

var collectedRows = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fuse_collected_rewrites_total",
	Help: "Rewrite report rows received by the Flight collector, per pass",
}, []string{"pass"})

// ReportCollector is a Flight sink for rewrite reports. It tallies rewrites
// per pass so a fleet of fuse servers can be watched from one place.
type ReportCollector struct {
	flight.BaseFlightServer
	alloc memory.Allocator

	mu     sync.Mutex
	counts map[string]int64
}

func NewReportCollector() *ReportCollector {
	return &ReportCollector{
		alloc:  memory.NewGoAllocator(),
		counts: make(map[string]int64),
	}
}

func (s *ReportCollector) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	return fmt.Errorf("DoExchange not implemented")
}

func (s *ReportCollector) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	passCol := reader.Schema().FieldIndices(client.ReportSchema.Field(1).Name)
	if len(passCol) == 0 {
		return fmt.Errorf("not a rewrite report: %s", reader.Schema())
	}
	dataset := ""
	if desc := reader.LatestFlightDescriptor(); desc != nil && len(desc.Path) > 0 {
		dataset = desc.Path[0]
	}

	for reader.Next() {
		rec := reader.Record()
		passes, ok := rec.Column(passCol[0]).(*array.String)
		if !ok {
			return fmt.Errorf("pass column is %s", rec.Column(passCol[0]).DataType())
		}
		s.mu.Lock()
		for i := 0; i < passes.Len(); i++ {
			s.counts[passes.Value(i)]++
			collectedRows.WithLabelValues(passes.Value(i)).Inc()
		}
		s.mu.Unlock()
		log.Info().Str("dataset", dataset).Int64("rows", rec.NumRows()).Msg("DoPut received rewrite report")
	}
	return reader.Err()
}

// Counts returns the number of rewrites received per pass.
func (s *ReportCollector) Counts() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

func StartFlightServer(addr string, collector *ReportCollector) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(collector)

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting fuse report collector")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
