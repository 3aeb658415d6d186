package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-fuse/internal/cache"
	"github.com/23skdu/longbow-fuse/internal/device"
	"github.com/23skdu/longbow-fuse/internal/graph"
	"github.com/23skdu/longbow-fuse/internal/rewrite"
)

const maxBodyBytes = 64 << 20

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuse_requests_total",
		Help: "Optimize requests by HTTP status",
	}, []string{"code"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fuse_request_duration_seconds",
		Help:    "Time spent processing optimize requests",
		Buckets: prometheus.DefBuckets,
	})
)

// ReportPublisher receives the rewrite reports of every optimized graph.
type ReportPublisher interface {
	Publish(ctx context.Context, graphName string, reports []*rewrite.Report) error
	Close() error
}

// PassSummary is the per-pass part of an optimize response.
type PassSummary struct {
	Pass       string   `cbor:"pass"`
	Iterations int      `cbor:"iterations"`
	Converged  bool     `cbor:"converged"`
	Attempts   int      `cbor:"attempts"`
	Matches    int      `cbor:"matches"`
	Applied    int      `cbor:"applied"`
	Declined   int      `cbor:"declined"`
	Failed     int      `cbor:"failed"`
	Errors     []string `cbor:"errors,omitempty"`
	DurationMS float64  `cbor:"duration_ms"`
}

// RewriteDoc describes one committed rewrite.
type RewriteDoc struct {
	Pass        string   `cbor:"pass"`
	RootID      int64    `cbor:"root_id"`
	Root        string   `cbor:"root"`
	RootOp      string   `cbor:"root_op"`
	Replacement []string `cbor:"replacement"`
	Matched     int      `cbor:"matched"`
}

// OptimizeResponse is the CBOR body returned by POST /optimize.
type OptimizeResponse struct {
	Graph    *graph.Document `cbor:"graph"`
	Passes   []PassSummary   `cbor:"passes"`
	Rewrites []RewriteDoc    `cbor:"rewrites"`
}

func newOptimizeResponse(g *graph.Graph, reports []*rewrite.Report) (*OptimizeResponse, error) {
	doc, err := graph.Encode(g)
	if err != nil {
		return nil, err
	}
	resp := &OptimizeResponse{Graph: doc, Passes: make([]PassSummary, 0, len(reports)), Rewrites: []RewriteDoc{}}
	for _, r := range reports {
		ps := PassSummary{
			Pass:       r.Pass,
			Iterations: r.Iterations,
			Converged:  r.Converged,
			Attempts:   r.Attempts,
			Matches:    r.Matches,
			Applied:    r.Applied(),
			Declined:   r.Declined,
			Failed:     r.Failed,
			DurationMS: float64(r.Duration) / float64(time.Millisecond),
		}
		if err := r.Err(); err != nil {
			ps.Errors = strings.Split(strings.TrimSpace(err.Error()), "\n")
		}
		resp.Passes = append(resp.Passes, ps)
		for _, rw := range r.Rewrites {
			resp.Rewrites = append(resp.Rewrites, RewriteDoc{
				Pass:        rw.Pass,
				RootID:      rw.RootID,
				Root:        rw.Root,
				RootOp:      rw.RootOp,
				Replacement: rw.Replacement,
				Matched:     rw.Matched,
			})
		}
	}
	return resp, nil
}

type Server struct {
	backend   device.Backend
	cfg       device.PassConfig
	publisher ReportPublisher
	cache     cache.ResultCache
	sem       *semaphore.Weighted
	maxWeight int64
}

// NewServer builds the HTTP front end. maxConcurrent bounds the number of
// graph nodes being optimized at once; publisher and resultCache may be nil.
func NewServer(backend device.Backend, cfg device.PassConfig, publisher ReportPublisher, resultCache cache.ResultCache, maxConcurrent int) *Server {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Server{
		backend:   backend,
		cfg:       cfg,
		publisher: publisher,
		cache:     resultCache,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		maxWeight: int64(maxConcurrent),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/optimize", s.handleOptimize)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, s *Server) {
	log.Info().Str("addr", addr).Str("backend", s.backend.Name()).Msg("Starting fuse server")
	if s.publisher != nil {
		log.Info().Msg("Publishing rewrite reports to Longbow")
	}
	if err := http.ListenAndServe(addr, s.Handler()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("fuse-server")

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func cacheParts(cfg device.PassConfig) []string {
	passes := "passes=default"
	if cfg.Passes != nil {
		passes = "passes=" + strings.Join(cfg.Passes, ",")
	}
	return []string{passes, "disable=" + strings.Join(cfg.Disable, ",")}
}

func (s *Server) fail(w http.ResponseWriter, code int, format string, args ...any) {
	requestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	http.Error(w, fmt.Sprintf(format, args...), code)
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleOptimize")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		s.fail(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		span.RecordError(err)
		s.fail(w, http.StatusBadRequest, "Bad Request (read body): %v", err)
		return
	}

	cfg := s.cfg
	q := r.URL.Query()
	if q.Has("passes") {
		// an empty list disables optimization, which differs from the default
		cfg.Passes = append([]string{}, splitList(q.Get("passes"))...)
	}
	if q.Has("disable") {
		cfg.Disable = splitList(q.Get("disable"))
	}
	key := cache.Key(body, cacheParts(cfg)...)
	if s.cache != nil {
		if cached, ok := s.cache.Get(key); ok {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			s.write(w, cached)
			return
		}
	}

	g, err := graph.Unmarshal(body)
	if err != nil {
		span.RecordError(err)
		s.fail(w, http.StatusBadRequest, "Bad Request (CBOR decode): %v", err)
		return
	}
	span.SetAttributes(
		attribute.String("graph", g.Name()),
		attribute.Int("nodes", g.Len()),
	)

	// admission control weighted by graph size
	weight := int64(g.Len())
	if weight < 1 {
		weight = 1
	}
	if weight > s.maxWeight {
		weight = s.maxWeight
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		s.fail(w, http.StatusServiceUnavailable, "Server busy")
		return
	}
	exe, err := s.backend.Compile(ctx, g, cfg)
	s.sem.Release(weight)
	if err != nil {
		span.RecordError(err)
		s.fail(w, http.StatusUnprocessableEntity, "Compile failed: %v", err)
		return
	}

	resp, err := newOptimizeResponse(exe.Graph(), exe.Reports())
	if err != nil {
		span.RecordError(err)
		s.fail(w, http.StatusInternalServerError, "Encode failed: %v", err)
		return
	}
	data, err := cbor.Marshal(resp)
	if err != nil {
		span.RecordError(err)
		s.fail(w, http.StatusInternalServerError, "Encode failed: %v", err)
		return
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, g.Name(), exe.Reports()); err != nil {
			log.Warn().Err(err).Str("graph", g.Name()).Msg("Failed to publish rewrite report")
		}
	}
	if s.cache != nil {
		s.cache.Put(key, data)
	}
	s.write(w, data)
}

func (s *Server) write(w http.ResponseWriter, data []byte) {
	requestsTotal.WithLabelValues(strconv.Itoa(http.StatusOK)).Inc()
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
