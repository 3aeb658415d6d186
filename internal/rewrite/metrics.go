package rewrite

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	matchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuse_match_attempts_total",
		Help: "Candidate roots tried per pass",
	}, []string{"pass"})

	matchesFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuse_matches_total",
		Help: "Successful pattern matches per pass",
	}, []string{"pass"})

	rewritesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuse_rewrites_applied_total",
		Help: "Splices committed per pass",
	}, []string{"pass"})

	spliceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuse_splice_failures_total",
		Help: "Builder errors and rejected splices per pass",
	}, []string{"pass"})

	passDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fuse_pass_duration_seconds",
		Help:    "Time spent running a pass to its fixed point",
		Buckets: prometheus.DefBuckets,
	}, []string{"pass"})
)
