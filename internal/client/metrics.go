package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fuse_publish_breaker_state",
		Help: "Report publisher circuit breaker state (0 closed, 1 open, 2 half-open)",
	})

	breakerRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuse_publish_breaker_rejections_total",
		Help: "Publish calls rejected while the circuit was open",
	})

	rowsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuse_report_rows_published_total",
		Help: "Rewrite report rows sent over Flight",
	})

	publishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuse_report_publish_failures_total",
		Help: "Rewrite report uploads that failed",
	})
)
