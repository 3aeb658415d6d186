package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	kernelInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fuse_kernel_invocations_total",
		Help: "Kernels run by the CPU backend, per op",
	}, []string{"op"})

	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuse_cpu_pool_hits_total",
		Help: "Total number of successful buffer pool retrievals",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuse_cpu_pool_misses_total",
		Help: "Total number of buffer pool misses (allocations)",
	})

	compileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fuse_compile_duration_seconds",
		Help:    "Time spent compiling a graph, passes included",
		Buckets: prometheus.DefBuckets,
	})
)
