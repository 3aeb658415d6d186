package pattern

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	permutationsTried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuse_matcher_permutations_total",
		Help: "Non-identity input orders tried for commutative ops",
	})

	depthExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuse_matcher_depth_exceeded_total",
		Help: "Match attempts abandoned at the recursion limit",
	})

	arityOverflow = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fuse_matcher_permutation_overflow_total",
		Help: "Commutative matches above the permutation bound, tried in declared order only",
	})
)
