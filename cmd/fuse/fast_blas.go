//go:build cgo

package main

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

// System BLAS backs the mat.Dense products of the cpu device's MatMul and
// Linear kernels when cgo is available.
func init() {
	blas64.Use(netlib.Implementation{})
	log.Debug().Str("blas", "netlib").Msg("System BLAS enabled for cpu kernels")
}
