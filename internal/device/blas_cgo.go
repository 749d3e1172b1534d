//go:build cgo

package device

// Registers the netlib BLAS implementation, which uses system BLAS
// (Accelerate on macOS, OpenBLAS on Linux), for float32 matmul when CGO is
// available.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas32.Use(netlib.Implementation{})
	log.Debug().Msg("CGO/BLAS acceleration enabled (netlib)")
}
