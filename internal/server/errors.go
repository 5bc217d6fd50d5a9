package server

import (
	"errors"

	"github.com/kstaniek/go-lpccan/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen    = errors.New("listen")
	ErrAccept    = errors.New("accept")
	ErrHandshake = errors.New("handshake")
	ErrConnRead  = errors.New("conn_read")
	ErrConnWrite = errors.New("conn_write")
	ErrCANTx     = errors.New("can_tx")
	ErrContext   = errors.New("context_cancelled")
)

// metricLabel maps a wrapped sentinel to its errors_total label.
func metricLabel(err error) string {
	switch {
	case errors.Is(err, ErrConnRead), errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTCPWrite
	case errors.Is(err, ErrHandshake):
		return metrics.ErrHandshake
	case errors.Is(err, ErrCANTx):
		return metrics.ErrCANTx
	case errors.Is(err, ErrContext):
		return "context"
	default:
		return "other"
	}
}
