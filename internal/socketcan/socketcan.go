// Package socketcan bridges frames to a Linux SocketCAN interface.
package socketcan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-lpccan/internal/can"
	"github.com/kstaniek/go-lpccan/internal/metrics"
	"github.com/kstaniek/go-lpccan/internal/transport"
)

var (
	// ErrTxOverflow is returned by SendFrame when the write queue is full.
	ErrTxOverflow = fmt.Errorf("socketcan: %w", transport.ErrOverflow)
	// ErrUnsupported is returned by Open on platforms without SocketCAN.
	ErrUnsupported = errors.New("socketcan: not supported on this platform")

	errErrorFrame = errors.New("socketcan: error frame")
)

// Dev is the minimal device interface, implemented by *Device and by fakes.
type Dev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

// TXWriter funnels all device writes through a single goroutine.
type TXWriter struct{ base *transport.AsyncTx }

// NewTXWriter starts a writer for dev with a queue of buf frames.
func NewTXWriter(parent context.Context, dev Dev, buf int) *TXWriter {
	hooks := transport.Hooks{
		OnError: func(error) { metrics.IncError(metrics.ErrSocketCANWrite) },
		OnAfter: metrics.IncSocketCANTx,
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSocketCANOver)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, dev.WriteFrame, hooks)}
}

// SendFrame queues fr; it fails with ErrTxOverflow when the queue is full.
func (w *TXWriter) SendFrame(fr can.Frame) error { return w.base.SendFrame(fr) }

// Stats returns the writer counters.
func (w *TXWriter) Stats() transport.TxStats { return w.base.Stats() }

// Close stops the writer.
func (w *TXWriter) Close() { w.base.Close() }

const (
	backoffMin = 20 * time.Millisecond
	backoffMax = 500 * time.Millisecond
)

// sleep is replaced in tests.
var sleep = time.Sleep

// ReadLoop reads frames from dev until ctx ends. Error frames are skipped.
// Read errors back off exponentially.
func ReadLoop(ctx context.Context, dev Dev, onFrame func(can.Frame), logger *slog.Logger) {
	backoff := backoffMin
	for ctx.Err() == nil {
		var fr can.Frame
		if err := dev.ReadFrame(&fr); err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, errErrorFrame) {
				continue
			}
			metrics.IncError(metrics.ErrSocketCANRead)
			logger.Warn("socketcan_read_error", "error", err, "backoff", backoff)
			sleep(backoff)
			backoff = min(backoff*2, backoffMax)
			continue
		}
		backoff = backoffMin
		metrics.IncSocketCANRx()
		onFrame(fr)
	}
}
