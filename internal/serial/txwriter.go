package serial

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-lpccan/internal/can"
	"github.com/kstaniek/go-lpccan/internal/logging"
	"github.com/kstaniek/go-lpccan/internal/metrics"
	"github.com/kstaniek/go-lpccan/internal/transport"
)

// ErrTxOverflow is returned by SendFrame when the write queue is full.
var ErrTxOverflow = fmt.Errorf("serial: %w", transport.ErrOverflow)

// TXWriter funnels all adapter writes through one goroutine.
type TXWriter struct{ base *transport.AsyncTx }

// NewTXWriter starts a writer for sp with a queue of buf frames.
func NewTXWriter(parent context.Context, sp Port, buf int, logger *slog.Logger) *TXWriter {
	if logger == nil {
		logger = logging.L()
	}
	var codec Codec
	send := func(fr can.Frame) error {
		_, err := sp.Write(codec.Encode(fr))
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logger.Error("serial_write_error", "error", err)
		},
		OnAfter: metrics.IncSerialTx,
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, send, hooks)}
}

// SendFrame queues fr; it fails with ErrTxOverflow when the queue is full.
func (w *TXWriter) SendFrame(fr can.Frame) error { return w.base.SendFrame(fr) }

// Stats returns the writer counters.
func (w *TXWriter) Stats() transport.TxStats { return w.base.Stats() }

// Close stops the writer.
func (w *TXWriter) Close() { w.base.Close() }
