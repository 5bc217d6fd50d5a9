package serial

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/kstaniek/go-lpccan/internal/can"
	"github.com/kstaniek/go-lpccan/internal/metrics"
)

const (
	readBufSize = 4096
	// reclaimThreshold is the accumulator capacity above which a drained
	// buffer is reallocated, so a burst of line noise does not pin memory.
	reclaimThreshold = 16 * 1024
	backoffMin       = 20 * time.Millisecond
	backoffMax       = 500 * time.Millisecond
)

// sleep is replaced in tests.
var sleep = time.Sleep

// ReadLoop decodes frames from sp until ctx ends or the device goes away.
// Read errors back off exponentially; io.EOF from an idle line is ignored.
func ReadLoop(ctx context.Context, sp Port, onFrame func(can.Frame), logger *slog.Logger) error {
	var codec Codec
	buf := make([]byte, readBufSize)
	acc := bytes.NewBuffer(nil)
	backoff := backoffMin
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		n, err := sp.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			_ = codec.DecodeStream(acc, onFrame)
			if acc.Len() == 0 && acc.Cap() > reclaimThreshold {
				acc = bytes.NewBuffer(nil)
			}
			backoff = backoffMin
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		var perr *os.PathError
		if errors.As(err, &perr) || errors.Is(err, os.ErrClosed) {
			return err
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			continue
		}
		metrics.IncError(metrics.ErrSerialRead)
		logger.Warn("serial_read_error", "error", err, "backoff", backoff)
		sleep(backoff)
		backoff = min(backoff*2, backoffMax)
	}
}
