package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-lpccan/internal/can"
	"github.com/kstaniek/go-lpccan/internal/metrics"
	"github.com/kstaniek/go-lpccan/internal/transport"
)

// readLoop decodes client frames and hands them to the send function. A send
// failure is logged and counted; it never drops the client.
func (s *Server) readLoop(ctxDone <-chan struct{}, conn net.Conn, logger *slog.Logger) {
	defer s.wg.Done()
	defer conn.Close()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
		_, err := s.codec.DecodeN(conn, readBurst, func(fr can.Frame) { s.forward(fr, logger) })
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.fail(fmt.Errorf("%w: %v", ErrConnRead, err))
			logger.Warn("client_read_error", "error", err)
			return
		}
		select {
		case <-ctxDone:
			return
		default:
		}
	}
}

func (s *Server) forward(fr can.Frame, logger *slog.Logger) {
	if s.filter != nil && !s.filter(&fr) {
		s.filtered.Add(1)
		return
	}
	metrics.IncTCPRx()
	err := s.send(fr)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrOverflow):
		s.sendOverflow.Add(1)
		logger.Debug("tx_overflow_drop", "frame", fr.String())
	default:
		s.sendErrors.Add(1)
		logger.Warn("can_tx_error", "error", s.fail(fmt.Errorf("%w: %v", ErrCANTx, err)), "frame", fr.String())
	}
}
