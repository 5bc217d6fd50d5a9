package server

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-lpccan/internal/can"
	"github.com/kstaniek/go-lpccan/internal/hub"
	"github.com/kstaniek/go-lpccan/internal/metrics"
)

// writeLoop pushes hub frames to one client, batching up to batchSize frames
// or flushInterval, whichever comes first.
func (s *Server) writeLoop(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
		s.forget(cl)
		s.disconnected.Add(1)
		logger.Info("client_disconnected")
	}()
	t := time.NewTicker(s.flushInterval)
	defer t.Stop()
	batch := make([]can.Frame, 0, s.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n := len(batch)
		_, err := s.codec.EncodeTo(conn, batch)
		batch = batch[:0]
		if err != nil {
			return s.fail(fmt.Errorf("%w: %v", ErrConnWrite, err))
		}
		metrics.AddTCPTx(n)
		return nil
	}
	for {
		select {
		case fr := <-cl.Out:
			batch = append(batch, fr)
			if len(batch) >= s.batchSize {
				if err := flush(); err != nil {
					return
				}
			}
		case <-t.C:
			if err := flush(); err != nil {
				return
			}
		case <-cl.Closed:
			_ = flush()
			return
		case <-ctxDone:
			_ = flush()
			return
		}
	}
}
