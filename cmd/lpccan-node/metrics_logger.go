package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-lpccan/internal/metrics"
)

// runMetricsLogger logs a counter snapshot every interval until ctx ends.
func runMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			logSnapshot(l, metrics.Snap())
		case <-ctx.Done():
			return nil
		}
	}
}

func logSnapshot(l *slog.Logger, s metrics.Snapshot) {
	l.Info("metrics_snapshot",
		"can1_tx", s.CANTx[0],
		"can1_rx", s.CANRx[0],
		"can2_tx", s.CANTx[1],
		"can2_rx", s.CANRx[1],
		"bus_faults", s.BusFaults,
		"timeouts", s.Timeouts,
		"bus_dropped", s.BusDropped,
		"af_slots", s.AFSlots,
		"tcp_rx", s.TCPRx,
		"tcp_tx", s.TCPTx,
		"serial_rx", s.SerialRx,
		"serial_tx", s.SerialTx,
		"socketcan_rx", s.SocketCANRx,
		"socketcan_tx", s.SocketCANTx,
		"hub_drops", s.HubDrops,
		"errors", s.Errors,
	)
}
