package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-lpccan/internal/can"
	"github.com/kstaniek/go-lpccan/internal/metrics"
	"github.com/kstaniek/go-lpccan/internal/serial"
	"github.com/kstaniek/go-lpccan/internal/sim"
	"github.com/kstaniek/go-lpccan/internal/socketcan"
	"github.com/kstaniek/go-lpccan/internal/transport"
)

// Device openers are replaced in tests.
var (
	openSerialPort      = serial.Open
	openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }
)

// bridge connects the simulated bus to an external CAN device. Frames that
// succeed on the bus are queued to the device; frames read from the device
// are injected into the bus. Injected frames do not reach the tap, so nothing
// echoes back.
type bridge struct {
	name   string
	read   func(ctx context.Context, inject func(can.Frame)) error
	closer func() error
	untap  func()
	stats  func() transport.TxStats
	bus    *sim.Bus
	logger *slog.Logger
	once   sync.Once
}

// bridgeSink is a device writer fed by the bus tap.
type bridgeSink interface {
	transport.FrameSink
	Stats() transport.TxStats
}

// attachBridge opens the configured device. It returns nil for bridge=none.
func attachBridge(ctx context.Context, cfg *appConfig, bus *sim.Bus, l *slog.Logger) (*bridge, error) {
	b := &bridge{name: cfg.bridge, bus: bus, logger: l}
	var sink bridgeSink
	depth := transport.QueueForBitrate(bus.Bitrate(), tapWindow)
	switch cfg.bridge {
	case "none":
		return nil, nil
	case "serial":
		sp, err := openSerialPort(cfg.serialDev, cfg.serialBaud, cfg.serialReadTO)
		if err != nil {
			return nil, fmt.Errorf("open serial %s: %w", cfg.serialDev, err)
		}
		l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.serialBaud)
		w := serial.NewTXWriter(ctx, sp, depth, l)
		sink = w
		b.read = func(ctx context.Context, inject func(can.Frame)) error {
			return serial.ReadLoop(ctx, sp, inject, l)
		}
		b.closer = func() error { w.Close(); return sp.Close() }
	case "socketcan":
		dev, err := openSocketCANDevice(cfg.canIf)
		if err != nil {
			return nil, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
		}
		l.Info("socketcan_open", "if", cfg.canIf)
		w := socketcan.NewTXWriter(ctx, dev, depth)
		sink = w
		b.read = func(ctx context.Context, inject func(can.Frame)) error {
			socketcan.ReadLoop(ctx, dev, inject, l)
			return nil
		}
		b.closer = func() error { w.Close(); return dev.Close() }
	default:
		return nil, fmt.Errorf("unknown bridge %q", cfg.bridge)
	}
	b.stats = sink.Stats
	b.untap = bus.Tap(b.forward(sink))
	l.Debug("bridge_tap", "bridge", b.name, "queue", depth)
	return b, nil
}

// forward returns the bus tap feeding sink. Overflow is already counted by
// the writer; anything else means the device side is gone.
func (b *bridge) forward(sink transport.FrameSink) func(can.Frame) {
	return func(f can.Frame) {
		err := sink.SendFrame(f)
		if err == nil || errors.Is(err, transport.ErrOverflow) {
			return
		}
		metrics.IncError(metrics.ErrBridgeTap)
		b.logger.Warn("bridge_tap_error", "bridge", b.name, "frame", f.String(), "error", err)
	}
}

// run injects device frames until ctx ends. Losing the device ends the node.
func (b *bridge) run(ctx context.Context) error {
	defer b.logger.Info("bridge_rx_end", "bridge", b.name)
	stop := context.AfterFunc(ctx, b.close)
	defer stop()
	err := b.read(ctx, func(f can.Frame) {
		if n := b.bus.Inject(f); n == 0 {
			b.logger.Debug("bridge_frame_unclaimed", "frame", f.String())
		}
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("%s bridge: %w", b.name, err)
	}
	return nil
}

// close detaches from the bus and releases the device. Closing the device
// also unblocks a pending read.
func (b *bridge) close() {
	b.once.Do(func() {
		b.untap()
		if b.stats != nil {
			st := b.stats()
			b.logger.Info("bridge_tx_stats", "bridge", b.name, "sent", st.Sent, "failed", st.Failed, "dropped", st.Dropped)
		}
		if err := b.closer(); err != nil {
			b.logger.Warn("bridge_close_error", "bridge", b.name, "error", err)
		}
	})
}
