package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-lpccan/internal/can"
	"github.com/kstaniek/go-lpccan/internal/hub"
	"github.com/kstaniek/go-lpccan/internal/lpccan"
	"github.com/kstaniek/go-lpccan/internal/metrics"
	"github.com/kstaniek/go-lpccan/internal/regs"
	"github.com/kstaniek/go-lpccan/internal/server"
	"github.com/kstaniek/go-lpccan/internal/sim"
)

const (
	// irqMask are the status interrupts the node reports. Reception is polled.
	irqMask = regs.IntEI | regs.IntEPI | regs.IntBEI | regs.IntDOI

	recoverMin      = 50 * time.Millisecond
	recoverMax      = 2 * time.Second
	shutdownTimeout = 2 * time.Second
	tapWindow       = 250 * time.Millisecond
)

// node is one simulated LPC17xx on a virtual bus, served over TCP.
type node struct {
	cfg    *appConfig
	logger *slog.Logger
	bus    *sim.Bus
	board  *sim.Board
	drv    *lpccan.Driver
	hub    *hub.Hub
	srv    *server.Server
	dump   *dumper
	active []*lpccan.Controller
	bridge *bridge
	irq    chan struct{}
	mbox   atomic.Uint32
}

// newNode builds the board, initialises the configured controllers and loads
// the acceptance filter. dumpTo receives the frame dump when enabled.
func newNode(cfg *appConfig, l *slog.Logger, dumpTo io.Writer) (*node, error) {
	n := &node{cfg: cfg, logger: l, irq: make(chan struct{}, 1)}
	n.bus = sim.NewBus(uint32(cfg.canBaud))
	sel, _ := dividerSelector(cfg.pclkDivider)
	n.board = sim.NewBoard(uint32(cfg.systemHz), n.bus, sim.WithClockSource(cfg.source()), sim.WithPeripheralDivider(sel))
	drv, err := lpccan.New(lpccan.Hardware{
		CAN1:     n.board.CAN1,
		CAN2:     n.board.CAN2,
		AFRAM:    n.board.AFRAM,
		AFCtl:    n.board.AFCtl,
		Sys:      n.board.Sys,
		SystemHz: n.board.SystemHz,
	}, lpccan.WithDriverLogger(l))
	if err != nil {
		return nil, err
	}
	n.drv = drv
	n.active = []*lpccan.Controller{drv.CAN1()}
	if cfg.enableCAN2 {
		n.active = append(n.active, drv.CAN2())
	}
	for _, c := range n.active {
		if err := n.start(c); err != nil {
			drv.Close()
			return nil, err
		}
	}
	if err := drv.LoadFilters(cfg.filterEntries()); err != nil {
		drv.Close()
		return nil, fmt.Errorf("load filters: %w", err)
	}
	if err := drv.SetFilterMode(cfg.mode()); err != nil {
		drv.Close()
		return nil, fmt.Errorf("filter mode: %w", err)
	}
	l.Info("af_loaded", "entries", len(cfg.filterEntries()), "mode", cfg.mode().String(), "slots", drv.Filters().Used())
	n.board.OnIRQ(n.signal)

	policy, _ := hub.ParsePolicy(cfg.hubPolicy)
	n.hub = hub.New(hub.WithOutBuf(cfg.hubBuffer), hub.WithPolicy(policy), hub.WithLogger(l))
	n.srv = server.New(n.hub,
		server.WithListenAddr(cfg.listenAddr),
		server.WithSend(n.transmit),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	if cfg.dump {
		n.dump = newDumper(dumpTo, !color.NoColor)
	}
	return n, nil
}

// start (re)initialises c and enables its status interrupts.
func (n *node) start(c *lpccan.Controller) error {
	if err := c.Init(uint32(n.cfg.canBaud), n.cfg.loopback); err != nil {
		return err
	}
	return c.EnableInterrupts(irqMask)
}

// signal is the simulated interrupt line. It runs on the transmitting
// goroutine so it only wakes irqLoop.
func (n *node) signal(can.Channel) {
	select {
	case n.irq <- struct{}{}:
	default:
	}
}

// transmit sends a client frame on CAN1, rotating over the mailboxes.
func (n *node) transmit(f can.Frame) error {
	mb := int(n.mbox.Add(1)-1)%lpccan.Mailboxes + 1
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.txTimeout)
	defer cancel()
	return n.drv.CAN1().Transmit(ctx, mb, f, n.cfg.loopback)
}

func (n *node) publish(c *lpccan.Controller, m lpccan.Message) {
	n.hub.Broadcast(m.Frame)
	if n.dump != nil {
		n.dump.print(m, c.Channel().Index())
	}
}

// receiveLoop drains c into the hub. Timeouts are idle ticks; a bus fault
// restarts the controller after a growing pause.
func (n *node) receiveLoop(ctx context.Context, c *lpccan.Controller) error {
	backoff := recoverMin
	for ctx.Err() == nil {
		m, err := c.ReceiveMessage(ctx)
		switch {
		case err == nil:
			backoff = recoverMin
			n.publish(c, m)
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, lpccan.ErrTimeout):
		case errors.Is(err, lpccan.ErrBusFault):
			rx, tx := c.ErrorCounters()
			n.logger.Warn("can_bus_fault", "channel", c.Channel().String(), "rxerr", rx, "txerr", tx, "restart_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff = min(backoff*2, recoverMax)
			if err := n.start(c); err != nil {
				return fmt.Errorf("%s restart: %w", c.Channel(), err)
			}
			n.logger.Info("can_restarted", "channel", c.Channel().String())
		default:
			return fmt.Errorf("%s receive: %w", c.Channel(), err)
		}
	}
	return nil
}

// irqLoop services the interrupt line and logs controller status events.
func (n *node) irqLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.irq:
			n.drv.ServiceIRQ(func(st [2]lpccan.IRQStatus) {
				for _, s := range st {
					n.report(s)
				}
			})
		}
	}
}

func (n *node) report(s lpccan.IRQStatus) {
	p := s.Pending()
	if p == 0 {
		return
	}
	ch := s.Channel.String()
	if p&regs.IntDOI != 0 {
		metrics.IncError(metrics.ErrCANRx)
		n.logger.Warn("can_data_overrun", "channel", ch)
	}
	if p&(regs.IntEI|regs.IntEPI) != 0 {
		c, _ := n.drv.Controller(s.Channel)
		rx, tx := c.ErrorCounters()
		n.logger.Warn("can_error_state", "channel", ch, "rxerr", rx, "txerr", tx, "passive", p&regs.IntEPI != 0)
	}
	if p&regs.IntBEI != 0 {
		n.logger.Debug("can_bus_error", "channel", ch)
	}
}

// run serves until ctx ends or a task fails.
func (n *node) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.srv.Serve(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return n.srv.Shutdown(sctx)
	})
	for _, c := range n.active {
		c := c
		g.Go(func() error { return n.receiveLoop(ctx, c) })
	}
	g.Go(func() error { return n.irqLoop(ctx) })
	g.Go(func() error { return runMetricsLogger(ctx, n.cfg.logMetrics, n.logger) })
	if n.bridge != nil {
		g.Go(func() error { return n.bridge.run(ctx) })
	}
	if n.cfg.mdnsEnable {
		g.Go(func() error {
			select {
			case <-n.srv.Ready():
			case <-ctx.Done():
				return nil
			}
			if err := runMDNS(ctx, n.cfg, n.srv.Addr()); err != nil {
				n.logger.Warn("mdns_start_failed", "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ready reports whether the listener is bound.
func (n *node) ready() bool {
	select {
	case <-n.srv.Ready():
		return true
	default:
		return false
	}
}

func (n *node) close() {
	if n.bridge != nil {
		n.bridge.close()
	}
	n.drv.Close()
}
