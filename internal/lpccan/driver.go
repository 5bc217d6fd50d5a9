package lpccan

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-lpccan/internal/acceptance"
	"github.com/kstaniek/go-lpccan/internal/can"
	"github.com/kstaniek/go-lpccan/internal/clock"
	"github.com/kstaniek/go-lpccan/internal/logging"
	"github.com/kstaniek/go-lpccan/internal/metrics"
	"github.com/kstaniek/go-lpccan/internal/regs"
)

// Hardware lists the register banks of one chip.
type Hardware struct {
	CAN1, CAN2 regs.Bank
	AFRAM      regs.Bank
	AFCtl      regs.Bank
	Sys        regs.Bank
	SystemHz   uint32
}

// Driver owns both controllers and the shared acceptance filter table.
type Driver struct {
	ctl    [2]*Controller
	table  *acceptance.Table
	clk    *clock.Provider
	logger *slog.Logger
	irqMu  sync.Mutex
}

type driverConfig struct {
	poll   Poller
	logger *slog.Logger
}

// Option customises a Driver.
type Option func(*driverConfig)

// WithDriverPoller sets the poller of both controllers.
func WithDriverPoller(p Poller) Option { return func(c *driverConfig) { c.poll = p } }

// WithDriverLogger sets the logger of the driver, its controllers and table.
func WithDriverLogger(l *slog.Logger) Option {
	return func(c *driverConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// New builds a driver on hw. The acceptance filter table is cleared and left
// in bypass mode; both controllers start uninitialized.
func New(hw Hardware, opts ...Option) (*Driver, error) {
	cfg := driverConfig{poll: DefaultPoller, logger: logging.L()}
	for _, o := range opts {
		o(&cfg)
	}
	if hw.AFRAM == nil || hw.AFCtl == nil || hw.Sys == nil {
		return nil, fmt.Errorf("%w: acceptance filter or system control", ErrNoHardware)
	}
	d := &Driver{clk: clock.NewProvider(hw.Sys, hw.SystemHz), logger: cfg.logger}
	for i, bank := range []regs.Bank{hw.CAN1, hw.CAN2} {
		c, err := NewController(can.Channel(i+1), bank, hw.Sys, d.clk, WithPoller(cfg.poll), WithLogger(cfg.logger))
		if err != nil {
			return nil, err
		}
		d.ctl[i] = c
	}
	d.table = acceptance.New(hw.AFRAM, hw.AFCtl, acceptance.WithLogger(cfg.logger))
	return d, nil
}

// Controller returns the controller of ch.
func (d *Driver) Controller(ch can.Channel) (*Controller, error) {
	if !ch.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChannel, uint8(ch))
	}
	return d.ctl[ch.Index()], nil
}

// CAN1 returns the first controller.
func (d *Driver) CAN1() *Controller { return d.ctl[0] }

// CAN2 returns the second controller.
func (d *Driver) CAN2() *Controller { return d.ctl[1] }

// Filters exposes the acceptance filter table for inspection. Mutate it through
// the driver so interrupts are masked.
func (d *Driver) Filters() *acceptance.Table { return d.table }

// Clock returns the clock provider shared by the controllers.
func (d *Driver) Clock() *clock.Provider { return d.clk }

func (d *Driver) withMasked(ch can.Channel, fn func() error) error {
	c, err := d.Controller(ch)
	if err != nil {
		return fmt.Errorf("%w: %v", acceptance.ErrInvalidArgument, err)
	}
	d.irqMu.Lock()
	defer d.irqMu.Unlock()
	err = c.masked(fn)
	if err != nil {
		metrics.IncError(metrics.ErrAFTable)
	}
	return err
}

// AddFilter adds e to the table with e's controller interrupts masked.
func (d *Driver) AddFilter(e acceptance.Entry) error {
	return d.withMasked(e.Channel, func() error { return d.table.Add(e) })
}

// RemoveFilter removes e from the table with e's controller interrupts masked.
func (d *Driver) RemoveFilter(e acceptance.Entry) error {
	return d.withMasked(e.Channel, func() error { return d.table.Remove(e) })
}

// SetFilterEnabled toggles a FullCAN or StdID entry.
func (d *Driver) SetFilterEnabled(e acceptance.Entry, enabled bool) error {
	return d.withMasked(e.Channel, func() error { return d.table.SetEnabled(e, enabled) })
}

// SetFilterMode switches the filter mode with both controllers masked.
func (d *Driver) SetFilterMode(m acceptance.Mode) error {
	return d.withMasked(can.CAN1, func() error {
		return d.ctl[1].masked(func() error { return d.table.SetMode(m) })
	})
}

// LoadFilters adds entries in order and stops at the first failure.
func (d *Driver) LoadFilters(entries []acceptance.Entry) error {
	for _, e := range entries {
		if err := d.AddFilter(e); err != nil {
			return err
		}
	}
	return nil
}

// ServiceIRQ is the body of the interrupt entry point. It snapshots ICR and
// IER of both controllers, masks their interrupts, hands the snapshots to fn
// and re-enables the interrupts that were enabled before.
func (d *Driver) ServiceIRQ(fn func([2]IRQStatus)) {
	d.irqMu.Lock()
	defer d.irqMu.Unlock()
	var st [2]IRQStatus
	for i, c := range d.ctl {
		st[i] = c.IRQStatus()
		c.DisableInterrupts()
	}
	defer func() {
		for i, c := range d.ctl {
			c.bank.Write(regs.IER, st[i].IER&regs.IntMask)
		}
	}()
	if fn != nil {
		fn(st)
	}
}

// Close deinitializes both controllers.
func (d *Driver) Close() {
	for _, c := range d.ctl {
		if c.State() != StateUninitialized {
			c.Deinit()
		}
	}
}
