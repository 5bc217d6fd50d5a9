// Package lpccan drives the two CAN controllers of an LPC17xx and the
// acceptance filter they share. Hardware is reached through regs.Bank so the
// same code runs against the peripheral or the simulator.
package lpccan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-lpccan/internal/bittiming"
	"github.com/kstaniek/go-lpccan/internal/can"
	"github.com/kstaniek/go-lpccan/internal/clock"
	"github.com/kstaniek/go-lpccan/internal/logging"
	"github.com/kstaniek/go-lpccan/internal/metrics"
	"github.com/kstaniek/go-lpccan/internal/msgbuf"
	"github.com/kstaniek/go-lpccan/internal/regs"
)

// State of a controller.
type State int

const (
	StateUninitialized State = iota
	StateReset
	StateOperating
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReset:
		return "reset"
	case StateOperating:
		return "operating"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Mailboxes is the number of transmit buffers per controller.
const Mailboxes = 3

// errorPassiveLimit is the error counter value from which the controller
// stops taking part in bus traffic normally.
const errorPassiveLimit = 128

// Message is a received frame with its acceptance filter report.
type Message struct {
	can.Frame
	Index  int  // matching filter entry, valid when !Bypass
	Bypass bool // accepted in bypass mode
}

// IRQStatus is the interrupt snapshot of one controller.
type IRQStatus struct {
	Channel can.Channel
	ICR     uint32 // captured interrupts (read clears all but RI)
	IER     uint32 // enabled interrupts at capture time
}

// Pending returns the captured interrupts that are enabled.
func (s IRQStatus) Pending() uint32 { return s.ICR & s.IER }

// Controller is one CAN controller. Transmit and Receive serialize on separate
// locks so a receive loop and a sender can share a controller.
type Controller struct {
	ch     can.Channel
	bank   regs.Bank
	sys    regs.Bank
	clk    *clock.Provider
	poll   Poller
	logger *slog.Logger
	label  string

	mu       sync.Mutex
	state    State
	timing   bittiming.Timing
	loopback bool

	txMu sync.Mutex
	rxMu sync.Mutex
}

// ControllerOption customises a Controller.
type ControllerOption func(*Controller)

// WithPoller bounds the controller's status waits.
func WithPoller(p Poller) ControllerOption { return func(c *Controller) { c.poll = p } }

// WithLogger sets the logger of a controller.
func WithLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewController wraps the register block of ch. sys is the system control
// bank used for pin and power setup; clk supplies the peripheral clock.
func NewController(ch can.Channel, bank, sys regs.Bank, clk *clock.Provider, opts ...ControllerOption) (*Controller, error) {
	if !ch.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChannel, uint8(ch))
	}
	if bank == nil || sys == nil || clk == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoHardware, ch)
	}
	c := &Controller{ch: ch, bank: bank, sys: sys, clk: clk, poll: DefaultPoller, logger: logging.L(), label: ch.String()}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Channel returns the controller identity.
func (c *Controller) Channel() can.Channel { return c.ch }

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Timing returns the bit timing programmed by the last successful Init.
func (c *Controller) Timing() bittiming.Timing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timing
}

// Loopback reports whether the controller runs in self test mode.
func (c *Controller) Loopback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loopback
}

// Init (re)configures the controller for baud. The controller passes through
// reset mode; on error it stays there and Init may be retried.
func (c *Controller) Init(baud uint32, loopback bool) error {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateReset
	attach(c.sys, c.ch)
	c.bank.Write(regs.MOD, regs.ModRM)
	c.bank.Write(regs.IER, 0)
	c.bank.Write(regs.GSR, 0)
	c.bank.Write(regs.CMR, regs.CmrAT|regs.CmrRRB|regs.CmrCDO)

	src, pclk := c.clk.Source(), c.clk.Peripheral(c.ch)
	tm, err := bittiming.SolveFrom(src, pclk, baud)
	if err != nil {
		c.logger.Error("can_init_failed", "channel", c.label, "baud", baud, "pclk", pclk, "source", src.String(), "error", err)
		return fmt.Errorf("%s init: %w", c.ch, err)
	}
	c.bank.Write(regs.BTR, tm.BTR())
	var mod uint32
	if loopback {
		mod |= regs.ModSTM
	}
	c.bank.Write(regs.MOD, mod)
	c.timing = tm
	c.loopback = loopback
	c.state = StateOperating
	c.logger.Info("can_init", "channel", c.label, "baud", baud, "pclk", pclk, "timing", tm.String(), "loopback", loopback)
	return nil
}

// Deinit puts the controller in reset mode, masks its interrupts and releases
// its pins and power.
func (c *Controller) Deinit() {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bank.Write(regs.MOD, regs.ModRM)
	c.bank.Write(regs.IER, 0)
	detach(c.sys, c.ch)
	c.state = StateUninitialized
	c.timing = bittiming.Timing{}
	c.logger.Info("can_deinit", "channel", c.label)
}

func (c *Controller) operating(op string) error {
	c.mu.Lock()
	s := c.state
	c.mu.Unlock()
	if s == StateOperating {
		return nil
	}
	if strictState {
		panic(fmt.Sprintf("lpccan: %s %s in state %s", c.ch, op, s))
	}
	return fmt.Errorf("%w: %s %s in state %s", ErrNotOperating, c.ch, op, s)
}

// busFault reports bus-off or error passive state from GSR.
func (c *Controller) busFault() error {
	g := c.bank.Read(regs.GSR)
	rx := regs.Field(g, regs.GsrRXERRShift, 8)
	tx := regs.Field(g, regs.GsrTXERRShift, 8)
	if g&regs.GsrBS != 0 || rx >= errorPassiveLimit || tx >= errorPassiveLimit {
		metrics.IncBusFault()
		return fmt.Errorf("%w: %s gsr=0x%08X rxerr=%d txerr=%d", ErrBusFault, c.ch, g, rx, tx)
	}
	return nil
}

// ErrorCounters returns the receive and transmit error counters.
func (c *Controller) ErrorCounters() (rx, tx uint8) {
	g := c.bank.Read(regs.GSR)
	return uint8(regs.Field(g, regs.GsrRXERRShift, 8)), uint8(regs.Field(g, regs.GsrTXERRShift, 8))
}

// Transmit sends f through transmit buffer mailbox (1..3) and blocks until the
// controller reports completion. It first waits for all three buffers to be
// released. With loopback the frame is sent with self reception so the
// controller receives it as well.
func (c *Controller) Transmit(ctx context.Context, mailbox int, f can.Frame, loopback bool) error {
	if err := c.operating("transmit"); err != nil {
		return err
	}
	if mailbox < 1 || mailbox > Mailboxes {
		return fmt.Errorf("%w: %d", ErrInvalidMailbox, mailbox)
	}
	if f.Len > can.MaxLen {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLong, f.Len)
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("%s transmit: %w", c.ch, err)
	}
	c.txMu.Lock()
	defer c.txMu.Unlock()
	if err := c.busFault(); err != nil {
		return err
	}
	err := c.poll.Until(ctx, func() (bool, error) {
		return c.bank.Read(regs.SR)&regs.SrAllTBS == regs.SrAllTBS, nil
	})
	if err != nil {
		metrics.IncError(metrics.ErrCANTx)
		return fmt.Errorf("%s mailboxes busy: %w", c.ch, err)
	}
	msgbuf.Store(c.bank, regs.TFI(mailbox), msgbuf.Encode(f))
	cmd := regs.CmrSTB(mailbox)
	if loopback {
		cmd |= regs.CmrSRR
	} else {
		cmd |= regs.CmrTR
	}
	c.bank.Write(regs.CMR, cmd)
	err = c.poll.Until(ctx, func() (bool, error) {
		sr := c.bank.Read(regs.SR)
		switch {
		case sr&regs.SrTCSn(mailbox) != 0:
			return true, nil
		case sr&regs.SrTBSn(mailbox) != 0:
			// Released without completing: aborted or not acknowledged.
			return false, fmt.Errorf("%w: %s mailbox %d not acknowledged", ErrBusFault, c.ch, mailbox)
		}
		return false, nil
	})
	if err != nil {
		metrics.IncError(metrics.ErrCANTx)
		if ctx.Err() != nil {
			// Do not leave the buffer claimed after the caller gave up.
			c.bank.Write(regs.CMR, regs.CmrAT|regs.CmrSTB(mailbox))
		}
		return fmt.Errorf("%s transmit mailbox %d: %w", c.ch, mailbox, err)
	}
	metrics.IncCANTx(c.label)
	c.logger.Debug("can_tx", "channel", c.label, "mailbox", mailbox, "frame", f.String())
	return nil
}

// Receive waits for a frame in the receive buffer, reads it and releases the
// buffer.
func (c *Controller) Receive(ctx context.Context) (can.Frame, error) {
	m, err := c.ReceiveMessage(ctx)
	return m.Frame, err
}

// ReceiveMessage is Receive with the acceptance filter report.
func (c *Controller) ReceiveMessage(ctx context.Context) (Message, error) {
	if err := c.operating("receive"); err != nil {
		return Message{}, err
	}
	c.rxMu.Lock()
	defer c.rxMu.Unlock()
	if err := c.busFault(); err != nil {
		return Message{}, err
	}
	err := c.poll.Until(ctx, func() (bool, error) {
		return c.bank.Read(regs.SR)&regs.SrRBS != 0, nil
	})
	if err != nil {
		return Message{}, err
	}
	w := msgbuf.Load(c.bank, regs.RFS)
	c.bank.Write(regs.CMR, regs.CmrRRB)
	m := Message{Frame: msgbuf.Decode(w), Bypass: w.Bypassed()}
	if !m.Bypass {
		m.Index = w.IDIndex()
	}
	metrics.IncCANRx(c.label)
	return m, nil
}

// EnableInterrupts sets IER to mask (limited to the defined interrupt bits).
func (c *Controller) EnableInterrupts(mask uint32) error {
	if err := c.operating("enable interrupts"); err != nil {
		return err
	}
	c.bank.Write(regs.IER, mask&regs.IntMask)
	return nil
}

// DisableInterrupts masks all interrupts of the controller.
func (c *Controller) DisableInterrupts() { c.bank.Write(regs.IER, 0) }

// IRQStatus captures ICR and IER. Reading ICR acknowledges every captured
// interrupt except receive, which stays pending until the buffer is released.
func (c *Controller) IRQStatus() IRQStatus {
	return IRQStatus{Channel: c.ch, ICR: c.bank.Read(regs.ICR), IER: c.bank.Read(regs.IER)}
}

// masked runs fn with the controller's interrupts disabled and restores IER.
func (c *Controller) masked(fn func() error) error {
	ier := c.bank.Read(regs.IER)
	c.bank.Write(regs.IER, 0)
	defer c.bank.Write(regs.IER, ier&regs.IntMask)
	return fn()
}
