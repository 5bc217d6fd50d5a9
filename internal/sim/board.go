package sim

import (
	"github.com/kstaniek/go-lpccan/internal/can"
	"github.com/kstaniek/go-lpccan/internal/clock"
	"github.com/kstaniek/go-lpccan/internal/regs"
)

// Board is one simulated microcontroller: two CAN controllers sharing an
// acceptance filter and the system control registers the driver touches.
type Board struct {
	CAN1, CAN2 *Controller
	AFRAM      *regs.Mem
	AFCtl      *regs.Mem
	Sys        *regs.Mem
	SystemHz   uint32
	Clock      *clock.Provider
}

// BoardOption customises a Board before its controllers are attached.
type BoardOption func(*Board)

// WithClockSource selects the PLL input reported by CLKSRCSEL.
func WithClockSource(s clock.Source) BoardOption {
	return func(b *Board) { b.Clock.SetSource(s) }
}

// WithPeripheralDivider programs the PCLKSEL0 selector of both controllers.
func WithPeripheralDivider(sel uint32) BoardOption {
	return func(b *Board) {
		b.Clock.SetSelector(can.CAN1, sel)
		b.Clock.SetSelector(can.CAN2, sel)
	}
}

// NewBoard builds a board whose core runs at systemHz, clocked from the main
// oscillator with the reset divider (/4). Both controllers are attached to bus
// when it is non nil.
func NewBoard(systemHz uint32, bus *Bus, opts ...BoardOption) *Board {
	b := &Board{
		AFRAM:    regs.NewMem(regs.AFRAMSize),
		AFCtl:    regs.NewMem(regs.AFSize),
		Sys:      regs.NewMem(regs.SysSize),
		SystemHz: systemHz,
	}
	b.Clock = clock.NewProvider(b.Sys, systemHz)
	b.Clock.SetSource(clock.SourceMain)
	for _, o := range opts {
		o(b)
	}
	b.AFCtl.Write(regs.AFMR, regs.AfAccBP)
	b.CAN1 = NewController(can.CAN1, func() uint32 { return b.Clock.Peripheral(can.CAN1) }, b.AFRAM, b.AFCtl)
	b.CAN2 = NewController(can.CAN2, func() uint32 { return b.Clock.Peripheral(can.CAN2) }, b.AFRAM, b.AFCtl)
	if bus != nil {
		bus.Attach(b.CAN1, b.CAN2)
	}
	return b
}

// Controller returns the simulated block of ch, or nil.
func (b *Board) Controller(ch can.Channel) *Controller {
	switch ch {
	case can.CAN1:
		return b.CAN1
	case can.CAN2:
		return b.CAN2
	}
	return nil
}

// Powered reports whether PCONP enables the controller.
func (b *Board) Powered(ch can.Channel) bool {
	bit := uint32(regs.PconpCAN1)
	if ch == can.CAN2 {
		bit = regs.PconpCAN2
	}
	return b.Sys.Read(regs.PCONP)&bit != 0
}

// OnIRQ installs fn as the interrupt hook of both controllers.
func (b *Board) OnIRQ(fn func(can.Channel)) {
	b.CAN1.OnIRQ(fn)
	b.CAN2.OnIRQ(fn)
}
