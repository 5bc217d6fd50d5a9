// Package clock derives the CAN peripheral clock from the system clock setup.
package clock

import (
	"fmt"

	"github.com/kstaniek/go-lpccan/internal/can"
	"github.com/kstaniek/go-lpccan/internal/regs"
)

// Source is the CLKSRCSEL value selecting the PLL0 input.
type Source uint32

const (
	SourceIRC  Source = 0 // internal RC oscillator
	SourceMain Source = 1 // main crystal oscillator
	SourceRTC  Source = 2 // RTC oscillator
)

func (s Source) String() string {
	switch s {
	case SourceIRC:
		return "irc"
	case SourceMain:
		return "main"
	case SourceRTC:
		return "rtc"
	default:
		return fmt.Sprintf("source(%d)", uint32(s))
	}
}

// ParseSource maps the textual names used in configuration.
func ParseSource(s string) (Source, error) {
	switch s {
	case "irc":
		return SourceIRC, nil
	case "main":
		return SourceMain, nil
	case "rtc":
		return SourceRTC, nil
	}
	return 0, fmt.Errorf("unknown clock source %q", s)
}

// Divide applies a 2-bit PCLKSEL selector to the system clock:
// 0 -> /4, 1 -> /1, 2 -> /2, 3 -> /6.
func Divide(system uint32, sel uint32) uint32 {
	switch sel & 0x3 {
	case 0:
		return system / 4
	case 1:
		return system
	case 2:
		return system / 2
	default:
		return system / 6
	}
}

// Provider reads clock configuration from the system control bank.
type Provider struct {
	sys    regs.Bank
	system uint32
}

// NewProvider returns a Provider for a core running at systemHz.
func NewProvider(sys regs.Bank, systemHz uint32) *Provider {
	return &Provider{sys: sys, system: systemHz}
}

// SystemFrequency returns the configured core clock in Hz.
func (p *Provider) SystemFrequency() uint32 { return p.system }

// Source returns the current PLL0 clock source.
func (p *Provider) Source() Source { return Source(p.sys.Read(regs.CLKSRCSEL) & 0x3) }

// Selector returns the PCLKSEL0 divider selector of the given controller.
func (p *Provider) Selector(ch can.Channel) uint32 {
	shift := uint(regs.PclkCAN1Shift)
	if ch == can.CAN2 {
		shift = regs.PclkCAN2Shift
	}
	return regs.Field(p.sys.Read(regs.PCLKSEL0), shift, 2)
}

// Peripheral returns the peripheral clock feeding the given controller.
func (p *Provider) Peripheral(ch can.Channel) uint32 {
	return Divide(p.system, p.Selector(ch))
}

// SetSelector programs the PCLKSEL0 divider of a controller. The acceptance
// filter clock is kept equal to the controller clock.
func (p *Provider) SetSelector(ch can.Channel, sel uint32) {
	shift := uint(regs.PclkCAN1Shift)
	if ch == can.CAN2 {
		shift = regs.PclkCAN2Shift
	}
	v := p.sys.Read(regs.PCLKSEL0)
	v &^= 0x3<<shift | 0x3<<regs.PclkACFShift
	v |= (sel&0x3)<<shift | (sel&0x3)<<regs.PclkACFShift
	p.sys.Write(regs.PCLKSEL0, v)
}

// SetSource programs CLKSRCSEL.
func (p *Provider) SetSource(s Source) { p.sys.Write(regs.CLKSRCSEL, uint32(s)&0x3) }
