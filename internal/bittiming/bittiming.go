// Package bittiming computes CAN bit timing register values for the canonical
// baud rates supported by the driver.
package bittiming

import (
	"errors"
	"fmt"

	"github.com/kstaniek/go-lpccan/internal/clock"
	"github.com/kstaniek/go-lpccan/internal/regs"
)

var (
	ErrUnsupportedBaudRate   = errors.New("bittiming: unsupported baud rate")
	ErrClockSourceUnsuitable = errors.New("bittiming: clock source unsuitable for baud rate")
	ErrBaudRateUnachievable  = errors.New("bittiming: baud rate unachievable with peripheral clock")
)

// Supported baud rates.
const (
	Baud100k = 100_000
	Baud125k = 125_000
	Baud250k = 250_000
	Baud1M   = 1_000_000
)

// SyncJump is the fixed synchronisation jump width field value.
const SyncJump = 3

const (
	maxNominalTime = 24
	maxTSeg1       = 15
	maxTSeg2       = 7
	maxPrescaler   = regs.BtrBRPMask
	ircBaudLimit   = 100_000
)

// Timing holds register encoded bit timing fields. One bit lasts
// NominalTime() quanta of (Prescaler+1) peripheral clock periods.
type Timing struct {
	Prescaler uint32 // BRP
	TSeg1     uint8  // TSEG1 (0..15)
	TSeg2     uint8  // TSEG2 (0..7)
	SJW       uint8
}

// NominalTime returns the number of quanta per bit (sync + TSEG1+1 + TSEG2+1).
func (t Timing) NominalTime() uint32 { return uint32(t.TSeg1) + uint32(t.TSeg2) + 3 }

// BTR packs the fields into the bus timing register layout.
func (t Timing) BTR() uint32 {
	return t.Prescaler&regs.BtrBRPMask |
		uint32(t.SJW&0x3)<<regs.BtrSJWShift |
		uint32(t.TSeg1&0xF)<<regs.BtrTSEG1Shift |
		uint32(t.TSeg2&0x7)<<regs.BtrTSEG2Shift
}

// FromBTR decodes a bus timing register value.
func FromBTR(v uint32) Timing {
	return Timing{
		Prescaler: v & regs.BtrBRPMask,
		SJW:       uint8(regs.Field(v, regs.BtrSJWShift, 2)),
		TSeg1:     uint8(regs.Field(v, regs.BtrTSEG1Shift, 4)),
		TSeg2:     uint8(regs.Field(v, regs.BtrTSEG2Shift, 3)),
	}
}

// Bitrate returns the bit rate produced by t with the given peripheral clock.
func (t Timing) Bitrate(pclk uint32) uint32 {
	return pclk / ((t.Prescaler + 1) * t.NominalTime())
}

// SamplePoint returns the sample point in per mille of the bit time.
func (t Timing) SamplePoint() uint32 {
	return (uint32(t.TSeg1) + 2) * 1000 / t.NominalTime()
}

func (t Timing) String() string {
	return fmt.Sprintf("brp=%d tseg1=%d tseg2=%d sjw=%d nt=%d", t.Prescaler, t.TSeg1, t.TSeg2, t.SJW, t.NominalTime())
}

// Supported reports whether baud is one of the canonical rates.
func Supported(baud uint32) bool {
	switch baud {
	case Baud100k, Baud125k, Baud250k, Baud1M:
		return true
	}
	return false
}

// Solve computes timing for baud from the peripheral clock. The nominal time
// search runs from 24 quanta downwards in steps of two and takes the first value
// dividing pclk/baud whose segment split fits the register fields.
func Solve(pclk, baud uint32) (Timing, error) {
	if !Supported(baud) {
		return Timing{}, fmt.Errorf("%w: %d", ErrUnsupportedBaudRate, baud)
	}
	ratio := pclk / baud
	for nt := uint32(maxNominalTime); nt >= 2; nt -= 2 {
		if ratio == 0 || ratio%nt != 0 {
			continue
		}
		if (nt-1)/3 < 1 {
			continue
		}
		tseg2 := (nt-1)/3 - 1
		tseg1 := nt - 3 - tseg2
		if tseg1 > maxTSeg1 || tseg2 > maxTSeg2 || tseg1 < 2*tseg2 {
			continue
		}
		brp := ratio/nt - 1
		if brp > maxPrescaler {
			continue
		}
		return Timing{Prescaler: brp, TSeg1: uint8(tseg1), TSeg2: uint8(tseg2), SJW: SyncJump}, nil
	}
	return Timing{}, fmt.Errorf("%w: pclk=%d baud=%d", ErrBaudRateUnachievable, pclk, baud)
}

// SolveFrom is Solve with the clock source restriction: the internal RC
// oscillator is not accurate enough for rates above 100 kbit/s.
func SolveFrom(src clock.Source, pclk, baud uint32) (Timing, error) {
	if !Supported(baud) {
		return Timing{}, fmt.Errorf("%w: %d", ErrUnsupportedBaudRate, baud)
	}
	if baud > ircBaudLimit && src == clock.SourceIRC {
		return Timing{}, fmt.Errorf("%w: %s at %d", ErrClockSourceUnsuitable, src, baud)
	}
	return Solve(pclk, baud)
}
