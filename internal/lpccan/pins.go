package lpccan

import (
	"github.com/kstaniek/go-lpccan/internal/can"
	"github.com/kstaniek/go-lpccan/internal/regs"
)

// pinFunc describes the PINSEL0 setup of a controller's RD/TD pins.
type pinFunc struct {
	mask  uint32
	value uint32
	power uint32
}

var pinFuncs = map[can.Channel]pinFunc{
	// RD1/TD1 on P0.0/P0.1, function 01.
	can.CAN1: {mask: 0xF, value: 0x5, power: regs.PconpCAN1},
	// RD2/TD2 on P0.4/P0.5, function 10.
	can.CAN2: {mask: 0xF << 8, value: 0xA << 8, power: regs.PconpCAN2},
}

func attach(sys regs.Bank, ch can.Channel) {
	p := pinFuncs[ch]
	regs.Set(sys, regs.PCONP, p.power)
	sys.Write(regs.PINSEL0, sys.Read(regs.PINSEL0)&^p.mask|p.value)
}

func detach(sys regs.Bank, ch can.Channel) {
	p := pinFuncs[ch]
	regs.Clear(sys, regs.PINSEL0, p.mask)
	regs.Clear(sys, regs.PCONP, p.power)
}
