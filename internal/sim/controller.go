package sim

import (
	"sync"
	"time"

	"github.com/kstaniek/go-lpccan/internal/acceptance"
	"github.com/kstaniek/go-lpccan/internal/bittiming"
	"github.com/kstaniek/go-lpccan/internal/can"
	"github.com/kstaniek/go-lpccan/internal/metrics"
	"github.com/kstaniek/go-lpccan/internal/msgbuf"
	"github.com/kstaniek/go-lpccan/internal/regs"
)

// Backlog is the number of received frames a controller queues behind the
// receive buffer before it reports a data overrun.
const Backlog = 16

const (
	errWarnLimit = 96
	errTxPenalty = 8
	errPassive   = 128

	srReset  = regs.SrTBS | regs.SrTCS | (regs.SrTBS|regs.SrTCS)<<8 | (regs.SrTBS|regs.SrTCS)<<16
	gsrReset = regs.GsrTBS | regs.GsrTCS
)

type txJob struct {
	n     int
	frame can.Frame
	self  bool
}

// Controller is a simulated CAN controller register block. It implements
// regs.Bank with the side effects of the command, capture and status
// registers.
type Controller struct {
	ch    can.Channel
	pclk  func() uint32
	afRAM regs.Bank
	afCtl regs.Bank

	mu      sync.Mutex
	r       [regs.ControllerSize / 4]uint32
	backlog []msgbuf.Words
	bus     *Bus
	latency time.Duration
	stuck   bool
	onIRQ   func(can.Channel)
}

// NewController returns a controller in reset mode. pclk reports the
// peripheral clock used to derive the bit rate; afRAM and afCtl are the
// acceptance filter banks consulted on reception (nil accepts everything).
func NewController(ch can.Channel, pclk func() uint32, afRAM, afCtl regs.Bank) *Controller {
	c := &Controller{ch: ch, pclk: pclk, afRAM: afRAM, afCtl: afCtl}
	c.reset()
	return c
}

func (c *Controller) reset() {
	c.r = [regs.ControllerSize / 4]uint32{}
	c.r[regs.MOD/4] = regs.ModRM
	c.r[regs.SR/4] = srReset
	c.r[regs.GSR/4] = gsrReset
	c.r[regs.EWL/4] = errWarnLimit
	c.r[regs.BTR/4] = 0x1C0000
	c.backlog = nil
}

// Channel returns the controller this block simulates.
func (c *Controller) Channel() can.Channel { return c.ch }

func (c *Controller) Read(off uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch off {
	case regs.CMR:
		return 0
	case regs.ICR:
		v := c.r[regs.ICR/4]
		c.r[regs.ICR/4] &= regs.IntRI
		return v
	}
	if int(off/4) >= len(c.r) {
		return 0
	}
	return c.r[off/4]
}

func (c *Controller) Write(off, v uint32) {
	c.mu.Lock()
	var jobs []txJob
	switch {
	case off == regs.CMR:
		jobs = c.command(v)
	case off == regs.MOD:
		if v&regs.ModRM != 0 && !c.inReset() {
			// Entering reset discards received frames.
			c.backlog = nil
			c.r[regs.SR/4] &^= regs.SrRBS | regs.SrDOS
			c.r[regs.GSR/4] &^= regs.GsrDOS
			c.r[regs.ICR/4] &^= regs.IntRI
			c.updateGSR()
		}
		c.r[regs.MOD/4] = v & (regs.ModRM | regs.ModLOM | regs.ModSTM | regs.ModTPM | regs.ModSM | regs.ModRPM | regs.ModTM)
		if v&regs.ModRM == 0 && c.r[regs.GSR/4]&regs.GsrBS != 0 {
			// Leaving reset recovers from bus-off with cleared counters.
			c.r[regs.GSR/4] &^= regs.GsrBS
			c.setCounters(0, 0)
			c.updateGSR()
		}
	case off == regs.IER:
		c.r[regs.IER/4] = v & regs.IntMask
	case off == regs.BTR, off == regs.EWL:
		if c.inReset() {
			c.r[off/4] = v
		}
	case off == regs.GSR:
		if c.inReset() {
			g := c.r[regs.GSR/4] & 0xFFFF
			c.r[regs.GSR/4] = g | v&0xFFFF0000
			c.updateGSR()
		}
	case off >= regs.TFI1 && off < regs.TFI1+3*regs.TxStride:
		n := int((off-regs.TFI1)/regs.TxStride) + 1
		if c.r[regs.SR/4]&regs.SrTBSn(n) != 0 {
			c.r[off/4] = v
		}
	}
	c.mu.Unlock()
	c.run(jobs)
}

func (c *Controller) inReset() bool { return c.r[regs.MOD/4]&regs.ModRM != 0 }

// command applies a CMR write and returns the transmissions it started.
func (c *Controller) command(v uint32) []txJob {
	if v&regs.CmrRRB != 0 {
		c.release()
	}
	if v&regs.CmrCDO != 0 {
		c.r[regs.GSR/4] &^= regs.GsrDOS
		c.r[regs.SR/4] &^= regs.SrDOS
	}
	if v&regs.CmrAT != 0 {
		for n := 1; n <= 3; n++ {
			if v&regs.CmrSTB(n) != 0 && c.r[regs.SR/4]&regs.SrTSn(n) != 0 {
				c.abort(n)
			}
		}
	}
	if v&(regs.CmrTR|regs.CmrSRR) == 0 || c.inReset() {
		return nil
	}
	var jobs []txJob
	for n := 1; n <= 3; n++ {
		if v&regs.CmrSTB(n) == 0 || c.r[regs.SR/4]&regs.SrTBSn(n) == 0 {
			continue
		}
		base := regs.TFI(n) / 4
		f := msgbuf.Decode(msgbuf.Words{Info: c.r[base], ID: c.r[base+1], DataA: c.r[base+2], DataB: c.r[base+3]})
		sr := c.r[regs.SR/4]
		sr &^= regs.SrTBSn(n) | regs.SrTCSn(n)
		sr |= regs.SrTSn(n)
		c.r[regs.SR/4] = sr
		if c.stuck {
			continue
		}
		jobs = append(jobs, txJob{n: n, frame: f, self: v&regs.CmrSRR != 0})
	}
	c.updateGSR()
	return jobs
}

func (c *Controller) run(jobs []txJob) {
	if len(jobs) == 0 {
		return
	}
	c.mu.Lock()
	d := c.latency
	c.mu.Unlock()
	if d <= 0 {
		for _, j := range jobs {
			c.transmit(j)
		}
		return
	}
	go func() {
		for _, j := range jobs {
			time.Sleep(d)
			c.transmit(j)
		}
	}()
}

func (c *Controller) transmit(j txJob) {
	c.mu.Lock()
	bus := c.bus
	c.mu.Unlock()
	ok := false
	if bus != nil {
		ok = bus.transmit(c, j.frame, j.self)
	}
	c.mu.Lock()
	c.complete(j.n, ok)
	fire := c.pendingIRQ()
	c.mu.Unlock()
	c.raise(fire)
}

// complete releases transmit buffer n. Failed transmissions raise the transmit
// error counter and may take the controller bus-off.
func (c *Controller) complete(n int, ok bool) {
	sr := c.r[regs.SR/4]
	sr |= regs.SrTBSn(n)
	sr &^= regs.SrTSn(n)
	if ok {
		sr |= regs.SrTCSn(n)
	} else {
		sr &^= regs.SrTCSn(n)
	}
	c.r[regs.SR/4] = sr
	rx, tx := c.counters()
	wasPassive := rx >= errPassive || tx >= errPassive
	wasWarn := c.r[regs.GSR/4]&regs.GsrES != 0
	switch {
	case ok && tx > 0:
		tx--
	case !ok:
		tx += errTxPenalty
		c.capture(regs.IntBEI)
	}
	if tx > 255 {
		tx = 255
		c.r[regs.GSR/4] |= regs.GsrBS
		c.r[regs.MOD/4] |= regs.ModRM
	}
	c.setCounters(rx, tx)
	c.capture(regs.IntTI(n))
	c.updateGSR()
	if warn := c.r[regs.GSR/4]&regs.GsrES != 0; warn != wasWarn || c.r[regs.GSR/4]&regs.GsrBS != 0 {
		c.capture(regs.IntEI)
	}
	if passive := rx >= errPassive || tx >= errPassive; passive != wasPassive {
		c.capture(regs.IntEPI)
	}
}

// abort releases transmit buffer n without completing it.
func (c *Controller) abort(n int) {
	sr := c.r[regs.SR/4]
	sr |= regs.SrTBSn(n)
	sr &^= regs.SrTSn(n) | regs.SrTCSn(n)
	c.r[regs.SR/4] = sr
	c.capture(regs.IntTI(n))
	c.updateGSR()
}

func (c *Controller) counters() (rx, tx int) {
	g := c.r[regs.GSR/4]
	return int(regs.Field(g, regs.GsrRXERRShift, 8)), int(regs.Field(g, regs.GsrTXERRShift, 8))
}

func (c *Controller) setCounters(rx, tx int) {
	g := c.r[regs.GSR/4] & 0xFFFF
	c.r[regs.GSR/4] = g | uint32(rx&0xFF)<<regs.GsrRXERRShift | uint32(tx&0xFF)<<regs.GsrTXERRShift
}

// updateGSR derives the summary status bits from SR and the error counters.
func (c *Controller) updateGSR() {
	sr := c.r[regs.SR/4]
	g := c.r[regs.GSR/4] &^ (regs.GsrRBS | regs.GsrTBS | regs.GsrTCS | regs.GsrTS | regs.GsrES)
	if sr&regs.SrRBS != 0 {
		g |= regs.GsrRBS
	}
	if sr&regs.SrAllTBS == regs.SrAllTBS {
		g |= regs.GsrTBS
	}
	tcs := uint32(regs.SrTCSn(1) | regs.SrTCSn(2) | regs.SrTCSn(3))
	if sr&tcs == tcs {
		g |= regs.GsrTCS
	}
	if sr&(regs.SrTSn(1)|regs.SrTSn(2)|regs.SrTSn(3)) != 0 {
		g |= regs.GsrTS
	}
	rx, tx := int(regs.Field(g, regs.GsrRXERRShift, 8)), int(regs.Field(g, regs.GsrTXERRShift, 8))
	if lim := int(c.r[regs.EWL/4] & 0xFF); rx >= lim || tx >= lim {
		g |= regs.GsrES
	}
	c.r[regs.GSR/4] = g
	c.r[regs.SR/4] = c.r[regs.SR/4]&^(regs.SrBS|regs.SrES) | g&(regs.GsrBS|regs.GsrES)
}

func (c *Controller) capture(bit uint32) {
	if c.r[regs.IER/4]&bit != 0 {
		c.r[regs.ICR/4] |= bit
	}
}

func (c *Controller) pendingIRQ() func(can.Channel) {
	if c.onIRQ != nil && c.r[regs.ICR/4]&c.r[regs.IER/4] != 0 {
		return c.onIRQ
	}
	return nil
}

func (c *Controller) raise(fn func(can.Channel)) {
	if fn != nil {
		fn(c.ch)
	}
}

// release implements the release receive buffer command.
func (c *Controller) release() {
	if len(c.backlog) > 0 {
		c.load(c.backlog[0])
		c.backlog = c.backlog[1:]
		return
	}
	c.r[regs.SR/4] &^= regs.SrRBS
	c.r[regs.ICR/4] &^= regs.IntRI
	c.updateGSR()
}

func (c *Controller) load(w msgbuf.Words) {
	c.r[regs.RFS/4] = w.Info
	c.r[regs.RID/4] = w.ID
	c.r[regs.RDA/4] = w.DataA
	c.r[regs.RDB/4] = w.DataB
	c.r[regs.SR/4] |= regs.SrRBS
	c.capture(regs.IntRI)
	c.updateGSR()
}

// bitrate returns the rate produced by the programmed timing.
func (c *Controller) bitrate() uint32 {
	c.mu.Lock()
	btr := c.r[regs.BTR/4]
	c.mu.Unlock()
	if c.pclk == nil {
		return 0
	}
	return bittiming.FromBTR(btr).Bitrate(c.pclk())
}

// listening reports whether the controller takes part in bus traffic at the
// given rate and whether it acknowledges frames.
func (c *Controller) listening(rate uint32) (rx, ack bool) {
	if !rateMatches(c.bitrate(), rate) {
		return false, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inReset() {
		return false, false
	}
	return true, c.r[regs.MOD/4]&regs.ModLOM == 0
}

func (c *Controller) selfTest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.r[regs.MOD/4]&regs.ModSTM != 0
}

// receive filters f through the acceptance table and queues it.
func (c *Controller) receive(f can.Frame) bool {
	m := acceptance.Match{Bypass: true}
	if c.afRAM != nil && c.afCtl != nil {
		var ok bool
		if m, ok = acceptance.Lookup(c.afRAM, c.afCtl, c.ch, f); !ok {
			return false
		}
	}
	w := msgbuf.Encode(f)
	if m.Bypass {
		w.Info |= regs.FiBP
	} else {
		w.Info |= uint32(m.Index) & regs.FiIDIndex
	}
	c.mu.Lock()
	accepted := true
	switch {
	case c.inReset():
		accepted = false
	case c.r[regs.SR/4]&regs.SrRBS == 0:
		c.load(w)
	case len(c.backlog) < Backlog:
		c.backlog = append(c.backlog, w)
	default:
		c.r[regs.GSR/4] |= regs.GsrDOS
		c.r[regs.SR/4] |= regs.SrDOS
		c.capture(regs.IntDOI)
		metrics.IncBusDropped()
		accepted = false
	}
	fire := c.pendingIRQ()
	c.mu.Unlock()
	c.raise(fire)
	return accepted
}

// SetLatency delays every transmission by d. Zero completes transmissions
// inside the CMR write.
func (c *Controller) SetLatency(d time.Duration) {
	c.mu.Lock()
	c.latency = d
	c.mu.Unlock()
}

// SetStuck makes transmission requests never complete until cleared with an
// abort command.
func (c *Controller) SetStuck(stuck bool) {
	c.mu.Lock()
	c.stuck = stuck
	c.mu.Unlock()
}

// SetErrorCounters forces the receive and transmit error counters.
func (c *Controller) SetErrorCounters(rx, tx uint8) {
	c.mu.Lock()
	c.setCounters(int(rx), int(tx))
	c.updateGSR()
	c.mu.Unlock()
}

// SetBusOff latches or clears the bus-off status.
func (c *Controller) SetBusOff(off bool) {
	c.mu.Lock()
	if off {
		c.r[regs.GSR/4] |= regs.GsrBS
	} else {
		c.r[regs.GSR/4] &^= regs.GsrBS
	}
	c.updateGSR()
	c.mu.Unlock()
}

// OnIRQ installs a hook called whenever an enabled interrupt is captured. It
// runs on the goroutine that caused the event, without internal locks held.
func (c *Controller) OnIRQ(fn func(can.Channel)) {
	c.mu.Lock()
	c.onIRQ = fn
	c.mu.Unlock()
}

// Pending returns the number of frames waiting, including the receive buffer.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.backlog)
	if c.r[regs.SR/4]&regs.SrRBS != 0 {
		n++
	}
	return n
}
