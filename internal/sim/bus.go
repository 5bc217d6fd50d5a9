// Package sim simulates the LPC17xx CAN peripheral: two controller register
// blocks with their command and status side effects, the acceptance filter
// hardware and a virtual bus connecting any number of controllers.
package sim

import (
	"sync"

	"github.com/kstaniek/go-lpccan/internal/can"
	"github.com/kstaniek/go-lpccan/internal/metrics"
)

// rateTolerance is the relative bit rate mismatch (per mille) still decoded by
// the other nodes.
const rateTolerance = 10

func rateMatches(got, want uint32) bool {
	if got == 0 || want == 0 {
		return false
	}
	d := int64(got) - int64(want)
	if d < 0 {
		d = -d
	}
	return d*1000 <= int64(want)*rateTolerance
}

// Bus is a virtual CAN bus running at a fixed bit rate. Controllers whose
// programmed timing does not produce that rate neither receive nor
// acknowledge frames.
type Bus struct {
	bitrate uint32

	wire  sync.Mutex // one frame on the wire at a time
	mu    sync.RWMutex
	nodes []*Controller
	taps  map[int]func(can.Frame)
	next  int
}

// NewBus returns an empty bus running at bitrate bit/s.
func NewBus(bitrate uint32) *Bus { return &Bus{bitrate: bitrate, taps: map[int]func(can.Frame){}} }

// Bitrate returns the bus bit rate.
func (b *Bus) Bitrate() uint32 { return b.bitrate }

// Attach connects controllers to the bus.
func (b *Bus) Attach(cs ...*Controller) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range cs {
		c.mu.Lock()
		c.bus = b
		c.mu.Unlock()
		b.nodes = append(b.nodes, c)
	}
}

// Tap registers fn as an external node observing every frame that was
// transmitted successfully. Taps acknowledge frames. fn runs after the frame
// left the wire and may call Inject. The returned func removes the tap.
func (b *Bus) Tap(fn func(can.Frame)) (remove func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.taps[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.taps, id)
		b.mu.Unlock()
	}
}

func (b *Bus) snapshot() ([]*Controller, []func(can.Frame)) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	nodes := append([]*Controller(nil), b.nodes...)
	taps := make([]func(can.Frame), 0, len(b.taps))
	for _, fn := range b.taps {
		taps = append(taps, fn)
	}
	return nodes, taps
}

// Inject puts a frame from an external node on the bus and returns the number
// of controllers that accepted it.
func (b *Bus) Inject(f can.Frame) int {
	nodes, _ := b.snapshot()
	b.wire.Lock()
	defer b.wire.Unlock()
	n := 0
	for _, c := range nodes {
		if rx, _ := c.listening(b.bitrate); rx && c.receive(f) {
			n++
		}
	}
	return n
}

// transmit carries f from src. It reports whether the frame was acknowledged.
func (b *Bus) transmit(src *Controller, f can.Frame, self bool) bool {
	if !rateMatches(src.bitrate(), b.bitrate) {
		metrics.IncBusDropped()
		return false
	}
	nodes, taps := b.snapshot()
	b.wire.Lock()
	acked := len(taps) > 0 || src.selfTest()
	var rx []*Controller
	for _, c := range nodes {
		if c == src {
			continue
		}
		listen, ack := c.listening(b.bitrate)
		if listen {
			rx = append(rx, c)
		}
		acked = acked || ack
	}
	if !acked {
		b.wire.Unlock()
		metrics.IncBusDropped()
		return false
	}
	for _, c := range rx {
		c.receive(f)
	}
	if self {
		src.receive(f)
	}
	b.wire.Unlock()
	for _, fn := range taps {
		fn(f)
	}
	return true
}
