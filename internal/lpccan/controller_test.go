package lpccan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kstaniek/go-lpccan/internal/acceptance"
	"github.com/kstaniek/go-lpccan/internal/bittiming"
	"github.com/kstaniek/go-lpccan/internal/can"
	"github.com/kstaniek/go-lpccan/internal/clock"
	"github.com/kstaniek/go-lpccan/internal/logging"
	"github.com/kstaniek/go-lpccan/internal/regs"
	"github.com/kstaniek/go-lpccan/internal/sim"
)

var testPoller = Poller{Attempts: 100, Interval: 100 * time.Microsecond}

func hardware(b *sim.Board) Hardware {
	return Hardware{CAN1: b.CAN1, CAN2: b.CAN2, AFRAM: b.AFRAM, AFCtl: b.AFCtl, Sys: b.Sys, SystemHz: b.SystemHz}
}

func newDriver(t *testing.T, opts ...sim.BoardOption) (*Driver, *sim.Board, *sim.Bus) {
	t.Helper()
	bus := sim.NewBus(bittiming.Baud250k)
	b := sim.NewBoard(72_000_000, bus, opts...)
	d, err := New(hardware(b), WithDriverPoller(testPoller), WithDriverLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(d.Close)
	return d, b, bus
}

func initBoth(t *testing.T, d *Driver) {
	t.Helper()
	for _, c := range []*Controller{d.CAN1(), d.CAN2()} {
		if err := c.Init(bittiming.Baud250k, false); err != nil {
			t.Fatalf("%s Init: %v", c.Channel(), err)
		}
	}
}

func frame(id uint32, data ...byte) can.Frame {
	f := can.Frame{ID: id, Len: uint8(len(data))}
	copy(f.Data[:], data)
	return f
}

func TestInitProgramsController(t *testing.T) {
	d, b, _ := newDriver(t)
	c := d.CAN1()
	if c.State() != StateUninitialized {
		t.Fatalf("initial state %s", c.State())
	}
	if err := c.Init(bittiming.Baud250k, false); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if c.State() != StateOperating {
		t.Fatalf("state %s", c.State())
	}
	// 72 MHz with the reset divider gives an 18 MHz peripheral clock.
	want, _ := bittiming.Solve(18_000_000, bittiming.Baud250k)
	if c.Timing() != want {
		t.Fatalf("timing %v want %v", c.Timing(), want)
	}
	if got := b.CAN1.Read(regs.BTR); got != want.BTR() {
		t.Fatalf("BTR 0x%08X want 0x%08X", got, want.BTR())
	}
	if b.CAN1.Read(regs.MOD)&regs.ModRM != 0 {
		t.Fatalf("controller left in reset mode")
	}
	if !b.Powered(can.CAN1) || b.Powered(can.CAN2) {
		t.Fatalf("PCONP 0x%X", b.Sys.Read(regs.PCONP))
	}
	if sel := b.Sys.Read(regs.PINSEL0); sel&0xF != 0x5 {
		t.Fatalf("PINSEL0 0x%X", sel)
	}
	if err := d.CAN2().Init(bittiming.Baud250k, false); err != nil {
		t.Fatalf("CAN2 Init: %v", err)
	}
	if sel := b.Sys.Read(regs.PINSEL0); sel&0xF0F != 0xA05 {
		t.Fatalf("PINSEL0 0x%X", sel)
	}

	c.Deinit()
	if c.State() != StateUninitialized || b.Powered(can.CAN1) {
		t.Fatalf("Deinit left state=%s powered=%v", c.State(), b.Powered(can.CAN1))
	}
	if b.Sys.Read(regs.PINSEL0)&0xF != 0 {
		t.Fatalf("pins not released")
	}
}

func TestInitErrors(t *testing.T) {
	d, _, _ := newDriver(t)
	c := d.CAN1()
	if err := c.Init(9600, false); !errors.Is(err, bittiming.ErrUnsupportedBaudRate) {
		t.Fatalf("Init(9600) err=%v", err)
	}
	if c.State() != StateReset {
		t.Fatalf("state after failed Init %s", c.State())
	}
	if err := c.Init(bittiming.Baud125k, false); err != nil {
		t.Fatalf("retry Init: %v", err)
	}
	if err := c.Init(bittiming.Baud1M, false); err != nil {
		t.Fatalf("re-Init from operating: %v", err)
	}
}

func TestInitClockSource(t *testing.T) {
	d, _, _ := newDriver(t, sim.WithClockSource(clock.SourceIRC))
	if err := d.CAN1().Init(bittiming.Baud250k, false); !errors.Is(err, bittiming.ErrClockSourceUnsuitable) {
		t.Fatalf("expected clock source error, got %v", err)
	}
	if err := d.CAN1().Init(bittiming.Baud100k, false); err != nil {
		t.Fatalf("100k on IRC: %v", err)
	}
}

func TestTransmitReceive(t *testing.T) {
	d, _, _ := newDriver(t)
	initBoth(t, d)
	ctx := context.Background()
	for mb := 1; mb <= Mailboxes; mb++ {
		f := frame(0x100+uint32(mb), 1, 2, 3, byte(mb))
		if err := d.CAN1().Transmit(ctx, mb, f, false); err != nil {
			t.Fatalf("Transmit mailbox %d: %v", mb, err)
		}
		m, err := d.CAN2().ReceiveMessage(ctx)
		if err != nil {
			t.Fatalf("ReceiveMessage: %v", err)
		}
		if !m.Frame.Equal(f) || !m.Bypass {
			t.Fatalf("got %v bypass=%v want %v", m.Frame, m.Bypass, f)
		}
	}
	ext := can.Frame{ID: 0x1234567, Extended: true, RTR: true}
	if err := d.CAN2().Transmit(ctx, 2, ext, false); err != nil {
		t.Fatalf("Transmit ext: %v", err)
	}
	got, err := d.CAN1().Receive(ctx)
	if err != nil || !got.Equal(ext) {
		t.Fatalf("Receive ext: %v %v", got, err)
	}
}

func TestTransmitThroughFilter(t *testing.T) {
	d, _, _ := newDriver(t)
	initBoth(t, d)
	if err := d.AddFilter(acceptance.StdEntry(can.CAN2, 0x10)); err != nil {
		t.Fatalf("AddFilter: %v", err)
	}
	if err := d.AddFilter(acceptance.StdRangeEntry(can.CAN2, 0x200, 0x2FF)); err != nil {
		t.Fatalf("AddFilter: %v", err)
	}
	if err := d.SetFilterMode(acceptance.ModeOn); err != nil {
		t.Fatalf("SetFilterMode: %v", err)
	}
	ctx := context.Background()
	for _, id := range []uint32{0x11, 0x10, 0x300, 0x250} {
		if err := d.CAN1().Transmit(ctx, 1, frame(id, byte(id)), false); err != nil {
			t.Fatalf("Transmit 0x%X: %v", id, err)
		}
	}
	for _, want := range []struct {
		id    uint32
		index int
	}{{0x10, 0}, {0x250, 1}} {
		m, err := d.CAN2().ReceiveMessage(ctx)
		if err != nil {
			t.Fatalf("ReceiveMessage: %v", err)
		}
		if m.ID != want.id || m.Index != want.index || m.Bypass {
			t.Fatalf("got id=0x%X index=%d bypass=%v want 0x%X/%d", m.ID, m.Index, m.Bypass, want.id, want.index)
		}
	}
	if _, err := d.CAN2().Receive(ctx); !errors.Is(err, ErrTimeout) {
		t.Fatalf("filtered frames delivered: %v", err)
	}
}

func TestTransmitValidation(t *testing.T) {
	d, _, _ := newDriver(t)
	initBoth(t, d)
	ctx := context.Background()
	for _, mb := range []int{0, 4, -1} {
		if err := d.CAN1().Transmit(ctx, mb, frame(1), false); !errors.Is(err, ErrInvalidMailbox) {
			t.Fatalf("mailbox %d err=%v", mb, err)
		}
	}
	long := frame(1)
	long.Len = 9
	if err := d.CAN1().Transmit(ctx, 1, long, false); !errors.Is(err, ErrFrameTooLong) {
		t.Fatalf("long frame err=%v", err)
	}
	if err := d.CAN1().Transmit(ctx, 1, frame(0x800), false); !errors.Is(err, can.ErrInvalidID) {
		t.Fatalf("invalid id err=%v", err)
	}
}

func TestBusFault(t *testing.T) {
	d, b, _ := newDriver(t)
	initBoth(t, d)
	ctx := context.Background()
	b.CAN1.SetErrorCounters(0, 128)
	if err := d.CAN1().Transmit(ctx, 1, frame(1), false); !errors.Is(err, ErrBusFault) {
		t.Fatalf("tx error passive err=%v", err)
	}
	b.CAN1.SetErrorCounters(127, 127)
	if err := d.CAN1().Transmit(ctx, 1, frame(1), false); err != nil {
		t.Fatalf("below limit: %v", err)
	}
	b.CAN2.SetBusOff(true)
	if _, err := d.CAN2().Receive(ctx); !errors.Is(err, ErrBusFault) {
		t.Fatalf("bus off receive err=%v", err)
	}
	// Re-initialising recovers from bus-off.
	if err := d.CAN2().Init(bittiming.Baud250k, false); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := d.CAN2().Receive(ctx); !errors.Is(err, ErrTimeout) {
		t.Fatalf("after recovery err=%v", err)
	}
}

func TestTransmitNotAcknowledged(t *testing.T) {
	d, _, _ := newDriver(t)
	if err := d.CAN1().Init(bittiming.Baud250k, false); err != nil {
		t.Fatalf("Init: %v", err)
	}
	err := d.CAN1().Transmit(context.Background(), 1, frame(1), false)
	if !errors.Is(err, ErrBusFault) {
		t.Fatalf("lone node err=%v", err)
	}
	if _, tx := d.CAN1().ErrorCounters(); tx != 8 {
		t.Fatalf("tx error counter %d", tx)
	}
}

func TestMismatchedTimingNotDelivered(t *testing.T) {
	d, _, _ := newDriver(t)
	if err := d.CAN1().Init(bittiming.Baud250k, false); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := d.CAN2().Init(bittiming.Baud125k, false); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := d.CAN1().Transmit(context.Background(), 1, frame(1), false); !errors.Is(err, ErrBusFault) {
		t.Fatalf("expected no acknowledge, got %v", err)
	}
	if _, err := d.CAN2().Receive(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Fatalf("mismatched node received: %v", err)
	}
}

func TestLoopbackSelfReception(t *testing.T) {
	d, _, _ := newDriver(t)
	c := d.CAN1()
	if err := c.Init(bittiming.Baud250k, true); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !c.Loopback() {
		t.Fatalf("loopback not recorded")
	}
	f := frame(0x7FF, 0xDE, 0xAD)
	if err := c.Transmit(context.Background(), 3, f, true); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	got, err := c.Receive(context.Background())
	if err != nil || !got.Equal(f) {
		t.Fatalf("self reception: %v %v", got, err)
	}
}

func TestTransmitTimeout(t *testing.T) {
	d, b, _ := newDriver(t)
	initBoth(t, d)
	b.CAN1.SetStuck(true)
	if err := d.CAN1().Transmit(context.Background(), 1, frame(1), false); !errors.Is(err, ErrTimeout) {
		t.Fatalf("stuck mailbox err=%v", err)
	}
	// The claimed buffer keeps the next transmit from starting.
	if err := d.CAN1().Transmit(context.Background(), 2, frame(2), false); !errors.Is(err, ErrTimeout) {
		t.Fatalf("busy mailboxes err=%v", err)
	}
}

func TestTransmitCancelAborts(t *testing.T) {
	d, b, _ := newDriver(t)
	initBoth(t, d)
	b.CAN1.SetStuck(true)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(2 * time.Millisecond)
		cancel()
	}()
	err := d.CAN1().Transmit(ctx, 1, frame(1), false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
	if b.CAN1.Read(regs.SR)&regs.SrTBSn(1) == 0 {
		t.Fatalf("mailbox 1 not released after cancel")
	}
	b.CAN1.SetStuck(false)
	if err := d.CAN1().Transmit(context.Background(), 1, frame(1), false); err != nil {
		t.Fatalf("Transmit after abort: %v", err)
	}
}

func TestTransmitWaitsForCompletion(t *testing.T) {
	d, b, _ := newDriver(t)
	initBoth(t, d)
	b.CAN1.SetLatency(time.Millisecond)
	start := time.Now()
	if err := d.CAN1().Transmit(context.Background(), 1, frame(5, 5), false); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if time.Since(start) < time.Millisecond {
		t.Fatalf("returned before completion")
	}
	if b.CAN2.Pending() != 1 {
		t.Fatalf("pending %d", b.CAN2.Pending())
	}
}

func TestReceiveReleasesBuffer(t *testing.T) {
	d, b, _ := newDriver(t)
	initBoth(t, d)
	ctx := context.Background()
	for i := 0; i < sim.Backlog+2; i++ {
		if err := d.CAN1().Transmit(ctx, 1, frame(uint32(i), byte(i)), false); err != nil {
			t.Fatalf("Transmit %d: %v", i, err)
		}
	}
	if got := b.CAN2.Pending(); got != sim.Backlog+1 {
		t.Fatalf("pending %d", got)
	}
	if b.CAN2.Read(regs.GSR)&regs.GsrDOS == 0 {
		t.Fatalf("overrun not reported")
	}
	for i := 0; i <= sim.Backlog; i++ {
		f, err := d.CAN2().Receive(ctx)
		if err != nil || f.ID != uint32(i) {
			t.Fatalf("Receive %d: %v %v", i, f, err)
		}
	}
	if b.CAN2.Pending() != 0 {
		t.Fatalf("buffer not released")
	}
}
