package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-lpccan/internal/can"
	"github.com/kstaniek/go-lpccan/internal/cnl"
	"github.com/kstaniek/go-lpccan/internal/lpccan"
	"github.com/kstaniek/go-lpccan/internal/logging"
	"github.com/kstaniek/go-lpccan/internal/metrics"
	"github.com/kstaniek/go-lpccan/internal/serial"
	"github.com/kstaniek/go-lpccan/internal/socketcan"
	"github.com/kstaniek/go-lpccan/internal/transport"
)

func testConfig() *appConfig {
	c := defaultConfig()
	c.listenAddr = "127.0.0.1:0"
	c.txTimeout = time.Second
	c.handshakeTO = time.Second
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// startNode runs n until the test ends and waits for the listener.
func startNode(t *testing.T, n *node) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Errorf("node did not stop")
		}
		n.close()
	})
	eventually(t, "listener", n.ready)
}

func dial(t *testing.T, n *node) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", n.srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := cnl.Handshake(context.Background(), conn, time.Second); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	eventually(t, "client registration", func() bool { return n.hub.Count() == 1 })
	return conn
}

func writeFrames(t *testing.T, conn net.Conn, frames ...can.Frame) {
	t.Helper()
	var codec cnl.Codec
	if _, err := conn.Write(codec.Encode(frames)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, conn net.Conn, wait time.Duration) (can.Frame, error) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	var codec cnl.Codec
	return codec.Decode(conn)
}

func TestNodeLoopbackEcho(t *testing.T) {
	cfg := testConfig()
	cfg.loopback = true
	n, err := newNode(cfg, logging.Discard(), io.Discard)
	if err != nil {
		t.Fatalf("newNode: %v", err)
	}
	startNode(t, n)
	conn := dial(t, n)

	frames := []can.Frame{
		{ID: 0x123, Len: 2, Data: [8]byte{0xAA, 0xBB}},
		{ID: 0x1ABCDEF, Extended: true, Len: 1, Data: [8]byte{1}},
		{ID: 0x7FF, RTR: true},
	}
	writeFrames(t, conn, frames...)
	for i, want := range frames {
		got, err := readFrame(t, conn, 2*time.Second)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !got.Equal(want) {
			t.Fatalf("frame %d: got %v want %v", i, got, want)
		}
	}
	if got := n.mbox.Load(); got != 3 {
		t.Fatalf("mailbox counter=%d want 3", got)
	}
}

func TestNodeFilterOnSecondController(t *testing.T) {
	cfg := testConfig()
	cfg.enableCAN2 = true
	cfg.filters = "can2:std:0x100,can2:extrange:0x1000-0x1FFF"
	cfg.filterMode = "on"
	dump := &lockedWriter{}
	cfg.dump = true
	n, err := newNode(cfg, logging.Discard(), dump)
	if err != nil {
		t.Fatalf("newNode: %v", err)
	}
	n.dump = newDumper(dump, false)
	startNode(t, n)
	conn := dial(t, n)

	// CAN2 acknowledges every frame; only filtered ones reach the clients.
	writeFrames(t, conn,
		can.Frame{ID: 0x101, Len: 1},
		can.Frame{ID: 0x100, Len: 1, Data: [8]byte{5}},
		can.Frame{ID: 0x2000, Extended: true},
		can.Frame{ID: 0x1234, Extended: true, Len: 2},
	)
	got, err := readFrame(t, conn, 2*time.Second)
	if err != nil || got.ID != 0x100 || got.Extended {
		t.Fatalf("first accepted frame: %v %v", got, err)
	}
	got, err = readFrame(t, conn, 2*time.Second)
	if err != nil || got.ID != 0x1234 || !got.Extended {
		t.Fatalf("second accepted frame: %v %v", got, err)
	}
	if _, err := readFrame(t, conn, 100*time.Millisecond); err == nil {
		t.Fatalf("rejected frame delivered")
	}
	eventually(t, "dump", func() bool {
		out := dump.String()
		return strings.Contains(out, "can2 af#0 ") && strings.Contains(out, "can2 af#1 ")
	})
}

func TestNodeRecoversFromBusFault(t *testing.T) {
	cfg := testConfig()
	n, err := newNode(cfg, logging.Discard(), io.Discard)
	if err != nil {
		t.Fatalf("newNode: %v", err)
	}
	// Nobody acknowledges: every transmission raises the error counter by 8.
	for i := 0; i < 16; i++ {
		if err := n.transmit(can.Frame{ID: 1}); !errors.Is(err, lpccan.ErrBusFault) {
			t.Fatalf("transmit %d: %v", i, err)
		}
	}
	if _, tx := n.drv.CAN1().ErrorCounters(); tx < 128 {
		t.Fatalf("txerr=%d", tx)
	}
	startNode(t, n)
	eventually(t, "restart", func() bool {
		_, tx := n.drv.CAN1().ErrorCounters()
		return tx == 0 && n.drv.CAN1().State() == lpccan.StateOperating
	})
}

func TestNodeInitErrors(t *testing.T) {
	cfg := testConfig()
	cfg.clockSource = "irc"
	cfg.canBaud = 1_000_000
	if _, err := newNode(cfg, logging.Discard(), io.Discard); err == nil {
		t.Fatalf("expected init error for irc with 1 Mbit/s")
	}
	cfg = testConfig()
	cfg.filters = "can1:fullcan:0x10"
	cfg.filterMode = "off"
	n, err := newNode(cfg, logging.Discard(), io.Discard)
	if err != nil {
		t.Fatalf("newNode: %v", err)
	}
	n.close()
}

// fakeDev is a SocketCAN device fed from a channel.
type fakeDev struct {
	in     chan can.Frame
	closed chan struct{}
	once   sync.Once
	mu     sync.Mutex
	out    []can.Frame
}

func newFakeDev() *fakeDev { return &fakeDev{in: make(chan can.Frame, 8), closed: make(chan struct{})} }

func (d *fakeDev) ReadFrame(f *can.Frame) error {
	select {
	case fr := <-d.in:
		*f = fr
		return nil
	case <-d.closed:
		return net.ErrClosed
	}
}

func (d *fakeDev) WriteFrame(f can.Frame) error {
	d.mu.Lock()
	d.out = append(d.out, f)
	d.mu.Unlock()
	return nil
}

func (d *fakeDev) Close() error { d.once.Do(func() { close(d.closed) }); return nil }

func (d *fakeDev) written() []can.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]can.Frame(nil), d.out...)
}

func TestNodeSocketCANBridge(t *testing.T) {
	dev := newFakeDev()
	openSocketCANDevice = func(string) (socketcan.Dev, error) { return dev, nil }
	defer func() { openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) } }()

	cfg := testConfig()
	cfg.bridge = "socketcan"
	n, err := newNode(cfg, logging.Discard(), io.Discard)
	if err != nil {
		t.Fatalf("newNode: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if n.bridge, err = attachBridge(ctx, cfg, n.bus, logging.Discard()); err != nil {
		t.Fatalf("attachBridge: %v", err)
	}
	startNode(t, n)
	conn := dial(t, n)

	// Client to device: the bridge acknowledges on the bus.
	writeFrames(t, conn, can.Frame{ID: 0x55, Len: 1, Data: [8]byte{9}})
	eventually(t, "device write", func() bool { return len(dev.written()) == 1 })
	if w := dev.written()[0]; w.ID != 0x55 || w.Data[0] != 9 {
		t.Fatalf("device got %v", w)
	}

	// Device to client through CAN1.
	dev.in <- can.Frame{ID: 0x1F00, Extended: true, Len: 3, Data: [8]byte{1, 2, 3}}
	got, err := readFrame(t, conn, 2*time.Second)
	if err != nil || got.ID != 0x1F00 || got.Len != 3 {
		t.Fatalf("client got %v %v", got, err)
	}
	if len(dev.written()) != 1 {
		t.Fatalf("injected frame echoed to the device")
	}
}

func TestBridgeTapReportsDeviceErrors(t *testing.T) {
	var logBuf bytes.Buffer
	b := &bridge{name: "socketcan", logger: slog.New(slog.NewTextHandler(&logBuf, nil))}
	var ret error
	tap := b.forward(transport.SinkFunc(func(can.Frame) error { return ret }))

	before := metrics.Snap().Errors
	tap(can.Frame{ID: 1})
	ret = socketcan.ErrTxOverflow
	tap(can.Frame{ID: 2})
	if strings.Contains(logBuf.String(), "bridge_tap_error") {
		t.Fatalf("overflow logged as a tap error: %s", logBuf.String())
	}

	ret = transport.ErrAsyncTxClosed
	tap(can.Frame{ID: 3})
	if n := strings.Count(logBuf.String(), "bridge_tap_error"); n != 1 {
		t.Fatalf("tap errors logged %d times, want 1: %s", n, logBuf.String())
	}
	if !strings.Contains(logBuf.String(), transport.ErrAsyncTxClosed.Error()) {
		t.Fatalf("log lacks the cause: %s", logBuf.String())
	}
	if metrics.Snap().Errors <= before {
		t.Fatalf("tap error not counted")
	}
}

func TestBridgeQueueFollowsBusRate(t *testing.T) {
	dev := newFakeDev()
	openSocketCANDevice = func(string) (socketcan.Dev, error) { return dev, nil }
	defer func() { openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) } }()

	cfg := testConfig()
	cfg.bridge = "socketcan"
	n, err := newNode(cfg, logging.Discard(), io.Discard)
	if err != nil {
		t.Fatalf("newNode: %v", err)
	}
	defer n.close()
	var logBuf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	b, err := attachBridge(context.Background(), cfg, n.bus, l)
	if err != nil {
		t.Fatalf("attachBridge: %v", err)
	}
	want := transport.QueueForBitrate(n.bus.Bitrate(), tapWindow)
	if !strings.Contains(logBuf.String(), "queue="+strconv.Itoa(want)) {
		t.Fatalf("tap queue not sized from the bus rate (want %d): %s", want, logBuf.String())
	}
	b.close()
	if !strings.Contains(logBuf.String(), "bridge_tx_stats") {
		t.Fatalf("close did not report writer stats: %s", logBuf.String())
	}
}

// fakePort is a serial adapter fed from a channel of raw chunks.
type fakePort struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once
	mu     sync.Mutex
	out    bytes.Buffer
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case chunk := <-p.in:
		return copy(b, chunk), nil
	case <-p.closed:
		return 0, os.ErrClosed
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Write(b)
}

func (p *fakePort) Close() error { p.once.Do(func() { close(p.closed) }); return nil }

func (p *fakePort) written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.out.Bytes())
}

// adapterRX builds an adapter receive frame: 2D D4 len ID payload checksum.
func adapterRX(id uint32, payload ...byte) []byte {
	body := append([]byte{byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id)}, payload...)
	ln := byte(len(body) + 1)
	out := append([]byte{0x2D, 0xD4, ln}, body...)
	sum := ln + 0x2D
	for _, b := range body {
		sum += b
	}
	return append(out, sum)
}

func TestNodeSerialBridge(t *testing.T) {
	port := &fakePort{in: make(chan []byte, 4), closed: make(chan struct{})}
	openSerialPort = func(string, int, time.Duration) (serial.Port, error) { return port, nil }
	defer func() { openSerialPort = serial.Open }()

	cfg := testConfig()
	cfg.bridge = "serial"
	n, err := newNode(cfg, logging.Discard(), io.Discard)
	if err != nil {
		t.Fatalf("newNode: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if n.bridge, err = attachBridge(ctx, cfg, n.bus, logging.Discard()); err != nil {
		t.Fatalf("attachBridge: %v", err)
	}
	startNode(t, n)
	conn := dial(t, n)

	f := can.Frame{ID: 0x321, Len: 2, Data: [8]byte{0xAA, 0x55}}
	writeFrames(t, conn, f)
	want := serial.Codec{}.Encode(f)
	eventually(t, "adapter write", func() bool { return bytes.Equal(port.written(), want) })

	wire := adapterRX(0x1E5A, 1, 2, 3)
	port.in <- wire[:4]
	port.in <- wire[4:]
	got, err := readFrame(t, conn, 2*time.Second)
	if err != nil || got.ID != 0x1E5A || !got.Extended || got.Len != 3 {
		t.Fatalf("client got %v %v", got, err)
	}
}

func TestAttachBridgeOpenError(t *testing.T) {
	openSocketCANDevice = func(string) (socketcan.Dev, error) { return nil, socketcan.ErrUnsupported }
	defer func() { openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) } }()
	cfg := testConfig()
	cfg.bridge = "socketcan"
	n, err := newNode(cfg, logging.Discard(), io.Discard)
	if err != nil {
		t.Fatalf("newNode: %v", err)
	}
	defer n.close()
	if _, err := attachBridge(context.Background(), cfg, n.bus, logging.Discard()); !errors.Is(err, socketcan.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	cfg.bridge = "none"
	if b, err := attachBridge(context.Background(), cfg, n.bus, logging.Discard()); b != nil || err != nil {
		t.Fatalf("bridge=none: %v %v", b, err)
	}
}

type lockedWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *lockedWriter) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}
