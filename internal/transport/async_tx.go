package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-lpccan/internal/can"
)

var (
	// ErrAsyncTxClosed is returned by SendFrame after Close.
	ErrAsyncTxClosed = errors.New("async tx closed")
	// ErrOverflow is wrapped by writers that shed frames under backpressure.
	// Callers treat it as a drop, not a device failure.
	ErrOverflow = errors.New("tx overflow")
)

// Shortest frame on the wire: standard data frame, DLC 0, stuffing ignored,
// plus the 3-bit intermission.
const minFrameBits = 47 + 3

const (
	minQueue = 16
	maxQueue = 8192
)

// QueueForBitrate sizes a tap queue to hold window worth of back-to-back
// frames at bitrate. The result is clamped to [16, 8192].
func QueueForBitrate(bitrate uint32, window time.Duration) int {
	perSec := uint64(bitrate) / minFrameBits
	n := int((perSec*uint64(window) + uint64(time.Second) - 1) / uint64(time.Second))
	return min(max(n, minQueue), maxQueue)
}

// TxStats counts what an AsyncTx did with the frames it was given.
type TxStats struct {
	Sent    uint64 // written by send
	Failed  uint64 // send returned an error
	Dropped uint64 // rejected on a full queue
}

// AsyncTx funnels frames to a single writer goroutine. SendFrame never blocks:
// a full queue is reported through Hooks.OnDrop. Bus taps use it so a slow
// bridge device cannot stall the simulated wire.
type AsyncTx struct {
	mu     sync.Mutex
	ch     chan can.Frame
	stop   context.CancelFunc
	done   chan struct{}
	send   func(can.Frame) error
	hooks  Hooks
	closed atomic.Bool

	sent, failed, dropped atomic.Uint64
}

// Hooks customize AsyncTx behavior.
type Hooks struct {
	// OnError is called when send fails.
	OnError func(error)
	// OnAfter is called after a successful send.
	OnAfter func()
	// OnDrop is called when the queue is full; its error is returned from
	// SendFrame. Nil drops silently.
	OnDrop func() error
}

// NewAsyncTx starts a writer with a queue of buf frames. The writer exits
// when parent ends or Close is called.
func NewAsyncTx(parent context.Context, buf int, send func(can.Frame) error, hooks Hooks) *AsyncTx {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx{
		ch:    make(chan can.Frame, buf),
		stop:  cancel,
		done:  make(chan struct{}),
		send:  send,
		hooks: hooks,
	}
	go a.loop(ctx)
	return a
}

func (a *AsyncTx) loop(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case fr, ok := <-a.ch:
			if !ok {
				return
			}
			a.write(fr)
		case <-ctx.Done():
			return
		}
	}
}

func (a *AsyncTx) write(fr can.Frame) {
	if err := a.send(fr); err != nil {
		a.failed.Add(1)
		if a.hooks.OnError != nil {
			a.hooks.OnError(err)
		}
		return
	}
	a.sent.Add(1)
	if a.hooks.OnAfter != nil {
		a.hooks.OnAfter()
	}
}

// SendFrame queues fr or returns the drop error when the queue is full.
func (a *AsyncTx) SendFrame(fr can.Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- fr:
		return nil
	default:
	}
	a.dropped.Add(1)
	if a.hooks.OnDrop != nil {
		return a.hooks.OnDrop()
	}
	return nil
}

// Queued returns the number of frames waiting for the writer.
func (a *AsyncTx) Queued() int { return len(a.ch) }

// Stats returns the counters so far.
func (a *AsyncTx) Stats() TxStats {
	return TxStats{Sent: a.sent.Load(), Failed: a.failed.Load(), Dropped: a.dropped.Load()}
}

// Close stops the writer and waits for it. Queued frames are discarded.
func (a *AsyncTx) Close() {
	if a.closed.Swap(true) {
		<-a.done
		return
	}
	a.stop()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	<-a.done
}
