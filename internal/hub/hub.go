// Package hub fans received CAN frames out to connected TCP clients.
package hub

import (
	"log/slog"
	"sync"

	"github.com/kstaniek/go-lpccan/internal/can"
	"github.com/kstaniek/go-lpccan/internal/logging"
	"github.com/kstaniek/go-lpccan/internal/metrics"
)

// BackpressurePolicy decides what happens to a client whose queue is full.
type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota // drop the frame for that client
	PolicyKick                           // disconnect the client
)

// ParsePolicy maps "drop" and "kick" to a policy.
func ParsePolicy(s string) (BackpressurePolicy, bool) {
	switch s {
	case "drop", "":
		return PolicyDrop, true
	case "kick":
		return PolicyKick, true
	}
	return PolicyDrop, false
}

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// DefaultOutBuf is the client queue length used when none is configured.
const DefaultOutBuf = 512

// Client is one subscriber. Out is drained by the client's writer.
type Client struct {
	Out       chan can.Frame
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient returns a client with an out queue of n frames.
func NewClient(n int) *Client {
	if n <= 0 {
		n = DefaultOutBuf
	}
	return &Client{Out: make(chan can.Frame, n), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() { c.closeOnce.Do(func() { close(c.Closed) }) }

// Hub is safe for concurrent use; Broadcast never blocks.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
	logger     *slog.Logger
}

// Option customises a Hub.
type Option func(*Hub)

// WithOutBuf sets the queue length of clients created by NewClient.
func WithOutBuf(n int) Option { return func(h *Hub) { h.OutBufSize = n } }

// WithPolicy sets the backpressure policy.
func WithPolicy(p BackpressurePolicy) Option { return func(h *Hub) { h.Policy = p } }

// WithLogger sets the hub logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// New creates a Hub.
func New(opts ...Option) *Hub {
	h := &Hub{clients: make(map[*Client]struct{}), OutBufSize: DefaultOutBuf, logger: logging.L()}
	for _, o := range opts {
		o(h)
	}
	return h
}

// NewClient creates and registers a client sized by the hub.
func (h *Hub) NewClient() *Client {
	c := NewClient(h.OutBufSize)
	h.Add(c)
	return c
}

// Add registers a client.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(cur)
	if cur == 1 {
		h.logger.Info("clients_first_connected")
	}
}

// Remove unregisters and closes a client; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		h.logger.Info("clients_last_disconnected")
	}
}

// Broadcast queues fr for every client according to the policy. It returns
// the number of clients the frame was queued for.
func (h *Hub) Broadcast(fr can.Frame) int {
	clients := h.Snapshot()
	metrics.SetBroadcastFanout(len(clients))
	if len(clients) == 0 {
		return 0
	}
	maxDepth, sum := 0, 0
	for _, c := range clients {
		l := len(c.Out)
		maxDepth = max(maxDepth, l)
		sum += l
	}
	metrics.SetQueueDepth(maxDepth, sum/len(clients))
	queued := 0
	for _, c := range clients {
		select {
		case c.Out <- fr:
			queued++
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				c.Close() // the writer exits and removes the client
			} else {
				metrics.IncHubDrop()
			}
		}
	}
	return queued
}

// Snapshot returns a copy of the current clients.
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
