// Package server accepts cannelloni TCP clients. Frames read from a client go
// to the send function (the CAN transmit path); frames broadcast on the hub go
// to every client in batches.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-lpccan/internal/can"
	"github.com/kstaniek/go-lpccan/internal/cnl"
	"github.com/kstaniek/go-lpccan/internal/hub"
	"github.com/kstaniek/go-lpccan/internal/logging"
	"github.com/kstaniek/go-lpccan/internal/metrics"
	"github.com/kstaniek/go-lpccan/internal/transport"
)

// Codec is what the server needs from a wire format.
type Codec interface {
	transport.MultiFrameDecoder
	transport.FrameBatchEncoder
}

// SendFunc transmits a frame received from a client.
type SendFunc func(can.Frame) error

// Server owns the TCP listener and coordinates client lifecycle.
type Server struct {
	mu       sync.RWMutex
	addr     string
	listener net.Listener

	hub    *hub.Hub
	codec  Codec
	send   SendFunc
	filter func(*can.Frame) bool
	logger *slog.Logger

	flushInterval    time.Duration
	batchSize        int
	readDeadline     time.Duration
	handshakeTimeout time.Duration
	maxClients       int

	readyOnce sync.Once
	readyCh   chan struct{}
	errMu     sync.Mutex
	lastErr   error
	errCh     chan error

	clientsMu sync.Mutex
	clients   map[*hub.Client]net.Conn
	wg        sync.WaitGroup

	nextConnID    atomic.Uint64
	accepted      atomic.Uint64
	handshakeFail atomic.Uint64
	disconnected  atomic.Uint64
	filtered      atomic.Uint64
	sendOverflow  atomic.Uint64
	sendErrors    atomic.Uint64
}

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	readBurst               = 16
)

// Option customises a Server.
type Option func(*Server)

// New builds a server. Without WithSend client frames are dropped.
func New(h *hub.Hub, opts ...Option) *Server {
	s := &Server{
		addr:             ":0",
		hub:              h,
		codec:            &cnl.Codec{},
		send:             func(can.Frame) error { return nil },
		logger:           logging.L(),
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		clients:          make(map[*hub.Client]net.Conn),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func WithListenAddr(a string) Option { return func(s *Server) { s.addr = a } }
func WithCodec(c Codec) Option       { return func(s *Server) { s.codec = c } }
func WithSend(fn SendFunc) Option    { return func(s *Server) { s.send = fn } }

// WithFrameFilter drops client frames for which fn returns false.
func WithFrameFilter(fn func(*can.Frame) bool) Option { return func(s *Server) { s.filter = fn } }

func WithFlushInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithReadDeadline(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// WithMaxClients limits concurrent clients; 0 means unlimited.
func WithMaxClients(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Addr returns the listen address, resolved once Ready is closed.
func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) LastError() error { s.errMu.Lock(); defer s.errMu.Unlock(); return s.lastErr }

func (s *Server) fail(err error) error {
	metrics.IncError(metricLabel(err))
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
	return err
}

// Serve listens and accepts clients until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return s.fail(fmt.Errorf("%w: %v", ErrListen, err))
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", ln.Addr().String())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(200 * time.Millisecond)
				continue
			}
			return s.fail(fmt.Errorf("%w: %v", ErrAccept, err))
		}
		s.accept(ctx, conn)
	}
}

func (s *Server) accept(ctx context.Context, conn net.Conn) {
	s.accepted.Add(1)
	logger := s.logger.With("conn_id", s.nextConnID.Add(1), "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if err := cnl.Handshake(ctx, conn, s.handshakeTimeout); err != nil {
		s.handshakeFail.Add(1)
		logger.Warn("handshake_failed", "error", s.fail(fmt.Errorf("%w: %v", ErrHandshake, err)))
		_ = conn.Close()
		return
	}
	if s.maxClients > 0 && s.hub.Count() >= s.maxClients {
		metrics.IncHubReject()
		logger.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return
	}
	cl := s.hub.NewClient()
	s.clientsMu.Lock()
	s.clients[cl] = conn
	s.clientsMu.Unlock()
	logger.Info("client_connected")
	s.wg.Add(2)
	go s.writeLoop(ctx.Done(), conn, cl, logger)
	go s.readLoop(ctx.Done(), conn, logger)
}

// Shutdown closes the listener and every client and waits for their loops.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.Lock()
	for cl, conn := range s.clients {
		_ = conn.Close()
		s.hub.Remove(cl)
		delete(s.clients, cl)
	}
	s.clientsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary",
			"accepted", s.accepted.Load(),
			"handshake_fail", s.handshakeFail.Load(),
			"disconnected", s.disconnected.Load(),
			"filtered", s.filtered.Load(),
			"send_overflow", s.sendOverflow.Load(),
			"send_errors", s.sendErrors.Load())
		return nil
	}
}

func (s *Server) forget(cl *hub.Client) {
	s.clientsMu.Lock()
	delete(s.clients, cl)
	s.clientsMu.Unlock()
	s.hub.Remove(cl)
}
