// Package metrics exposes Prometheus instruments for the driver and the node,
// each mirrored by a local atomic so logs can report totals without scraping.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kstaniek/go-lpccan/internal/logging"
)

// counter pairs a Prometheus counter with its local mirror.
type counter struct {
	prom  prometheus.Counter
	local atomic.Uint64
}

func newCounter(name, help string) *counter {
	return &counter{prom: promauto.NewCounter(prometheus.CounterOpts{Name: name, Help: help})}
}

func (c *counter) add(n int) {
	c.prom.Add(float64(n))
	c.local.Add(uint64(n))
}

// gauge pairs a Prometheus gauge with its local mirror.
type gauge struct {
	prom  prometheus.Gauge
	local atomic.Uint64
}

func newGauge(name, help string) *gauge {
	return &gauge{prom: promauto.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})}
}

func (g *gauge) set(n int) {
	g.prom.Set(float64(n))
	g.local.Store(uint64(n))
}

// Channel labels of the per-controller series.
const (
	ChanCAN1 = "can1"
	ChanCAN2 = "can2"
)

var (
	canTx = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_tx_frames_total",
		Help: "Frames transmitted by a CAN controller.",
	}, []string{"channel"})
	canRx = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "can_rx_frames_total",
		Help: "Frames read from a CAN controller receive buffer.",
	}, []string{"channel"})
	localCANTx [2]atomic.Uint64
	localCANRx [2]atomic.Uint64

	busFaults  = newCounter("can_bus_faults_total", "Transmit or receive attempts refused because of bus-off or error passive state.")
	timeouts   = newCounter("can_timeouts_total", "Bounded status polls that expired.")
	afSlots    = newGauge("af_table_slots_used", "Acceptance filter RAM slots in use.")
	afChanges  = newCounter("af_table_mutations_total", "Successful acceptance filter table mutations.")
	busDropped = newCounter("sim_bus_dropped_frames_total", "Frames the simulated bus could not deliver (overrun or timing mismatch).")

	serialRx    = newCounter("serial_rx_frames_total", "CAN frames decoded from the serial link.")
	serialTx    = newCounter("serial_tx_frames_total", "CAN frames written to the serial link.")
	socketCANRx = newCounter("socketcan_rx_frames_total", "CAN frames read from the SocketCAN interface.")
	socketCANTx = newCounter("socketcan_tx_frames_total", "CAN frames written to the SocketCAN interface.")
	tcpRx       = newCounter("tcp_rx_frames_total", "CAN frames received from TCP clients.")
	tcpTx       = newCounter("tcp_tx_frames_total", "CAN frames sent to TCP clients.")
	hubDrop     = newCounter("hub_dropped_frames_total", "CAN frames dropped by hub due to slow clients.")
	hubKick     = newCounter("hub_kicked_clients_total", "Clients disconnected due to backpressure kick policy.")
	hubReject   = newCounter("hub_rejected_clients_total", "Client connection attempts rejected (e.g., max-clients).")
	malformed   = newCounter("malformed_frames_total", "Rejected malformed frames (protocol violations, invalid length, truncated).")
	hubClients  = newGauge("hub_active_clients", "Current number of active connected clients.")
	fanout      = newGauge("hub_broadcast_fanout", "Number of clients targeted in the most recent broadcast.")
	qdMax       = newGauge("hub_queue_depth_max", "Observed max queued frames among clients since last sample window.")
	qdAvg       = newGauge("hub_queue_depth_avg", "Approximate average queued frames per client in last sample.")

	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	localErrors atomic.Uint64

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrHandshake      = "handshake"
	ErrCANTx          = "can_tx"
	ErrCANRx          = "can_rx"
	ErrAFTable        = "af_table"
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrSerialRead     = "serial_read"
	ErrSocketCANWrite = "socketcan_write"
	ErrSocketCANOver  = "socketcan_tx_overflow"
	ErrSocketCANRead  = "socketcan_read"
	ErrBridgeTap      = "bridge_tap"
)

var errorLabels = []string{
	ErrTCPRead, ErrTCPWrite, ErrHandshake,
	ErrCANTx, ErrCANRx, ErrAFTable,
	ErrSerialWrite, ErrSerialOverflow, ErrSerialRead,
	ErrSocketCANWrite, ErrSocketCANOver, ErrSocketCANRead,
	ErrBridgeTap,
}

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	CANTx         [2]uint64 // indexed by controller (0 = can1)
	CANRx         [2]uint64
	BusFaults     uint64
	Timeouts      uint64
	AFSlots       uint64
	AFMutations   uint64
	BusDropped    uint64
	SerialRx      uint64
	SerialTx      uint64
	SocketCANRx   uint64
	SocketCANTx   uint64
	TCPRx         uint64
	TCPTx         uint64
	HubDrops      uint64
	HubKicks      uint64
	HubRejects    uint64
	Errors        uint64 // sum across error labels
	HubClients    uint64
	Fanout        uint64
	Malformed     uint64
	QueueDepthMax uint64
	QueueDepthAvg uint64
}

func Snap() Snapshot {
	return Snapshot{
		CANTx:         [2]uint64{localCANTx[0].Load(), localCANTx[1].Load()},
		CANRx:         [2]uint64{localCANRx[0].Load(), localCANRx[1].Load()},
		BusFaults:     busFaults.local.Load(),
		Timeouts:      timeouts.local.Load(),
		AFSlots:       afSlots.local.Load(),
		AFMutations:   afChanges.local.Load(),
		BusDropped:    busDropped.local.Load(),
		SerialRx:      serialRx.local.Load(),
		SerialTx:      serialTx.local.Load(),
		SocketCANRx:   socketCANRx.local.Load(),
		SocketCANTx:   socketCANTx.local.Load(),
		TCPRx:         tcpRx.local.Load(),
		TCPTx:         tcpTx.local.Load(),
		HubDrops:      hubDrop.local.Load(),
		HubKicks:      hubKick.local.Load(),
		HubRejects:    hubReject.local.Load(),
		Errors:        localErrors.Load(),
		HubClients:    hubClients.local.Load(),
		Fanout:        fanout.local.Load(),
		Malformed:     malformed.local.Load(),
		QueueDepthMax: qdMax.local.Load(),
		QueueDepthAvg: qdAvg.local.Load(),
	}
}

func chanIndex(ch string) int {
	if ch == ChanCAN2 {
		return 1
	}
	return 0
}

// IncCANTx counts a frame handed to a controller's transmit buffer.
func IncCANTx(ch string) {
	canTx.WithLabelValues(ch).Inc()
	localCANTx[chanIndex(ch)].Add(1)
}

// IncCANRx counts a frame read from a controller's receive buffer.
func IncCANRx(ch string) {
	canRx.WithLabelValues(ch).Inc()
	localCANRx[chanIndex(ch)].Add(1)
}

func IncBusFault()     { busFaults.add(1) }
func IncTimeout()      { timeouts.add(1) }
func IncAFMutation()   { afChanges.add(1) }
func IncBusDropped()   { busDropped.add(1) }
func SetAFSlots(n int) { afSlots.set(n) }

func IncSerialRx()    { serialRx.add(1) }
func IncSerialTx()    { serialTx.add(1) }
func IncSocketCANRx() { socketCANRx.add(1) }
func IncSocketCANTx() { socketCANTx.add(1) }
func IncTCPRx()       { tcpRx.add(1) }
func AddTCPTx(n int)  { tcpTx.add(n) }
func IncHubDrop()     { hubDrop.add(1) }
func IncHubKick()     { hubKick.add(1) }
func IncHubReject()   { hubReject.add(1) }
func IncMalformed()   { malformed.add(1) }

func SetHubClients(n int)      { hubClients.set(n) }
func SetBroadcastFanout(n int) { fanout.set(n) }

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(max, avg int) {
	qdMax.set(max)
	qdAvg.set(avg)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	localErrors.Add(1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register label series so the first event does not pay registration latency.
	for _, lbl := range errorLabels {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, ch := range []string{ChanCAN1, ChanCAN2} {
		canTx.WithLabelValues(ch).Add(0)
		canRx.WithLabelValues(ch).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
