package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-tunnel/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	SerialRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_frames_total",
		Help: "Total CAN frames decoded from the serial link.",
	})
	SocketCANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_rx_frames_total",
		Help: "Total CAN frames read from the SocketCAN interface.",
	})
	SerialTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_frames_total",
		Help: "Total CAN frames written to the serial link.",
	})
	SocketCANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socketcan_tx_frames_total",
		Help: "Total CAN frames written to the SocketCAN interface.",
	})
	TunnelRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_rx_frames_total",
		Help: "Total CAN frames received from the tunnel peer.",
	})
	TunnelTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_tx_frames_total",
		Help: "Total CAN frames sent to the tunnel peer.",
	})
	HeartbeatsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_heartbeats_sent_total",
		Help: "Total heartbeat records sent to the tunnel peer.",
	})
	PeerHeartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_peer_heartbeats_total",
		Help: "Total heartbeat records received from the tunnel peer (tagged mode only).",
	})
	Handshakes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_handshakes_total",
		Help: "Total identity packets sent (one per connection).",
	})
	SessionResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_session_resets_total",
		Help: "Total session resets after peer half-close or transport teardown.",
	})
	BindFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_bind_failures_total",
		Help: "Total failed attempts to listen on the service port.",
	})
	SessionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tunnel_session_active",
		Help: "1 while a peer is connected and the handshake completed in both directions.",
	})
	RelayDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_dropped_frames_total",
		Help: "Total CAN frames dropped by the relay queue (full queue or no session).",
	})
	RelayQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_depth",
		Help: "Frames waiting in the relay queue for the tunnel peer.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_records_total",
		Help: "Total rejected malformed records (bad checksum, unknown kind, invalid length).",
	})
	IncompleteRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "incomplete_records_total",
		Help: "Total short reads discarded as incomplete records.",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTunnelBind     = "tunnel_bind"
	ErrTunnelRead     = "tunnel_read"
	ErrTunnelWrite    = "tunnel_write"
	ErrHandshake      = "handshake"
	ErrHeartbeat      = "heartbeat"
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrSocketCANWrite = "socketcan_write"
	ErrSocketCANOver  = "socketcan_tx_overflow"
	ErrSerialRead     = "serial_read"
	ErrSocketCANRead  = "socketcan_read"
	ErrCapture        = "capture"
)

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

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localSerialRx     uint64
	localSerialTx     uint64
	localSocketCANTx  uint64
	localSocketCANRx  uint64
	localTunnelRx     uint64
	localTunnelTx     uint64
	localHeartbeats   uint64
	localPeerHB       uint64
	localHandshakes   uint64
	localResets       uint64
	localBindFail     uint64
	localRelayDrop    uint64
	localRelayDepth   uint64
	localErrors       uint64
	localMalformed    uint64
	localIncomplete   uint64
	localSessionState uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	SerialRx       uint64
	SocketCANRx    uint64
	SerialTx       uint64
	SocketCANTx    uint64
	TunnelRx       uint64
	TunnelTx       uint64
	HeartbeatsSent uint64
	PeerHeartbeats uint64
	Handshakes     uint64
	SessionResets  uint64
	BindFailures   uint64
	RelayDrops     uint64
	RelayDepth     uint64
	Errors         uint64 // sum across error labels
	Malformed      uint64
	Incomplete     uint64
	SessionActive  bool
}

func Snap() Snapshot {
	return Snapshot{
		SerialRx:       atomic.LoadUint64(&localSerialRx),
		SocketCANRx:    atomic.LoadUint64(&localSocketCANRx),
		SerialTx:       atomic.LoadUint64(&localSerialTx),
		SocketCANTx:    atomic.LoadUint64(&localSocketCANTx),
		TunnelRx:       atomic.LoadUint64(&localTunnelRx),
		TunnelTx:       atomic.LoadUint64(&localTunnelTx),
		HeartbeatsSent: atomic.LoadUint64(&localHeartbeats),
		PeerHeartbeats: atomic.LoadUint64(&localPeerHB),
		Handshakes:     atomic.LoadUint64(&localHandshakes),
		SessionResets:  atomic.LoadUint64(&localResets),
		BindFailures:   atomic.LoadUint64(&localBindFail),
		RelayDrops:     atomic.LoadUint64(&localRelayDrop),
		RelayDepth:     atomic.LoadUint64(&localRelayDepth),
		Errors:         atomic.LoadUint64(&localErrors),
		Malformed:      atomic.LoadUint64(&localMalformed),
		Incomplete:     atomic.LoadUint64(&localIncomplete),
		SessionActive:  atomic.LoadUint64(&localSessionState) == 1,
	}
}

// Wrapper helpers to keep call sites simple.
func IncSerialRx() {
	SerialRxFrames.Inc()
	atomic.AddUint64(&localSerialRx, 1)
}

// IncSocketCANRx increments SocketCAN receive counters.
func IncSocketCANRx() {
	SocketCANRxFrames.Inc()
	atomic.AddUint64(&localSocketCANRx, 1)
}

func IncSerialTx() {
	SerialTxFrames.Inc()
	atomic.AddUint64(&localSerialTx, 1)
}

// IncSocketCANTx increments SocketCAN transmit counters.
func IncSocketCANTx() {
	SocketCANTxFrames.Inc()
	atomic.AddUint64(&localSocketCANTx, 1)
}

func IncTunnelRx() {
	TunnelRxFrames.Inc()
	atomic.AddUint64(&localTunnelRx, 1)
}

func IncTunnelTx() {
	TunnelTxFrames.Inc()
	atomic.AddUint64(&localTunnelTx, 1)
}

func IncHeartbeat() {
	HeartbeatsSent.Inc()
	atomic.AddUint64(&localHeartbeats, 1)
}

func IncPeerHeartbeat() {
	PeerHeartbeats.Inc()
	atomic.AddUint64(&localPeerHB, 1)
}

func IncHandshake() {
	Handshakes.Inc()
	atomic.AddUint64(&localHandshakes, 1)
}

func IncSessionReset() {
	SessionResets.Inc()
	atomic.AddUint64(&localResets, 1)
}

func IncBindFailure() {
	BindFailures.Inc()
	atomic.AddUint64(&localBindFail, 1)
}

// SetSessionActive records whether the tunnel is fully handshaked.
func SetSessionActive(active bool) {
	var v uint64
	if active {
		v = 1
	}
	SessionActive.Set(float64(v))
	atomic.StoreUint64(&localSessionState, v)
}

func IncRelayDrop() {
	RelayDroppedFrames.Inc()
	atomic.AddUint64(&localRelayDrop, 1)
}

func SetRelayDepth(n int) {
	RelayQueueDepth.Set(float64(n))
	atomic.StoreUint64(&localRelayDepth, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedRecords.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncIncomplete() {
	IncompleteRecords.Inc()
	atomic.AddUint64(&localIncomplete, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrTunnelBind, ErrTunnelRead, ErrTunnelWrite, ErrHandshake, ErrHeartbeat,
		ErrSerialWrite, ErrSerialOverflow, ErrSerialRead,
		ErrSocketCANWrite, ErrSocketCANOver, ErrSocketCANRead, ErrCapture,
	} {
		Errors.WithLabelValues(lbl).Add(0)
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
