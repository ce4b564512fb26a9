package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-btcan/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	RxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btcan_rx_frames_total",
		Help: "CAN frames parsed from the Bluetooth adapter and dispatched to listeners.",
	}, []string{"adapter"})
	TxCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btcan_tx_commands_total",
		Help: "Command lines written to the Bluetooth adapter.",
	}, []string{"adapter"})
	MalformedLines = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "btcan_malformed_lines_total",
		Help: "Received lines or packets dropped because they did not parse as a frame.",
	}, []string{"source"})
	SuppressedDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "btcan_suppressed_duplicates_total",
		Help: "BlueCAN frames withheld by duplicate suppression.",
	})
	ConnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "btcan_connect_attempts_total",
		Help: "RFCOMM/serial connect attempts.",
	})
	ConnectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "btcan_connect_failures_total",
		Help: "Failed connect attempts.",
	})
	RetriesExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "btcan_retries_exhausted_total",
		Help: "Connect cycles abandoned after the retry threshold.",
	})
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "btcan_reconnect_cycles_total",
		Help: "Reconnect cycles started after a post-connect I/O failure.",
	})
	Connected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "btcan_connected",
		Help: "1 while the adapter link is up.",
	})
	Listeners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "btcan_listeners",
		Help: "Listeners registered on the device registry.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Frames dropped for slow channel listeners.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Channel listeners closed by the kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "TCP clients rejected (max-clients).",
	})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Frames received from TCP bridge clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Frames sent to TCP bridge clients.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label values (bounded cardinality)
const (
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrHandshake      = "handshake"
	ErrLinkRead       = "link_read"
	ErrLinkWrite      = "link_write"
	ErrTxOverflow     = "link_tx_overflow"
	ErrSocketCANRead  = "socketcan_read"
	ErrSocketCANWrite = "socketcan_write"
	ErrCapture        = "capture_write"
	ErrRadio          = "radio"
)

// StartHTTP serves /metrics and /ready on addr.
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
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrors so the daemon can log counters without scraping itself.
var (
	localRx         uint64
	localTx         uint64
	localMalformed  uint64
	localSuppressed uint64
	localAttempts   uint64
	localFailures   uint64
	localExhausted  uint64
	localReconnects uint64
	localConnected  uint64
	localListeners  uint64
	localHubDrop    uint64
	localHubKick    uint64
	localHubReject  uint64
	localTCPRx      uint64
	localTCPTx      uint64
	localErrors     uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Rx               uint64
	Tx               uint64
	Malformed        uint64
	Suppressed       uint64
	ConnectAttempts  uint64
	ConnectFailures  uint64
	RetriesExhausted uint64
	Reconnects       uint64
	Connected        uint64
	Listeners        uint64
	HubDrops         uint64
	HubKicks         uint64
	HubRejects       uint64
	TCPRx            uint64
	TCPTx            uint64
	Errors           uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		Rx:               atomic.LoadUint64(&localRx),
		Tx:               atomic.LoadUint64(&localTx),
		Malformed:        atomic.LoadUint64(&localMalformed),
		Suppressed:       atomic.LoadUint64(&localSuppressed),
		ConnectAttempts:  atomic.LoadUint64(&localAttempts),
		ConnectFailures:  atomic.LoadUint64(&localFailures),
		RetriesExhausted: atomic.LoadUint64(&localExhausted),
		Reconnects:       atomic.LoadUint64(&localReconnects),
		Connected:        atomic.LoadUint64(&localConnected),
		Listeners:        atomic.LoadUint64(&localListeners),
		HubDrops:         atomic.LoadUint64(&localHubDrop),
		HubKicks:         atomic.LoadUint64(&localHubKick),
		HubRejects:       atomic.LoadUint64(&localHubReject),
		TCPRx:            atomic.LoadUint64(&localTCPRx),
		TCPTx:            atomic.LoadUint64(&localTCPTx),
		Errors:           atomic.LoadUint64(&localErrors),
	}
}

func IncRx(adapter string) {
	RxFrames.WithLabelValues(adapter).Inc()
	atomic.AddUint64(&localRx, 1)
}

func IncTx(adapter string) {
	TxCommands.WithLabelValues(adapter).Inc()
	atomic.AddUint64(&localTx, 1)
}

func IncMalformed(source string) {
	MalformedLines.WithLabelValues(source).Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncSuppressed() {
	SuppressedDuplicates.Inc()
	atomic.AddUint64(&localSuppressed, 1)
}

func IncConnectAttempt() {
	ConnectAttempts.Inc()
	atomic.AddUint64(&localAttempts, 1)
}

func IncConnectFailure() {
	ConnectFailures.Inc()
	atomic.AddUint64(&localFailures, 1)
}

func IncRetriesExhausted() {
	RetriesExhausted.Inc()
	atomic.AddUint64(&localExhausted, 1)
}

func IncReconnect() {
	Reconnects.Inc()
	atomic.AddUint64(&localReconnects, 1)
}

// SetConnected records the link state (true=up).
func SetConnected(up bool) {
	var v uint64
	if up {
		v = 1
	}
	Connected.Set(float64(v))
	atomic.StoreUint64(&localConnected, v)
}

func SetListeners(n int) {
	Listeners.Set(float64(n))
	atomic.StoreUint64(&localListeners, uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (call once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrLinkRead, ErrLinkWrite, ErrTxOverflow,
		ErrSocketCANRead, ErrSocketCANWrite, ErrCapture, ErrRadio,
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
	if fn == nil {
		return true
	}
	return fn()
}
