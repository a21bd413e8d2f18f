package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics for the strategy engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	BarsTotal        *prometheus.CounterVec // labels: result
	EvaluateDur      prometheus.Histogram
	ActionsTotal     *prometheus.CounterVec // labels: action
	StrategiesActive prometheus.Gauge

	// Dispatcher
	DispatchTotal    *prometheus.CounterVec // labels: sink, outcome
	DispatchDropped  prometheus.Counter
	DispatchQueueLen prometheus.Gauge

	// Persistence
	SnapshotSaveDur   prometheus.Histogram
	SnapshotErrors    prometheus.Counter
	SnapshotsCoalesce prometheus.Counter

	// Feeds
	FeedMessages     *prometheus.CounterVec // labels: source
	FeedDecodeErrors *prometheus.CounterVec // labels: source
	BackfillDur      prometheus.Histogram

	// Observer gateway
	ObserverClients prometheus.Gauge
	ObserverDrops   prometheus.Counter

	// Redis circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
}

// NewMetrics registers the metrics with the default registry.
func NewMetrics() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// New registers and returns all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BarsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stratengine_bars_total",
			Help: "Bars routed to strategy windows, by merge result",
		}, []string{"result"}),
		EvaluateDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stratengine_evaluate_duration_seconds",
			Help:    "Indicator recompute plus rule evaluation latency per bar",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stratengine_actions_total",
			Help: "Actions emitted by strategy instances",
		}, []string{"action"}),
		StrategiesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stratengine_strategies_active",
			Help: "Strategy instances currently registered",
		}),

		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stratengine_dispatch_total",
			Help: "Action deliveries by sink and outcome",
		}, []string{"sink", "outcome"}),
		DispatchDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratengine_dispatch_dropped_total",
			Help: "Actions dropped because the dispatch queue was full",
		}),
		DispatchQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stratengine_dispatch_queue_len",
			Help: "Actions waiting in the dispatch queue",
		}),

		SnapshotSaveDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stratengine_snapshot_save_duration_seconds",
			Help:    "Snapshot save latency",
			Buckets: prometheus.DefBuckets,
		}),
		SnapshotErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratengine_snapshot_errors_total",
			Help: "Snapshot save or delete failures",
		}),
		SnapshotsCoalesce: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratengine_snapshots_coalesced_total",
			Help: "Pending snapshots replaced by a newer one before being written",
		}),

		FeedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stratengine_feed_messages_total",
			Help: "Bar messages received per feed",
		}, []string{"source"}),
		FeedDecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stratengine_feed_decode_errors_total",
			Help: "Bar messages that could not be decoded",
		}, []string{"source"}),
		BackfillDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stratengine_backfill_duration_seconds",
			Help:    "Initial window backfill latency",
			Buckets: prometheus.DefBuckets,
		}),

		ObserverClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stratengine_observer_clients",
			Help: "Connected websocket observers",
		}),
		ObserverDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratengine_observer_drops_total",
			Help: "Runtime views dropped for slow websocket observers",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stratengine_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratengine_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
	}

	reg.MustRegister(
		m.BarsTotal,
		m.EvaluateDur,
		m.ActionsTotal,
		m.StrategiesActive,
		m.DispatchTotal,
		m.DispatchDropped,
		m.DispatchQueueLen,
		m.SnapshotSaveDur,
		m.SnapshotErrors,
		m.SnapshotsCoalesce,
		m.FeedMessages,
		m.FeedDecodeErrors,
		m.BackfillDur,
		m.ObserverClients,
		m.ObserverDrops,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
	)

	return m
}

// ObserveBar counts one routed bar by merge result.
func (m *Metrics) ObserveBar(result string) {
	if m == nil {
		return
	}
	m.BarsTotal.WithLabelValues(result).Inc()
}

// ObserveEvaluate records evaluation latency.
func (m *Metrics) ObserveEvaluate(d time.Duration) {
	if m == nil {
		return
	}
	m.EvaluateDur.Observe(d.Seconds())
}

// ObserveAction counts one emitted action.
func (m *Metrics) ObserveAction(action string) {
	if m == nil {
		return
	}
	m.ActionsTotal.WithLabelValues(action).Inc()
}

// SetStrategies sets the active instance gauge.
func (m *Metrics) SetStrategies(n int) {
	if m == nil {
		return
	}
	m.StrategiesActive.Set(float64(n))
}

// ObserveDispatch counts a delivery attempt on sink.
func (m *Metrics) ObserveDispatch(sink string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.DispatchTotal.WithLabelValues(sink, outcome).Inc()
}

// ObserveFeed counts a received feed message; decodeErr marks it undecodable.
func (m *Metrics) ObserveFeed(source string, decodeErr error) {
	if m == nil {
		return
	}
	m.FeedMessages.WithLabelValues(source).Inc()
	if decodeErr != nil {
		m.FeedDecodeErrors.WithLabelValues(source).Inc()
	}
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	NATSConnected  bool      `json:"nats_connected"`
	LastBarTime    time.Time `json:"last_bar_time"`
	Strategies     int       `json:"strategies"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`

	requireRedis  bool
	requireSQLite bool
}

// NewHealthStatus returns a default health status. Only the stores marked required
// degrade the overall status when down.
func NewHealthStatus(requireRedis, requireSQLite bool) *HealthStatus {
	return &HealthStatus{
		StartedAt:     time.Now(),
		requireRedis:  requireRedis,
		requireSQLite: requireSQLite,
	}
}

func (h *HealthStatus) SetNATSConnected(v bool) {
	h.mu.Lock()
	h.NATSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastBarTime(t time.Time) {
	h.mu.Lock()
	h.LastBarTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetStrategies(n int) {
	h.mu.Lock()
	h.Strategies = n
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Nil clients are skipped.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	check := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if sqlDB != nil {
			h.CheckSQLite(probeCtx, sqlDB)
		}
	}
	check()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				check()
			}
		}
	}()
}

// Report is the /healthz response body.
type Report struct {
	Status          string  `json:"status"`
	Uptime          string  `json:"uptime"`
	Strategies      int     `json:"strategies"`
	LastBarTime     string  `json:"last_bar_time"`
	BarAge          string  `json:"bar_age"`
	RedisConnected  bool    `json:"redis_connected"`
	RedisLatencyMs  float64 `json:"redis_latency_ms"`
	SQLiteOK        bool    `json:"sqlite_ok"`
	SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
	NATSConnected   bool    `json:"nats_connected"`
	LastCheckAt     string  `json:"last_check_at"`
}

// Report summarises health and returns the matching HTTP status code.
func (h *HealthStatus) Report() (Report, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	code := http.StatusOK
	redisDown := h.requireRedis && !h.RedisConnected
	sqliteDown := h.requireSQLite && !h.SQLiteOK
	if redisDown || sqliteDown {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if redisDown && sqliteDown {
		status = "unhealthy"
	}

	barAge := ""
	if !h.LastBarTime.IsZero() {
		barAge = time.Since(h.LastBarTime).Round(time.Millisecond).String()
	}

	return Report{
		Status:          status,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		Strategies:      h.Strategies,
		LastBarTime:     h.LastBarTime.Format(time.RFC3339),
		BarAge:          barAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		NATSConnected:   h.NATSConnected,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}, code
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report, code := h.Report()
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(report)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
	log  *zap.Logger
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus, log *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		log:  log,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("metrics server listening", zap.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error("metrics server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
