package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the RSI engine.
type Metrics struct {
	EventsTotal      prometheus.Counter
	MalformedTotal   prometheus.Counter
	DefaultKeyTotal  prometheus.Counter
	OutOfOrderTotal  prometheus.Counter
	FetchErrorsTotal prometheus.Counter
	TrackedKeys      prometheus.Gauge

	// Indicator engine
	UpdateDur      prometheus.Histogram
	RecordsTotal   *prometheus.CounterVec // labels: ready=true|false
	EventLagSecond prometheus.Histogram   // wall clock minus block_time

	// Egress
	PublishTotal    *prometheus.CounterVec // labels: sink, result=ok|retry|dropped
	PublishDur      *prometheus.HistogramVec
	StreamDropTotal prometheus.Counter // websocket client buffer full

	// Circuit breaker on the Redis sink (0=closed, 1=open, 2=half-open)
	RedisCircuitBreakerState prometheus.Gauge
	RedisCircuitBreakerTrips prometheus.Counter

	// Query side
	SnapshotDur prometheus.Histogram
	WSClients   prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg leaves them unregistered (useful in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rsi_events_total",
			Help: "Total trade events fetched from the input topic",
		}),
		MalformedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rsi_malformed_events_total",
			Help: "Trade events dropped as malformed",
		}),
		DefaultKeyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rsi_default_key_events_total",
			Help: "Trade events routed to the default token key",
		}),
		OutOfOrderTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rsi_out_of_order_events_total",
			Help: "Events whose block_time precedes the key's previous event (applied in arrival order)",
		}),
		FetchErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rsi_fetch_errors_total",
			Help: "Transport errors while fetching from the input topic",
		}),
		TrackedKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rsi_tracked_keys",
			Help: "Distinct instrument keys held in the store",
		}),

		UpdateDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rsi_update_duration_seconds",
			Help:    "Store update latency per event",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001},
		}),
		RecordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rsi_records_total",
			Help: "Indicator records produced (by warm-up state)",
		}, []string{"ready"}),
		EventLagSecond: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rsi_event_lag_seconds",
			Help:    "Lag between block_time and processing time",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),

		PublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rsi_publish_total",
			Help: "Publish attempts outcome by sink",
		}, []string{"sink", "result"}),
		PublishDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rsi_publish_duration_seconds",
			Help:    "Publish latency including retries, by sink",
			Buckets: prometheus.DefBuckets,
		}, []string{"sink"}),
		StreamDropTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rsi_stream_drops_total",
			Help: "Records dropped for slow websocket clients",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rsi_redis_circuit_breaker_state",
			Help: "Redis sink circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rsi_redis_circuit_breaker_trips_total",
			Help: "Times the Redis sink circuit breaker opened",
		}),

		SnapshotDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rsi_snapshot_duration_seconds",
			Help:    "Time to copy a full store snapshot",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1},
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rsi_ws_clients",
			Help: "Connected websocket stream clients",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.EventsTotal,
			m.MalformedTotal,
			m.DefaultKeyTotal,
			m.OutOfOrderTotal,
			m.FetchErrorsTotal,
			m.TrackedKeys,
			m.UpdateDur,
			m.RecordsTotal,
			m.EventLagSecond,
			m.PublishTotal,
			m.PublishDur,
			m.StreamDropTotal,
			m.RedisCircuitBreakerState,
			m.RedisCircuitBreakerTrips,
			m.SnapshotDur,
			m.WSClients,
		)
	}

	return m
}

// HealthStatus represents liveness of the engine's moving parts.
type HealthStatus struct {
	mu sync.RWMutex

	BusBackend     string    `json:"bus_backend"`
	BusConnected   bool      `json:"bus_connected"`
	LastEventTime  time.Time `json:"last_event_time"`
	LastPublishOK  time.Time `json:"last_publish_ok"`
	RedisConnected bool      `json:"redis_connected"`
	Period         int       `json:"period"`
	StartedAt      time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus(backend string, period int) *HealthStatus {
	return &HealthStatus{
		BusBackend: backend,
		Period:     period,
		StartedAt:  time.Now(),
	}
}

func (h *HealthStatus) SetBusConnected(v bool) {
	h.mu.Lock()
	h.BusConnected = v
	h.mu.Unlock()
}

// IsBusConnected reports whether the bus was reachable at startup and the last
// fetch, if any, succeeded.
func (h *HealthStatus) IsBusConnected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.BusConnected
}

func (h *HealthStatus) SetLastEventTime(t time.Time) {
	h.mu.Lock()
	h.LastEventTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastPublishOK(t time.Time) {
	h.mu.Lock()
	h.LastPublishOK = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

type healthResponse struct {
	Status         string `json:"status"`
	BusBackend     string `json:"bus_backend"`
	BusConnected   bool   `json:"bus_connected"`
	LastEventTime  string `json:"last_event_time,omitempty"`
	EventAge       string `json:"event_age,omitempty"`
	LastPublishOK  string `json:"last_publish_ok,omitempty"`
	RedisConnected bool   `json:"redis_connected"`
	Period         int    `json:"period"`
	TrackedKeys    int    `json:"tracked_keys"`
	Uptime         string `json:"uptime"`
}

// Handler returns an http.Handler serving the health JSON. keys reports the
// current number of tracked instruments.
func (h *HealthStatus) Handler(keys func() int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		resp := healthResponse{
			Status:         "ok",
			BusBackend:     h.BusBackend,
			BusConnected:   h.BusConnected,
			RedisConnected: h.RedisConnected,
			Period:         h.Period,
			Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		}
		if !h.LastEventTime.IsZero() {
			resp.LastEventTime = h.LastEventTime.Format(time.RFC3339)
			resp.EventAge = time.Since(h.LastEventTime).Round(time.Millisecond).String()
		}
		if !h.LastPublishOK.IsZero() {
			resp.LastPublishOK = h.LastPublishOK.Format(time.RFC3339)
		}
		h.mu.RUnlock()

		if keys != nil {
			resp.TrackedKeys = keys()
		}

		httpCode := http.StatusOK
		if !resp.BusConnected {
			resp.Status = "degraded"
			httpCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(httpCode)
		json.NewEncoder(w).Encode(resp)
	})
}
