// Package metrics exposes Prometheus instrumentation and the /healthz
// surface for the quote pipeline.
package metrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the quote pipeline.
type Metrics struct {
	TicksIngested  prometheus.Counter
	TicksPublished prometheus.Counter
	PublishErrors  prometheus.Counter
	BroadcastDrops *prometheus.CounterVec // labels: client
	QueueDepth     prometheus.Gauge
	PublishLag     prometheus.Histogram // tick timestamp → publish
	WSClients      prometheus.Gauge
	SourceEvents   *prometheus.CounterVec // labels: kind=connect|disconnect
}

// New registers and returns all pipeline metrics.
func New() *Metrics {
	m := &Metrics{
		TicksIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quoted_ticks_ingested_total",
			Help: "Ticks received from the quote source",
		}),
		TicksPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quoted_ticks_published_total",
			Help: "Ticks published to the broker",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quoted_publish_errors_total",
			Help: "Ticks dropped after exhausting publish retries",
		}),
		BroadcastDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quoted_broadcast_drops_total",
			Help: "Messages dropped for slow WebSocket clients",
		}, []string{"client"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quoted_delivery_queue_depth",
			Help: "Items waiting in the cross-thread delivery queue",
		}),
		PublishLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quoted_publish_lag_seconds",
			Help:    "Delay between tick observation and broker publish",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quoted_ws_clients",
			Help: "Currently connected WebSocket clients",
		}),
		SourceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quoted_source_events_total",
			Help: "Source adapter connect/disconnect events",
		}, []string{"kind"}),
	}

	prometheus.MustRegister(
		m.TicksIngested,
		m.TicksPublished,
		m.PublishErrors,
		m.BroadcastDrops,
		m.QueueDepth,
		m.PublishLag,
		m.WSClients,
		m.SourceEvents,
	)
	return m
}

// HealthStatus mirrors the orchestrator's health surface for /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	PipelineRunning bool
	SourceConnected bool
	BrokerAvailable bool
	MarketState     string
	LastTickTime    time.Time
	StartedAt       time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetPipelineRunning(v bool) {
	h.mu.Lock()
	h.PipelineRunning = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSourceConnected(v bool) {
	h.mu.Lock()
	h.SourceConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetBrokerAvailable(v bool) {
	h.mu.Lock()
	h.BrokerAvailable = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetMarketState(s string) {
	h.mu.Lock()
	h.MarketState = s
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	httpCode := http.StatusOK
	if !h.PipelineRunning || !h.SourceConnected {
		status = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	} else if !h.BrokerAvailable {
		status = "degraded"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	payload := struct {
		Status          string `json:"status"`
		Uptime          string `json:"uptime"`
		PipelineRunning bool   `json:"pipeline_running"`
		SourceConnected bool   `json:"source_connected"`
		BrokerAvailable bool   `json:"broker_available"`
		MarketState     string `json:"market_state,omitempty"`
		LastTickTime    string `json:"last_tick_time"`
		TickAge         string `json:"tick_age"`
	}{
		Status:          status,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		PipelineRunning: h.PipelineRunning,
		SourceConnected: h.SourceConnected,
		BrokerAvailable: h.BrokerAvailable,
		MarketState:     h.MarketState,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(payload)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
