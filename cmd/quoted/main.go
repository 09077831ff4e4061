// cmd/quoted — Real-time quote distribution daemon.
//
// Streams live price ticks from the configured quote source, republishes
// them on per-ticker broker channels (realtime:price:{ticker}) and
// broadcasts them to WebSocket clients subscribed to price:{ticker}.
//
// Config (env vars):
//
//	QUOTE_SOURCE       — "synthetic" or "native"          (default: synthetic)
//	QUOTE_BROKER       — "redis" or "memory"              (default: redis)
//	REDIS_ADDR         — broker address                   (default: localhost:6379)
//	WS_ADDR            — WebSocket listen address         (default: :8080)
//	METRICS_ADDR       — /metrics + /healthz address      (default: :9090)
//	SUBSCRIBE_TICKERS  — comma-separated instrument codes (default: "005930,000660")
//	TICK_INTERVAL_MS   — synthetic generation interval    (default: 1000)
//	VENDOR_*           — native source credentials (native only)
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quotestreamv1/config"
	"quotestreamv1/internal/gateway"
	"quotestreamv1/internal/logger"
	"quotestreamv1/internal/markethours"
	"quotestreamv1/internal/metrics"
	"quotestreamv1/internal/pipeline"
	"quotestreamv1/internal/quote"
	"quotestreamv1/internal/relay"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	slogger := logger.Init("quoted", slog.LevelInfo)
	slogger.Info("starting quote distribution daemon")

	cfg := config.Load()

	var creds quote.Credentials
	if cfg.UseNativeSource() {
		creds = config.VendorCredentials()
	}

	prom := metrics.New()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	registry := gateway.NewRegistry()
	registry.OnDrop = func(clientID string) {
		prom.BroadcastDrops.WithLabelValues(clientID).Inc()
	}

	orch := pipeline.New(pipeline.Config{
		SyntheticInterval: cfg.TickInterval(),
		BridgeURL:         cfg.BridgeURL,
		Credentials:       creds,
		Redis: relay.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		},
	}, registry)
	orch.Met = prom
	orch.Status = health

	if !orch.Start(cfg.UseNativeSource(), cfg.UseBroker()) {
		log.Fatalf("[quoted] pipeline start failed (source=%s)", cfg.QuoteSource)
	}

	tickers := cfg.ParseTickers()
	result := orch.SubscribeTickers(tickers)
	for ticker, ok := range result {
		if !ok {
			log.Printf("[quoted] subscribe failed for %s", ticker)
		}
	}
	slogger.Info("pipeline running",
		slog.String("source", cfg.QuoteSource),
		slog.String("broker", cfg.QuoteBroker),
		slog.Int("tickers", len(tickers)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Periodic gauge + market-state refresh.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				prom.WSClients.Set(float64(registry.ClientCount()))
				h := orch.HealthCheck()
				health.SetBrokerAvailable(h.Broker == "available")
				if state, ok := marketState(orch); ok {
					health.SetMarketState(state)
				} else {
					// Source cannot answer; fall back to the exchange calendar.
					health.SetMarketState(markethours.StatusString(time.Now()))
				}
			}
		}
	}()

	// WebSocket + stats endpoints.
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", registry.HandleWS)
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(orch.Stats())
	})
	mux.HandleFunc("/recent", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(orch.RecentTicks())
	})
	wsServer := &http.Server{Addr: cfg.WSAddr, Handler: mux}
	go func() {
		log.Printf("[quoted] websocket server listening on %s", cfg.WSAddr)
		if err := wsServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[quoted] websocket server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("[quoted] shutdown signal received, cleaning up...")
	cancel()

	orch.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	wsServer.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)

	log.Println("[quoted] shutdown complete.")
}

// marketState asks the running source for its session state.
func marketState(orch *pipeline.Orchestrator) (string, bool) {
	h := orch.HealthCheck()
	if h.Pipeline != "running" {
		return "", false
	}
	return orch.MarketState()
}
