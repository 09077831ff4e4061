// Package pipeline composes the quote source, delivery queue, broker
// publisher and client registry into one start/stop lifecycle.
package pipeline

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"quotestreamv1/internal/gateway"
	"quotestreamv1/internal/metrics"
	"quotestreamv1/internal/model"
	"quotestreamv1/internal/quote"
	"quotestreamv1/internal/relay"
	"quotestreamv1/internal/ringbuf"
)

// TopicPrefix is the client-facing broadcast topic convention.
const TopicPrefix = "price:"

// stopTimeout bounds the wait for the publish loop to drain on Stop.
const stopTimeout = 5 * time.Second

// TopicFor returns the broadcast topic for a ticker.
func TopicFor(ticker string) string {
	return TopicPrefix + ticker
}

// Config carries construction parameters for both source variants and
// the broker publisher.
type Config struct {
	SyntheticInterval time.Duration
	BasePrices        map[string]int64
	BridgeURL         string
	Credentials       quote.Credentials
	Redis             relay.RedisConfig
}

// Stats is derived on demand from the live pipeline state.
type Stats struct {
	TicksPublished    int64    `json:"ticks_published"`
	PublishErrors     int64    `json:"publish_errors"`
	SubscribedTickers []string `json:"subscribed_tickers"`
	QueueDepth        int      `json:"queue_depth"`
	Clients           int      `json:"clients"`
}

// Health reports per-component status.
type Health struct {
	Pipeline       string `json:"pipeline"`        // running | stopped
	Source         string `json:"source"`          // connected | disconnected
	Broker         string `json:"broker"`          // available | unavailable
	ClientRegistry string `json:"client_registry"` // running | stopped
}

// recentCap bounds the diagnostic ring of last published ticks.
const recentCap = 256

// Orchestrator owns the pipeline lifecycle. One instance per process;
// collaborators hold a reference rather than a package-level global.
type Orchestrator struct {
	cfg      Config
	registry *gateway.Registry
	recent   *ringbuf.Ring

	// Optional instrumentation, set before Start.
	Met    *metrics.Metrics
	Status *metrics.HealthStatus

	mu           sync.Mutex
	running      bool
	svc          *quote.Service
	pub          relay.Publisher
	queue        *relay.DeliveryQueue
	consumer     *relay.Consumer
	cancel       context.CancelFunc
	consumerDone chan struct{}
	queueHandler quote.HandlerID
	bcastHandler quote.HandlerID
}

// New creates an orchestrator delivering broadcasts through registry.
func New(cfg Config, registry *gateway.Registry) *Orchestrator {
	return &Orchestrator{cfg: cfg, registry: registry, recent: ringbuf.New(recentCap)}
}

// Registry exposes the client connection registry for the WS endpoint.
func (o *Orchestrator) Registry() *gateway.Registry { return o.registry }

// Start brings the pipeline up: source + ingestion, publisher (falling
// back to the in-memory substitute when the broker is unreachable),
// delivery-queue consumer, and the two tick handlers. Idempotent: calling
// it while running returns true without side effects.
func (o *Orchestrator) Start(useNativeSource, useBroker bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return true
	}

	var src quote.Source
	if useNativeSource {
		src = quote.NewNativeSource(quote.NativeConfig{BridgeURL: o.cfg.BridgeURL})
		log.Println("[pipeline] using native quote source")
	} else {
		src = quote.NewSyntheticSource(quote.SyntheticConfig{
			Interval:   o.cfg.SyntheticInterval,
			BasePrices: o.cfg.BasePrices,
		})
		log.Println("[pipeline] using synthetic quote source")
	}

	src.RegisterHandler(quote.EventConnect, func(quote.Event) {
		if o.Met != nil {
			o.Met.SourceEvents.WithLabelValues("connect").Inc()
		}
		if o.Status != nil {
			o.Status.SetSourceConnected(true)
		}
	})
	src.RegisterHandler(quote.EventDisconnect, func(quote.Event) {
		if o.Met != nil {
			o.Met.SourceEvents.WithLabelValues("disconnect").Inc()
		}
		if o.Status != nil {
			o.Status.SetSourceConnected(false)
		}
	})

	svc := quote.NewService(src, o.cfg.Credentials)
	if !svc.Start() {
		log.Println("[pipeline] start aborted: quote service failed")
		return false
	}

	var pub relay.Publisher
	if useBroker {
		rp, err := relay.NewRedisPublisher(o.cfg.Redis)
		if err != nil {
			log.Printf("[pipeline] broker unreachable (%v), substituting in-memory publisher", err)
			pub = relay.NewMemoryPublisher()
		} else {
			pub = rp
		}
	} else {
		pub = relay.NewMemoryPublisher()
	}

	queue := relay.NewDeliveryQueue()
	consumer := relay.NewConsumer(queue, pub)

	// Hooks close over the queue: they run on the adapter and consumer
	// goroutines and must not touch the orchestrator lock.
	svc.OnTick = func(t model.Tick) { o.onTickIngested(queue, t) }
	consumer.OnPublish = func(it relay.Item, ok bool) { o.onPublished(queue, it, ok) }

	// Handler 1: hand off to the publish loop. Runs on the adapter's
	// thread, so it only enqueues.
	o.queueHandler = svc.AddTickHandler(func(t model.Tick) {
		queue.Push(relay.Item{Ticker: t.Ticker, Tick: t})
	})

	// Handler 2: direct broadcast to subscribed WebSocket clients.
	o.bcastHandler = svc.AddTickHandler(o.broadcastTick)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		consumer.Run(ctx)
	}()

	o.svc = svc
	o.pub = pub
	o.queue = queue
	o.consumer = consumer
	o.cancel = cancel
	o.consumerDone = done
	o.running = true

	if o.Status != nil {
		o.Status.SetPipelineRunning(true)
		o.Status.SetSourceConnected(true)
		o.Status.SetBrokerAvailable(pub.Connected())
	}
	log.Println("[pipeline] started")
	return true
}

// Stop tears the pipeline down in dependency order: stop accepting new
// publishes first (cancel the consumer and await it, best-effort), then
// unsubscribe everything and disconnect the source, so no handler fires
// after its downstream is gone.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}

	o.cancel()
	select {
	case <-o.consumerDone:
	case <-time.After(stopTimeout):
		log.Println("[pipeline] publish loop did not stop in time, proceeding")
	}

	o.svc.RemoveTickHandler(o.queueHandler)
	o.svc.RemoveTickHandler(o.bcastHandler)
	o.svc.Stop()
	o.pub.Close()
	o.running = false

	if o.Status != nil {
		o.Status.SetPipelineRunning(false)
		o.Status.SetSourceConnected(false)
		o.Status.SetBrokerAvailable(false)
	}
	log.Println("[pipeline] stopped")
}

// SubscribeTickers subscribes each requested ticker, reporting per-ticker
// success keyed by the normalized code.
func (o *Orchestrator) SubscribeTickers(tickers []string) map[string]bool {
	o.mu.Lock()
	svc := o.svc
	running := o.running
	o.mu.Unlock()

	result := make(map[string]bool, len(tickers))
	for _, t := range tickers {
		code := model.NormalizeTicker(t)
		if !running {
			result[code] = false
			continue
		}
		result[code] = svc.Subscribe(code)
	}
	return result
}

// UnsubscribeAll removes every active subscription.
func (o *Orchestrator) UnsubscribeAll() {
	o.mu.Lock()
	svc := o.svc
	running := o.running
	o.mu.Unlock()
	if !running {
		return
	}
	for _, t := range svc.Subscribed() {
		svc.Unsubscribe(t)
	}
}

// HealthCheck derives component statuses from live state.
func (o *Orchestrator) HealthCheck() Health {
	o.mu.Lock()
	defer o.mu.Unlock()

	h := Health{
		Pipeline:       "stopped",
		Source:         "disconnected",
		Broker:         "unavailable",
		ClientRegistry: "stopped",
	}
	if o.registry != nil {
		h.ClientRegistry = "running"
	}
	if !o.running {
		return h
	}
	h.Pipeline = "running"
	if o.svc.Source().State() >= quote.Connected {
		h.Source = "connected"
	}
	if o.pub.Connected() {
		h.Broker = "available"
	}
	return h
}

// Stats computes pipeline statistics on demand.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Stats{}
	if o.registry != nil {
		s.Clients = o.registry.ClientCount()
	}
	if !o.running {
		return s
	}
	s.TicksPublished = o.pub.Published()
	s.PublishErrors = o.pub.Errors()
	s.SubscribedTickers = o.svc.Subscribed()
	s.QueueDepth = o.queue.Len()
	return s
}

// Subscribed lists the active subscription set.
func (o *Orchestrator) Subscribed() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return nil
	}
	return o.svc.Subscribed()
}

// MarketState queries the running source's session state.
func (o *Orchestrator) MarketState() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return "", false
	}
	return o.svc.Source().QueryMarketState()
}

// RecentTicks snapshots the most recently published ticks, oldest first.
func (o *Orchestrator) RecentTicks() []model.Tick {
	return o.recent.Snapshot()
}

// ConsumerRunning reports whether the publish loop is active.
func (o *Orchestrator) ConsumerRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.consumer != nil && o.consumer.Running()
}

// priceUpdate is the client-facing broadcast envelope.
type priceUpdate struct {
	Type      string          `json:"type"`
	Ticker    string          `json:"ticker"`
	Data      priceUpdateData `json:"data"`
	Timestamp string          `json:"timestamp"`
}

type priceUpdateData struct {
	Price      int64   `json:"price"`
	Change     int64   `json:"change"`
	ChangeRate float64 `json:"change_rate"`
	Volume     int64   `json:"volume"`
}

// broadcastTick delivers a tick to clients subscribed to its topic.
func (o *Orchestrator) broadcastTick(t model.Tick) {
	envelope, err := json.Marshal(priceUpdate{
		Type:   "price_update",
		Ticker: t.Ticker,
		Data: priceUpdateData{
			Price:      t.Price,
			Change:     t.Change,
			ChangeRate: t.ChangeRate,
			Volume:     t.Volume,
		},
		Timestamp: t.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	o.registry.Broadcast(envelope, TopicFor(t.Ticker))
}

func (o *Orchestrator) onTickIngested(queue *relay.DeliveryQueue, t model.Tick) {
	if o.Met != nil {
		o.Met.TicksIngested.Inc()
		o.Met.QueueDepth.Set(float64(queue.Len()))
	}
	if o.Status != nil {
		o.Status.SetLastTickTime(t.Timestamp)
	}
}

func (o *Orchestrator) onPublished(queue *relay.DeliveryQueue, it relay.Item, ok bool) {
	if ok {
		o.recent.Add(it.Tick)
	}
	if o.Met == nil {
		return
	}
	if ok {
		o.Met.TicksPublished.Inc()
		if lag := time.Since(it.Tick.Timestamp); lag > 0 {
			o.Met.PublishLag.Observe(lag.Seconds())
		}
	} else {
		o.Met.PublishErrors.Inc()
	}
	o.Met.QueueDepth.Set(float64(queue.Len()))
}
