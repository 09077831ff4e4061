package relay

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"quotestreamv1/internal/logger"
	"quotestreamv1/internal/model"
)

// ChannelPrefix is the per-ticker broker channel convention.
const ChannelPrefix = "realtime:price:"

// ChannelFor returns the broker channel for a ticker.
func ChannelFor(ticker string) string {
	return ChannelPrefix + ticker
}

// Publisher publishes one tick to its per-ticker channel. Publish reports
// delivery: false means the tick was dropped after exhausting retries
// (at-most-once, never replayed).
type Publisher interface {
	Publish(ctx context.Context, ticker string, tick model.Tick) bool
	Connected() bool
	Published() int64
	Errors() int64
	Close() error
}

// RedisConfig configures the broker publisher.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// MaxRetries is the number of retries after the first failed attempt.
	// 0 means the default of 3; negative disables retries entirely.
	MaxRetries int

	// BackoffBase is the first retry delay; each further retry waits one
	// BackoffBase longer. 0 means the default of 100ms; negative disables
	// the sleep.
	BackoffBase time.Duration
}

func (c *RedisConfig) defaults() {
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = 3
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	switch {
	case c.BackoffBase == 0:
		c.BackoffBase = 100 * time.Millisecond
	case c.BackoffBase < 0:
		c.BackoffBase = 0
	}
}

// RedisPublisher publishes ticks on Redis PubSub channels with bounded
// retry and increasing backoff.
type RedisPublisher struct {
	cfg    RedisConfig
	client *goredis.Client

	published int64
	errors    int64

	// send performs one delivery attempt. Overridable in tests.
	send func(ctx context.Context, channel string, payload []byte) error
}

// NewRedisPublisher connects to the broker and verifies it with a ping.
func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	cfg.defaults()
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[publisher] connected to broker at %s", cfg.Addr)
	p := &RedisPublisher{cfg: cfg, client: client}
	p.send = func(ctx context.Context, channel string, payload []byte) error {
		return p.client.Publish(ctx, channel, payload).Err()
	}
	return p, nil
}

// Publish serializes the tick to its per-ticker channel. Transient
// failures are retried up to MaxRetries with an increasing delay; a
// cancellation during a backoff sleep aborts the remaining retries. After
// exhausting retries the tick is dropped and the error counter rises.
func (p *RedisPublisher) Publish(ctx context.Context, ticker string, tick model.Tick) bool {
	channel := ChannelFor(ticker)
	payload := tick.JSON()

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				atomic.AddInt64(&p.errors, 1)
				return false
			case <-time.After(p.cfg.BackoffBase * time.Duration(attempt)):
			}
		}
		if lastErr = p.send(ctx, channel, payload); lastErr == nil {
			atomic.AddInt64(&p.published, 1)
			return true
		}
	}

	atomic.AddInt64(&p.errors, 1)
	tctx := logger.WithTraceID(ctx, logger.TickTraceID(ticker, tick.Timestamp))
	slog.Error("dropping tick after exhausting retries",
		append([]any{
			slog.String("channel", channel),
			slog.Int("attempts", p.cfg.MaxRetries+1),
			slog.Any("error", lastErr),
		}, logger.LogWithTrace(tctx)...)...)
	return false
}

// Connected pings the broker with a short deadline.
func (p *RedisPublisher) Connected() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return p.client.Ping(ctx).Err() == nil
}

func (p *RedisPublisher) Published() int64 { return atomic.LoadInt64(&p.published) }
func (p *RedisPublisher) Errors() int64    { return atomic.LoadInt64(&p.errors) }

// Close releases the broker client.
func (p *RedisPublisher) Close() error { return p.client.Close() }

// PublishedMsg is one recorded in-memory publish.
type PublishedMsg struct {
	Channel string
	Tick    model.Tick
}

// MemoryPublisher records publishes without any network. It substitutes
// for the broker when no connection can be established at startup: the
// pipeline keeps running degraded, with no externally visible fan-out but
// live internal counters.
type MemoryPublisher struct {
	mu        sync.Mutex
	msgs      []PublishedMsg
	published int64
}

// NewMemoryPublisher creates an empty recorder.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(_ context.Context, ticker string, tick model.Tick) bool {
	p.mu.Lock()
	p.msgs = append(p.msgs, PublishedMsg{Channel: ChannelFor(ticker), Tick: tick})
	p.published++
	p.mu.Unlock()
	return true
}

// Connected is false: the degraded publisher has no broker behind it.
func (p *MemoryPublisher) Connected() bool { return false }

func (p *MemoryPublisher) Published() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published
}

func (p *MemoryPublisher) Errors() int64 { return 0 }

func (p *MemoryPublisher) Close() error { return nil }

// Messages snapshots the recorded publishes.
func (p *MemoryPublisher) Messages() []PublishedMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PublishedMsg, len(p.msgs))
	copy(out, p.msgs)
	return out
}
