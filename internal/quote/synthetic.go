package quote

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"quotestreamv1/internal/model"
)

// SyntheticConfig configures the synthetic source.
type SyntheticConfig struct {
	// Interval between generation rounds. Defaults to 100ms.
	Interval time.Duration

	// BasePrices seeds per-ticker starting prices in won. Tickers absent
	// from the map start at DefaultBasePrice.
	BasePrices map[string]int64

	// FailConnect forces Connect to fail, for exercising the fail-closed
	// startup path.
	FailConnect bool

	// FailLogin forces Login to fail while leaving the source connected.
	FailLogin bool
}

// DefaultBasePrice is the starting price for unseeded tickers (₩70,000).
const DefaultBasePrice = 70000

func (c *SyntheticConfig) defaults() {
	if c.Interval == 0 {
		c.Interval = 100 * time.Millisecond
	}
}

// instrument holds per-ticker simulation state.
type instrument struct {
	prevClose int64
	price     int64
	volume    int64
}

// SyntheticSource emits random-walk ticks for every subscribed ticker at a
// fixed interval. Once streaming, the generation loop runs on its own
// background goroutine; handlers are invoked from that goroutine.
type SyntheticSource struct {
	cfg      SyntheticConfig
	registry *handlerRegistry

	mu     sync.Mutex
	state  State
	subs   map[string]*instrument
	cancel context.CancelFunc
	wg     sync.WaitGroup
	rng    *rand.Rand
}

// NewSyntheticSource creates a synthetic source in the Disconnected state.
func NewSyntheticSource(cfg SyntheticConfig) *SyntheticSource {
	cfg.defaults()
	return &SyntheticSource{
		cfg:      cfg,
		registry: newHandlerRegistry(),
		subs:     make(map[string]*instrument),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Connect transitions Disconnected → Connected. Fails closed on error.
func (s *SyntheticSource) Connect() bool {
	s.mu.Lock()
	if s.cfg.FailConnect {
		s.mu.Unlock()
		log.Println("[synthetic] connect failed (forced)")
		return false
	}
	if s.state != Disconnected {
		s.mu.Unlock()
		return true
	}
	s.state = Connected
	s.mu.Unlock()

	s.registry.dispatch(Event{Kind: EventConnect})
	return true
}

// Login is only valid from Connected. A failed login leaves the source
// connected but not logged in.
func (s *SyntheticSource) Login(_ Credentials) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected {
		return false
	}
	if s.cfg.FailLogin {
		log.Println("[synthetic] login failed (forced)")
		return false
	}
	s.state = LoggedIn
	return true
}

// Subscribe adds a ticker to the generation set. Re-subscribing an
// already-subscribed ticker is a no-op returning true.
func (s *SyntheticSource) Subscribe(ticker string) bool {
	ticker = model.NormalizeTicker(ticker)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != LoggedIn && s.state != Streaming {
		return false
	}
	if _, ok := s.subs[ticker]; ok {
		return true
	}

	base := s.cfg.BasePrices[ticker]
	if base <= 0 {
		base = DefaultBasePrice
	}
	s.subs[ticker] = &instrument{prevClose: base, price: base}

	if s.state == LoggedIn {
		s.state = Streaming
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.wg.Add(1)
		go s.run(ctx)
	}
	return true
}

// Unsubscribe removes a ticker. Returns false when the ticker is not
// currently subscribed.
func (s *SyntheticSource) Unsubscribe(ticker string) bool {
	ticker = model.NormalizeTicker(ticker)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != LoggedIn && s.state != Streaming {
		return false
	}
	if _, ok := s.subs[ticker]; !ok {
		return false
	}
	delete(s.subs, ticker)
	if len(s.subs) == 0 && s.state == Streaming {
		s.stopLoopLocked()
		s.state = LoggedIn
	}
	return true
}

// Disconnect is valid from any state, unsubscribes everything and is
// idempotent.
func (s *SyntheticSource) Disconnect() {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	s.stopLoopLocked()
	s.subs = make(map[string]*instrument)
	s.state = Disconnected
	s.mu.Unlock()

	s.wg.Wait()
	s.registry.dispatch(Event{Kind: EventDisconnect})
}

// stopLoopLocked cancels the generation loop. Caller holds s.mu.
func (s *SyntheticSource) stopLoopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *SyntheticSource) RegisterHandler(kind EventKind, h Handler) HandlerID {
	return s.registry.add(kind, h)
}

func (s *SyntheticSource) UnregisterHandler(kind EventKind, id HandlerID) bool {
	return s.registry.remove(kind, id)
}

// QueryMarketState always reports an open session for the simulator.
func (s *SyntheticSource) QueryMarketState() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Disconnected {
		return "", false
	}
	return "open", true
}

func (s *SyntheticSource) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *SyntheticSource) Subscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{}, len(s.subs))
	for t := range s.subs {
		set[t] = struct{}{}
	}
	return sortedTickers(set)
}

// run is the tick-generation loop. One tick per subscribed instrument per
// interval; handlers fire on this goroutine.
func (s *SyntheticSource) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tick := range s.generate() {
				s.registry.dispatch(Event{Kind: EventTick, Tick: tick})
			}
		}
	}
}

// generate advances each instrument's random walk and snapshots ticks.
func (s *SyntheticSource) generate() []model.Tick {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	ticks := make([]model.Tick, 0, len(s.subs))
	for code, inst := range s.subs {
		inst.price = s.walk(inst.price)
		inst.volume += int64(s.rng.Intn(500) + 1)

		spread := inst.price / 1000
		if spread < 1 {
			spread = 1
		}
		change := inst.price - inst.prevClose
		ticks = append(ticks, model.Tick{
			Ticker:     code,
			Price:      inst.price,
			Change:     change,
			ChangeRate: float64(change) / float64(inst.prevClose) * 100,
			Volume:     inst.volume,
			BidPrice:   inst.price - spread,
			AskPrice:   inst.price + spread,
			Timestamp:  now,
		})
	}
	return ticks
}

// walk applies a tiny random step (±0.1%) to simulate price movement.
func (s *SyntheticSource) walk(price int64) int64 {
	pct := (s.rng.Float64()*0.2 - 0.1) / 100.0
	next := price + int64(float64(price)*pct)
	if next < 100 {
		next = 100
	}
	return next
}
