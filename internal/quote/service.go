package quote

import (
	"log"
	"sync"

	"quotestreamv1/internal/model"
)

// TickHandler receives normalized ticks. Handlers run on the source
// adapter's execution context and must not block.
type TickHandler func(model.Tick)

// Service owns exactly one Source. It normalizes raw adapter events into
// canonical ticks, maintains the active subscription set and fans
// normalized ticks out to registered in-process handlers.
type Service struct {
	src   Source
	creds Credentials

	mu       sync.Mutex
	started  bool
	subs     map[string]struct{}
	next     HandlerID
	handlers []registration2
	tickID   HandlerID

	// OnTick is an optional hook fired once per normalized tick, after
	// handler dispatch. Used for metrics.
	OnTick func(model.Tick)
}

// registration2 pairs a tick handler with its id.
type registration2 struct {
	id HandlerID
	h  TickHandler
}

// NewService creates an ingestion service on the given source.
func NewService(src Source, creds Credentials) *Service {
	return &Service{
		src:   src,
		creds: creds,
		subs:  make(map[string]struct{}),
	}
}

// Start connects and logs in, then registers the internal tick handler.
// Returns false and leaves no side effects if connect or login fails.
func (s *Service) Start() bool {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	if !s.src.Connect() {
		log.Println("[ingest] source connect failed")
		return false
	}
	if !s.src.Login(s.creds) {
		log.Println("[ingest] source login failed")
		s.src.Disconnect()
		return false
	}

	s.mu.Lock()
	s.tickID = s.src.RegisterHandler(EventTick, s.onEvent)
	s.started = true
	s.mu.Unlock()

	log.Println("[ingest] service started")
	return true
}

// Stop unsubscribes every ticker this service added, then disconnects.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	tickers := sortedTickers(s.subs)
	s.subs = make(map[string]struct{})
	tickID := s.tickID
	s.started = false
	s.mu.Unlock()

	for _, ticker := range tickers {
		s.src.Unsubscribe(ticker)
	}
	s.src.UnregisterHandler(EventTick, tickID)
	s.src.Disconnect()
	log.Println("[ingest] service stopped")
}

// Subscribe adds a ticker to the streaming set. Idempotent.
func (s *Service) Subscribe(ticker string) bool {
	ticker = model.NormalizeTicker(ticker)

	s.mu.Lock()
	started := s.started
	_, already := s.subs[ticker]
	s.mu.Unlock()
	if !started {
		return false
	}
	if already {
		return true
	}
	if !s.src.Subscribe(ticker) {
		log.Printf("[ingest] adapter refused subscribe %s", ticker)
		return false
	}

	s.mu.Lock()
	s.subs[ticker] = struct{}{}
	s.mu.Unlock()
	return true
}

// Unsubscribe removes a ticker. Unlike the adapter's own unsubscribe this
// returns true when the ticker was not subscribed: service-level callers
// should not have to track adapter state precisely.
func (s *Service) Unsubscribe(ticker string) bool {
	ticker = model.NormalizeTicker(ticker)

	s.mu.Lock()
	_, ok := s.subs[ticker]
	delete(s.subs, ticker)
	s.mu.Unlock()
	if !ok {
		return true
	}
	if !s.src.Unsubscribe(ticker) {
		log.Printf("[ingest] adapter refused unsubscribe %s", ticker)
	}
	return true
}

// AddTickHandler appends a handler; dispatch order is registration order.
func (s *Service) AddTickHandler(h TickHandler) HandlerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := s.next
	s.handlers = append(s.handlers, registration2{id: id, h: h})
	return id
}

// RemoveTickHandler removes a previously added handler.
func (s *Service) RemoveTickHandler(id HandlerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, reg := range s.handlers {
		if reg.id == id {
			s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Subscribed lists the active subscription set, sorted.
func (s *Service) Subscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedTickers(s.subs)
}

// Source exposes the owned adapter for health inspection.
func (s *Service) Source() Source { return s.src }

// onEvent normalizes a raw adapter event and dispatches it to every tick
// handler. A failing handler is recovered and logged without aborting
// dispatch to the remaining handlers or crashing the adapter's thread.
func (s *Service) onEvent(ev Event) {
	var tick model.Tick
	if ev.Fields != nil {
		tick = model.FromFields(ev.Fields)
	} else {
		tick = ev.Tick
		tick.Ticker = model.NormalizeTicker(tick.Ticker)
	}

	s.mu.Lock()
	regs := make([]registration2, len(s.handlers))
	copy(regs, s.handlers)
	onTick := s.OnTick
	s.mu.Unlock()

	for _, reg := range regs {
		dispatchTick(reg.h, tick)
	}
	if onTick != nil {
		onTick(tick)
	}
}

func dispatchTick(h TickHandler, tick model.Tick) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[ingest] tick handler panic for %s: %v", tick.Ticker, rec)
		}
	}()
	h(tick)
}
