// Package quote contains the quote source adapters and the ingestion
// service that normalizes vendor events into model.Tick values.
//
// Two adapters exist: a synthetic generator for development and testing,
// and a native adapter for the vendor desktop bridge whose API is bound
// to the OS thread that initialized it. Handlers registered on a Source
// run on whatever execution context the adapter uses internally and must
// not block.
package quote

import (
	"log"
	"sort"
	"sync"

	"quotestreamv1/internal/model"
)

// EventKind identifies the adapter event a handler is registered for.
type EventKind int

const (
	EventTick EventKind = iota
	EventConnect
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventTick:
		return "tick"
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Event is delivered to registered handlers. For EventTick either Tick is
// already canonical or Fields carries the raw vendor payload; the ingestion
// service normalizes the latter.
type Event struct {
	Kind   EventKind
	Tick   model.Tick
	Fields map[string]interface{}
}

// Handler is a callback invoked synchronously on the adapter's own
// execution context.
type Handler func(Event)

// HandlerID identifies a registration for later removal.
type HandlerID int

// State is the adapter lifecycle state.
type State int

const (
	Disconnected State = iota
	Connected
	LoggedIn
	Streaming
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case LoggedIn:
		return "logged_in"
	case Streaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Credentials holds vendor login material. TOTPSecret is used to derive a
// one-time code at login.
type Credentials struct {
	Account    string
	Password   string
	APIKey     string
	TOTPSecret string
}

// Source is the capability set of a quote source adapter.
//
// Subscribe on an already-subscribed ticker is a no-op returning true;
// Unsubscribe on a ticker that is not subscribed returns false. Disconnect
// is valid from any state, unsubscribes everything and is idempotent.
type Source interface {
	Connect() bool
	Disconnect()
	Login(creds Credentials) bool
	Subscribe(ticker string) bool
	Unsubscribe(ticker string) bool
	RegisterHandler(kind EventKind, h Handler) HandlerID
	UnregisterHandler(kind EventKind, id HandlerID) bool
	// QueryMarketState reports the vendor's market session state
	// ("open", "closed", ...); ok is false when unknown.
	QueryMarketState() (string, bool)
	State() State
	Subscribed() []string
}

// registration pairs a handler with its id, preserving registration order.
type registration struct {
	id HandlerID
	h  Handler
}

// handlerRegistry is an ordered, append-only list of callbacks per event
// kind. Dispatch recovers per handler so one failing callback cannot stop
// the remaining handlers or crash the adapter's calling thread.
type handlerRegistry struct {
	mu       sync.RWMutex
	next     HandlerID
	handlers map[EventKind][]registration
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{handlers: make(map[EventKind][]registration)}
}

func (r *handlerRegistry) add(kind EventKind, h Handler) HandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	r.handlers[kind] = append(r.handlers[kind], registration{id: id, h: h})
	return id
}

func (r *handlerRegistry) remove(kind EventKind, id HandlerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := r.handlers[kind]
	for i, reg := range regs {
		if reg.id == id {
			r.handlers[kind] = append(regs[:i:i], regs[i+1:]...)
			return true
		}
	}
	return false
}

// dispatch invokes handlers in registration order on the caller's goroutine.
func (r *handlerRegistry) dispatch(ev Event) {
	r.mu.RLock()
	regs := r.handlers[ev.Kind]
	r.mu.RUnlock()
	for _, reg := range regs {
		invoke(reg.h, ev)
	}
}

func invoke(h Handler, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[quote] %s handler panic: %v", ev.Kind, rec)
		}
	}()
	h(ev)
}

// sortedTickers copies and sorts a subscription set for stable listings.
func sortedTickers(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
