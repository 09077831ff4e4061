package quote

import (
	"encoding/json"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"

	"quotestreamv1/internal/model"
)

// Native bridge defaults. The vendor desktop terminal exposes a local
// bridge socket; all of its callbacks are bound to the thread that runs
// its message pump.
const (
	DefaultBridgeURL     = "ws://127.0.0.1:10653/bridge"
	loginTimeout         = 10 * time.Second
	writeTimeout         = 5 * time.Second
	defaultMaxReconnects = 5
	defaultReconnectWait = 2 * time.Second
	maxReconnectWait     = 30 * time.Second
)

// NativeConfig configures the native source.
type NativeConfig struct {
	// BridgeURL is the vendor bridge endpoint. Defaults to DefaultBridgeURL.
	BridgeURL string

	// ReconnectWait is the initial redial delay after a dropped
	// connection; it doubles per attempt up to 30s. Defaults to 2s.
	ReconnectWait time.Duration

	// MaxReconnects bounds redial attempts. Defaults to 5.
	MaxReconnects int
}

// bridgeFrame is the wire shape for both directions of the bridge socket.
type bridgeFrame struct {
	Type    string                 `json:"type"`
	Ticker  string                 `json:"ticker,omitempty"`
	Account string                 `json:"account,omitempty"`
	APIKey  string                 `json:"api_key,omitempty"`
	Secret  string                 `json:"password,omitempty"`
	TOTP    string                 `json:"totp,omitempty"`
	Success bool                   `json:"success,omitempty"`
	State   string                 `json:"state,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// NativeSource adapts the vendor desktop bridge. The vendor library
// requires every call and callback to occur on the thread that started
// its message pump, so the pump goroutine locks itself to one OS thread
// and all registered handlers are invoked from that thread. Handlers must
// therefore enqueue and return; they never run on the orchestrator's own
// execution context.
type NativeSource struct {
	cfg      NativeConfig
	registry *handlerRegistry
	dialer   *websocket.Dialer

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	subs      map[string]struct{}
	creds     Credentials
	loggedIn  bool
	closing   bool
	loginWait chan bool
	market    string
	wg        sync.WaitGroup
}

// NewNativeSource creates a native source in the Disconnected state.
func NewNativeSource(cfg NativeConfig) *NativeSource {
	if cfg.BridgeURL == "" {
		cfg.BridgeURL = DefaultBridgeURL
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = defaultReconnectWait
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	return &NativeSource{
		cfg:      cfg,
		registry: newHandlerRegistry(),
		dialer:   websocket.DefaultDialer,
		subs:     make(map[string]struct{}),
	}
}

// Connect dials the vendor bridge and starts the message pump. Fails
// closed: on any transport error the source stays Disconnected.
func (n *NativeSource) Connect() bool {
	n.mu.Lock()
	if n.state != Disconnected {
		n.mu.Unlock()
		return true
	}
	conn, _, err := n.dialer.Dial(n.cfg.BridgeURL, nil)
	if err != nil {
		n.mu.Unlock()
		log.Printf("[native] bridge dial failed: %v", err)
		return false
	}
	n.conn = conn
	n.state = Connected
	n.closing = false
	n.wg.Add(1)
	n.mu.Unlock()

	go n.pump()
	n.registry.dispatch(Event{Kind: EventConnect})
	return true
}

// Login authenticates against the vendor session. Only valid from
// Connected; a failed login leaves the source connected but not logged in.
// The one-time code is derived from the credential's TOTP secret.
func (n *NativeSource) Login(creds Credentials) bool {
	n.mu.Lock()
	if n.state != Connected {
		n.mu.Unlock()
		return false
	}
	code, err := totp.GenerateCode(creds.TOTPSecret, time.Now())
	if err != nil {
		n.mu.Unlock()
		log.Printf("[native] totp generation failed: %v", err)
		return false
	}
	wait := make(chan bool, 1)
	n.loginWait = wait
	err = n.writeLocked(bridgeFrame{
		Type:    "login",
		Account: creds.Account,
		APIKey:  creds.APIKey,
		Secret:  creds.Password,
		TOTP:    code,
	})
	n.mu.Unlock()
	if err != nil {
		log.Printf("[native] login write failed: %v", err)
		return false
	}

	select {
	case ok := <-wait:
		n.mu.Lock()
		n.loginWait = nil
		if ok {
			n.state = LoggedIn
			n.loggedIn = true
			n.creds = creds
		}
		n.mu.Unlock()
		return ok
	case <-time.After(loginTimeout):
		n.mu.Lock()
		n.loginWait = nil
		n.mu.Unlock()
		log.Println("[native] login timed out")
		return false
	}
}

// Subscribe registers a ticker with the vendor feed. A no-op returning
// true when the ticker is already subscribed.
func (n *NativeSource) Subscribe(ticker string) bool {
	ticker = model.NormalizeTicker(ticker)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != LoggedIn && n.state != Streaming {
		return false
	}
	if _, ok := n.subs[ticker]; ok {
		return true
	}
	if err := n.writeLocked(bridgeFrame{Type: "subscribe", Ticker: ticker}); err != nil {
		log.Printf("[native] subscribe %s failed: %v", ticker, err)
		return false
	}
	n.subs[ticker] = struct{}{}
	n.state = Streaming
	return true
}

// Unsubscribe removes a ticker from the feed. Returns false when the
// ticker is not currently subscribed.
func (n *NativeSource) Unsubscribe(ticker string) bool {
	ticker = model.NormalizeTicker(ticker)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != LoggedIn && n.state != Streaming {
		return false
	}
	if _, ok := n.subs[ticker]; !ok {
		return false
	}
	if err := n.writeLocked(bridgeFrame{Type: "unsubscribe", Ticker: ticker}); err != nil {
		log.Printf("[native] unsubscribe %s failed: %v", ticker, err)
	}
	delete(n.subs, ticker)
	if len(n.subs) == 0 {
		n.state = LoggedIn
	}
	return true
}

// Disconnect unsubscribes every ticker and closes the bridge. Valid from
// any state and idempotent.
func (n *NativeSource) Disconnect() {
	n.mu.Lock()
	if n.state == Disconnected {
		n.mu.Unlock()
		return
	}
	n.closing = true
	for ticker := range n.subs {
		n.writeLocked(bridgeFrame{Type: "unsubscribe", Ticker: ticker})
	}
	n.subs = make(map[string]struct{})
	if n.conn != nil {
		n.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(writeTimeout))
		n.conn.Close()
		n.conn = nil
	}
	n.state = Disconnected
	n.loggedIn = false
	n.mu.Unlock()

	n.wg.Wait()
	n.registry.dispatch(Event{Kind: EventDisconnect})
}

func (n *NativeSource) RegisterHandler(kind EventKind, h Handler) HandlerID {
	return n.registry.add(kind, h)
}

func (n *NativeSource) UnregisterHandler(kind EventKind, id HandlerID) bool {
	return n.registry.remove(kind, id)
}

// QueryMarketState returns the last session state pushed by the bridge.
func (n *NativeSource) QueryMarketState() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.market == "" {
		return "", false
	}
	return n.market, true
}

func (n *NativeSource) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *NativeSource) Subscribed() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return sortedTickers(n.subs)
}

// writeLocked sends a frame on the bridge. Caller holds n.mu.
func (n *NativeSource) writeLocked(f bridgeFrame) error {
	if n.conn == nil {
		return websocket.ErrCloseSent
	}
	n.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return n.conn.WriteJSON(f)
}

// pump is the vendor message loop. It locks itself to one OS thread for
// the lifetime of the session; every registered handler fires from here.
func (n *NativeSource) pump() {
	defer n.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		n.mu.Lock()
		conn := n.conn
		n.mu.Unlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !n.reconnect() {
				return
			}
			continue
		}

		var frame bridgeFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Printf("[native] bad frame: %v (raw: %s)", err, raw)
			continue
		}
		n.handleFrame(frame)
	}
}

func (n *NativeSource) handleFrame(frame bridgeFrame) {
	switch frame.Type {
	case "tick":
		n.registry.dispatch(Event{Kind: EventTick, Fields: frame.Data})
	case "login":
		n.mu.Lock()
		wait := n.loginWait
		n.mu.Unlock()
		if wait != nil {
			wait <- frame.Success
		}
	case "market_state":
		n.mu.Lock()
		n.market = frame.State
		n.mu.Unlock()
	default:
		// Heartbeats and unknown frames are ignored.
	}
}

// reconnect redials the bridge with exponential backoff, re-logs-in and
// replays the subscription set. Returns false when the source is closing
// or all attempts are exhausted.
func (n *NativeSource) reconnect() bool {
	n.mu.Lock()
	if n.closing {
		n.mu.Unlock()
		return false
	}
	wasLoggedIn := n.loggedIn
	creds := n.creds
	tickers := sortedTickers(n.subs)
	// Drop the dead session's bookkeeping: the replay below must go
	// through Subscribe's full path and re-send a subscribe frame per
	// ticker, not hit the already-subscribed no-op.
	n.subs = make(map[string]struct{})
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
	n.state = Disconnected
	n.mu.Unlock()

	n.registry.dispatch(Event{Kind: EventDisconnect})

	delay := n.cfg.ReconnectWait
	for attempt := 1; attempt <= n.cfg.MaxReconnects; attempt++ {
		time.Sleep(delay)

		n.mu.Lock()
		if n.closing {
			n.mu.Unlock()
			return false
		}
		conn, _, err := n.dialer.Dial(n.cfg.BridgeURL, nil)
		if err != nil {
			n.mu.Unlock()
			log.Printf("[native] reconnect %d/%d failed: %v", attempt, n.cfg.MaxReconnects, err)
			delay *= 2
			if delay > maxReconnectWait {
				delay = maxReconnectWait
			}
			continue
		}
		n.conn = conn
		n.state = Connected
		n.loggedIn = false
		n.mu.Unlock()

		n.registry.dispatch(Event{Kind: EventConnect})
		log.Printf("[native] reconnected to bridge (attempt %d)", attempt)

		// Re-login and resubscribe off the pump thread: the pump must be
		// reading again to route the login response frame.
		if wasLoggedIn {
			go func() {
				if !n.Login(creds) {
					log.Println("[native] re-login after reconnect failed")
					return
				}
				for _, ticker := range tickers {
					n.Subscribe(ticker)
				}
			}()
		}
		return true
	}

	log.Printf("[native] giving up after %d reconnect attempts", n.cfg.MaxReconnects)
	return false
}
