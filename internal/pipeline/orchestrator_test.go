package pipeline

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"quotestreamv1/internal/gateway"
	"quotestreamv1/internal/relay"
)

// stubConn satisfies gateway.Conn without a socket.
type stubConn struct {
	mu        sync.Mutex
	frames    []string
	closed    chan struct{}
	closeOnce sync.Once
}

func newStubConn() *stubConn {
	return &stubConn{closed: make(chan struct{})}
}

func (s *stubConn) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	s.frames = append(s.frames, string(data))
	s.mu.Unlock()
	return nil
}

func (s *stubConn) ReadMessage() (int, []byte, error) {
	<-s.closed
	return 0, nil, errors.New("connection closed")
}

func (s *stubConn) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *stubConn) SetWriteDeadline(time.Time) error          { return nil }
func (s *stubConn) SetReadDeadline(time.Time) error           { return nil }
func (s *stubConn) SetReadLimit(int64)                        {}
func (s *stubConn) SetPongHandler(func(appData string) error) {}

func (s *stubConn) received(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fr := range s.frames {
		if strings.Contains(fr, substr) {
			return true
		}
	}
	return false
}

func testConfig() Config {
	return Config{
		SyntheticInterval: 5 * time.Millisecond,
		Redis:             relay.RedisConfig{Addr: "localhost:6379"},
	}
}

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTopicFor(t *testing.T) {
	if got := TopicFor("005930"); got != "price:005930" {
		t.Errorf("TopicFor = %s", got)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	o := New(testConfig(), gateway.NewRegistry())

	if !o.Start(false, false) {
		t.Fatal("start failed")
	}
	if !o.Start(false, false) {
		t.Error("second start should be a no-op returning true")
	}
	if !o.ConsumerRunning() {
		t.Error("publish loop should be running after start")
	}

	res := o.SubscribeTickers([]string{"5930", "000660"})
	if !res["005930"] || !res["000660"] {
		t.Fatalf("subscribe results = %v", res)
	}
	subs := o.Subscribed()
	if len(subs) != 2 || subs[0] != "000660" || subs[1] != "005930" {
		t.Errorf("subscribed = %v", subs)
	}

	waitUntil(t, func() bool { return o.Stats().TicksPublished > 0 }, "ticks through the pipeline")

	o.Stop()

	if o.ConsumerRunning() {
		t.Error("publish loop still running after stop")
	}
	if got := o.Subscribed(); len(got) != 0 {
		t.Errorf("subscriptions after stop = %v", got)
	}
	if h := o.HealthCheck(); h.Pipeline != "stopped" {
		t.Errorf("pipeline health after stop = %s", h.Pipeline)
	}

	// Stop again is harmless.
	o.Stop()
}

func TestSubscribeWhileStopped(t *testing.T) {
	o := New(testConfig(), gateway.NewRegistry())
	res := o.SubscribeTickers([]string{"005930"})
	if res["005930"] {
		t.Error("subscribe on a stopped pipeline should fail")
	}
	if _, ok := o.MarketState(); ok {
		t.Error("market state should be unknown while stopped")
	}
}

func TestHealthCheckRunning(t *testing.T) {
	o := New(testConfig(), gateway.NewRegistry())
	if !o.Start(false, false) {
		t.Fatal("start failed")
	}
	defer o.Stop()

	h := o.HealthCheck()
	if h.Pipeline != "running" {
		t.Errorf("pipeline = %s", h.Pipeline)
	}
	if h.Source != "connected" {
		t.Errorf("source = %s", h.Source)
	}
	// The in-memory substitute reports no broker behind it.
	if h.Broker != "unavailable" {
		t.Errorf("broker = %s", h.Broker)
	}
	if h.ClientRegistry != "running" {
		t.Errorf("client_registry = %s", h.ClientRegistry)
	}

	if state, ok := o.MarketState(); !ok || state == "" {
		t.Errorf("market state = %q, %v", state, ok)
	}
}

func TestBroadcastReachesSubscribedClient(t *testing.T) {
	reg := gateway.NewRegistry()
	o := New(testConfig(), reg)
	if !o.Start(false, false) {
		t.Fatal("start failed")
	}
	defer o.Stop()

	sub := newStubConn()
	other := newStubConn()
	reg.Connect(sub, "sub")
	reg.Connect(other, "other")
	reg.Subscribe("sub", TopicFor("005930"))
	reg.Subscribe("other", TopicFor("000660"))

	o.SubscribeTickers([]string{"005930"})

	waitUntil(t, func() bool {
		return sub.received(`"type":"price_update"`) && sub.received(`"ticker":"005930"`)
	}, "price update delivery")

	time.Sleep(50 * time.Millisecond)
	if other.received(`"ticker":"005930"`) {
		t.Error("update leaked to a client on a different topic")
	}
}

func TestUnsubscribeAll(t *testing.T) {
	o := New(testConfig(), gateway.NewRegistry())
	if !o.Start(false, false) {
		t.Fatal("start failed")
	}
	defer o.Stop()

	o.SubscribeTickers([]string{"005930", "000660"})
	o.UnsubscribeAll()

	if got := o.Subscribed(); len(got) != 0 {
		t.Errorf("subscribed after UnsubscribeAll = %v", got)
	}

	// The generator must stop dispatching once nothing is subscribed.
	time.Sleep(30 * time.Millisecond)
	before := o.Stats().TicksPublished
	time.Sleep(50 * time.Millisecond)
	if after := o.Stats().TicksPublished; after != before {
		t.Errorf("ticks still flowing after unsubscribe: %d -> %d", before, after)
	}
}

func TestRecentTicksRetained(t *testing.T) {
	o := New(testConfig(), gateway.NewRegistry())
	if !o.Start(false, false) {
		t.Fatal("start failed")
	}
	defer o.Stop()

	o.SubscribeTickers([]string{"005930"})
	waitUntil(t, func() bool { return len(o.RecentTicks()) > 0 }, "recent ticks")

	for _, tick := range o.RecentTicks() {
		if tick.Ticker != "005930" {
			t.Errorf("unexpected ticker %s in recent ring", tick.Ticker)
		}
	}
}

func TestStatsShape(t *testing.T) {
	o := New(testConfig(), gateway.NewRegistry())
	if !o.Start(false, false) {
		t.Fatal("start failed")
	}
	defer o.Stop()

	o.SubscribeTickers([]string{"005930"})
	waitUntil(t, func() bool { return o.Stats().TicksPublished > 0 }, "published ticks")

	s := o.Stats()
	if s.PublishErrors != 0 {
		t.Errorf("publish errors = %d", s.PublishErrors)
	}
	if len(s.SubscribedTickers) != 1 || s.SubscribedTickers[0] != "005930" {
		t.Errorf("subscribed = %v", s.SubscribedTickers)
	}
	if s.Clients != 0 {
		t.Errorf("clients = %d", s.Clients)
	}
}
