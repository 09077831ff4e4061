package gateway

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeConn is an in-memory Conn. Reads block until a frame is fed with
// feed() or the connection is closed.
type fakeConn struct {
	mu         sync.Mutex
	frames     []string
	failWrites bool

	// writeGate, when set before Connect, makes every write receive from
	// it first; closing the gate releases the pump.
	writeGate chan struct{}

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	if f.writeGate != nil {
		<-f.writeGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("write failed")
	}
	if messageType == websocket.TextMessage {
		f.frames = append(f.frames, string(data))
	}
	return nil
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case raw := <-f.inbound:
		return websocket.TextMessage, raw, nil
	case <-f.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error        { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error         { return nil }
func (f *fakeConn) SetReadLimit(int64)                      {}
func (f *fakeConn) SetPongHandler(func(appData string) error) {}

func (f *fakeConn) feed(raw string) { f.inbound <- []byte(raw) }

// received reports whether any delivered frame contains substr. Frames
// may be coalesced, so substring match is the right granularity.
func (f *fakeConn) received(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fr := range f.frames {
		if strings.Contains(fr, substr) {
			return true
		}
	}
	return false
}

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectSendsAck(t *testing.T) {
	reg := NewRegistry()
	conn := newFakeConn()
	reg.Connect(conn, "c1")
	defer reg.Disconnect("c1")

	waitUntil(t, func() bool { return conn.received(`"client_id":"c1"`) }, "ack frame")
	if !conn.received(`"type":"connected"`) {
		t.Error("ack missing connected type")
	}
}

func TestBroadcastTopicIsolation(t *testing.T) {
	reg := NewRegistry()
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	reg.Connect(conn1, "c1")
	reg.Connect(conn2, "c2")
	defer reg.Disconnect("c1")
	defer reg.Disconnect("c2")

	reg.Subscribe("c1", "price:005930")
	reg.Subscribe("c2", "price:000660")

	reg.Broadcast([]byte(`{"ticker":"005930"}`), "price:005930")

	waitUntil(t, func() bool { return conn1.received(`"ticker":"005930"`) }, "subscriber delivery")
	time.Sleep(50 * time.Millisecond)
	if conn2.received(`"ticker":"005930"`) {
		t.Error("message leaked to a client subscribed to a different topic")
	}
}

func TestBroadcastAllWhenNoTopic(t *testing.T) {
	reg := NewRegistry()
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	reg.Connect(conn1, "c1")
	reg.Connect(conn2, "c2")
	defer reg.Disconnect("c1")
	defer reg.Disconnect("c2")

	reg.Broadcast([]byte(`{"note":"everyone"}`), "")

	waitUntil(t, func() bool {
		return conn1.received("everyone") && conn2.received("everyone")
	}, "broadcast to all clients")
}

func TestDisconnectRemovesSubscriptions(t *testing.T) {
	reg := NewRegistry()
	reg.Connect(newFakeConn(), "c1")
	reg.Subscribe("c1", "price:005930")
	reg.Subscribe("c1", "price:000660")

	if got := reg.SubscriberCount("price:005930"); got != 1 {
		t.Fatalf("subscribers = %d, want 1", got)
	}

	reg.Disconnect("c1")

	if got := reg.SubscriberCount("price:005930"); got != 0 {
		t.Errorf("subscribers after disconnect = %d", got)
	}
	if got := reg.ClientCount(); got != 0 {
		t.Errorf("clients after disconnect = %d", got)
	}
	if got := len(reg.Topics("c1")); got != 0 {
		t.Errorf("topics after disconnect = %d", got)
	}

	// Second disconnect of the same id is a no-op.
	reg.Disconnect("c1")
}

func TestBroadcastSurvivesFailingClient(t *testing.T) {
	reg := NewRegistry()
	bad := newFakeConn()
	bad.failWrites = true
	good := newFakeConn()
	reg.Connect(bad, "bad")
	reg.Connect(good, "good")
	defer reg.Disconnect("good")

	reg.Subscribe("bad", "price:005930")
	reg.Subscribe("good", "price:005930")

	reg.Broadcast([]byte(`{"ticker":"005930","price":71000}`), "price:005930")

	waitUntil(t, func() bool { return good.received(`"price":71000`) }, "healthy client delivery")
	// The failed handle gets torn down by its own write pump.
	waitUntil(t, func() bool { return reg.ClientCount() == 1 }, "failed client removal")
}

func TestSendPersonal(t *testing.T) {
	reg := NewRegistry()
	conn := newFakeConn()
	reg.Connect(conn, "c1")
	defer reg.Disconnect("c1")

	if !reg.SendPersonal([]byte(`{"direct":true}`), "c1") {
		t.Error("send to known client should return true")
	}
	if reg.SendPersonal([]byte(`{}`), "ghost") {
		t.Error("send to unknown client should return false")
	}
	waitUntil(t, func() bool { return conn.received(`"direct":true`) }, "personal delivery")
}

func TestSubscribeUnknownClientIgnored(t *testing.T) {
	reg := NewRegistry()
	reg.Subscribe("ghost", "price:005930")
	if got := reg.SubscriberCount("price:005930"); got != 0 {
		t.Errorf("subscribers = %d, want 0", got)
	}
}

func TestConnectReplacesExistingID(t *testing.T) {
	reg := NewRegistry()
	first := newFakeConn()
	second := newFakeConn()
	reg.Connect(first, "c1")
	reg.Connect(second, "c1")
	defer reg.Disconnect("c1")

	if got := reg.ClientCount(); got != 1 {
		t.Errorf("clients = %d, want 1", got)
	}
	waitUntil(t, func() bool {
		select {
		case <-first.closed:
			return true
		default:
			return false
		}
	}, "old handle teardown")
}

func TestControlSubscribeFromPeer(t *testing.T) {
	reg := NewRegistry()
	conn := newFakeConn()
	reg.Connect(conn, "c1")
	defer reg.Disconnect("c1")

	conn.feed(`{"type":"subscribe","topic":"price:005930"}`)
	waitUntil(t, func() bool { return reg.SubscriberCount("price:005930") == 1 }, "control subscribe")

	conn.feed(`{"type":"unsubscribe","topic":"price:005930"}`)
	waitUntil(t, func() bool { return reg.SubscriberCount("price:005930") == 0 }, "control unsubscribe")
}

func TestCoalescingLeavesQueuedPayloadIntact(t *testing.T) {
	reg := NewRegistry()
	conn := newFakeConn()
	conn.writeGate = make(chan struct{})
	reg.Connect(conn, "c1")
	defer reg.Disconnect("c1")

	// Broadcast payloads are shared between clients and routinely carry
	// spare capacity; coalescing must never write into it.
	first := append(make([]byte, 0, 512), `{"seq":1}`...)
	second := []byte(`{"seq":2}`)
	reg.SendPersonal(first, "c1")
	reg.SendPersonal(second, "c1")

	// Both messages are queued behind the blocked ack write, so the pump
	// coalesces them into one frame once released.
	close(conn.writeGate)
	waitUntil(t, func() bool {
		return conn.received("{\"seq\":1}\n{\"seq\":2}")
	}, "coalesced frame")

	for i, b := range first[len(first):cap(first)] {
		if b != 0 {
			t.Fatalf("queued payload mutated at spare byte %d: %q", i, b)
		}
	}
}

func TestControlPingAnsweredWithPong(t *testing.T) {
	reg := NewRegistry()
	conn := newFakeConn()
	reg.Connect(conn, "c1")
	defer reg.Disconnect("c1")

	conn.feed(`{"ping":12345}`)
	waitUntil(t, func() bool { return conn.received(`"ping":12345`) }, "pong reply")
}
