// Package gateway tracks live WebSocket client connections and delivers
// topic-filtered broadcasts to them.
package gateway

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Conn is the minimal connection surface the registry needs. It is
// satisfied by *websocket.Conn and by fakes in tests.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// Registry tracks live connections and, per connection, the topics it is
// subscribed to. The topic index and its inverse are kept consistent
// under one lock so no broadcast can race a disconnect and deliver to a
// handle that has been torn down.
type Registry struct {
	mu           sync.RWMutex
	clients      map[string]*Client
	topics       map[string]map[string]struct{} // topic → client ids
	clientTopics map[string]map[string]struct{} // client id → topics

	// OnDrop is an optional hook fired when a slow client's buffer is
	// full and a message is dropped for it. Used for metrics.
	OnDrop func(clientID string)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients:      make(map[string]*Client),
		topics:       make(map[string]map[string]struct{}),
		clientTopics: make(map[string]map[string]struct{}),
	}
}

// Connect registers a connection under clientID and starts its pumps.
// The first action on the handle is an acknowledgement message.
// Registering an id that is already present tears down the old handle
// first, so the operation is idempotent from the caller's view.
func (r *Registry) Connect(conn Conn, clientID string) *Client {
	client := newClient(clientID, conn, r)

	r.mu.Lock()
	old := r.clients[clientID]
	r.clients[clientID] = client
	count := len(r.clients)
	r.mu.Unlock()

	if old != nil {
		old.close()
	}

	ack, _ := json.Marshal(map[string]interface{}{
		"type":      "connected",
		"client_id": clientID,
	})
	client.enqueue(ack)

	go client.writePump()
	go client.readPump()

	log.Printf("[gateway] client %s connected (%d total)", clientID, count)
	return client
}

// Disconnect removes the connection and all of its topic subscriptions.
// Safe to call for an unknown or already-removed client.
func (r *Registry) Disconnect(clientID string) {
	r.mu.Lock()
	client, ok := r.clients[clientID]
	if ok {
		delete(r.clients, clientID)
		for topic := range r.clientTopics[clientID] {
			r.removeFromTopicLocked(clientID, topic)
		}
		delete(r.clientTopics, clientID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	client.close()
	log.Printf("[gateway] client %s disconnected", clientID)
}

// Subscribe adds clientID to a topic. Unknown clients are ignored.
func (r *Registry) Subscribe(clientID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[clientID]; !ok {
		return
	}
	if r.topics[topic] == nil {
		r.topics[topic] = make(map[string]struct{})
	}
	r.topics[topic][clientID] = struct{}{}
	if r.clientTopics[clientID] == nil {
		r.clientTopics[clientID] = make(map[string]struct{})
	}
	r.clientTopics[clientID][topic] = struct{}{}
}

// Unsubscribe removes clientID from a topic.
func (r *Registry) Unsubscribe(clientID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeFromTopicLocked(clientID, topic)
	if subs := r.clientTopics[clientID]; subs != nil {
		delete(subs, topic)
	}
}

// removeFromTopicLocked drops clientID from one topic set. Caller holds r.mu.
func (r *Registry) removeFromTopicLocked(clientID, topic string) {
	if set := r.topics[topic]; set != nil {
		delete(set, clientID)
		if len(set) == 0 {
			delete(r.topics, topic)
		}
	}
}

// SendPersonal delivers a message to one client. False when no such
// client is registered.
func (r *Registry) SendPersonal(message []byte, clientID string) bool {
	r.mu.RLock()
	client, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	client.enqueue(message)
	return true
}

// Broadcast delivers a message to every registered connection, or — when
// topic is non-empty — only to connections currently subscribed to that
// topic. A failure to deliver to one handle never prevents delivery to
// the remaining handles.
func (r *Registry) Broadcast(message []byte, topic string) {
	r.mu.RLock()
	var targets []*Client
	if topic == "" {
		targets = make([]*Client, 0, len(r.clients))
		for _, c := range r.clients {
			targets = append(targets, c)
		}
	} else {
		for id := range r.topics[topic] {
			if c, ok := r.clients[id]; ok {
				targets = append(targets, c)
			}
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(message)
	}
}

// SubscriberCount reports how many clients are subscribed to topic.
func (r *Registry) SubscriberCount(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

// ClientCount reports the number of registered connections.
func (r *Registry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Topics lists the topics clientID is subscribed to, for diagnostics.
func (r *Registry) Topics(clientID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clientTopics[clientID]))
	for topic := range r.clientTopics[clientID] {
		out = append(out, topic)
	}
	return out
}
