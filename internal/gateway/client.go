package gateway

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 256
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	readLimit    = 4096
)

// Client represents a single WebSocket peer.
type Client struct {
	id   string
	conn Conn
	reg  *Registry
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newClient(id string, conn Conn, reg *Registry) *Client {
	return &Client{
		id:   id,
		conn: conn,
		reg:  reg,
		send: make(chan []byte, sendBuffer),
	}
}

// ID returns the client identifier.
func (c *Client) ID() string { return c.id }

// enqueue hands a message to the write pump without blocking. A full
// buffer means the client is too slow; the message is dropped for this
// client only. Messages enqueued after teardown are discarded.
func (c *Client) enqueue(message []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- message:
	default:
		if c.reg.OnDrop != nil {
			c.reg.OnDrop(c.id)
		}
	}
}

// close tears down the connection handle once.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writePump drains the send buffer to the socket, coalescing queued
// messages into a single frame with newline separators, and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			// Broadcast hands the same slice to every client; coalesce
			// into a fresh buffer so no pump writes into shared backing.
			payload := append([]byte(nil), msg...)
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				payload = append(payload, '\n')
				payload = append(payload, next...)
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				// Failed handle: remove this client; other clients in the
				// same broadcast are unaffected.
				go c.reg.Disconnect(c.id)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				go c.reg.Disconnect(c.id)
				return
			}
		}
	}
}

// controlMsg is the client→server control protocol.
type controlMsg struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Ping  int64  `json:"ping"`
}

// readPump handles subscribe/unsubscribe control messages from the peer
// and detects disconnects.
func (c *Client) readPump() {
	defer c.reg.Disconnect(c.id)

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg controlMsg
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}

		switch msg.Type {
		case "subscribe":
			if msg.Topic != "" {
				c.reg.Subscribe(c.id, msg.Topic)
				log.Printf("[gateway] client %s subscribed to %s", c.id, msg.Topic)
			}
		case "unsubscribe":
			if msg.Topic != "" {
				c.reg.Unsubscribe(c.id, msg.Topic)
			}
		default:
			if msg.Ping > 0 {
				pong, _ := json.Marshal(map[string]interface{}{
					"type":      "pong",
					"ping":      msg.Ping,
					"server_ts": time.Now().UnixMilli(),
				})
				c.enqueue(pong)
			}
		}
	}
}
