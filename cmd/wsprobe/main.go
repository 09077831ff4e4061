// cmd/wsprobe — Demo WebSocket client for the quote daemon.
//
// Connects to the quoted WebSocket endpoint, subscribes to the price
// topics given as arguments and prints every envelope until interrupted.
//
// Usage:
//
//	wsprobe [ticker ...]          (default: 005930)
//
// Config (env vars):
//
//	QUOTED_WS_URL — endpoint (default: "ws://localhost:8080/ws")
package main

import (
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"

	"quotestreamv1/internal/model"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	url := os.Getenv("QUOTED_WS_URL")
	if url == "" {
		url = "ws://localhost:8080/ws"
	}

	tickers := os.Args[1:]
	if len(tickers) == 0 {
		tickers = []string{"005930"}
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Fatalf("[wsprobe] dial %s: %v", url, err)
	}
	defer conn.Close()
	log.Printf("[wsprobe] connected to %s", url)

	for _, t := range tickers {
		topic := "price:" + model.NormalizeTicker(t)
		msg, _ := json.Marshal(map[string]string{"type": "subscribe", "topic": topic})
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Fatalf("[wsprobe] subscribe %s: %v", topic, err)
		}
		log.Printf("[wsprobe] subscribed to %s", topic)
	}

	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				log.Printf("[wsprobe] read: %v", err)
				os.Exit(0)
			}
			log.Printf("[wsprobe] %s", raw)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
}
