package gateway

import (
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser dashboards connect cross-origin in development.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// HandleWS upgrades an HTTP request and registers the peer. The client id
// comes from the ?client_id query parameter, or is generated.
func (r *Registry) HandleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("[gateway] upgrade error: %v", err)
		return
	}

	clientID := req.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	r.Connect(conn, clientID)
}
