package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/aidchain/orchestrator/internal/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientMessage is an inbound WebSocket control message (§6). Anything
// that doesn't unmarshal into this shape is silently ignored.
type clientMessage struct {
	Type      string `json:"type"`
	RequestID uint64 `json:"request_id"`
}

// handleWebSocket upgrades the connection and streams bus events to it,
// starting unsubscribed (receives every event) until the client sends a
// subscribe message narrowing to one request id (§6 "WebSocket").
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.eventBus.SubscribeAll()

	writeJSON(conn, gin.H{"type": "connected"})

	subscribeCh := make(chan uint64, 1)
	done := make(chan struct{})
	go s.readPump(conn, subscribeCh, done)
	s.writePump(conn, sub, subscribeCh, done)
}

// readPump handles inbound subscribe requests, forwarding the requested
// request id to the write pump, which owns the subscription.
func (s *Server) readPump(conn *websocket.Conn, subscribeCh chan<- uint64, done chan<- struct{}) {
	defer close(done)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type == "subscribe" {
			select {
			case subscribeCh <- msg.RequestID:
			default:
			}
		}
	}
}

// writePump owns the live subscription and swaps it when the read pump
// forwards a narrowing subscribe request (§6: "the server replies
// subscribed and thereafter emits pipeline_event for that request only").
func (s *Server) writePump(conn *websocket.Conn, sub *bus.Subscription, subscribeCh <-chan uint64, done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer func() { sub.Close() }()

	for {
		select {
		case <-done:
			return
		case requestID := <-subscribeCh:
			sub.Close()
			sub = s.eventBus.Subscribe(requestID)
			writeJSON(conn, gin.H{"type": "subscribed", "request_id": requestID})
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			writeJSON(conn, gin.H{
				"type":       "pipeline_event",
				"request_id": ev.RequestID,
				"stage":      ev.Stage,
				"status":     ev.Status,
				"timestamp":  ev.Timestamp,
				"message":    ev.Message,
				"data":       ev.Payload,
			})
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(conn *websocket.Conn, v interface{}) {
	_ = conn.WriteJSON(v)
}
