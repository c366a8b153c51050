// Package ws implements SubscriberEndpoint: the persistent, bidirectional
// dashboard protocol over gorilla/websocket. One goroutine per connection
// reads control frames (Subscribe, Unsubscribe, Pong); a second, dedicated
// goroutine owns the socket and drains the subscriber's bounded broadcast
// queue, so a slow reader never blocks the writer or vice versa.
package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentwatch/agentwatch/internal/broadcast"
	"github.com/agentwatch/agentwatch/internal/telemetry"
)

// FrameType distinguishes client-to-server control frames from
// server-to-client frames (Welcome/event/Ping/Overflow/Close share the
// broadcast.Message envelope on the server-to-client side).
type FrameType string

const (
	FrameWelcome     FrameType = "welcome"
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FramePing        FrameType = "ping"
	FramePong        FrameType = "pong"
)

// ClientFrame is a frame received from the dashboard client.
type ClientFrame struct {
	Type   FrameType        `json:"type"`
	Topics []broadcast.Topic `json:"topics,omitempty"`
}

// ServerFrame is a frame sent to the dashboard client, covering both the
// one-off Welcome frame and every broadcast.Message forwarded verbatim.
type ServerFrame struct {
	Type            FrameType         `json:"type"`
	SubscriberID    string            `json:"subscriberId,omitempty"`
	*broadcast.Message `json:",omitempty"`
}

// Endpoint upgrades HTTP connections to the subscriber protocol.
type Endpoint struct {
	bc           *broadcast.Broadcaster
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongDeadline time.Duration
}

// New constructs an Endpoint bound to bc.
func New(bc *broadcast.Broadcaster, pingInterval, pongDeadline time.Duration) *Endpoint {
	return &Endpoint{
		bc:           bc,
		upgrader:     websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		pingInterval: pingInterval,
		pongDeadline: pongDeadline,
	}
}

// ServeHTTP upgrades the connection and runs its reader/writer goroutines
// until the client disconnects, the slow-consumer policy closes it, or a
// ping goes unanswered for pongDeadline.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		telemetry.Warn(r.Context(), "websocket upgrade failed", telemetry.KV{K: "error", V: err.Error()})
		return
	}

	h := e.bc.Subscribe(nil)
	telemetry.Debug(r.Context(), "subscriber connected", telemetry.KV{K: "subscriberId", V: h.ID()})

	welcome := ServerFrame{Type: FrameWelcome, SubscriberID: h.ID()}
	if err := conn.WriteJSON(welcome); err != nil {
		e.bc.CloseHandle(h)
		_ = conn.Close()
		return
	}

	go e.writePump(conn, h)
	e.readPump(conn, h)
}

func (e *Endpoint) readPump(conn *websocket.Conn, h *broadcast.Handle) {
	defer func() {
		e.bc.CloseHandle(h)
		_ = conn.Close()
	}()

	wait := e.pingInterval + e.pongDeadline
	conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wait))
		return nil
	})

	for {
		var frame ClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case FrameSubscribe:
			e.bc.AddTopics(h, frame.Topics)
		case FrameUnsubscribe:
			e.bc.Unsubscribe(h, frame.Topics)
		case FramePong:
			conn.SetReadDeadline(time.Now().Add(wait))
		}
	}
}

func (e *Endpoint) writePump(conn *websocket.Conn, h *broadcast.Handle) {
	ticker := time.NewTicker(e.pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-h.Done():
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg, ok := <-h.Queue():
			if !ok {
				return
			}
			m := msg
			if err := conn.WriteJSON(ServerFrame{Type: FrameType(m.Kind), Message: &m}); err != nil {
				e.bc.CloseHandle(h)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				e.bc.CloseHandle(h)
				return
			}
		}
	}
}

