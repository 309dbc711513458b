package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"auditchat/internal/auditerr"
	"auditchat/internal/logging"
	"auditchat/internal/session"
)

// Inbound chat messages are small; anything larger is hostile or broken.
const maxInboundBytes = 64 * 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// inboundMessage is the only frame clients send.
type inboundMessage struct {
	Message  string `json:"message"`
	Category string `json:"category"`
}

// outboundFrame is the wire form of a session event: either an
// agent_response carrying data (and optionally stage logs), or an error.
type outboundFrame struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Logs      string      `json:"logs,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// frameFor maps a session event onto the wire protocol.
func frameFor(ev session.Event) outboundFrame {
	ts := ev.Timestamp.UTC().Format(time.RFC3339Nano)
	switch ev.Type {
	case session.EventError:
		return outboundFrame{Type: "error", Message: ev.Message}
	case session.EventStageResult:
		f := outboundFrame{Type: "agent_response", Timestamp: ts, Data: ev.Result}
		if ev.Result != nil {
			f.Logs = ev.Result.Logs
		}
		return f
	case session.EventDone:
		return outboundFrame{Type: "agent_response", Timestamp: ts, Data: ev.Outcome}
	default: // stage_progress
		return outboundFrame{Type: "agent_response", Timestamp: ts, Data: map[string]interface{}{
			"request_id": ev.RequestID,
			"stage":      string(ev.Stage),
			"state":      "running",
		}}
	}
}

// wsTransport adapts one websocket connection to the session transport.
// The session serializes Send calls; the mutex only guards against the
// ping loop's control frames racing a data write deadline.
type wsTransport struct {
	conn    *websocket.Conn
	timeout time.Duration
	mu      sync.Mutex
}

func (t *wsTransport) Send(ev session.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(t.timeout))
	return t.conn.WriteJSON(frameFor(ev))
}

func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.timeout))
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// handleWS upgrades the connection, attaches it to the client's session
// (replaying anything undelivered), and reads inbound messages until the
// connection drops.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	if strings.TrimSpace(clientID) == "" {
		http.Error(w, "missing client id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.ServerWarn("WebSocket upgrade for %s: %v", clientID, err)
		return
	}

	transport := &wsTransport{conn: conn, timeout: s.cfg.WriteTimeout}
	sess, err := s.sessions.Attach(clientID, transport)
	if err != nil {
		_ = transport.Send(session.Event{
			Type:      session.EventError,
			Timestamp: time.Now().UTC(),
			Message:   err.Error(),
		})
		conn.Close()
		return
	}
	logging.Server("WebSocket connected: %s", clientID)
	s.readLoop(sess, transport, conn)
}

func (s *Server) readLoop(sess *session.Session, transport *wsTransport, conn *websocket.Conn) {
	defer func() {
		sess.Detach(transport)
		conn.Close()
		logging.Server("WebSocket disconnected: %s", sess.ClientID)
	}()

	pongWait := s.cfg.PingInterval * 10 / 9
	conn.SetReadLimit(maxInboundBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.pingLoop(transport, stopPing)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.ServerDebug("WebSocket read for %s: %v", sess.ClientID, err)
			}
			return
		}

		var in inboundMessage
		if err := json.Unmarshal(raw, &in); err != nil || strings.TrimSpace(in.Message) == "" {
			sess.EmitError(auditerr.ErrMalformedMessage)
			continue
		}

		if err := sess.Submit(in.Category, in.Message); err != nil {
			sess.EmitError(err)
			if errors.Is(err, auditerr.ErrSessionClosed) {
				return
			}
		}
	}
}

func (s *Server) pingLoop(transport *wsTransport, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := transport.Ping(); err != nil {
				return
			}
		}
	}
}
