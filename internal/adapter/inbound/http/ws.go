package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcpwire/mcpwire/internal/domain/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin policy is the auth middleware's job; WS clients that can set
	// custom headers authenticated there already.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSink bridges a session's dispatcher to one WebSocket connection. All
// writes go through the writer goroutine; gorilla allows one writer only.
type wsSink struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	reason string
}

func newWSSink() *wsSink {
	return &wsSink{
		ch:   make(chan []byte, 64),
		done: make(chan struct{}),
	}
}

func (s *wsSink) Deliver(msg []byte) error {
	select {
	case <-s.done:
		return session.ErrClosed
	case s.ch <- msg:
		return nil
	default:
		return websocket.ErrCloseSent
	}
}

func (s *wsSink) Close(reason string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *wsSink) closeCode() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason == session.ReasonShutdown {
		return websocket.CloseGoingAway, s.reason
	}
	return websocket.CloseNormalClosure, s.reason
}

// handleWS upgrades the connection and runs the bidirectional pumps: reads
// feed the broker, writes drain the session queue, pings guard liveness.
func (t *Transport) handleWS(w http.ResponseWriter, r *http.Request) {
	sess, ok := t.resolveOrCreateSession(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	logger := LoggerFromContext(r.Context()).With("session_id", sess.ID)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sink := newWSSink()
	if err := sess.Attach(sink); err != nil {
		_ = conn.Close()
		return
	}

	// Reader: pong-refreshed deadline, two missed pongs end the connection.
	readDeadline := 2 * t.heartbeat
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			t.feed.publish("outbound", sess.ID, data)
			if err := t.broker.RouteFromClient(r.Context(), sess.ID, data); err != nil {
				logger.Warn("websocket route failed", "error", err)
				return
			}
		}
	}()

	ping := time.NewTicker(t.heartbeat)
	defer ping.Stop()
	defer func() {
		sess.Detach(sink)
		_ = conn.Close()
	}()

	for {
		select {
		case <-readerDone:
			return
		case <-sink.done:
			code, reason := sink.closeCode()
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), deadline)
			logger.Debug("websocket closed", "reason", reason)
			return
		case msg := <-sink.ch:
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			t.feed.publish("inbound", sess.ID, msg)
		case <-ping.C:
			deadline := time.Now().Add(time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
