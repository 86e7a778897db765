package http

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mcpwire/mcpwire/internal/domain/session"
)

// sseSink bridges a session's dispatcher to one SSE response stream.
// Deliver hands the frame to the writer goroutine; a full buffer rejects
// the delivery so the dispatcher can try another sink or drop.
type sseSink struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	reason string
}

func newSSESink() *sseSink {
	return &sseSink{
		ch:   make(chan []byte, 64),
		done: make(chan struct{}),
	}
}

func (s *sseSink) Deliver(msg []byte) error {
	select {
	case <-s.done:
		return session.ErrClosed
	case s.ch <- msg:
		return nil
	default:
		return fmt.Errorf("sse sink buffer full")
	}
}

func (s *sseSink) Close(reason string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *sseSink) closeReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason == "" {
		return "closed"
	}
	return s.reason
}

// handleSSE opens the event stream. A session is resolved from the query or
// auto-created; the first event tells the client where to POST.
func (t *Transport) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sess, ok := t.resolveOrCreateSession(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	logger := LoggerFromContext(r.Context()).With("session_id", sess.ID)

	sink := newSSESink()
	if err := sess.Attach(sink); err != nil {
		writeJSON(w, http.StatusGone, map[string]string{"error": "session closed"})
		return
	}
	defer sess.Detach(sink)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	postURL := fmt.Sprintf("%s/messages?session=%s", t.baseURL(r), sess.ID)
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", postURL)
	flusher.Flush()
	logger.Debug("sse stream opened", "post_url", postURL)

	heartbeat := time.NewTicker(t.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("sse client disconnected")
			return
		case <-sink.done:
			fmt.Fprintf(w, "event: end\ndata: %s\n\n", sink.closeReason())
			flusher.Flush()
			logger.Debug("sse stream ended", "reason", sink.closeReason())
			return
		case msg := <-sink.ch:
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg); err != nil {
				return
			}
			flusher.Flush()
			t.feed.publish("inbound", sess.ID, msg)
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ":heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// resolveOrCreateSession finds the session named by the request, or creates
// one when none is named. A named but unknown session is not resurrected;
// the second return is false.
func (t *Transport) resolveOrCreateSession(r *http.Request) (*session.Session, bool) {
	id := r.URL.Query().Get("session")
	if id == "" {
		id = r.Header.Get("X-Session-ID")
	}
	if id != "" {
		return t.sessions.Get(id)
	}
	sess := t.sessions.Create(session.ClientInfo{
		UserAgent:  r.UserAgent(),
		RemoteAddr: realIPFromContext(r),
	}, "")
	return sess, true
}
