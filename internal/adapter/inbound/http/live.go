package http

import (
	_ "embed"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

//go:embed live.html
var liveConsoleHTML []byte

// feedEvent is one message-flow observation pushed to live consoles.
type feedEvent struct {
	Timestamp time.Time       `json:"ts"`
	Direction string          `json:"direction"`
	SessionID string          `json:"session_id"`
	Body      json.RawMessage `json:"body"`
}

// feed fans message-flow events out to live-console subscribers. Publishing
// never blocks; a subscriber that falls behind loses events, which is fine
// for a debugging surface.
type feed struct {
	mu     sync.Mutex
	subs   map[chan []byte]struct{}
	closed bool
}

func newFeed() *feed {
	return &feed{subs: make(map[chan []byte]struct{})}
}

func (f *feed) subscribe() chan []byte {
	ch := make(chan []byte, 128)
	f.mu.Lock()
	if f.closed {
		close(ch)
	} else {
		f.subs[ch] = struct{}{}
	}
	f.mu.Unlock()
	return ch
}

func (f *feed) unsubscribe(ch chan []byte) {
	f.mu.Lock()
	if _, ok := f.subs[ch]; ok {
		delete(f.subs, ch)
		close(ch)
	}
	f.mu.Unlock()
}

func (f *feed) publish(direction, sessionID string, body []byte) {
	f.mu.Lock()
	if len(f.subs) == 0 || f.closed {
		f.mu.Unlock()
		return
	}
	data, err := json.Marshal(feedEvent{
		Timestamp: time.Now().UTC(),
		Direction: direction,
		SessionID: sessionID,
		Body:      json.RawMessage(body),
	})
	if err != nil {
		f.mu.Unlock()
		return
	}
	for ch := range f.subs {
		select {
		case ch <- data:
		default:
		}
	}
	f.mu.Unlock()
}

func (f *feed) closeAll() {
	f.mu.Lock()
	f.closed = true
	for ch := range f.subs {
		delete(f.subs, ch)
		close(ch)
	}
	f.mu.Unlock()
}

func (t *Transport) registerLiveRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /live", t.handleLiveConsole)
	mux.HandleFunc("GET /live/ws", t.handleLiveFeed)
}

// handleLiveConsole serves the embedded HTML console.
func (t *Transport) handleLiveConsole(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(liveConsoleHTML)
}

// handleLiveFeed streams feed events over a read-only websocket.
func (t *Transport) handleLiveFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := t.feed.subscribe()
	defer t.feed.unsubscribe(ch)

	// Discard anything the console sends; the feed is one-way.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(t.heartbeat)
	defer ping.Stop()
	for {
		select {
		case data, ok := <-ch:
			if !ok {
				deadline := time.Now().Add(time.Second)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), deadline)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
