package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/mcpwire/mcpwire/internal/domain/session"
)

// handlePostMessage accepts one JSON-RPC message for the child. 202 means
// enqueued, not answered; responses arrive on the session's stream.
func (t *Transport) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	select {
	case t.ingress <- struct{}{}:
		defer func() { <-t.ingress }()
	default:
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": "too many in-flight requests",
		})
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "missing session parameter",
		})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"error": "message too large",
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "failed to read body",
		})
		return
	}

	t.feed.publish("outbound", sessionID, body)
	if err := t.broker.RouteFromClient(r.Context(), sessionID, body); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "session not found",
			})
			return
		}
		LoggerFromContext(r.Context()).Error("message routing failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "routing failed",
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleCreateSession explicitly creates a session. The body may carry an
// optional priority label.
func (t *Transport) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Priority string `json:"priority"`
	}
	// An empty or absent body is fine.
	_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body)

	sess := t.sessions.Create(session.ClientInfo{
		UserAgent:  r.UserAgent(),
		RemoteAddr: realIPFromContext(r),
	}, body.Priority)
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sess.ID})
}

// handleListSessions lists live session snapshots.
func (t *Transport) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": t.sessions.List(),
	})
}

// handleDeleteSession terminates a session; its sinks get the close event.
func (t *Transport) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !t.sessions.Close(id, session.ReasonDeleted) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "session not found",
		})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
