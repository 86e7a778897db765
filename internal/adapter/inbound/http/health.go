package http

import (
	"net/http"
	"time"
)

// HealthResponse is the /health body.
type HealthResponse struct {
	Status          string           `json:"status"`
	ChildState      string           `json:"child_state"`
	SessionCount    int              `json:"session_count"`
	PendingRequests int              `json:"pending_requests"`
	FilterCount     int              `json:"filter_count"`
	UptimeSeconds   int64            `json:"uptime_s"`
	Version         string           `json:"version,omitempty"`
	ContentFilter   ContentFiltering `json:"content_filtering"`
}

// ContentFiltering summarizes the active filter chain.
type ContentFiltering struct {
	Enabled bool     `json:"enabled"`
	Filters []string `json:"filters"`
}

// handleHealth reports bridge and child state. A dead or terminal child
// makes the bridge unhealthy (503): discovery still answers, but forwards
// cannot succeed.
func (t *Transport) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := t.broker.Health()

	enabled := make([]string, 0, t.chain.Len())
	for _, st := range t.chain.List() {
		if st.Enabled {
			enabled = append(enabled, st.Name)
		}
	}

	resp := HealthResponse{
		Status:          "ok",
		ChildState:      h.ChildState,
		SessionCount:    h.SessionCount,
		PendingRequests: h.PendingRequests,
		FilterCount:     h.FilterCount,
		UptimeSeconds:   int64(time.Since(t.startedAt) / time.Second),
		Version:         t.version,
		ContentFilter: ContentFiltering{
			Enabled: len(enabled) > 0,
			Filters: enabled,
		},
	}

	status := http.StatusOK
	switch h.ChildState {
	case "degraded":
		resp.Status = "degraded"
	case "dead", "terminal":
		resp.Status = "dead"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
