package http

import (
	"net/http"
	"strconv"

	"github.com/mcpwire/mcpwire/internal/domain/audit"
	"github.com/mcpwire/mcpwire/internal/domain/filter"
)

// handleListFilters returns the chain in invocation order.
func (t *Transport) handleListFilters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"filters": t.chain.List(),
	})
}

// handleToggleFilter flips one filter's enabled flag.
func (t *Transport) handleToggleFilter(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeJSONBody(w, r, &body); err != nil || body.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": `body must be {"enabled": bool}`,
		})
		return
	}
	if !t.chain.SetEnabled(name, *body.Enabled) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "unknown filter " + name,
		})
		return
	}
	LoggerFromContext(r.Context()).Info("filter toggled", "filter", name, "enabled", *body.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    name,
		"enabled": *body.Enabled,
	})
}

// handleFilterConfig replaces the filter configuration. Validation happens
// before the swap; a rejected config leaves the active one untouched.
func (t *Transport) handleFilterConfig(w http.ResponseWriter, r *http.Request) {
	var cfg filter.Config
	if err := decodeJSONBody(w, r, &cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid config body: " + err.Error(),
		})
		return
	}
	if err := t.filters.Replace(cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
		return
	}
	LoggerFromContext(r.Context()).Info("filter config reloaded", "source", "http")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// handleFilterMetrics returns per-filter counters and, with ?recent=N and a
// configured audit store, the last N filter decisions.
func (t *Transport) handleFilterMetrics(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"filters": t.chain.Metrics(),
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("recent")); err == nil && n > 0 && t.auditStore != nil {
		records, err := t.auditStore.Query(r.Context(), audit.Filter{Limit: n})
		if err != nil {
			LoggerFromContext(r.Context()).Warn("audit query failed", "error", err)
		} else {
			out["recent"] = records
		}
	}
	writeJSON(w, http.StatusOK, out)
}
