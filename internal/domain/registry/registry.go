// Package registry tracks in-flight requests forwarded to the child. Every
// forwarded request gets a bridge-scoped id; the registry remembers which
// session asked and under which original id, until the child responds, the
// deadline passes, or the session goes away.
package registry

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Entry is one in-flight request.
type Entry struct {
	// BridgeID is the id written on the wire toward the child.
	BridgeID int64
	// SessionID owns the response.
	SessionID string
	// OriginalID is the id exactly as the client sent it.
	OriginalID json.RawMessage
	// Method is kept for logging and metrics.
	Method      string
	SubmittedAt time.Time
	// Deadline after which the entry is swept with a timeout error.
	// Zero means no deadline.
	Deadline time.Time
}

// Registry is safe for concurrent use. Lookups are O(1); the single mutex
// is never held across I/O.
type Registry struct {
	nextID  atomic.Int64
	mu      sync.Mutex
	entries map[int64]Entry
}

// New returns an empty registry. Bridge ids start at 1.
func New() *Registry {
	return &Registry{entries: make(map[int64]Entry)}
}

// NextID allocates a bridge id, unique for the life of the process.
func (r *Registry) NextID() int64 {
	return r.nextID.Add(1)
}

// Register inserts an entry for a forwarded request.
func (r *Registry) Register(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.BridgeID] = e
}

// Resolve removes and returns the entry for a bridge id. The second return
// is false when the id is unknown (late, duplicate, or spurious response).
func (r *Registry) Resolve(bridgeID int64) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[bridgeID]
	if ok {
		delete(r.entries, bridgeID)
	}
	return e, ok
}

// Sweep removes and returns every entry whose deadline is at or before now.
func (r *Registry) Sweep(now time.Time) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []Entry
	for id, e := range r.entries {
		if !e.Deadline.IsZero() && !e.Deadline.After(now) {
			expired = append(expired, e)
			delete(r.entries, id)
		}
	}
	return expired
}

// FailAll removes and returns every entry. Called when the child exits so
// the broker can answer each pending request with a restart error.
func (r *Registry) FailAll() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	r.entries = make(map[int64]Entry)
	return all
}

// DropSession silently removes every entry owned by the session. Used when
// a session closes; the client is gone, so nothing is surfaced.
func (r *Registry) DropSession(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for id, e := range r.entries {
		if e.SessionID == sessionID {
			delete(r.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of in-flight entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
