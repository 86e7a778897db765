package audit

import (
	"context"
	"sync"
	"time"

	"github.com/mcpwire/mcpwire/internal/domain/audit"
)

// defaultMemoryCapacity is how many recent records the memory store keeps.
const defaultMemoryCapacity = 1024

// MemoryStore implements audit.Store as a bounded in-memory ring. It backs
// deployments without an audit database: recent decisions stay queryable,
// older ones are discarded.
type MemoryStore struct {
	mu      sync.Mutex
	records []audit.Record
	nextID  int64
	cap     int
}

// NewMemoryStore creates a store keeping at most capacity records; zero or
// negative means the default.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryStore{cap: capacity}
}

// Append implements audit.Store.
func (s *MemoryStore) Append(_ context.Context, records ...audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.nextID++
		r.ID = s.nextID
		if r.Timestamp.IsZero() {
			r.Timestamp = time.Now()
		}
		s.records = append(s.records, r)
	}
	if over := len(s.records) - s.cap; over > 0 {
		s.records = append(s.records[:0:0], s.records[over:]...)
	}
	return nil
}

// Query implements audit.Store, newest first.
func (s *MemoryStore) Query(_ context.Context, f audit.Filter) ([]audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := clampLimit(f.Limit)
	var out []audit.Record
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		r := s.records[i]
		if f.SessionID != "" && r.SessionID != f.SessionID {
			continue
		}
		if f.FilterName != "" && r.FilterName != f.FilterName {
			continue
		}
		if f.Action != "" && r.Action != f.Action {
			continue
		}
		if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Close implements audit.Store.
func (s *MemoryStore) Close() error { return nil }
