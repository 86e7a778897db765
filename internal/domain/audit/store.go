package audit

import (
	"context"
	"time"
)

// Filter narrows a Query. Zero fields match everything.
type Filter struct {
	// SessionID restricts to one session.
	SessionID string
	// FilterName restricts to one filter.
	FilterName string
	// Action restricts to one decision class.
	Action string
	// Since excludes records before this instant.
	Since time.Time
	// Limit caps the result set; the store applies a default when zero.
	Limit int
}

// Store persists decision records.
// Interface owned by the domain; implementations handle batching.
type Store interface {
	// Append stores records. Must be cheap from the caller's perspective.
	Append(ctx context.Context, records ...Record) error

	// Query retrieves records matching the filter, newest first.
	Query(ctx context.Context, f Filter) ([]Record, error)

	// Close flushes pending records and releases resources.
	Close() error
}
