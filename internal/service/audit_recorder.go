package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpwire/mcpwire/internal/domain/audit"
	"github.com/mcpwire/mcpwire/internal/domain/filter"
)

// AuditRecorder writes filter decisions to the audit store off the message
// hot path: a buffered channel feeds a background worker that batches
// appends. A full channel drops the record rather than stall traffic.
type AuditRecorder struct {
	store         audit.Store
	decisions     chan audit.Record
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration
	channelSize   int
	dropCount     atomic.Int64
}

// RecorderOption configures AuditRecorder.
type RecorderOption func(*AuditRecorder)

// WithBatchSize sets how many records accumulate before a write.
func WithBatchSize(size int) RecorderOption {
	return func(r *AuditRecorder) { r.batchSize = size }
}

// WithFlushInterval sets the maximum age of an unwritten batch.
func WithFlushInterval(d time.Duration) RecorderOption {
	return func(r *AuditRecorder) { r.flushInterval = d }
}

// WithChannelSize sets the decision buffer size.
func WithChannelSize(size int) RecorderOption {
	return func(r *AuditRecorder) {
		r.decisions = make(chan audit.Record, size)
		r.channelSize = size
	}
}

// NewAuditRecorder creates a recorder over the given store.
func NewAuditRecorder(store audit.Store, logger *slog.Logger, opts ...RecorderOption) *AuditRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	const defaultChannelSize = 1000
	r := &AuditRecorder{
		store:         store,
		decisions:     make(chan audit.Record, defaultChannelSize),
		logger:        logger,
		batchSize:     100,
		flushInterval: time.Second,
		channelSize:   defaultChannelSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the background worker. ctx cancellation drains and flushes.
func (r *AuditRecorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.worker(ctx)
}

// Record converts a chain decision into an audit record and enqueues it.
// Never blocks; a full buffer counts a drop. Wire this as the chain's
// decision hook.
func (r *AuditRecorder) Record(d filter.Decision) {
	rec := audit.Record{
		Timestamp:    time.Now(),
		SessionID:    d.SessionID,
		FilterName:   d.FilterName,
		Action:       d.Action,
		Reason:       d.Reason,
		Direction:    d.Direction,
		Method:       d.Method,
		OriginalHash: d.OriginalHash,
		FilteredHash: d.FilteredHash,
	}
	select {
	case r.decisions <- rec:
	default:
		drops := r.dropCount.Add(1)
		r.logger.Warn("audit record dropped",
			"filter", d.FilterName,
			"session", d.SessionID,
			"total_drops", drops,
		)
	}
}

// DroppedRecords returns the total records lost to backpressure.
func (r *AuditRecorder) DroppedRecords() int64 {
	return r.dropCount.Load()
}

// Stop closes the intake, waits for the final flush, and closes the store.
func (r *AuditRecorder) Stop() {
	close(r.decisions)
	r.wg.Wait()
	if err := r.store.Close(); err != nil {
		r.logger.Error("failed to close audit store", "error", err)
	}
}

func (r *AuditRecorder) worker(ctx context.Context) {
	defer r.wg.Done()

	batch := make([]audit.Record, 0, r.batchSize)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-r.decisions:
			if !ok {
				r.finalFlush(batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= r.batchSize {
				r.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// Drain whatever is already buffered, then flush once.
			for {
				select {
				case rec, ok := <-r.decisions:
					if !ok {
						r.finalFlush(batch)
						return
					}
					batch = append(batch, rec)
				default:
					r.finalFlush(batch)
					return
				}
			}
		}
	}
}

// finalFlush writes the remaining batch under its own bounded deadline.
func (r *AuditRecorder) finalFlush(batch []audit.Record) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.flush(ctx, batch)
}

// flush errors are logged, never propagated; auditing must not take down
// message routing.
func (r *AuditRecorder) flush(ctx context.Context, batch []audit.Record) {
	if err := r.store.Append(ctx, batch...); err != nil {
		r.logger.Error("failed to write audit batch", "error", err, "count", len(batch))
	}
}
