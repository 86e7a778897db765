// Package session manages bridge client sessions: opaque tokens, bounded
// outbound queues, and the live transport sinks (SSE streams, WebSocket
// connections) that drain them.
package session

import (
	"errors"
	"time"
)

const (
	// DefaultMaxQueueDepth is the queue length beyond which the oldest
	// message is dropped.
	DefaultMaxQueueDepth = 1024
	// DefaultHardCap is the cumulative backlog at which a session is
	// closed as a slow consumer.
	DefaultHardCap = 2048
	// DefaultIdleTimeout is how long a session may go without client
	// activity before it is garbage collected.
	DefaultIdleTimeout = 300 * time.Second
	// DefaultDetachGrace is how long a session survives with no attached
	// sink. Covers SSE reconnects without losing queued messages.
	DefaultDetachGrace = 15 * time.Second
)

// Close reasons reported to sinks and surfaced in logs.
const (
	ReasonSlowConsumer = "slow_consumer"
	ReasonIdleTimeout  = "idle_timeout"
	ReasonDetached     = "detached"
	ReasonDeleted      = "deleted"
	ReasonShutdown     = "shutdown"
)

var (
	// ErrNotFound is returned for operations on an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrClosed is returned when enqueueing to or attaching on a closed
	// session.
	ErrClosed = errors.New("session closed")
)

// Sink is a live transport writer attached to a session. Implementations
// must make Close idempotent and must unblock any in-flight Deliver once
// closed.
type Sink interface {
	// Deliver hands one JSON-RPC message to the transport. It may block
	// while the transport buffer is full and must return an error once
	// the sink is closed.
	Deliver(msg []byte) error
	// Close tears the sink down, announcing the reason to the client
	// (an SSE end event, a WebSocket close frame).
	Close(reason string)
}

// ClientInfo records where a session came from.
type ClientInfo struct {
	// UserAgent is the client's User-Agent header, if any.
	UserAgent string
	// RemoteAddr is the client's network address as seen by the listener.
	RemoteAddr string
}

// Snapshot is a read-only view of a session for listings and health output.
type Snapshot struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Priority     string    `json:"priority,omitempty"`
	QueueDepth   int       `json:"queue_depth"`
	Dropped      uint64    `json:"dropped"`
	Sinks        int       `json:"sinks"`
	RemoteAddr   string    `json:"remote_addr,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
}

// item is one queued outbound message. Broadcast items go to every attached
// sink; targeted items (responses) go to exactly one.
type item struct {
	data      []byte
	broadcast bool
}
