// Package outbound defines the outbound port interfaces: the supervised
// child process and anything else the broker writes to.
package outbound

import "context"

// ChildState is the supervised process's health state.
type ChildState int32

const (
	// ChildStarting covers spawn through the first successful health check.
	ChildStarting ChildState = iota
	// ChildReady is normal operation.
	ChildReady
	// ChildDegraded is advisory: one framing error or unresolvable response.
	ChildDegraded
	// ChildDead means the process is gone; a restart may follow.
	ChildDead
	// ChildTerminal means the restart budget is exhausted.
	ChildTerminal
)

// String returns the /health spelling of the state.
func (s ChildState) String() string {
	switch s {
	case ChildStarting:
		return "starting"
	case ChildReady:
		return "ready"
	case ChildDegraded:
		return "degraded"
	case ChildDead:
		return "dead"
	case ChildTerminal:
		return "terminal"
	}
	return "unknown"
}

// ChildProcess is the outbound port to the supervised stdio server. The
// child adapter implements it; the broker depends only on this interface.
type ChildProcess interface {
	// Send queues one frame for the child's stdin. Frame order is the
	// submission order.
	Send(ctx context.Context, raw []byte) error

	// State reports the current health state.
	State() ChildState

	// NoteUnresolvable marks advisory degradation after a response the
	// broker could not correlate.
	NoteUnresolvable()
}
