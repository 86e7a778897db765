// Package inbound defines the ports the transport adapters call.
package inbound

import "context"

// HealthSnapshot is the state summary behind the health endpoint.
type HealthSnapshot struct {
	// ChildState is the supervised process's health state spelling.
	ChildState string
	// SessionCount is the number of live sessions.
	SessionCount int
	// PendingRequests is the number of in-flight registry entries.
	PendingRequests int
	// FilterCount is the number of registered filters.
	FilterCount int
}

// Broker routes messages between transport sessions and the child.
// The transport adapter calls it; the broker service implements it.
type Broker interface {
	// RouteFromClient validates, filters, and forwards one client message.
	// Returned errors describe bridge-level failures only; protocol errors
	// are answered on the session stream, not returned.
	RouteFromClient(ctx context.Context, sessionID string, raw []byte) error

	// Health reports the current state summary.
	Health() HealthSnapshot
}
