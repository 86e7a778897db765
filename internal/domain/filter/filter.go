// Package filter implements the bridge's message filter chain: ordered,
// named, individually toggleable transformers that inspect every message in
// one or both directions and may pass, rewrite, drop, or block it.
package filter

import (
	"github.com/mcpwire/mcpwire/pkg/mcp"
)

// Action is the outcome class of one filter invocation.
type Action int

const (
	// ActionPass leaves the message unchanged.
	ActionPass Action = iota
	// ActionTransform replaces the message; the chain continues with the
	// replacement.
	ActionTransform
	// ActionDrop discards the message silently and halts the chain.
	ActionDrop
	// ActionBlock halts the chain and answers the originator with a
	// JSON-RPC error.
	ActionBlock
)

// String returns the audit spelling of the action.
func (a Action) String() string {
	switch a {
	case ActionPass:
		return "pass"
	case ActionTransform:
		return "transform"
	case ActionDrop:
		return "drop"
	case ActionBlock:
		return "block"
	}
	return "unknown"
}

// Result is the value returned by a filter invocation.
type Result struct {
	Action Action
	// Message is the replacement, set for ActionTransform.
	Message *mcp.Message
	// Reason explains a drop or block; surfaced in audit records and, for
	// blocks, in the error's data.
	Reason string
	// Code and ErrMessage shape the synthesized JSON-RPC error for
	// ActionBlock.
	Code       int
	ErrMessage string
}

// Pass returns the message unchanged.
func Pass() Result { return Result{Action: ActionPass} }

// Transformed replaces the message and lets the chain continue.
func Transformed(msg *mcp.Message) Result {
	return Result{Action: ActionTransform, Message: msg}
}

// Dropped discards the message with the given reason.
func Dropped(reason string) Result {
	return Result{Action: ActionDrop, Reason: reason}
}

// Blocked halts the chain and synthesizes an error back to the originator.
func Blocked(code int, message, reason string) Result {
	return Result{Action: ActionBlock, Code: code, ErrMessage: message, Reason: reason}
}

// Filter is one named unit in the chain. Apply must be deterministic for a
// fixed config, must not perform I/O, and may touch no external state beyond
// its own counters. The message carries its direction and session id.
type Filter interface {
	Name() string
	Apply(msg *mcp.Message) Result
}

// MetricsProvider is implemented by filters that expose counters beyond the
// per-action totals the chain keeps, e.g. the PII redactor's per-kind
// redaction counts.
type MetricsProvider interface {
	FilterMetrics() map[string]uint64
}
