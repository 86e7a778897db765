// Package audit contains domain types for filter-decision auditing.
//
// A record captures what a filter did to a message, never the message
// itself: content is referenced by hash only, so the audit trail cannot
// leak what a redaction filter just removed.
package audit

import "time"

// Record is one filter decision. The JSON shape is what the filter-metrics
// endpoint returns for recent decisions.
type Record struct {
	// ID is assigned by the store on insert; zero until persisted.
	ID int64 `json:"id"`
	// Timestamp is when the filter ran.
	Timestamp time.Time `json:"ts"`
	// SessionID of the message's session; empty for pre-session traffic.
	SessionID string `json:"session_id"`
	// FilterName is the chain name of the filter that decided.
	FilterName string `json:"filter_name"`
	// Action is the decision class: pass, transform, drop, or block.
	Action string `json:"action"`
	// Reason explains a transform, drop, or block.
	Reason string `json:"reason,omitempty"`
	// Direction is "inbound" or "outbound".
	Direction string `json:"direction"`
	// Method is the JSON-RPC method, empty for responses.
	Method string `json:"method,omitempty"`
	// OriginalHash is the xxhash of the message before the filter ran.
	OriginalHash uint64 `json:"original_hash"`
	// FilteredHash is the hash after a transform; zero otherwise.
	FilteredHash uint64 `json:"filtered_hash,omitempty"`
}
