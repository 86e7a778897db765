package filter

import (
	"encoding/json"
	"time"

	"github.com/mcpwire/mcpwire/pkg/mcp"
)

// metaKey is the reserved top-level member the bridge never strips on
// forward. Peer bridges use it for tracing and loop prevention.
const metaKey = "bridge_meta"

// bridgeMeta is the auxiliary object attached to each message.
type bridgeMeta struct {
	TS        string   `json:"ts"`
	Direction string   `json:"direction"`
	SessionID string   `json:"session_id,omitempty"`
	Hops      int      `json:"hops"`
	Route     []string `json:"route"`
}

// MetaTagger is the add_bridge_meta built-in (default OFF, both directions).
// It stamps each message with transit metadata: a fresh tag on first sight,
// an extra hop on a message that already carries one.
type MetaTagger struct {
	nodeID string
}

// NewMetaTagger builds the filter. nodeID identifies this bridge in the
// route list.
func NewMetaTagger(nodeID string) *MetaTagger {
	return &MetaTagger{nodeID: nodeID}
}

// Name implements Filter.
func (f *MetaTagger) Name() string { return "add_bridge_meta" }

// Apply implements Filter.
func (f *MetaTagger) Apply(msg *mcp.Message) Result {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg.Raw, &fields); err != nil {
		return Pass()
	}

	meta := bridgeMeta{
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
		Direction: msg.Direction.String(),
		SessionID: msg.SessionID,
		Route:     []string{f.nodeID},
	}
	if prev, ok := fields[metaKey]; ok {
		var existing bridgeMeta
		if err := json.Unmarshal(prev, &existing); err == nil {
			meta.Hops = existing.Hops + 1
			meta.Route = append(existing.Route, f.nodeID)
		}
	}

	b, err := json.Marshal(meta)
	if err != nil {
		return Pass()
	}
	fields[metaKey] = b
	raw, err := json.Marshal(fields)
	if err != nil {
		return Pass()
	}
	out, err := mcp.Wrap(raw, msg.Direction)
	if err != nil {
		return Pass()
	}
	out.SessionID = msg.SessionID
	out.Timestamp = msg.Timestamp
	r := Transformed(out)
	r.Reason = "bridge_meta"
	return r
}
