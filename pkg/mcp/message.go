// Package mcp defines the JSON-RPC message model shared by the bridge's
// transports, broker, and filter chain. Messages carry their raw wire bytes
// alongside a parsed envelope so that pass-through traffic survives
// unmodified and unknown envelope fields are never dropped.
package mcp

import (
	"bytes"
	"encoding/json"
	"time"
	"unicode/utf8"
)

// Version is the JSON-RPC protocol version the bridge speaks.
const Version = "2.0"

// Direction tells which way a message is travelling through the bridge.
// Values are bit flags so a single Direction doubles as a filter mask.
type Direction uint8

const (
	// Outbound is client -> bridge -> child.
	Outbound Direction = 1 << iota
	// Inbound is child -> bridge -> client.
	Inbound
)

// Both matches messages travelling in either direction.
const Both = Outbound | Inbound

// String returns the configuration spelling of the direction.
func (d Direction) String() string {
	switch d {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	case Both:
		return "both"
	}
	return "unknown"
}

// Has reports whether d includes the given direction bit.
func (d Direction) Has(dir Direction) bool {
	return d&dir != 0
}

// ParseDirection converts a configuration string into a Direction mask.
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "outbound":
		return Outbound, true
	case "inbound":
		return Inbound, true
	case "both", "":
		return Both, true
	}
	return 0, false
}

// envelope holds the JSON-RPC fields parsed from the raw bytes. Values stay
// as raw JSON so re-serialization preserves the peer's exact id and params
// encoding.
type envelope struct {
	version string
	id      json.RawMessage // nil when absent
	method  string
	params  json.RawMessage
	result  json.RawMessage
	errObj  json.RawMessage
}

// Message is one JSON-RPC message crossing the bridge together with its
// transit metadata. Raw is authoritative; the envelope is a parsed view.
// Messages are treated as immutable once wrapped: transformations produce
// new Messages via Wrap.
type Message struct {
	// Raw is the exact wire representation, without a trailing newline.
	Raw []byte

	// Direction the message is travelling.
	Direction Direction

	// SessionID identifies the originating session for outbound messages.
	// Empty for inbound messages until the broker resolves a target.
	SessionID string

	// Timestamp is when the bridge first saw the message.
	Timestamp time.Time

	env envelope
}

// Wrap parses raw JSON-RPC bytes and builds a Message for the given
// direction. It enforces the envelope rules the bridge cares about: the
// payload must be a single JSON object (arrays are rejected as batch
// requests), jsonrpc must equal "2.0", and the object must classify as a
// request, notification, or response.
func Wrap(raw []byte, dir Direction) (*Message, error) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, ErrParse
	}
	if trimmed[0] == '[' {
		return nil, ErrBatch
	}
	if !utf8.Valid(raw) {
		return nil, ErrParse
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, ErrParse
	}

	m := &Message{
		Raw:       raw,
		Direction: dir,
		Timestamp: time.Now().UTC(),
	}

	if v, ok := fields["jsonrpc"]; ok {
		if err := json.Unmarshal(v, &m.env.version); err != nil {
			return nil, ErrInvalidEnvelope
		}
	}
	if m.env.version != Version {
		return nil, ErrInvalidEnvelope
	}

	if v, ok := fields["id"]; ok {
		m.env.id = v
	}
	if v, ok := fields["method"]; ok {
		if err := json.Unmarshal(v, &m.env.method); err != nil {
			return nil, ErrInvalidEnvelope
		}
	}
	m.env.params = fields["params"]
	m.env.result = fields["result"]
	m.env.errObj = fields["error"]

	if !m.IsRequest() && !m.IsNotification() && !m.IsResponse() {
		return nil, ErrInvalidEnvelope
	}
	return m, nil
}

// idPresent reports whether the message carries a non-null id.
func (m *Message) idPresent() bool {
	return len(m.env.id) > 0 && !bytes.Equal(m.env.id, []byte("null"))
}

// IsRequest reports whether the message is a request: it names a method and
// carries a non-null id the caller expects a response for.
func (m *Message) IsRequest() bool {
	return m.env.method != "" && m.idPresent()
}

// IsNotification reports whether the message is a notification: it names a
// method but carries no id.
func (m *Message) IsNotification() bool {
	return m.env.method != "" && !m.idPresent()
}

// IsResponse reports whether the message is a response: no method, an id
// field (possibly null), and a result or error member.
func (m *Message) IsResponse() bool {
	return m.env.method == "" && len(m.env.id) > 0 &&
		(m.env.result != nil || m.env.errObj != nil)
}

// IsError reports whether the message is an error response.
func (m *Message) IsError() bool {
	return m.IsResponse() && m.env.errObj != nil
}

// Method returns the method name, or "" for responses.
func (m *Message) Method() string { return m.env.method }

// ID returns the raw JSON bytes of the id field exactly as the peer sent
// them (number, string, or null). Nil when the field is absent.
func (m *Message) ID() json.RawMessage { return m.env.id }

// Params returns the raw params value, or nil.
func (m *Message) Params() json.RawMessage { return m.env.params }

// Result returns the raw result value, or nil.
func (m *Message) Result() json.RawMessage { return m.env.result }

// ErrorObject returns the raw error member of a response, or nil.
func (m *Message) ErrorObject() json.RawMessage { return m.env.errObj }

// Size returns the wire size of the message in bytes.
func (m *Message) Size() int { return len(m.Raw) }

// WithID returns a copy of the message whose envelope id is replaced by the
// given raw JSON value. All other fields, including any the bridge does not
// understand, are carried over byte-for-byte. Used by the broker to swap
// client ids for bridge ids and back.
func (m *Message) WithID(id json.RawMessage) (*Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &fields); err != nil {
		return nil, ErrParse
	}
	if id == nil {
		delete(fields, "id")
	} else {
		fields["id"] = id
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	out, err := Wrap(raw, m.Direction)
	if err != nil {
		return nil, err
	}
	out.SessionID = m.SessionID
	out.Timestamp = m.Timestamp
	return out, nil
}
