package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// JSON-RPC error codes synthesized by the bridge. Codes from the child pass
// through untouched.
const (
	// CodeParseError is returned for malformed JSON from a client.
	CodeParseError = -32700
	// CodeInvalidRequest is returned for a broken envelope or a batch array.
	CodeInvalidRequest = -32600
	// CodeMethodNotFound is returned only when the bridge is the final
	// authority, i.e. forwards are impossible in the terminal state.
	CodeMethodNotFound = -32601
	// CodeTimeout is returned when a registered request outlives its deadline.
	CodeTimeout = -32000
	// CodeBlockedByPolicy is returned when a filter blocks a message.
	CodeBlockedByPolicy = -32001
	// CodeUpstreamUnavailable is returned when the child is dead and the
	// restart budget is exhausted.
	CodeUpstreamUnavailable = -32002
	// CodeUpstreamRestarted is returned to requests aborted by a child restart.
	CodeUpstreamRestarted = -32003
)

// Envelope validation errors returned by Wrap. The transport maps them onto
// the parse / invalid-request codes above.
var (
	// ErrParse marks bytes that are not a single well-formed JSON value.
	ErrParse = errors.New("malformed JSON-RPC payload")
	// ErrBatch marks a JSON array payload; the bridge does not support batching.
	ErrBatch = errors.New("batch requests are not supported")
	// ErrInvalidEnvelope marks a JSON object that is not a valid JSON-RPC
	// request, notification, or response.
	ErrInvalidEnvelope = errors.New("invalid JSON-RPC envelope")
)

// CodeForWrapError maps a Wrap error onto the JSON-RPC error code a client
// should receive.
func CodeForWrapError(err error) int {
	switch {
	case errors.Is(err, ErrBatch), errors.Is(err, ErrInvalidEnvelope):
		return CodeInvalidRequest
	default:
		return CodeParseError
	}
}

// rpcError is the wire shape of the JSON-RPC error member.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// NewErrorResponse builds the raw bytes of a JSON-RPC error response. The id
// is spliced in verbatim so the caller can echo the client's exact id bytes;
// a nil id becomes JSON null, as required for errors answering unparseable
// requests.
func NewErrorResponse(id json.RawMessage, code int, message string, data any) ([]byte, error) {
	if id == nil {
		id = json.RawMessage("null")
	}
	errJSON, err := json.Marshal(rpcError{Code: code, Message: message, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal error object: %w", err)
	}
	return json.Marshal(map[string]json.RawMessage{
		"jsonrpc": json.RawMessage(`"2.0"`),
		"id":      id,
		"error":   errJSON,
	})
}

// NewResultResponse builds the raw bytes of a JSON-RPC success response with
// the given result value and verbatim id bytes.
func NewResultResponse(id json.RawMessage, result any) ([]byte, error) {
	if id == nil {
		id = json.RawMessage("null")
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return json.Marshal(map[string]json.RawMessage{
		"jsonrpc": json.RawMessage(`"2.0"`),
		"id":      id,
		"result":  resultJSON,
	})
}

// NewNotification builds the raw bytes of a JSON-RPC notification.
func NewNotification(method string, params any) ([]byte, error) {
	msg := map[string]any{
		"jsonrpc": Version,
		"method":  method,
	}
	if params != nil {
		msg["params"] = params
	}
	return json.Marshal(msg)
}
