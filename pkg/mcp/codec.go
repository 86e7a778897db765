package mcp

import (
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// EncodeMessage serializes a JSON-RPC message to its wire format.
// This delegates to the MCP SDK's jsonrpc package and is used wherever the
// bridge authors a complete message itself (health-check initialize,
// discovery responses) rather than splicing raw client bytes.
func EncodeMessage(msg jsonrpc.Message) ([]byte, error) {
	return jsonrpc.EncodeMessage(msg)
}

// DecodeMessage deserializes JSON-RPC wire bytes into the SDK's typed
// representation, either a *jsonrpc.Request or a *jsonrpc.Response.
func DecodeMessage(data []byte) (jsonrpc.Message, error) {
	return jsonrpc.DecodeMessage(data)
}

// NewRequest builds an SDK request with the given numeric id and encodes it.
// The bridge uses this for messages it originates toward the child.
func NewRequest(id int64, method string, params any) ([]byte, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		paramsJSON = b
	}
	reqID, err := jsonrpc.MakeID(float64(id))
	if err != nil {
		return nil, err
	}
	return jsonrpc.EncodeMessage(&jsonrpc.Request{
		ID:     reqID,
		Method: method,
		Params: paramsJSON,
	})
}

// NewStringIDRequest builds an SDK request with a string id and encodes it.
// Bridge-reserved ids (health probes, forwarded initialize copies) are
// strings so they can never collide with a rewritten client id.
func NewStringIDRequest(id, method string, params any) ([]byte, error) {
	var paramsJSON json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		paramsJSON = b
	}
	reqID, err := jsonrpc.MakeID(id)
	if err != nil {
		return nil, err
	}
	return jsonrpc.EncodeMessage(&jsonrpc.Request{
		ID:     reqID,
		Method: method,
		Params: paramsJSON,
	})
}

// IDFromRaw converts raw JSON id bytes into an SDK id. It reports false for
// null, absent, or non-scalar ids, in which case callers fall back to the
// raw splicing helpers in errors.go.
func IDFromRaw(raw json.RawMessage) (jsonrpc.ID, bool) {
	if len(raw) == 0 {
		return jsonrpc.ID{}, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return jsonrpc.ID{}, false
	}
	switch v.(type) {
	case string, float64:
		id, err := jsonrpc.MakeID(v)
		if err != nil {
			return jsonrpc.ID{}, false
		}
		return id, true
	}
	return jsonrpc.ID{}, false
}
