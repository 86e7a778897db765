package mcp

import (
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

func TestNewRequestRoundTrip(t *testing.T) {
	raw, err := NewRequest(7, "initialize", map[string]any{"protocolVersion": "2024-11-05"})
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}

	decoded, err := DecodeMessage(raw)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	req, ok := decoded.(*jsonrpc.Request)
	if !ok {
		t.Fatalf("expected *jsonrpc.Request, got %T", decoded)
	}
	if req.Method != "initialize" {
		t.Errorf("expected method 'initialize', got %q", req.Method)
	}

	// The same bytes must classify as a request under the bridge's envelope rules.
	msg, err := Wrap(raw, Outbound)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	if !msg.IsRequest() {
		t.Error("expected encoded request to classify as request")
	}
}

func TestEncodeResponseWithIDFromRaw(t *testing.T) {
	tests := []struct {
		name  string
		rawID string
		ok    bool
	}{
		{"numeric", `42`, true},
		{"string", `"abc-1"`, true},
		{"null", `null`, false},
		{"object", `{"x":1}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := IDFromRaw(json.RawMessage(tt.rawID))
			if ok != tt.ok {
				t.Fatalf("IDFromRaw(%s) ok = %v, want %v", tt.rawID, ok, tt.ok)
			}
			if !ok {
				return
			}

			encoded, err := EncodeMessage(&jsonrpc.Response{
				ID:     id,
				Result: json.RawMessage(`{"tools":[]}`),
			})
			if err != nil {
				t.Fatalf("EncodeMessage failed: %v", err)
			}

			var env struct {
				ID json.RawMessage `json:"id"`
			}
			if err := json.Unmarshal(encoded, &env); err != nil {
				t.Fatalf("unmarshal encoded response: %v", err)
			}
			if string(env.ID) != tt.rawID {
				t.Errorf("encoded id = %s, want %s", env.ID, tt.rawID)
			}
		})
	}
}

func TestIDFromRawAbsent(t *testing.T) {
	if _, ok := IDFromRaw(nil); ok {
		t.Error("expected IDFromRaw(nil) to report false")
	}
}
