package filter

import (
	"bytes"
	"encoding/json"

	"github.com/mcpwire/mcpwire/pkg/mcp"
)

// contentKeys are the envelope members whose string values filters inspect
// and rewrite. The routing fields (jsonrpc, id, method) are never touched,
// so a redaction can not break correlation.
var contentKeys = [...]string{"params", "result", "error"}

// rewriteStrings applies fn to every string value reachable under the
// message's content members, recursively through objects and arrays. The
// returned bool reports whether anything changed; when false the original
// message is returned. Messages whose content fails to re-parse are returned
// unchanged: a filter must not take down traffic it cannot read.
func rewriteStrings(msg *mcp.Message, fn func(string) string) (*mcp.Message, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg.Raw, &fields); err != nil {
		return msg, false
	}

	changed := false
	for _, key := range contentKeys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		v, err := decodeValue(raw)
		if err != nil {
			continue
		}
		nv, c := walkValue(v, fn)
		if !c {
			continue
		}
		b, err := json.Marshal(nv)
		if err != nil {
			continue
		}
		fields[key] = b
		changed = true
	}
	if !changed {
		return msg, false
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return msg, false
	}
	out, err := mcp.Wrap(raw, msg.Direction)
	if err != nil {
		return msg, false
	}
	out.SessionID = msg.SessionID
	out.Timestamp = msg.Timestamp
	return out, true
}

// scanStrings calls fn for every string value under the content members and
// reports whether fn returned true for any of them. Scanning stops at the
// first hit.
func scanStrings(msg *mcp.Message, fn func(string) bool) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg.Raw, &fields); err != nil {
		return false
	}
	for _, key := range contentKeys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		v, err := decodeValue(raw)
		if err != nil {
			continue
		}
		if visitValue(v, fn) {
			return true
		}
	}
	return false
}

// decodeValue parses raw JSON keeping numbers as json.Number so a rewrite
// round-trip cannot mangle large integers.
func decodeValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// walkValue rewrites strings depth-first. Map keys stay untouched.
func walkValue(v any, fn func(string) string) (any, bool) {
	switch val := v.(type) {
	case string:
		if nv := fn(val); nv != val {
			return nv, true
		}
		return val, false
	case map[string]any:
		changed := false
		for k, elem := range val {
			nv, c := walkValue(elem, fn)
			if c {
				val[k] = nv
				changed = true
			}
		}
		return val, changed
	case []any:
		changed := false
		for i, elem := range val {
			nv, c := walkValue(elem, fn)
			if c {
				val[i] = nv
				changed = true
			}
		}
		return val, changed
	default:
		return v, false
	}
}

// visitValue walks strings depth-first until fn reports a hit.
func visitValue(v any, fn func(string) bool) bool {
	switch val := v.(type) {
	case string:
		return fn(val)
	case map[string]any:
		for _, elem := range val {
			if visitValue(elem, fn) {
				return true
			}
		}
	case []any:
		for _, elem := range val {
			if visitValue(elem, fn) {
				return true
			}
		}
	}
	return false
}
