// Package catalog holds the discovery catalog the bridge answers
// tools/list, resources/list, and prompts/list from without contacting the
// child. Entries are opaque JSON objects; the bridge never interprets them.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Discovery methods the catalog can short-circuit, mapped to the result key
// each response carries.
var discoveryMethods = map[string]string{
	"tools/list":     "tools",
	"resources/list": "resources",
	"prompts/list":   "prompts",
}

// IsDiscoveryMethod reports whether the given JSON-RPC method is one of the
// discovery calls the bridge may answer locally.
func IsDiscoveryMethod(method string) bool {
	_, ok := discoveryMethods[method]
	return ok
}

// fileFormat is the tools-config file shape.
type fileFormat struct {
	Tools     []json.RawMessage `json:"tools"`
	Resources []json.RawMessage `json:"resources"`
	Prompts   []json.RawMessage `json:"prompts"`
}

// Catalog is safe for concurrent use. Reads vastly outnumber writes; writes
// happen at load time and, lazily, when the child's initialize response
// advertises tools.
type Catalog struct {
	mu         sync.RWMutex
	entries    map[string][]json.RawMessage // result key -> entries
	fromFile   bool                         // a tools file was configured
	fromChild  bool                         // populated from the child's initialize
	sourcePath string
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{entries: make(map[string][]json.RawMessage)}
}

// LoadFile replaces the catalog contents with the given tools-config JSON
// file. Missing keys leave the corresponding kind empty; an empty file is
// valid and still marks the catalog as file-backed, so discovery is answered
// locally (with empty lists) rather than forwarded.
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read tools config: %w", err)
	}
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse tools config %s: %w", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string][]json.RawMessage{
		"tools":     f.Tools,
		"resources": f.Resources,
		"prompts":   f.Prompts,
	}
	c.fromFile = true
	c.sourcePath = path
	return nil
}

// ResultFor returns the result object for a discovery method, e.g.
// {"tools": [...]} for tools/list. The second return is false when the
// bridge should forward the call to the child instead: the method is not a
// discovery method, or the catalog holds nothing for it and no file was
// configured.
func (c *Catalog) ResultFor(method string) (map[string]any, bool) {
	key, ok := discoveryMethods[method]
	if !ok {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := c.entries[key]
	if len(entries) == 0 && !c.fromFile {
		return nil, false
	}
	if entries == nil {
		entries = []json.RawMessage{}
	}
	return map[string]any{key: entries}, true
}

// PopulateFromInitialize fills the tools list from the child's initialize
// result when no file-backed catalog exists. Some stdio servers advertise
// their tools inline; clients then get instant discovery. A file-backed
// catalog always wins.
func (c *Catalog) PopulateFromInitialize(result json.RawMessage) {
	if len(result) == 0 {
		return
	}
	var init struct {
		Tools        []json.RawMessage `json:"tools"`
		Capabilities struct {
			Tools json.RawMessage `json:"tools"`
		} `json:"capabilities"`
	}
	if err := json.Unmarshal(result, &init); err != nil {
		return
	}
	if len(init.Tools) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fromFile || c.fromChild {
		return
	}
	c.entries["tools"] = init.Tools
	c.fromChild = true
}

// Counts returns the number of entries per kind, for health output.
func (c *Catalog) Counts() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(discoveryMethods))
	for _, key := range discoveryMethods {
		out[key] = len(c.entries[key])
	}
	return out
}
