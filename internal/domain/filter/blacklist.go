package filter

import (
	"strings"
	"sync"

	"github.com/mcpwire/mcpwire/pkg/mcp"
)

// Blacklist is the content-filter blocker: configured domains, keywords, and
// regexes are checked against every string in a message; a match blocks the
// message with error -32001 back to the originator.
type Blacklist struct {
	cfg *ConfigStore

	mu   sync.Mutex
	hits map[string]uint64 // per-rule block counts
}

// NewBlacklist builds the filter against the given config store.
func NewBlacklist(cfg *ConfigStore) *Blacklist {
	return &Blacklist{cfg: cfg, hits: make(map[string]uint64)}
}

// Name implements Filter.
func (f *Blacklist) Name() string { return "blacklist" }

// Apply implements Filter.
func (f *Blacklist) Apply(msg *mcp.Message) Result {
	snap := f.cfg.Current()
	if len(snap.BlockedDomains) == 0 && len(snap.BlockedKeywords) == 0 && len(snap.blockedPatterns) == 0 {
		return Pass()
	}

	var reason string
	scanStrings(msg, func(s string) bool {
		lower := strings.ToLower(s)
		for _, d := range snap.BlockedDomains {
			if d != "" && strings.Contains(lower, strings.ToLower(d)) {
				reason = "domain:" + d
				return true
			}
		}
		for _, k := range snap.BlockedKeywords {
			if k != "" && strings.Contains(lower, strings.ToLower(k)) {
				reason = "keyword:" + k
				return true
			}
		}
		for i, re := range snap.blockedPatterns {
			if re.MatchString(s) {
				reason = "pattern:" + snap.BlockedPatterns[i]
				return true
			}
		}
		return false
	})
	if reason == "" {
		return Pass()
	}

	f.mu.Lock()
	f.hits[reason]++
	f.mu.Unlock()
	return Blocked(mcp.CodeBlockedByPolicy, "blocked by policy", reason)
}

// FilterMetrics implements MetricsProvider, exposing per-rule block counts.
func (f *Blacklist) FilterMetrics() map[string]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]uint64, len(f.hits))
	for rule, n := range f.hits {
		out["blocks."+rule] = n
	}
	return out
}
