package filter

import (
	"log/slog"
	"sync"

	"github.com/mcpwire/mcpwire/pkg/mcp"
)

// CELPolicy evaluates user-configured CEL rules against each message's
// method, direction, session, and size. A firing rule blocks or drops per
// its configured action; rules are compiled at config load, so Apply only
// evaluates. Default OFF.
type CELPolicy struct {
	cfg    *ConfigStore
	logger *slog.Logger

	mu   sync.Mutex
	hits map[string]uint64
}

// NewCELPolicy builds the filter against the given config store.
func NewCELPolicy(cfg *ConfigStore, logger *slog.Logger) *CELPolicy {
	if logger == nil {
		logger = slog.Default()
	}
	return &CELPolicy{cfg: cfg, logger: logger, hits: make(map[string]uint64)}
}

// Name implements Filter.
func (f *CELPolicy) Name() string { return "cel_policy" }

// Apply implements Filter. Rule evaluation errors fail open: a broken rule
// logs once per occurrence and never takes down traffic.
func (f *CELPolicy) Apply(msg *mcp.Message) Result {
	snap := f.cfg.Current()
	if len(snap.rules) == 0 {
		return Pass()
	}

	for _, rule := range snap.rules {
		fired, err := rule.Program.Eval(msg.Method(), msg.Direction.String(), msg.SessionID, msg.Size())
		if err != nil {
			f.logger.Warn("cel rule evaluation failed", "rule", rule.Name, "error", err)
			continue
		}
		if !fired {
			continue
		}
		f.mu.Lock()
		f.hits[rule.Name]++
		f.mu.Unlock()
		if rule.Action == ActionDrop {
			return Dropped("rule:" + rule.Name)
		}
		return Blocked(mcp.CodeBlockedByPolicy, "blocked by policy", "rule:"+rule.Name)
	}
	return Pass()
}

// FilterMetrics implements MetricsProvider, exposing per-rule hit counts.
func (f *CELPolicy) FilterMetrics() map[string]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]uint64, len(f.hits))
	for rule, n := range f.hits {
		out["hits."+rule] = n
	}
	return out
}
