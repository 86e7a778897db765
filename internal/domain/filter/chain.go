package filter

import (
	"log/slog"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/mcpwire/mcpwire/pkg/mcp"
)

// Decision describes one non-pass filter outcome, for audit and logging.
// Bodies are never carried; only their hashes.
type Decision struct {
	SessionID    string
	FilterName   string
	Action       string
	Reason       string
	Direction    string
	Method       string
	OriginalHash uint64
	FilteredHash uint64
}

// Status is one row of the GET /filters listing.
type Status struct {
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	Direction string `json:"direction"`
}

// actionCounters tracks per-action totals for one filter.
type actionCounters struct {
	pass      atomic.Uint64
	transform atomic.Uint64
	drop      atomic.Uint64
	block     atomic.Uint64
}

func (c *actionCounters) bump(a Action) {
	switch a {
	case ActionPass:
		c.pass.Add(1)
	case ActionTransform:
		c.transform.Add(1)
	case ActionDrop:
		c.drop.Add(1)
	case ActionBlock:
		c.block.Add(1)
	}
}

// entry is one registered filter with its runtime toggle.
type entry struct {
	filter   Filter
	mask     mcp.Direction
	enabled  atomic.Bool
	counters actionCounters
}

// Chain runs registered filters in order against each message. Registration
// happens once at startup; after that the chain is read-only except for the
// per-entry enabled flags and counters, so Run takes no lock.
type Chain struct {
	entries    []*entry
	byName     map[string]*entry
	onDecision func(Decision)
	logger     *slog.Logger
}

// NewChain creates an empty chain. onDecision, when non-nil, receives every
// non-pass outcome; it must not block.
func NewChain(logger *slog.Logger, onDecision func(Decision)) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		byName:     make(map[string]*entry),
		onDecision: onDecision,
		logger:     logger,
	}
}

// Register appends a filter with the given direction mask and initial state.
// Order of registration is order of invocation. Duplicate names panic: filter
// names come from code and a collision is a programming error.
func (c *Chain) Register(f Filter, mask mcp.Direction, enabled bool) {
	if _, dup := c.byName[f.Name()]; dup {
		panic("filter: duplicate filter name " + f.Name())
	}
	e := &entry{filter: f, mask: mask}
	e.enabled.Store(enabled)
	c.entries = append(c.entries, e)
	c.byName[f.Name()] = e
}

// Run passes the message through every enabled filter whose mask matches the
// message's direction. Transforms feed the replacement to the next filter;
// the first drop or block halts the chain. The returned message is the final
// (possibly rewritten) message; it is nil when the result is a drop or block.
func (c *Chain) Run(msg *mcp.Message) (*mcp.Message, Result) {
	cur := msg
	for _, e := range c.entries {
		if !e.enabled.Load() || !e.mask.Has(cur.Direction) {
			continue
		}
		res := e.filter.Apply(cur)
		e.counters.bump(res.Action)

		switch res.Action {
		case ActionPass:
			continue
		case ActionTransform:
			if res.Message == nil {
				c.logger.Warn("filter returned transform without a message, treating as pass",
					"filter", e.filter.Name())
				continue
			}
			c.decide(e, cur, res, res.Message.Raw)
			cur = res.Message
		case ActionDrop:
			c.decide(e, cur, res, nil)
			return nil, res
		case ActionBlock:
			c.decide(e, cur, res, nil)
			return nil, res
		}
	}
	if cur == msg {
		return cur, Pass()
	}
	return cur, Transformed(cur)
}

// decide records a non-pass outcome.
func (c *Chain) decide(e *entry, before *mcp.Message, res Result, after []byte) {
	d := Decision{
		SessionID:    before.SessionID,
		FilterName:   e.filter.Name(),
		Action:       res.Action.String(),
		Reason:       res.Reason,
		Direction:    before.Direction.String(),
		Method:       before.Method(),
		OriginalHash: xxhash.Sum64(before.Raw),
	}
	if after != nil {
		d.FilteredHash = xxhash.Sum64(after)
	}
	c.logger.Debug("filter decision",
		"filter", d.FilterName,
		"action", d.Action,
		"reason", d.Reason,
		"session_id", d.SessionID,
		"method", d.Method,
		"direction", d.Direction,
	)
	if c.onDecision != nil {
		c.onDecision(d)
	}
}

// List returns the status of every filter in chain order.
func (c *Chain) List() []Status {
	out := make([]Status, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, Status{
			Name:      e.filter.Name(),
			Enabled:   e.enabled.Load(),
			Direction: e.mask.String(),
		})
	}
	return out
}

// SetEnabled toggles one filter. Returns false for an unknown name.
// Idempotent: setting the current state again is a no-op.
func (c *Chain) SetEnabled(name string, enabled bool) bool {
	e, ok := c.byName[name]
	if !ok {
		return false
	}
	e.enabled.Store(enabled)
	return true
}

// Len returns the number of registered filters.
func (c *Chain) Len() int { return len(c.entries) }

// Metrics returns per-filter counters: the chain's per-action totals plus
// any filter-specific counters the filter itself exposes.
func (c *Chain) Metrics() map[string]map[string]uint64 {
	out := make(map[string]map[string]uint64, len(c.entries))
	for _, e := range c.entries {
		m := map[string]uint64{
			"pass":      e.counters.pass.Load(),
			"transform": e.counters.transform.Load(),
			"drop":      e.counters.drop.Load(),
			"block":     e.counters.block.Load(),
		}
		if mp, ok := e.filter.(MetricsProvider); ok {
			for k, v := range mp.FilterMetrics() {
				m[k] = v
			}
		}
		out[e.filter.Name()] = m
	}
	return out
}
