package filter

import (
	"encoding/json"
	"testing"

	"github.com/mcpwire/mcpwire/pkg/mcp"
)

// staticFilter returns a fixed result and records invocations.
type staticFilter struct {
	name   string
	result Result
	calls  int
}

func (f *staticFilter) Name() string { return f.name }
func (f *staticFilter) Apply(msg *mcp.Message) Result {
	f.calls++
	return f.result
}

func mustWrap(t *testing.T, raw string, dir mcp.Direction) *mcp.Message {
	t.Helper()
	m, err := mcp.Wrap([]byte(raw), dir)
	if err != nil {
		t.Fatalf("Wrap(%s): %v", raw, err)
	}
	m.SessionID = "sess-1"
	return m
}

func TestChainOrderAndPass(t *testing.T) {
	c := NewChain(nil, nil)
	a := &staticFilter{name: "a", result: Pass()}
	b := &staticFilter{name: "b", result: Pass()}
	c.Register(a, mcp.Both, true)
	c.Register(b, mcp.Both, true)

	msg := mustWrap(t, `{"jsonrpc":"2.0","id":1,"method":"x"}`, mcp.Outbound)
	out, res := c.Run(msg)
	if res.Action != ActionPass || out != msg {
		t.Errorf("Run = (%v, %v), want pass with original message", out, res)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", a.calls, b.calls)
	}
}

func TestChainDirectionMask(t *testing.T) {
	c := NewChain(nil, nil)
	inOnly := &staticFilter{name: "in_only", result: Dropped("never")}
	c.Register(inOnly, mcp.Inbound, true)

	msg := mustWrap(t, `{"jsonrpc":"2.0","id":1,"method":"x"}`, mcp.Outbound)
	if _, res := c.Run(msg); res.Action != ActionPass {
		t.Errorf("outbound message hit an inbound-only filter: %v", res)
	}
	if inOnly.calls != 0 {
		t.Errorf("inbound-only filter called %d times for outbound message", inOnly.calls)
	}
}

func TestChainDisabledSkipped(t *testing.T) {
	c := NewChain(nil, nil)
	f := &staticFilter{name: "off", result: Dropped("never")}
	c.Register(f, mcp.Both, false)

	msg := mustWrap(t, `{"jsonrpc":"2.0","id":1,"method":"x"}`, mcp.Outbound)
	if _, res := c.Run(msg); res.Action != ActionPass {
		t.Errorf("disabled filter acted: %v", res)
	}

	// Toggling is idempotent.
	for range 3 {
		if !c.SetEnabled("off", true) {
			t.Fatal("SetEnabled missed a registered filter")
		}
	}
	if _, res := c.Run(msg); res.Action != ActionDrop {
		t.Errorf("enabled filter did not act: %v", res)
	}
	if c.SetEnabled("ghost", true) {
		t.Error("SetEnabled acknowledged an unknown filter")
	}
}

func TestChainDropHalts(t *testing.T) {
	c := NewChain(nil, nil)
	dropper := &staticFilter{name: "dropper", result: Dropped("noise")}
	after := &staticFilter{name: "after", result: Pass()}
	c.Register(dropper, mcp.Both, true)
	c.Register(after, mcp.Both, true)

	msg := mustWrap(t, `{"jsonrpc":"2.0","method":"noise/event"}`, mcp.Inbound)
	out, res := c.Run(msg)
	if out != nil || res.Action != ActionDrop || res.Reason != "noise" {
		t.Errorf("Run = (%v, %+v)", out, res)
	}
	if after.calls != 0 {
		t.Error("filter after a drop still ran")
	}
}

func TestChainBlockCarriesError(t *testing.T) {
	c := NewChain(nil, nil)
	c.Register(&staticFilter{name: "b", result: Blocked(mcp.CodeBlockedByPolicy, "blocked by policy", "domain:x")}, mcp.Both, true)

	msg := mustWrap(t, `{"jsonrpc":"2.0","id":7,"method":"tools/call"}`, mcp.Outbound)
	_, res := c.Run(msg)
	if res.Action != ActionBlock || res.Code != mcp.CodeBlockedByPolicy || res.Reason != "domain:x" {
		t.Errorf("res = %+v", res)
	}
}

// upperFilter rewrites the params string, proving transforms compose.
type upperFilter struct{ name, from, to string }

func (f *upperFilter) Name() string { return f.name }
func (f *upperFilter) Apply(msg *mcp.Message) Result {
	out, changed := rewriteStrings(msg, func(s string) string {
		if s == f.from {
			return f.to
		}
		return s
	})
	if !changed {
		return Pass()
	}
	return Transformed(out)
}

func TestChainTransformsCompose(t *testing.T) {
	c := NewChain(nil, nil)
	c.Register(&upperFilter{name: "first", from: "a", to: "b"}, mcp.Both, true)
	c.Register(&upperFilter{name: "second", from: "b", to: "c"}, mcp.Both, true)

	msg := mustWrap(t, `{"jsonrpc":"2.0","id":1,"method":"m","params":{"v":"a"}}`, mcp.Outbound)
	out, res := c.Run(msg)
	if res.Action != ActionTransform {
		t.Fatalf("res = %+v", res)
	}
	var env struct {
		Params struct {
			V string `json:"v"`
		} `json:"params"`
	}
	if err := json.Unmarshal(out.Raw, &env); err != nil {
		t.Fatal(err)
	}
	if env.Params.V != "c" {
		t.Errorf("params.v = %q, want both transforms applied", env.Params.V)
	}
	if out.SessionID != "sess-1" {
		t.Errorf("transform lost session id: %q", out.SessionID)
	}
}

func TestChainDecisionHook(t *testing.T) {
	var decisions []Decision
	c := NewChain(nil, func(d Decision) { decisions = append(decisions, d) })
	c.Register(&staticFilter{name: "dropper", result: Dropped("why")}, mcp.Both, true)

	msg := mustWrap(t, `{"jsonrpc":"2.0","id":9,"method":"m"}`, mcp.Outbound)
	c.Run(msg)
	if len(decisions) != 1 {
		t.Fatalf("decisions = %d, want 1", len(decisions))
	}
	d := decisions[0]
	if d.FilterName != "dropper" || d.Action != "drop" || d.Reason != "why" ||
		d.SessionID != "sess-1" || d.Method != "m" || d.OriginalHash == 0 {
		t.Errorf("decision = %+v", d)
	}
}

func TestChainMetrics(t *testing.T) {
	c := NewChain(nil, nil)
	c.Register(&staticFilter{name: "p", result: Pass()}, mcp.Both, true)
	msg := mustWrap(t, `{"jsonrpc":"2.0","id":1,"method":"x"}`, mcp.Outbound)
	c.Run(msg)
	c.Run(msg)

	m := c.Metrics()
	if m["p"]["pass"] != 2 {
		t.Errorf("pass counter = %d, want 2", m["p"]["pass"])
	}
	if got := c.List(); len(got) != 1 || got[0].Name != "p" || !got[0].Enabled || got[0].Direction != "both" {
		t.Errorf("List = %+v", got)
	}
}

func TestChainDeterministic(t *testing.T) {
	store, err := NewConfigStore(DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	c := NewChain(nil, nil)
	c.Register(NewSecretRedactor(store), mcp.Both, true)
	c.Register(NewPIIRedactor(store), mcp.Both, true)

	raw := `{"jsonrpc":"2.0","id":1,"result":"key sk-abcdefghijklmnopqrstuv mail a@b.com"}`
	first, _ := c.Run(mustWrap(t, raw, mcp.Inbound))
	second, _ := c.Run(mustWrap(t, raw, mcp.Inbound))
	if string(first.Raw) != string(second.Raw) {
		t.Errorf("chain not deterministic:\n%s\n%s", first.Raw, second.Raw)
	}
}
