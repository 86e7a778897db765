package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpwire/mcpwire/internal/domain/catalog"
	"github.com/mcpwire/mcpwire/internal/domain/filter"
	"github.com/mcpwire/mcpwire/internal/domain/registry"
	"github.com/mcpwire/mcpwire/internal/domain/session"
	"github.com/mcpwire/mcpwire/internal/port/outbound"
	"github.com/mcpwire/mcpwire/pkg/mcp"
)

// fakeChild records frames instead of writing to a process.
type fakeChild struct {
	mu           sync.Mutex
	sent         [][]byte
	state        outbound.ChildState
	sendErr      error
	unresolvable int
}

func newFakeChild() *fakeChild {
	return &fakeChild{state: outbound.ChildReady}
}

func (f *fakeChild) Send(_ context.Context, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeChild) State() outbound.ChildState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChild) NoteUnresolvable() {
	f.mu.Lock()
	f.unresolvable++
	f.mu.Unlock()
}

func (f *fakeChild) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeChild) lastFrame(t *testing.T) []byte {
	t.Helper()
	frames := f.frames()
	require.NotEmpty(t, frames)
	return frames[len(frames)-1]
}

// collectSink gathers deliveries from a session's dispatcher.
type collectSink struct {
	mu     sync.Mutex
	msgs   [][]byte
	reason string
}

func (c *collectSink) Deliver(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(msg))
	copy(cp, msg)
	c.msgs = append(c.msgs, cp)
	return nil
}

func (c *collectSink) Close(reason string) {
	c.mu.Lock()
	c.reason = reason
	c.mu.Unlock()
}

func (c *collectSink) delivered() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// waitDelivery polls until the sink has at least n messages.
func waitDelivery(t *testing.T, sink *collectSink, n int) [][]byte {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(sink.delivered()) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return sink.delivered()
}

type brokerFixture struct {
	broker   *Broker
	child    *fakeChild
	sessions *session.Store
	registry *registry.Registry
	chain    *filter.Chain
	catalog  *catalog.Catalog
}

func newBrokerFixture(t *testing.T, cfg BrokerConfig) *brokerFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &brokerFixture{
		child:    newFakeChild(),
		sessions: session.NewStore(session.Config{}, logger),
		registry: registry.New(),
		chain:    filter.NewChain(logger, nil),
		catalog:  catalog.New(),
	}
	f.broker = NewBroker(cfg, f.child, f.sessions, f.registry, f.chain, f.catalog, logger, nil)
	f.sessions.OnClose(f.broker.OnSessionClose)
	t.Cleanup(func() { f.sessions.CloseAll(session.ReasonShutdown) })
	return f
}

func (f *brokerFixture) newSession(t *testing.T) (*session.Session, *collectSink) {
	t.Helper()
	sess := f.sessions.Create(session.ClientInfo{RemoteAddr: "127.0.0.1"}, "")
	sink := &collectSink{}
	require.NoError(t, sess.Attach(sink))
	return sess, sink
}

// decoded is the generic response shape the tests inspect.
type decoded struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	} `json:"error"`
}

func decode(t *testing.T, raw []byte) decoded {
	t.Helper()
	var d decoded
	require.NoError(t, json.Unmarshal(raw, &d))
	return d
}

func TestBrokerRequestRoundTrip(t *testing.T) {
	f := newBrokerFixture(t, BrokerConfig{})
	sess, sink := f.newSession(t)

	req := []byte(`{"jsonrpc":"2.0","id":42,"method":"tools/call","params":{"name":"echo"}}`)
	require.NoError(t, f.broker.RouteFromClient(context.Background(), sess.ID, req))

	frame := f.child.lastFrame(t)
	fwd := decode(t, frame)
	assert.Equal(t, "tools/call", fwd.Method)

	var bridgeID int64
	require.NoError(t, json.Unmarshal(fwd.ID, &bridgeID))
	assert.NotEqual(t, int64(42), bridgeID)
	assert.Equal(t, 1, f.registry.Len())

	resp := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"ok":true}}`, bridgeID)
	f.broker.RouteFromUpstream([]byte(resp))

	msgs := waitDelivery(t, sink, 1)
	got := decode(t, msgs[0])
	assert.JSONEq(t, "42", string(got.ID))
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	assert.Equal(t, 0, f.registry.Len())
}

func TestBrokerUnknownSession(t *testing.T) {
	f := newBrokerFixture(t, BrokerConfig{})
	err := f.broker.RouteFromClient(context.Background(), "nope",
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestBrokerParseErrorAnsweredInStream(t *testing.T) {
	f := newBrokerFixture(t, BrokerConfig{})
	sess, sink := f.newSession(t)

	require.NoError(t, f.broker.RouteFromClient(context.Background(), sess.ID, []byte(`{not json`)))

	msgs := waitDelivery(t, sink, 1)
	got := decode(t, msgs[0])
	require.NotNil(t, got.Error)
	assert.Equal(t, mcp.CodeParseError, got.Error.Code)
	assert.Empty(t, f.child.frames())
}

func TestBrokerBatchRejected(t *testing.T) {
	f := newBrokerFixture(t, BrokerConfig{})
	sess, sink := f.newSession(t)

	require.NoError(t, f.broker.RouteFromClient(context.Background(), sess.ID,
		[]byte(`[{"jsonrpc":"2.0","id":1,"method":"ping"}]`)))

	msgs := waitDelivery(t, sink, 1)
	got := decode(t, msgs[0])
	require.NotNil(t, got.Error)
	assert.Equal(t, mcp.CodeInvalidRequest, got.Error.Code)
}

func TestBrokerDiscoveryShortCircuit(t *testing.T) {
	f := newBrokerFixture(t, BrokerConfig{})
	f.catalog.PopulateFromInitialize([]byte(`{"tools":[{"name":"echo"}]}`))
	sess, sink := f.newSession(t)

	require.NoError(t, f.broker.RouteFromClient(context.Background(), sess.ID,
		[]byte(`{"jsonrpc":"2.0","id":7,"method":"tools/list"}`)))

	msgs := waitDelivery(t, sink, 1)
	got := decode(t, msgs[0])
	assert.JSONEq(t, "7", string(got.ID))
	assert.JSONEq(t, `{"tools":[{"name":"echo"}]}`, string(got.Result))
	assert.Empty(t, f.child.frames())
}

func TestBrokerInitializeLocal(t *testing.T) {
	f := newBrokerFixture(t, BrokerConfig{InitializeMode: InitializeLocal, ServerVersion: "1.2.3"})
	sess, sink := f.newSession(t)

	require.NoError(t, f.broker.RouteFromClient(context.Background(), sess.ID,
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`)))

	msgs := waitDelivery(t, sink, 1)
	got := decode(t, msgs[0])
	var res struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	require.NoError(t, json.Unmarshal(got.Result, &res))
	assert.Equal(t, "2024-11-05", res.ProtocolVersion)
	assert.Equal(t, "mcpwire", res.ServerInfo.Name)
	assert.Equal(t, "1.2.3", res.ServerInfo.Version)
	assert.Empty(t, f.child.frames())
}

func TestBrokerInitializeBothForwardsCopy(t *testing.T) {
	f := newBrokerFixture(t, BrokerConfig{InitializeMode: InitializeBoth})
	sess, sink := f.newSession(t)

	require.NoError(t, f.broker.RouteFromClient(context.Background(), sess.ID,
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)))

	waitDelivery(t, sink, 1)
	frame := f.child.lastFrame(t)
	fwd := decode(t, frame)
	var fwdID string
	require.NoError(t, json.Unmarshal(fwd.ID, &fwdID))
	assert.Equal(t, "bridge-init-1", fwdID)

	// The child's response feeds the catalog and never reaches the client.
	f.broker.RouteFromUpstream([]byte(`{"jsonrpc":"2.0","id":"bridge-init-1",` +
		`"result":{"tools":[{"name":"probe"}]}}`))
	result, ok := f.catalog.ResultFor("tools/list")
	require.True(t, ok)
	assert.Len(t, result["tools"], 1)
	assert.Len(t, sink.delivered(), 1)
}

func TestBrokerBlockAnsweredWithPolicyError(t *testing.T) {
	f := newBrokerFixture(t, BrokerConfig{})
	fcfg := filter.DefaultConfig()
	fcfg.BlockedDomains = []string{"evil.example"}
	store, err := filter.NewConfigStore(fcfg, nil)
	require.NoError(t, err)
	f.chain.Register(filter.NewBlacklist(store), mcp.Both, true)
	sess, sink := f.newSession(t)

	require.NoError(t, f.broker.RouteFromClient(context.Background(), sess.ID,
		[]byte(`{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"url":"https://evil.example/x"}}`)))

	msgs := waitDelivery(t, sink, 1)
	got := decode(t, msgs[0])
	require.NotNil(t, got.Error)
	assert.Equal(t, mcp.CodeBlockedByPolicy, got.Error.Code)
	assert.JSONEq(t, "9", string(got.ID))
	assert.Empty(t, f.child.frames())
	assert.Equal(t, 0, f.registry.Len())
}

func TestBrokerChildUnavailable(t *testing.T) {
	f := newBrokerFixture(t, BrokerConfig{})
	f.child.sendErr = fmt.Errorf("child process is terminal")
	sess, sink := f.newSession(t)

	require.NoError(t, f.broker.RouteFromClient(context.Background(), sess.ID,
		[]byte(`{"jsonrpc":"2.0","id":3,"method":"ping"}`)))

	msgs := waitDelivery(t, sink, 1)
	got := decode(t, msgs[0])
	require.NotNil(t, got.Error)
	assert.Equal(t, mcp.CodeUpstreamUnavailable, got.Error.Code)
	assert.Equal(t, 0, f.registry.Len())
}

func TestBrokerNotificationBroadcast(t *testing.T) {
	f := newBrokerFixture(t, BrokerConfig{})
	_, sinkA := f.newSession(t)
	_, sinkB := f.newSession(t)

	f.broker.RouteFromUpstream([]byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{"p":1}}`))

	a := waitDelivery(t, sinkA, 1)
	b := waitDelivery(t, sinkB, 1)
	assert.Equal(t, "notifications/progress", decode(t, a[0]).Method)
	assert.Equal(t, "notifications/progress", decode(t, b[0]).Method)
}

func TestBrokerServerRequestSubscribe(t *testing.T) {
	f := newBrokerFixture(t, BrokerConfig{ServerRequests: ServerRequestsSubscribe})
	_, sinkA := f.newSession(t)
	time.Sleep(5 * time.Millisecond)
	_, sinkB := f.newSession(t)

	f.broker.RouteFromUpstream([]byte(`{"jsonrpc":"2.0","id":100,"method":"sampling/createMessage","params":{}}`))

	msgs := waitDelivery(t, sinkA, 1)
	assert.Equal(t, "sampling/createMessage", decode(t, msgs[0]).Method)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sinkB.delivered())
}

func TestBrokerUnknownBridgeIDDegrades(t *testing.T) {
	f := newBrokerFixture(t, BrokerConfig{})
	f.newSession(t)

	f.broker.RouteFromUpstream([]byte(`{"jsonrpc":"2.0","id":9999,"result":{}}`))
	assert.Equal(t, 1, f.child.unresolvableCount())

	f.broker.RouteFromUpstream([]byte(`not json at all`))
	assert.Equal(t, 2, f.child.unresolvableCount())
}

func TestBrokerSweeperTimesOutRequests(t *testing.T) {
	f := newBrokerFixture(t, BrokerConfig{
		RequestDeadline: 10 * time.Millisecond,
		SweepInterval:   5 * time.Millisecond,
	})
	sess, sink := f.newSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.broker.RunSweeper(ctx)

	require.NoError(t, f.broker.RouteFromClient(context.Background(), sess.ID,
		[]byte(`{"jsonrpc":"2.0","id":5,"method":"slow/op"}`)))

	msgs := waitDelivery(t, sink, 1)
	got := decode(t, msgs[0])
	require.NotNil(t, got.Error)
	assert.Equal(t, mcp.CodeTimeout, got.Error.Code)
	assert.JSONEq(t, "5", string(got.ID))
	assert.Equal(t, 0, f.registry.Len())
}

func TestBrokerChildExitFailsPending(t *testing.T) {
	f := newBrokerFixture(t, BrokerConfig{})
	sess, sink := f.newSession(t)

	require.NoError(t, f.broker.RouteFromClient(context.Background(), sess.ID,
		[]byte(`{"jsonrpc":"2.0","id":8,"method":"tools/call","params":{}}`)))
	require.Equal(t, 1, f.registry.Len())

	f.broker.OnChildExit()

	msgs := waitDelivery(t, sink, 1)
	got := decode(t, msgs[0])
	require.NotNil(t, got.Error)
	assert.Equal(t, mcp.CodeUpstreamRestarted, got.Error.Code)
	assert.JSONEq(t, "8", string(got.ID))
	assert.Equal(t, 0, f.registry.Len())
}

func TestBrokerSessionCloseDropsPending(t *testing.T) {
	f := newBrokerFixture(t, BrokerConfig{})
	sess, _ := f.newSession(t)

	require.NoError(t, f.broker.RouteFromClient(context.Background(), sess.ID,
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call"}`)))
	require.Equal(t, 1, f.registry.Len())

	f.sessions.Close(sess.ID, session.ReasonDeleted)
	assert.Equal(t, 0, f.registry.Len())
}

func TestBrokerHealthSnapshot(t *testing.T) {
	f := newBrokerFixture(t, BrokerConfig{})
	f.newSession(t)
	f.newSession(t)

	h := f.broker.Health()
	assert.Equal(t, "ready", h.ChildState)
	assert.Equal(t, 2, h.SessionCount)
	assert.Equal(t, 0, h.PendingRequests)
	assert.Equal(t, 0, h.FilterCount)
}

func (f *fakeChild) unresolvableCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unresolvable
}
