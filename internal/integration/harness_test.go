// Package integration drives the full bridge stack end to end: a real
// supervised child process (this test binary re-executed), the broker, the
// filter chain, and the HTTP transport behind an httptest server.
package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	httpadapter "github.com/mcpwire/mcpwire/internal/adapter/inbound/http"
	auditstore "github.com/mcpwire/mcpwire/internal/adapter/outbound/audit"
	"github.com/mcpwire/mcpwire/internal/adapter/outbound/cel"
	"github.com/mcpwire/mcpwire/internal/adapter/outbound/child"
	"github.com/mcpwire/mcpwire/internal/domain/catalog"
	"github.com/mcpwire/mcpwire/internal/domain/filter"
	"github.com/mcpwire/mcpwire/internal/domain/registry"
	"github.com/mcpwire/mcpwire/internal/domain/session"
	"github.com/mcpwire/mcpwire/internal/service"
	"github.com/mcpwire/mcpwire/pkg/mcp"
)

// TestHelperProcess is re-executed as the scripted child. Not a real test.
//
// Modes:
//
//	echo        answer every request with {"echo": <params>}
//	email       answer every request with "contact a@b.com"
//	quiet       answer health probes only
//	crash-once  first generation exits on the first real request; later
//	            generations echo (state carried in CHILD_STATE_FILE)
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	mode := "echo"
	for i, arg := range os.Args {
		if arg == "--" && i+1 < len(os.Args) {
			mode = os.Args[i+1]
		}
	}

	crashArmed := false
	if mode == "crash-once" {
		stateFile := os.Getenv("CHILD_STATE_FILE")
		if _, err := os.Stat(stateFile); os.IsNotExist(err) {
			_ = os.WriteFile(stateFile, []byte("crashed"), 0o644)
			crashArmed = true
		}
	}

	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var msg struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil || msg.ID == nil {
			continue
		}
		probe := bytes.Contains(msg.ID, []byte("bridge-health"))

		if !probe {
			switch {
			case crashArmed:
				os.Exit(1)
			case mode == "quiet":
				continue
			}
		}

		var result any = map[string]json.RawMessage{"echo": msg.Params}
		if mode == "email" && !probe {
			result = "contact a@b.com"
		}
		resp, _ := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"id":      msg.ID,
			"result":  result,
		})
		os.Stdout.Write(append(resp, '\n'))
	}
}

func helperCommand(mode string) string {
	return fmt.Sprintf("GO_WANT_HELPER_PROCESS=1 %s -test.run=TestHelperProcess -- %s",
		os.Args[0], mode)
}

// bridge is one fully wired stack under test.
type bridge struct {
	t *testing.T

	sessions   *session.Store
	chain      *filter.Chain
	broker     *service.Broker
	supervisor *child.Supervisor
	srv        *httptest.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type bridgeOptions struct {
	filterCfg    *filter.Config
	toolsFile    string
	sessionCfg   session.Config
	deadline     time.Duration
	childCommand string
}

type bridgeOption func(*bridgeOptions)

func withFilterConfig(cfg filter.Config) bridgeOption {
	return func(o *bridgeOptions) { o.filterCfg = &cfg }
}

func withToolsFile(path string) bridgeOption {
	return func(o *bridgeOptions) { o.toolsFile = path }
}

func withSessionConfig(cfg session.Config) bridgeOption {
	return func(o *bridgeOptions) { o.sessionCfg = cfg }
}

func withRequestDeadline(d time.Duration) bridgeOption {
	return func(o *bridgeOptions) { o.deadline = d }
}

func withChildCommand(cmd string) bridgeOption {
	return func(o *bridgeOptions) { o.childCommand = cmd }
}

// startBridge wires the stack the way the run command does and blocks until
// the child is ready. Cleanup tears everything down in reverse order.
func startBridge(t *testing.T, mode string, opts ...bridgeOption) *bridge {
	t.Helper()

	o := bridgeOptions{
		deadline:     5 * time.Second,
		childCommand: helperCommand(mode),
	}
	for _, opt := range opts {
		opt(&o)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	fcfg := filter.DefaultConfig()
	if o.filterCfg != nil {
		fcfg = *o.filterCfg
	}
	compiler, err := cel.NewCompiler()
	require.NoError(t, err)
	filterStore, err := filter.NewConfigStore(fcfg, compiler)
	require.NoError(t, err)

	store := auditstore.NewMemoryStore(0)
	recorder := service.NewAuditRecorder(store, logger)

	chain := filter.NewChain(logger, recorder.Record)
	chain.Register(filter.NewSecretRedactor(filterStore), mcp.Both, true)
	chain.Register(filter.NewBlacklist(filterStore), mcp.Outbound, true)
	chain.Register(filter.NewHTMLSanitizer(filterStore), mcp.Inbound, true)
	chain.Register(filter.NewPIIRedactor(filterStore), mcp.Both, true)
	chain.Register(filter.NewSizeManager(filterStore), mcp.Inbound, true)

	cat := catalog.New()
	if o.toolsFile != "" {
		require.NoError(t, cat.LoadFile(o.toolsFile))
	}

	sessions := session.NewStore(o.sessionCfg, logger)
	reg := registry.New()

	var broker *service.Broker
	supervisor := child.New(child.Config{
		Command:        o.childCommand,
		StartupTimeout: 10 * time.Second,
		StopGrace:      200 * time.Millisecond,
		BackoffInitial: 20 * time.Millisecond,
		RestartMax:     10,
	}, logger,
		child.OnMessage(func(raw []byte) { broker.RouteFromUpstream(raw) }),
		child.OnExit(func() { broker.OnChildExit() }),
	)

	broker = service.NewBroker(service.BrokerConfig{
		RequestDeadline: o.deadline,
		SweepInterval:   20 * time.Millisecond,
	}, supervisor, sessions, reg, chain, cat, logger, nil)
	sessions.OnClose(broker.OnSessionClose)

	transport := httpadapter.NewTransport(broker, sessions, chain, filterStore,
		httpadapter.WithAuditStore(store),
		httpadapter.WithHeartbeat(50*time.Millisecond),
		httpadapter.WithLogger(logger),
	)

	ctx, cancel := context.WithCancel(context.Background())
	recorder.Start(ctx)

	b := &bridge{
		t:          t,
		sessions:   sessions,
		chain:      chain,
		broker:     broker,
		supervisor: supervisor,
		cancel:     cancel,
	}
	b.wg.Add(3)
	go func() { defer b.wg.Done(); sessions.Run(ctx) }()
	go func() { defer b.wg.Done(); broker.RunSweeper(ctx) }()
	go func() { defer b.wg.Done(); _ = supervisor.Run(ctx) }()

	b.srv = httptest.NewServer(transport.Handler())

	t.Cleanup(func() {
		cancel()
		b.wg.Wait()
		recorder.Stop()
		b.srv.Close()
	})

	b.waitChildState("ready")
	return b
}

func (b *bridge) waitChildState(state string) {
	b.t.Helper()
	require.Eventually(b.t, func() bool {
		return b.broker.Health().ChildState == state
	}, 10*time.Second, 10*time.Millisecond, "child never reached state %q", state)
}

// post submits one client message and requires the 202 ack.
func (b *bridge) post(sessionID string, body string) {
	b.t.Helper()
	resp, err := http.Post(
		fmt.Sprintf("%s/messages?session=%s", b.srv.URL, sessionID),
		"application/json", strings.NewReader(body))
	require.NoError(b.t, err)
	defer resp.Body.Close()
	require.Equal(b.t, http.StatusAccepted, resp.StatusCode)
}

// createSession mints a session over the control API.
func (b *bridge) createSession() string {
	b.t.Helper()
	resp, err := http.Post(b.srv.URL+"/sessions", "application/json", nil)
	require.NoError(b.t, err)
	defer resp.Body.Close()
	require.Equal(b.t, http.StatusCreated, resp.StatusCode)
	var out struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(b.t, json.NewDecoder(resp.Body).Decode(&out))
	return out.SessionID
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	name string
	data string
}

// sseClient consumes one SSE stream on its own goroutine.
type sseClient struct {
	t         *testing.T
	resp      *http.Response
	events    chan sseEvent
	sessionID string
}

// openSSE connects to GET /sse and waits for the endpoint event, returning
// the client with its session id resolved.
func openSSE(t *testing.T, baseURL, sessionID string) *sseClient {
	t.Helper()
	u := baseURL + "/sse"
	if sessionID != "" {
		u += "?session=" + sessionID
	}
	resp, err := http.Get(u)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	c := &sseClient{t: t, resp: resp, events: make(chan sseEvent, 256)}
	go c.read()
	t.Cleanup(func() { resp.Body.Close() })

	ev := c.next(5 * time.Second)
	require.Equal(t, "endpoint", ev.name)
	i := strings.Index(ev.data, "session=")
	require.GreaterOrEqual(t, i, 0, "endpoint event carries no session: %s", ev.data)
	c.sessionID = ev.data[i+len("session="):]
	if sessionID != "" {
		require.Equal(t, sessionID, c.sessionID)
	}
	return c
}

func (c *sseClient) read() {
	defer close(c.events)
	sc := bufio.NewScanner(c.resp.Body)
	sc.Buffer(make([]byte, 0, 4096), 8<<20)
	var name, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if name != "" || data != "" {
				c.events <- sseEvent{name: name, data: data}
			}
			name, data = "", ""
		case strings.HasPrefix(line, ":"):
			// heartbeat comment
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

// next returns the following event or fails the test at the timeout.
func (c *sseClient) next(timeout time.Duration) sseEvent {
	c.t.Helper()
	select {
	case ev, ok := <-c.events:
		if !ok {
			c.t.Fatal("sse stream closed")
		}
		return ev
	case <-time.After(timeout):
		c.t.Fatal("no sse event before timeout")
	}
	return sseEvent{}
}

// nextMessage skips to the next message event and decodes it.
func (c *sseClient) nextMessage(timeout time.Duration) map[string]json.RawMessage {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			c.t.Fatal("no sse message before timeout")
		}
		ev := c.next(remain)
		if ev.name != "message" {
			continue
		}
		var out map[string]json.RawMessage
		require.NoError(c.t, json.Unmarshal([]byte(ev.data), &out))
		return out
	}
}
