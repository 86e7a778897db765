// Package service contains the bridge's application core: the broker that
// routes messages between transport sessions and the child process, and the
// audit recorder that persists filter decisions.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcpwire/mcpwire/internal/domain/catalog"
	"github.com/mcpwire/mcpwire/internal/domain/filter"
	"github.com/mcpwire/mcpwire/internal/domain/registry"
	"github.com/mcpwire/mcpwire/internal/domain/session"
	"github.com/mcpwire/mcpwire/internal/port/inbound"
	"github.com/mcpwire/mcpwire/internal/port/outbound"
	"github.com/mcpwire/mcpwire/pkg/mcp"
)

// Initialize handling modes.
const (
	// InitializeBoth answers initialize locally and forwards a copy to the
	// child fire-and-forget. The client sees the bridge's response.
	InitializeBoth = "both"
	// InitializeLocal answers locally without telling the child.
	InitializeLocal = "local"
	// InitializeForward proxies initialize like any other request.
	InitializeForward = "forward"
)

// Server-initiated request routing modes.
const (
	// ServerRequestsBroadcast copies a server request to every session.
	ServerRequestsBroadcast = "broadcast"
	// ServerRequestsSubscribe routes server requests to the oldest session.
	ServerRequestsSubscribe = "subscribe"
)

// bridgeInitPrefix marks fire-and-forget initialize forwards; their
// responses feed the catalog and never reach a client.
const bridgeInitPrefix = "bridge-init-"

// bridgeProtocolVersion is what the bridge's own initialize response
// declares when the client does not name one.
const bridgeProtocolVersion = "2025-06-18"

// Metrics receives broker-level counters. All methods must be cheap and
// non-blocking; the prometheus adapter implements this.
type Metrics interface {
	MessageRouted(direction string)
	MessageDropped(direction string)
	MessageBlocked(direction string)
	RequestTimeout()
	RequestFailed(reason string)
}

// noopMetrics backs a nil Metrics.
type noopMetrics struct{}

func (noopMetrics) MessageRouted(string)  {}
func (noopMetrics) MessageDropped(string) {}
func (noopMetrics) MessageBlocked(string) {}
func (noopMetrics) RequestTimeout()       {}
func (noopMetrics) RequestFailed(string)  {}

// BrokerConfig tunes routing behavior. Zero values select the defaults.
type BrokerConfig struct {
	// RequestDeadline bounds a forwarded request. Default 60s.
	RequestDeadline time.Duration
	// InitializeMode is both, local, or forward. Default both.
	InitializeMode string
	// ServerRequests is broadcast or subscribe. Default broadcast.
	ServerRequests string
	// SweepInterval is the registry sweep cadence. Default 1s.
	SweepInterval time.Duration
	// ServerName and ServerVersion label the bridge's initialize response.
	ServerName    string
	ServerVersion string
}

func (c *BrokerConfig) withDefaults() {
	if c.RequestDeadline <= 0 {
		c.RequestDeadline = 60 * time.Second
	}
	if c.InitializeMode == "" {
		c.InitializeMode = InitializeBoth
	}
	if c.ServerRequests == "" {
		c.ServerRequests = ServerRequestsBroadcast
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.ServerName == "" {
		c.ServerName = "mcpwire"
	}
	if c.ServerVersion == "" {
		c.ServerVersion = "dev"
	}
}

// Broker coordinates sessions, the filter chain, the request registry, the
// discovery catalog, and the child process. It implements inbound.Broker.
type Broker struct {
	cfg      BrokerConfig
	child    outbound.ChildProcess
	sessions *session.Store
	registry *registry.Registry
	chain    *filter.Chain
	catalog  *catalog.Catalog
	logger   *slog.Logger
	metrics  Metrics

	tracer trace.Tracer
	routed metric.Int64Counter

	initSeq atomic.Int64
}

var _ inbound.Broker = (*Broker)(nil)

// NewBroker wires the broker. metrics may be nil.
func NewBroker(cfg BrokerConfig, child outbound.ChildProcess, sessions *session.Store,
	reg *registry.Registry, chain *filter.Chain, cat *catalog.Catalog,
	logger *slog.Logger, metrics Metrics) *Broker {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	// The global otel providers are no-ops unless telemetry is enabled at
	// startup, so unconditional instrumentation costs nothing by default.
	routed, _ := otel.Meter("mcpwire/broker").Int64Counter("mcpwire.messages.routed",
		metric.WithDescription("JSON-RPC messages forwarded through the bridge"))
	return &Broker{
		cfg:      cfg,
		child:    child,
		sessions: sessions,
		registry: reg,
		chain:    chain,
		catalog:  cat,
		logger:   logger,
		metrics:  metrics,
		tracer:   otel.Tracer("mcpwire/broker"),
		routed:   routed,
	}
}

// messageRouted bumps both the prometheus counter and the otel mirror.
func (b *Broker) messageRouted(ctx context.Context, direction string) {
	b.metrics.MessageRouted(direction)
	b.routed.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// Health implements inbound.Broker.
func (b *Broker) Health() inbound.HealthSnapshot {
	return inbound.HealthSnapshot{
		ChildState:      b.child.State().String(),
		SessionCount:    b.sessions.Count(),
		PendingRequests: b.registry.Len(),
		FilterCount:     b.chain.Len(),
	}
}

// RouteFromClient implements inbound.Broker. Protocol-level failures are
// answered on the session stream; the returned error covers only bridge
// conditions the transport must map itself (unknown session).
func (b *Broker) RouteFromClient(ctx context.Context, sessionID string, raw []byte) error {
	ctx, span := b.tracer.Start(ctx, "broker.route_from_client", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("direction", mcp.Outbound.String()),
	))
	defer span.End()

	sess, ok := b.sessions.Get(sessionID)
	if !ok {
		return session.ErrNotFound
	}
	sess.Touch()

	msg, err := mcp.Wrap(raw, mcp.Outbound)
	if err != nil {
		b.logger.Warn("invalid client message",
			"session_id", sessionID, "error", err)
		b.enqueueError(sess, bestEffortID(raw), mcp.CodeForWrapError(err), wrapErrorMessage(err), nil)
		return nil
	}
	msg.SessionID = sessionID
	span.SetAttributes(attribute.String("rpc.method", msg.Method()))

	if msg.Method() == "initialize" && msg.IsRequest() {
		return b.routeInitialize(ctx, sess, msg)
	}

	// Discovery is answered locally whenever the catalog can, even in the
	// terminal child state.
	if msg.IsRequest() {
		if result, ok := b.catalog.ResultFor(msg.Method()); ok {
			b.enqueueResult(sess, msg.ID(), result)
			b.messageRouted(ctx, mcp.Outbound.String())
			return nil
		}
	}

	out, res := b.chain.Run(msg)
	switch res.Action {
	case filter.ActionDrop:
		b.metrics.MessageDropped(mcp.Outbound.String())
		return nil
	case filter.ActionBlock:
		b.metrics.MessageBlocked(mcp.Outbound.String())
		if msg.IsRequest() {
			b.enqueueError(sess, msg.ID(), res.Code, res.ErrMessage, map[string]string{"reason": res.Reason})
		}
		return nil
	}

	return b.forward(ctx, sess, out)
}

// routeInitialize applies the configured initialize mode.
func (b *Broker) routeInitialize(ctx context.Context, sess *session.Session, msg *mcp.Message) error {
	mode := b.cfg.InitializeMode
	if mode == InitializeForward {
		out, res := b.chain.Run(msg)
		switch res.Action {
		case filter.ActionDrop:
			b.metrics.MessageDropped(mcp.Outbound.String())
			return nil
		case filter.ActionBlock:
			b.metrics.MessageBlocked(mcp.Outbound.String())
			b.enqueueError(sess, msg.ID(), res.Code, res.ErrMessage, map[string]string{"reason": res.Reason})
			return nil
		}
		return b.forward(ctx, sess, out)
	}

	// Local answer: the client sees the bridge's capabilities.
	b.enqueueResult(sess, msg.ID(), b.initializeResult(msg.Params()))
	b.messageRouted(ctx, mcp.Outbound.String())

	if mode == InitializeBoth {
		// Forward a copy fire-and-forget so the child performs its own
		// setup. The reserved id keeps its response out of client streams.
		fwdID := fmt.Sprintf("%s%d", bridgeInitPrefix, b.initSeq.Add(1))
		idJSON, err := json.Marshal(fwdID)
		if err != nil {
			return nil
		}
		fwd, err := msg.WithID(idJSON)
		if err != nil {
			b.logger.Warn("failed to rewrite initialize id", "error", err)
			return nil
		}
		if err := b.child.Send(ctx, fwd.Raw); err != nil {
			b.logger.Warn("initialize forward failed", "error", err)
		}
	}
	return nil
}

// initializeResult builds the bridge's own initialize response, echoing the
// client's protocol version when it names one.
func (b *Broker) initializeResult(params json.RawMessage) map[string]any {
	version := bridgeProtocolVersion
	if len(params) > 0 {
		var p struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		if json.Unmarshal(params, &p) == nil && p.ProtocolVersion != "" {
			version = p.ProtocolVersion
		}
	}
	return map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": false},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    b.cfg.ServerName,
			"version": b.cfg.ServerVersion,
		},
	}
}

// forward writes one filtered client message to the child, registering
// requests for response correlation.
func (b *Broker) forward(ctx context.Context, sess *session.Session, msg *mcp.Message) error {
	if !msg.IsRequest() {
		// Notifications and client responses to server requests pass
		// through verbatim; nothing to correlate.
		if err := b.child.Send(ctx, msg.Raw); err != nil {
			b.logger.Warn("notification forward failed", "error", err)
			b.metrics.RequestFailed("child_unavailable")
			return nil
		}
		b.messageRouted(ctx, mcp.Outbound.String())
		return nil
	}

	bridgeID := b.registry.NextID()
	rewritten, err := msg.WithID(json.RawMessage(strconv.FormatInt(bridgeID, 10)))
	if err != nil {
		b.logger.Error("failed to rewrite request id", "error", err)
		b.enqueueError(sess, msg.ID(), mcp.CodeInvalidRequest, "Invalid Request", nil)
		return nil
	}
	now := time.Now()
	b.registry.Register(registry.Entry{
		BridgeID:    bridgeID,
		SessionID:   sess.ID,
		OriginalID:  msg.ID(),
		Method:      msg.Method(),
		SubmittedAt: now,
		Deadline:    now.Add(b.cfg.RequestDeadline),
	})

	if err := b.child.Send(ctx, rewritten.Raw); err != nil {
		b.registry.Resolve(bridgeID)
		b.metrics.RequestFailed("child_unavailable")
		b.enqueueError(sess, msg.ID(), mcp.CodeUpstreamUnavailable, "upstream unavailable", nil)
		return nil
	}
	b.messageRouted(ctx, mcp.Outbound.String())
	return nil
}

// RouteFromUpstream handles one frame from the child: filter, correlate,
// deliver. Wired as the supervisor's OnMessage callback.
func (b *Broker) RouteFromUpstream(raw []byte) {
	ctx, span := b.tracer.Start(context.Background(), "broker.route_from_upstream",
		trace.WithAttributes(attribute.String("direction", mcp.Inbound.String())))
	defer span.End()

	msg, err := mcp.Wrap(raw, mcp.Inbound)
	if err != nil {
		b.logger.Warn("invalid frame from child", "error", err)
		b.child.NoteUnresolvable()
		return
	}

	// Responses to fire-and-forget initialize forwards feed the catalog.
	if msg.IsResponse() && isBridgeInitID(msg.ID()) {
		b.catalog.PopulateFromInitialize(msg.Result())
		return
	}

	out, res := b.chain.Run(msg)
	switch res.Action {
	case filter.ActionDrop:
		b.metrics.MessageDropped(mcp.Inbound.String())
		if msg.IsResponse() {
			// The entry must not linger until the sweeper times it out.
			if bid, ok := bridgeIDOf(msg.ID()); ok {
				b.registry.Resolve(bid)
			}
		}
		return
	case filter.ActionBlock:
		b.metrics.MessageBlocked(mcp.Inbound.String())
		if msg.IsResponse() {
			if bid, ok := bridgeIDOf(msg.ID()); ok {
				if entry, found := b.registry.Resolve(bid); found {
					b.enqueueErrorTo(entry.SessionID, entry.OriginalID, res.Code, res.ErrMessage,
						map[string]string{"reason": res.Reason})
				}
			}
		}
		return
	}

	span.SetAttributes(attribute.String("rpc.method", out.Method()))
	switch {
	case out.IsResponse():
		b.deliverResponse(ctx, out)
	case out.IsNotification():
		n := b.sessions.Broadcast(out.Raw)
		b.logger.Debug("notification broadcast", "method", out.Method(), "sessions", n)
		b.messageRouted(ctx, mcp.Inbound.String())
	case out.IsRequest():
		b.deliverServerRequest(ctx, out)
	}
}

// deliverResponse correlates a child response and enqueues it on the owning
// session with the client's original id restored.
func (b *Broker) deliverResponse(ctx context.Context, msg *mcp.Message) {
	bid, ok := bridgeIDOf(msg.ID())
	if !ok {
		b.logger.Warn("response with non-bridge id from child", "id", string(msg.ID()))
		b.child.NoteUnresolvable()
		return
	}
	entry, found := b.registry.Resolve(bid)
	if !found {
		b.logger.Warn("response for unknown bridge id", "bridge_id", bid)
		b.child.NoteUnresolvable()
		return
	}

	restored, err := msg.WithID(entry.OriginalID)
	if err != nil {
		b.logger.Error("failed to restore original id", "error", err)
		return
	}
	sess, ok := b.sessions.Get(entry.SessionID)
	if !ok {
		// Session closed while the request was in flight; the client is gone.
		return
	}
	if err := sess.Enqueue(restored.Raw, false); err == nil {
		b.messageRouted(ctx, mcp.Inbound.String())
	}
}

// deliverServerRequest routes a server-initiated request per configuration.
func (b *Broker) deliverServerRequest(ctx context.Context, msg *mcp.Message) {
	if b.cfg.ServerRequests == ServerRequestsSubscribe {
		if target := b.oldestSession(); target != nil {
			if err := target.Enqueue(msg.Raw, false); err == nil {
				b.messageRouted(ctx, mcp.Inbound.String())
			}
			return
		}
		return
	}
	n := b.sessions.Broadcast(msg.Raw)
	b.logger.Debug("server request broadcast", "method", msg.Method(), "sessions", n)
	b.messageRouted(ctx, mcp.Inbound.String())
}

// oldestSession returns the earliest-created live session, or nil.
func (b *Broker) oldestSession() *session.Session {
	var (
		best     *session.Session
		earliest time.Time
	)
	for _, snap := range b.sessions.List() {
		if best == nil || snap.CreatedAt.Before(earliest) {
			if s, ok := b.sessions.Get(snap.ID); ok {
				best = s
				earliest = snap.CreatedAt
			}
		}
	}
	return best
}

// OnChildExit fails every pending request with the restart error. Sessions
// survive; clients may retry. Wired as the supervisor's OnExit callback.
func (b *Broker) OnChildExit() {
	entries := b.registry.FailAll()
	for _, e := range entries {
		b.metrics.RequestFailed("upstream_restarted")
		b.enqueueErrorTo(e.SessionID, e.OriginalID, mcp.CodeUpstreamRestarted, "upstream restarted", nil)
	}
	if len(entries) > 0 {
		b.logger.Warn("failed pending requests after child exit", "count", len(entries))
	}
}

// OnSessionClose drops the closed session's pending correlations. Wired as
// the session store's OnClose callback.
func (b *Broker) OnSessionClose(id, reason string) {
	if n := b.registry.DropSession(id); n > 0 {
		b.logger.Debug("dropped pending requests for closed session",
			"session_id", id, "reason", reason, "count", n)
	}
}

// RunSweeper expires registry entries until ctx is cancelled. Each expired
// entry answers its session with a timeout error.
func (b *Broker) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, e := range b.registry.Sweep(now) {
				b.metrics.RequestTimeout()
				b.logger.Warn("request timed out",
					"session_id", e.SessionID, "method", e.Method, "bridge_id", e.BridgeID)
				b.enqueueErrorTo(e.SessionID, e.OriginalID, mcp.CodeTimeout, "timeout", nil)
			}
		}
	}
}

// enqueueResult answers a request locally on its session.
func (b *Broker) enqueueResult(sess *session.Session, id json.RawMessage, result any) {
	raw, err := mcp.NewResultResponse(id, result)
	if err != nil {
		b.logger.Error("failed to build result response", "error", err)
		return
	}
	_ = sess.Enqueue(raw, false)
}

// enqueueError answers with a synthesized JSON-RPC error on the session.
func (b *Broker) enqueueError(sess *session.Session, id json.RawMessage, code int, message string, data any) {
	raw, err := mcp.NewErrorResponse(id, code, message, data)
	if err != nil {
		b.logger.Error("failed to build error response", "error", err)
		return
	}
	_ = sess.Enqueue(raw, false)
}

// enqueueErrorTo is enqueueError by session id; a missing session is fine,
// the client is simply gone.
func (b *Broker) enqueueErrorTo(sessionID string, id json.RawMessage, code int, message string, data any) {
	sess, ok := b.sessions.Get(sessionID)
	if !ok {
		return
	}
	b.enqueueError(sess, id, code, message, data)
}

// bridgeIDOf parses a child response id as a bridge-assigned numeric id.
func bridgeIDOf(id json.RawMessage) (int64, bool) {
	var bid int64
	if err := json.Unmarshal(id, &bid); err != nil {
		return 0, false
	}
	return bid, true
}

// isBridgeInitID reports whether a response id marks a fire-and-forget
// initialize forward.
func isBridgeInitID(id json.RawMessage) bool {
	var s string
	if err := json.Unmarshal(id, &s); err != nil {
		return false
	}
	return strings.HasPrefix(s, bridgeInitPrefix)
}

// bestEffortID digs an id out of bytes that failed envelope validation, so
// parse errors can still reference the caller's id when one is readable.
func bestEffortID(raw []byte) json.RawMessage {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil
	}
	return probe.ID
}

// wrapErrorMessage maps envelope errors onto the JSON-RPC 2.0 error text.
func wrapErrorMessage(err error) string {
	switch mcp.CodeForWrapError(err) {
	case mcp.CodeInvalidRequest:
		return "Invalid Request"
	default:
		return "Parse error"
	}
}
