// Package http is the inbound transport adapter: SSE, WebSocket, and HTTP
// POST surfaces over one listener, plus the control endpoints for filters,
// sessions, health, and metrics.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mcpwire/mcpwire/internal/domain/audit"
	"github.com/mcpwire/mcpwire/internal/domain/auth"
	"github.com/mcpwire/mcpwire/internal/domain/filter"
	"github.com/mcpwire/mcpwire/internal/domain/session"
	"github.com/mcpwire/mcpwire/internal/port/inbound"
)

const (
	// defaultMaxBodyBytes caps a POST /messages body.
	defaultMaxBodyBytes = 4 << 20
	// defaultMaxInFlight caps concurrent message ingress.
	defaultMaxInFlight = 128
	// defaultHeartbeat drives SSE comments and WS pings.
	defaultHeartbeat = 15 * time.Second
	// shutdownTimeout bounds graceful drain.
	shutdownTimeout = 10 * time.Second
)

// Transport serves the bridge's HTTP surface. Construct with NewTransport,
// then Start; Start blocks until the context is cancelled.
type Transport struct {
	broker   inbound.Broker
	sessions *session.Store
	chain    *filter.Chain
	filters  *filter.ConfigStore

	addr         string
	advertiseURL string
	maxBody      int64
	maxInFlight  int
	heartbeat    time.Duration
	version      string

	verifier   *auth.Verifier
	auditStore audit.Store
	registry   *prometheus.Registry
	metrics    *Metrics
	logger     *slog.Logger

	feed      *feed
	ingress   chan struct{}
	server    *http.Server
	startedAt time.Time
}

// Option is a functional option for configuring the Transport.
type Option func(*Transport)

// WithAddr sets the listen address. Default "127.0.0.1:3000".
func WithAddr(addr string) Option {
	return func(t *Transport) { t.addr = addr }
}

// WithAdvertiseURL overrides the base URL written into the SSE endpoint
// event and the OAuth metadata. Without it the request Host is used.
func WithAdvertiseURL(u string) Option {
	return func(t *Transport) { t.advertiseURL = strings.TrimRight(u, "/") }
}

// WithAuth installs the credential verifier. Nil or ModeNone disables
// authentication.
func WithAuth(v *auth.Verifier) Option {
	return func(t *Transport) { t.verifier = v }
}

// WithAuditStore exposes recent filter decisions on /filters/metrics.
func WithAuditStore(s audit.Store) Option {
	return func(t *Transport) { t.auditStore = s }
}

// WithMetrics shares a registry and collector set built elsewhere, so the
// broker records into the same registry the scrape endpoint serves.
func WithMetrics(reg *prometheus.Registry, m *Metrics) Option {
	return func(t *Transport) {
		t.registry = reg
		t.metrics = m
	}
}

// WithMaxInFlight caps concurrent POST /messages ingress. Default 128.
func WithMaxInFlight(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxInFlight = n
		}
	}
}

// WithHeartbeat sets the SSE comment and WS ping interval. Default 15s.
func WithHeartbeat(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.heartbeat = d
		}
	}
}

// WithLogger sets the transport logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithVersion labels the health endpoint.
func WithVersion(v string) Option {
	return func(t *Transport) { t.version = v }
}

// NewTransport wires the HTTP surface over the broker and its stores.
func NewTransport(broker inbound.Broker, sessions *session.Store, chain *filter.Chain,
	filters *filter.ConfigStore, opts ...Option) *Transport {
	t := &Transport{
		broker:      broker,
		sessions:    sessions,
		chain:       chain,
		filters:     filters,
		addr:        "127.0.0.1:3000",
		maxBody:     defaultMaxBodyBytes,
		maxInFlight: defaultMaxInFlight,
		heartbeat:   defaultHeartbeat,
		logger:      slog.Default(),
		feed:        newFeed(),
		startedAt:   time.Now(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.registry == nil {
		t.registry = prometheus.NewRegistry()
		t.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		t.metrics = NewMetrics(t.registry)
	}
	t.ingress = make(chan struct{}, t.maxInFlight)
	return t
}

// Handler builds the full route table with the middleware chain applied.
// Split from Start so tests can drive it through httptest.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /sse", t.handleSSE)
	mux.HandleFunc("POST /messages", t.handlePostMessage)
	mux.HandleFunc("GET /ws", t.handleWS)

	mux.HandleFunc("POST /sessions", t.handleCreateSession)
	mux.HandleFunc("GET /sessions", t.handleListSessions)
	mux.HandleFunc("DELETE /sessions/{id}", t.handleDeleteSession)

	mux.HandleFunc("GET /filters", t.handleListFilters)
	mux.HandleFunc("GET /filters/metrics", t.handleFilterMetrics)
	mux.HandleFunc("POST /filters/config", t.handleFilterConfig)
	mux.HandleFunc("POST /filters/{name}", t.handleToggleFilter)

	mux.HandleFunc("GET /health", t.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{
		Registry: t.registry,
	}))

	t.registerOAuthRoutes(mux)
	t.registerLiveRoutes(mux)

	mux.HandleFunc("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	// Middleware order, outermost first: metrics capture the full duration,
	// then request id, real ip, and auth.
	var handler http.Handler = mux
	handler = AuthMiddleware(t.verifier)(handler)
	handler = RealIPMiddleware(handler)
	handler = RequestIDMiddleware(t.logger)(handler)
	handler = MetricsMiddleware(t.metrics)(handler)
	return handler
}

// Metrics returns the collector set, for sharing with the broker.
func (t *Transport) Metrics() *Metrics { return t.metrics }

// Start serves until the context is cancelled, then drains gracefully:
// sessions close first so every SSE stream gets its end event and every
// WebSocket its close frame before the listener goes away.
func (t *Transport) Start(ctx context.Context) error {
	t.server = &http.Server{
		Addr:              t.addr,
		Handler:           t.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		t.logger.Info("http transport listening", "addr", t.addr)
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("shutting down http transport")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

func (t *Transport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	t.sessions.CloseAll(session.ReasonShutdown)
	t.feed.closeAll()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("http shutdown failed", "error", err)
		return err
	}
	return nil
}

// baseURL resolves the absolute URL clients should use, preferring the
// configured advertise URL over whatever Host the request carried.
func (t *Transport) baseURL(r *http.Request) string {
	if t.advertiseURL != "" {
		return t.advertiseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: r.Host}
	return u.String()
}
