package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	httpadapter "github.com/mcpwire/mcpwire/internal/adapter/inbound/http"
	auditstore "github.com/mcpwire/mcpwire/internal/adapter/outbound/audit"
	"github.com/mcpwire/mcpwire/internal/adapter/outbound/cel"
	"github.com/mcpwire/mcpwire/internal/adapter/outbound/child"
	"github.com/mcpwire/mcpwire/internal/adapter/outbound/telemetry"
	"github.com/mcpwire/mcpwire/internal/config"
	"github.com/mcpwire/mcpwire/internal/domain/audit"
	"github.com/mcpwire/mcpwire/internal/domain/auth"
	"github.com/mcpwire/mcpwire/internal/domain/catalog"
	"github.com/mcpwire/mcpwire/internal/domain/filter"
	"github.com/mcpwire/mcpwire/internal/domain/registry"
	"github.com/mcpwire/mcpwire/internal/domain/session"
	"github.com/mcpwire/mcpwire/internal/service"
	"github.com/mcpwire/mcpwire/pkg/mcp"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bridge",
	Long: `Run the bridge: spawn the child MCP server and serve it over SSE,
WebSocket, and HTTP POST.

Examples:
  mcpwire run --port 3000 --cmd "python weather_server.py"
  mcpwire run --port 3000 --cmd "npx server" --filter_config filters.json
  mcpwire --config mcpwire.yaml run`,
	RunE:          runRun,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runFlags struct {
	port            int
	host            string
	command         string
	logLevel        string
	logLocation     string
	logPattern      string
	toolsConfig     string
	filterConfig    string
	sessionTimeout  int
	requestDeadline int
	advertiseURL    string
}

func init() {
	f := runCmd.Flags()
	f.IntVar(&runFlags.port, "port", 0, "HTTP listen port")
	f.StringVar(&runFlags.host, "host", "", "HTTP listen host (default 127.0.0.1)")
	f.StringVar(&runFlags.command, "cmd", "", "child MCP server shell command")
	f.StringVar(&runFlags.logLevel, "log_level", "", "log level: debug, info, warn, error")
	f.StringVar(&runFlags.logLocation, "log_location", "", "log directory (default stderr)")
	f.StringVar(&runFlags.logPattern, "log_pattern", "", "log file name pattern, {date} expands")
	f.StringVar(&runFlags.toolsConfig, "tools_config", "", "discovery catalog JSON file")
	f.StringVar(&runFlags.filterConfig, "filter_config", "", "filter config file (JSON or YAML)")
	f.IntVar(&runFlags.sessionTimeout, "session_timeout", 0, "session idle timeout in seconds")
	f.IntVar(&runFlags.requestDeadline, "request_deadline", 0, "per-request deadline in seconds")
	f.StringVar(&runFlags.advertiseURL, "advertise-url", "", "absolute base URL advertised to clients")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadRaw()
	if err != nil {
		return &exitError{code: exitBadConfig, err: err}
	}
	applyFlagOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return &exitError{code: exitBadConfig, err: err}
	}

	logger, closeLog, err := setupLogger(cfg)
	if err != nil {
		return &exitError{code: exitBadConfig, err: err}
	}
	defer closeLog()
	slog.SetDefault(logger)

	if file := config.FileUsed(); file != "" {
		logger.Info("loaded configuration", "file", file)
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()
	go func() {
		<-ctx.Done()
		// Restore default handling so a second Ctrl+C is an immediate exit.
		stop()
	}()

	return runBridge(ctx, cfg, logger)
}

// applyFlagOverrides lets explicitly-set flags win over file and env.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("port") {
		cfg.Server.Port = runFlags.port
	}
	if f.Changed("host") {
		cfg.Server.Host = runFlags.host
	}
	if f.Changed("cmd") {
		cfg.Child.Command = runFlags.command
	}
	if f.Changed("log_level") {
		cfg.Log.Level = strings.ToLower(runFlags.logLevel)
	}
	if f.Changed("log_location") {
		cfg.Log.Location = runFlags.logLocation
	}
	if f.Changed("log_pattern") {
		cfg.Log.Pattern = runFlags.logPattern
	}
	if f.Changed("tools_config") {
		cfg.Bridge.ToolsConfig = runFlags.toolsConfig
	}
	if f.Changed("filter_config") {
		cfg.Filter.ConfigFile = runFlags.filterConfig
	}
	if f.Changed("session_timeout") {
		cfg.Bridge.SessionTimeoutSeconds = runFlags.sessionTimeout
	}
	if f.Changed("request_deadline") {
		cfg.Bridge.RequestDeadlineSeconds = runFlags.requestDeadline
	}
	if f.Changed("advertise-url") {
		cfg.Server.AdvertiseURL = runFlags.advertiseURL
	}
}

// setupLogger builds the slog handler: stderr by default, a file under
// log.location when configured. Stdout stays untouched either way.
func setupLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	var level slog.Level
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("unknown log level %q", cfg.Log.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Location == "" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), func() {}, nil
	}

	// File logs are JSON lines; {date} and strftime %Y-%m-%d both expand.
	date := time.Now().Format("2006-01-02")
	name := strings.NewReplacer("{date}", date, "%Y-%m-%d", date).Replace(cfg.Log.Pattern)
	path := filepath.Join(cfg.Log.Location, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return slog.New(slog.NewJSONHandler(f, opts)), func() { _ = f.Close() }, nil
}

// runBridge wires every component and blocks until shutdown or a fatal
// child failure.
func runBridge(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	verifier, err := buildVerifier(cfg)
	if err != nil {
		return &exitError{code: exitBadConfig, err: err}
	}

	cat := catalog.New()
	if cfg.Bridge.ToolsConfig != "" {
		if err := cat.LoadFile(cfg.Bridge.ToolsConfig); err != nil {
			return &exitError{code: exitBadConfig, err: err}
		}
		logger.Info("discovery catalog loaded",
			"file", cfg.Bridge.ToolsConfig, "counts", cat.Counts())
	}

	filterStore, err := buildFilterStore(cfg)
	if err != nil {
		return &exitError{code: exitBadConfig, err: err}
	}

	store, err := buildAuditStore(cfg, logger)
	if err != nil {
		return &exitError{code: exitBadConfig, err: err}
	}
	recorder := service.NewAuditRecorder(store, logger)
	recorder.Start(ctx)
	defer recorder.Stop()

	chain := filter.NewChain(logger, recorder.Record)
	registerFilters(chain, filterStore, cfg, logger)

	sessions := session.NewStore(session.Config{
		IdleTimeout: cfg.SessionTimeout(),
	}, logger)
	reg := registry.New()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := httpadapter.NewMetrics(promReg)

	// The supervisor's callbacks close over the broker, which needs the
	// supervisor; declare first, assign after.
	var broker *service.Broker
	var everReady atomic.Bool
	supervisor := child.New(child.Config{
		Command:        cfg.Child.Command,
		MaxFrameBytes:  cfg.Child.MaxFrameBytes,
		StartupTimeout: time.Duration(cfg.Child.StartupTimeoutSeconds) * time.Second,
		RestartMax:     cfg.Child.RestartMax,
		RestartWindow:  time.Duration(cfg.Child.RestartWindowSeconds) * time.Second,
	}, logger,
		child.OnMessage(func(raw []byte) { broker.RouteFromUpstream(raw) }),
		child.OnExit(func() {
			metrics.ChildRestarted()
			broker.OnChildExit()
		}),
		child.OnStateChange(func(st child.State) {
			if st == child.StateReady {
				everReady.Store(true)
			}
			logger.Info("child state changed", "state", st.String())
		}),
	)

	broker = service.NewBroker(service.BrokerConfig{
		RequestDeadline: cfg.RequestDeadline(),
		InitializeMode:  cfg.Bridge.InitializeMode,
		ServerRequests:  cfg.Bridge.ServerRequests,
		ServerVersion:   Version,
	}, supervisor, sessions, reg, chain, cat, logger, metrics)
	sessions.OnClose(broker.OnSessionClose)

	transport := httpadapter.NewTransport(broker, sessions, chain, filterStore,
		httpadapter.WithAddr(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		httpadapter.WithAdvertiseURL(cfg.Server.AdvertiseURL),
		httpadapter.WithAuth(verifier),
		httpadapter.WithAuditStore(store),
		httpadapter.WithMetrics(promReg, metrics),
		httpadapter.WithMaxInFlight(cfg.Server.MaxInFlight),
		httpadapter.WithHeartbeat(cfg.Heartbeat()),
		httpadapter.WithLogger(logger),
		httpadapter.WithVersion(Version),
	)

	providers, err := telemetry.Setup(telemetry.Config{
		TracesEnabled:  cfg.Telemetry.TracesEnabled,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	}, logger)
	if err != nil {
		return &exitError{code: exitBadConfig, err: err}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.WatchFilterConfig() {
		go watchFilterConfig(runCtx, cfg.Filter.ConfigFile, filterStore, logger)
	}

	var wg sync.WaitGroup
	fatal := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		sessions.Run(runCtx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		broker.RunSweeper(runCtx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := supervisor.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			fatal <- err
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := transport.Start(runCtx); err != nil {
			fatal <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-fatal:
		runErr = err
		logger.Error("fatal component failure", "error", err)
	}
	cancel()
	wg.Wait()

	if runErr == nil {
		return nil
	}
	if errors.Is(runErr, child.ErrTerminal) {
		if !everReady.Load() {
			return &exitError{code: exitChildStart,
				err: fmt.Errorf("child failed to start: %w", runErr)}
		}
		return &exitError{code: exitBudgetExhaust, err: runErr}
	}
	return &exitError{code: exitBadConfig, err: runErr}
}

func buildVerifier(cfg *config.Config) (*auth.Verifier, error) {
	mode, err := auth.ParseMode(cfg.Auth.Mode)
	if err != nil {
		return nil, err
	}
	return auth.NewVerifier(mode, cfg.Auth.Secret)
}

// buildFilterStore loads the filter config file (or defaults) into the
// copy-on-write store, with CEL rule compilation wired in.
func buildFilterStore(cfg *config.Config) (*filter.ConfigStore, error) {
	fcfg := filter.DefaultConfig()
	if cfg.Filter.ConfigFile != "" {
		loaded, err := filter.LoadConfigFile(cfg.Filter.ConfigFile)
		if err != nil {
			return nil, err
		}
		fcfg = loaded
	}
	compiler, err := cel.NewCompiler()
	if err != nil {
		return nil, err
	}
	return filter.NewConfigStore(fcfg, compiler)
}

func buildAuditStore(cfg *config.Config, logger *slog.Logger) (audit.Store, error) {
	if cfg.Audit.DBPath == "" {
		return auditstore.NewMemoryStore(0), nil
	}
	return auditstore.NewSQLiteStore(cfg.Audit.DBPath, logger)
}

// registerFilters composes the chain in its fixed order: secret redaction
// first, then the content filters, then user CEL rules, then meta tagging.
func registerFilters(chain *filter.Chain, store *filter.ConfigStore, cfg *config.Config, logger *slog.Logger) {
	contentOn := cfg.Filter.ConfigFile != ""
	snap := store.Current()

	chain.Register(filter.NewSecretRedactor(store), mcp.Both, true)
	chain.Register(filter.NewBlacklist(store), mcp.Outbound, contentOn)
	chain.Register(filter.NewHTMLSanitizer(store), mcp.Inbound, contentOn)
	chain.Register(filter.NewPIIRedactor(store), mcp.Both, contentOn)
	chain.Register(filter.NewSizeManager(store), mcp.Inbound, contentOn)
	chain.Register(filter.NewCELPolicy(store, logger), mcp.Both, contentOn && len(snap.CELRules) > 0)

	nodeID := cfg.Filter.NodeID
	if nodeID == "" {
		nodeID, _ = os.Hostname()
	}
	chain.Register(filter.NewMetaTagger(nodeID), mcp.Both, false)
}

// watchFilterConfig hot-reloads the filter config file on change, through
// the same validate-then-swap path the HTTP endpoint uses. Editors often
// produce several events per save; reloads are debounced.
func watchFilterConfig(ctx context.Context, path string, store *filter.ConfigStore, logger *slog.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("filter config watch unavailable", "error", err)
		return
	}
	defer watcher.Close()

	// Watch the directory: editors that replace the file would otherwise
	// detach the watch on the first save.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		logger.Warn("filter config watch failed", "error", err, "path", path)
		return
	}

	var (
		debounce *time.Timer
		pending  <-chan time.Time
	)
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(250 * time.Millisecond)
			} else {
				debounce.Reset(250 * time.Millisecond)
			}
			pending = debounce.C
		case <-pending:
			pending = nil
			cfg, err := filter.LoadConfigFile(path)
			if err != nil {
				logger.Warn("filter config reload rejected", "error", err)
				continue
			}
			if err := store.Replace(cfg); err != nil {
				logger.Warn("filter config reload rejected", "error", err)
				continue
			}
			logger.Info("filter config reloaded", "source", "file", "path", path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("filter config watch error", "error", err)
		}
	}
}
