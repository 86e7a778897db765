// Package child supervises the stdio JSON-RPC server process: spawn, frame
// pump in both directions, health state machine, and restart with backoff.
package child

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpwire/mcpwire/internal/domain/framing"
	"github.com/mcpwire/mcpwire/internal/port/outbound"
	"github.com/mcpwire/mcpwire/pkg/mcp"
)

// Supervisor satisfies the broker's outbound port.
var _ outbound.ChildProcess = (*Supervisor)(nil)

// State aliases the port's health state so callers on either side of the
// port see one type.
type State = outbound.ChildState

const (
	// StateStarting covers spawn through the first successful health check.
	StateStarting = outbound.ChildStarting
	// StateReady is normal operation.
	StateReady = outbound.ChildReady
	// StateDegraded is advisory: one framing error or unresolvable response.
	StateDegraded = outbound.ChildDegraded
	// StateDead means the process is gone; a restart may follow.
	StateDead = outbound.ChildDead
	// StateTerminal means the restart budget is exhausted. The bridge keeps
	// serving discovery; forwards fail with a fixed error.
	StateTerminal = outbound.ChildTerminal
)

var (
	// ErrTerminal is returned by Send once the restart budget is exhausted.
	ErrTerminal = errors.New("child terminal: restart budget exhausted")
	// ErrNotRunning is returned by Send before the first spawn or after stop.
	ErrNotRunning = errors.New("child not running")
	// ErrHealthCheck is returned when a health probe gets no response in time.
	ErrHealthCheck = errors.New("health check timed out")
)

// Config controls the supervisor. Zero fields take the documented defaults.
type Config struct {
	// Command is the child command line, run via the shell.
	Command string
	// MaxFrameBytes caps a single stdout line.
	MaxFrameBytes int
	// StartupTimeout bounds the initialize probe after spawn. Default 10s.
	StartupTimeout time.Duration
	// StopGrace is the wait between stdin close, SIGTERM, and SIGKILL.
	// Default 3s.
	StopGrace time.Duration
	// BackoffInitial is the first restart delay. Default 1s.
	BackoffInitial time.Duration
	// BackoffMax caps the restart delay. Default 30s.
	BackoffMax time.Duration
	// RestartMax is the restart budget per window. Default 5.
	RestartMax int
	// RestartWindow is the budget window. Default 5m.
	RestartWindow time.Duration
	// SendQueueSize bounds the stdin write queue. Default 256.
	SendQueueSize int
	// RecoveryInterval is how long Degraded must stay clean before Ready,
	// and the window in which a second framing failure forces a restart.
	// Default 30s.
	RecoveryInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = framing.DefaultMaxFrameBytes
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 10 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 3 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.RestartMax <= 0 {
		c.RestartMax = 5
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = 5 * time.Minute
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = 30 * time.Second
	}
}

// Option configures the supervisor's callbacks.
type Option func(*Supervisor)

// OnMessage sets the handler for every stdout frame that is not a health
// probe response. Called from the single reader goroutine, in order.
func OnMessage(fn func(raw []byte)) Option {
	return func(s *Supervisor) { s.onMessage = fn }
}

// OnExit sets the handler called after every process exit, before any
// restart. The broker fails its pending entries here.
func OnExit(fn func()) Option {
	return func(s *Supervisor) { s.onExit = fn }
}

// OnStateChange sets the handler for health state transitions.
func OnStateChange(fn func(State)) Option {
	return func(s *Supervisor) { s.onState = fn }
}

// instance is one spawned process generation.
type instance struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	writer *framing.Writer
	stop   chan struct{} // closed to end the write pump
}

// Supervisor owns the child process for the life of the bridge.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	onMessage func([]byte)
	onExit    func()
	onState   func(State)

	state  atomic.Int32
	sendCh chan []byte
	probes probeTable

	mu             sync.Mutex
	restarts       []time.Time
	lastFramingErr time.Time
	lastIssue      time.Time
	running        bool
}

// New builds a supervisor. Run must be called to start the child.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Supervisor {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		cfg:    cfg,
		logger: logger,
		sendCh: make(chan []byte, cfg.SendQueueSize),
	}
	s.probes.waiters = make(map[string]chan struct{})
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current health state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Send queues one frame for the child's stdin. The write pump preserves
// submission order. Blocks only when the queue is full.
func (s *Supervisor) Send(ctx context.Context, raw []byte) error {
	switch s.State() {
	case StateTerminal:
		return ErrTerminal
	case StateDead:
		return ErrNotRunning
	}
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	select {
	case s.sendCh <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NoteUnresolvable marks the advisory Degraded state after a response the
// broker could not correlate. Does not count toward the restart rule.
func (s *Supervisor) NoteUnresolvable() {
	s.mu.Lock()
	s.lastIssue = time.Now()
	s.mu.Unlock()
	if s.State() == StateReady {
		s.setState(StateDegraded)
	}
}

// Run spawns the child and keeps it alive until ctx is cancelled or the
// restart budget runs out. Returns ErrTerminal in the latter case.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.markStopped()

	backoff := s.cfg.BackoffInitial
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		startedAt := time.Now()
		s.runOnce(ctx)

		s.setState(StateDead)
		if s.onExit != nil {
			s.onExit()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A run that survived past the backoff cap resets the delay.
		if time.Since(startedAt) > s.cfg.BackoffMax {
			backoff = s.cfg.BackoffInitial
		}
		if !s.consumeRestartBudget() {
			s.setState(StateTerminal)
			s.logger.Error("child restart budget exhausted, entering terminal state",
				"max", s.cfg.RestartMax, "window", s.cfg.RestartWindow)
			return ErrTerminal
		}
		s.logger.Warn("restarting child", "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, s.cfg.BackoffMax)
	}
}

// runOnce covers one process generation: spawn, probe, pump, teardown.
func (s *Supervisor) runOnce(ctx context.Context) {
	s.setState(StateStarting)

	inst, err := s.spawn(ctx)
	if err != nil {
		s.logger.Error("failed to spawn child", "cmd", s.cfg.Command, "error", err)
		return
	}
	s.mu.Lock()
	s.running = true
	s.lastFramingErr = time.Time{}
	s.lastIssue = time.Time{}
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.drainStderr(inst.stderr)
	}()
	go func() {
		defer wg.Done()
		s.writePump(inst)
	}()

	// The read loop only unblocks when the child's stdout closes, so a
	// cancelled context must reach the process itself.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			stopProcessTree(inst.cmd)
		case <-watchDone:
		}
	}()

	probeCtx, cancelProbe := context.WithCancel(ctx)
	go func() {
		if err := s.HealthCheck(probeCtx, s.cfg.StartupTimeout); err != nil {
			if probeCtx.Err() == nil {
				s.logger.Error("startup health check failed, killing child", "error", err)
				killProcessTree(inst.cmd)
			}
			return
		}
		s.setState(StateReady)
	}()

	s.readLoop(inst)
	cancelProbe()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	close(inst.stop)
	s.terminate(inst)
	wg.Wait()
}

// spawn starts the process with both pipes and its own process group, so a
// kill cannot orphan grandchildren.
func (s *Supervisor) spawn(ctx context.Context) (*instance, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", s.cfg.Command)
	setProcessGroup(cmd)
	// CommandContext's default kill is bypassed; teardown owns the escalation.
	cmd.Cancel = func() error { return nil }

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start child: %w", err)
	}
	s.logger.Info("child started", "cmd", s.cfg.Command, "pid", cmd.Process.Pid)
	return &instance{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		writer: framing.NewWriter(stdin),
		stop:   make(chan struct{}),
	}, nil
}

// readLoop pumps stdout frames until the stream ends or a repeated framing
// failure forces a restart.
func (s *Supervisor) readLoop(inst *instance) {
	r := framing.NewReader(inst.stdout, s.cfg.MaxFrameBytes)
	for {
		frame, err := r.ReadFrame()
		if err != nil {
			if errors.Is(err, framing.ErrFrameTooLarge) || errors.Is(err, framing.ErrInvalidUTF8) {
				if s.noteFramingError(err) {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("child stdout read failed", "error", err)
			}
			return
		}
		s.noteClean()
		if s.probes.resolve(frame) {
			continue
		}
		if s.onMessage != nil {
			s.onMessage(frame)
		}
	}
}

// writePump is the single stdin writer for one generation. sendCh outlives
// generations, so frames queued during a restart reach the new process.
func (s *Supervisor) writePump(inst *instance) {
	for {
		select {
		case <-inst.stop:
			return
		case frame := <-s.sendCh:
			if err := inst.writer.WriteFrame(frame); err != nil {
				s.logger.Warn("child stdin write failed", "error", err)
				return
			}
		}
	}
}

// drainStderr forwards the child's stderr lines into the bridge log.
func (s *Supervisor) drainStderr(stderr io.ReadCloser) {
	r := framing.NewReader(stderr, 64*1024)
	for {
		line, err := r.ReadFrame()
		if err != nil {
			return
		}
		s.logger.Info("child stderr", "line", string(line))
	}
}

// noteFramingError records a framing failure. Reports true when this is the
// second one inside the recovery interval, which forces a restart.
func (s *Supervisor) noteFramingError(err error) bool {
	now := time.Now()
	s.mu.Lock()
	repeated := !s.lastFramingErr.IsZero() && now.Sub(s.lastFramingErr) <= s.cfg.RecoveryInterval
	s.lastFramingErr = now
	s.lastIssue = now
	s.mu.Unlock()

	if repeated {
		s.logger.Error("repeated framing failure, restarting child", "error", err)
		return true
	}
	s.logger.Warn("framing failure from child", "error", err)
	if s.State() == StateReady {
		s.setState(StateDegraded)
	}
	return false
}

// noteClean promotes Degraded back to Ready after a clean recovery interval.
func (s *Supervisor) noteClean() {
	if s.State() != StateDegraded {
		return
	}
	s.mu.Lock()
	clean := !s.lastIssue.IsZero() && time.Since(s.lastIssue) >= s.cfg.RecoveryInterval
	s.mu.Unlock()
	if clean {
		s.setState(StateReady)
	}
}

// consumeRestartBudget prunes the window and claims one restart slot.
func (s *Supervisor) consumeRestartBudget() bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if now.Sub(t) < s.cfg.RestartWindow {
			kept = append(kept, t)
		}
	}
	s.restarts = kept
	if len(s.restarts) >= s.cfg.RestartMax {
		return false
	}
	s.restarts = append(s.restarts, now)
	return true
}

// terminate escalates: close stdin, wait grace, SIGTERM the group, wait
// grace, SIGKILL. Always reaps the process.
func (s *Supervisor) terminate(inst *instance) {
	inst.stdin.Close()

	done := make(chan struct{})
	go func() {
		inst.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(s.cfg.StopGrace):
	}
	if err := stopProcessTree(inst.cmd); err != nil {
		s.logger.Debug("graceful stop failed", "error", err)
	}
	select {
	case <-done:
		return
	case <-time.After(s.cfg.StopGrace):
	}
	killProcessTree(inst.cmd)
	<-done
}

func (s *Supervisor) markStopped() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Supervisor) setState(st State) {
	if State(s.state.Swap(int32(st))) == st {
		return
	}
	s.logger.Info("child state", "state", st.String())
	if s.onState != nil {
		s.onState(st)
	}
}

// probeSeq numbers health probe ids across generations.
var probeSeq atomic.Int64

// HealthCheck sends an initialize request with a reserved bridge id and
// waits for the matching response. The response is consumed by the
// supervisor and never reaches the broker.
func (s *Supervisor) HealthCheck(ctx context.Context, deadline time.Duration) error {
	id := fmt.Sprintf("bridge-health-%d", probeSeq.Add(1))
	raw, err := probeRequest(id)
	if err != nil {
		return fmt.Errorf("build health probe: %w", err)
	}
	wait := s.probes.register(id)
	defer s.probes.forget(id)

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	if err := s.Send(ctx, raw); err != nil {
		return fmt.Errorf("send health probe: %w", err)
	}
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrHealthCheck
		}
		return ctx.Err()
	}
}

// probeRequest builds the initialize request used for health probes.
func probeRequest(id string) ([]byte, error) {
	return mcp.NewStringIDRequest(id, "initialize", map[string]any{
		"protocolVersion": "2025-06-18",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "mcpwire", "version": "health-probe"},
	})
}

// probeTable matches probe responses to waiting health checks.
type probeTable struct {
	mu      sync.Mutex
	waiters map[string]chan struct{}
}

func (p *probeTable) register(id string) chan struct{} {
	ch := make(chan struct{})
	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()
	return ch
}

func (p *probeTable) forget(id string) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// resolve consumes a frame if it answers a pending probe.
func (p *probeTable) resolve(frame []byte) bool {
	msg, err := mcp.Wrap(frame, mcp.Inbound)
	if err != nil || !msg.IsResponse() {
		return false
	}
	var id string
	if json.Unmarshal(msg.ID(), &id) != nil {
		return false
	}
	p.mu.Lock()
	ch, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	p.mu.Unlock()
	if ok {
		close(ch)
	}
	return ok
}
