package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config holds session store tuning. Zero values select the defaults.
type Config struct {
	// MaxQueueDepth is the per-session queue length beyond which the
	// oldest message is dropped. Default: 1024.
	MaxQueueDepth int
	// HardCap is the cumulative backlog at which a session is closed as
	// a slow consumer. Default: 2048.
	HardCap int
	// IdleTimeout is the client-activity timeout. Default: 300s.
	IdleTimeout time.Duration
	// DetachGrace is how long a sinkless session survives. Default: 15s.
	DetachGrace time.Duration
	// GCInterval is how often the collector scans. Default: 5s.
	GCInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if c.HardCap <= 0 {
		c.HardCap = DefaultHardCap
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.DetachGrace <= 0 {
		c.DetachGrace = DefaultDetachGrace
	}
	if c.GCInterval <= 0 {
		c.GCInterval = 5 * time.Second
	}
	return c
}

// Store owns every live session. It is safe for concurrent use.
type Store struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	onClose  func(id, reason string)
}

// NewStore creates an empty session store.
func NewStore(cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// OnClose registers a callback invoked after any session closes, with the
// session id and close reason. Used by the broker to drop pending request
// correlations. Must be set before sessions are created.
func (st *Store) OnClose(fn func(id, reason string)) {
	st.onClose = fn
}

// Create mints a new session with a random token and starts its dispatcher.
func (st *Store) Create(info ClientInfo, priority string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		Priority:     priority,
		Client:       info,
		maxDepth:     st.cfg.MaxQueueDepth,
		hardCap:      st.cfg.HardCap,
		lastActivity: now,
		detachedAt:   now, // grace clock runs until the first sink attaches
		sinks:        make(map[Sink]struct{}),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	s.onClose = func(id, reason string) {
		st.remove(id)
		if st.onClose != nil {
			st.onClose(id, reason)
		}
	}

	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()

	go s.dispatch()
	st.logger.Debug("session created", "session_id", s.ID, "remote", info.RemoteAddr)
	return s
}

// Get returns the session with the given id.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Close terminates one session with the given reason. Returns false if the
// id is unknown.
func (st *Store) Close(id, reason string) bool {
	st.mu.Lock()
	s, ok := st.sessions[id]
	st.mu.Unlock()
	if !ok {
		return false
	}
	s.close(reason)
	st.logger.Debug("session closed", "session_id", id, "reason", reason)
	return true
}

// CloseAll terminates every session. Used on shutdown.
func (st *Store) CloseAll(reason string) {
	st.mu.Lock()
	all := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		all = append(all, s)
	}
	st.mu.Unlock()
	for _, s := range all {
		s.close(reason)
	}
}

// Broadcast enqueues a message on every live session and returns how many
// accepted it.
func (st *Store) Broadcast(data []byte) int {
	st.mu.Lock()
	all := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		all = append(all, s)
	}
	st.mu.Unlock()

	n := 0
	for _, s := range all {
		if err := s.Enqueue(data, true); err == nil {
			n++
		}
	}
	return n
}

// List returns a snapshot of every session, in no particular order.
func (st *Store) List() []Snapshot {
	st.mu.Lock()
	all := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		all = append(all, s)
	}
	st.mu.Unlock()

	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		out = append(out, s.Snapshot())
	}
	return out
}

// Count returns the number of live sessions.
func (st *Store) Count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Run garbage-collects idle and detached sessions until ctx is cancelled,
// then closes every remaining session.
func (st *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(st.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			st.CloseAll(ReasonShutdown)
			return
		case now := <-ticker.C:
			st.collect(now.UTC())
		}
	}
}

// collect closes every session that has expired at now.
func (st *Store) collect(now time.Time) {
	st.mu.Lock()
	all := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		all = append(all, s)
	}
	st.mu.Unlock()

	for _, s := range all {
		if ok, reason := s.expired(now, st.cfg.IdleTimeout, st.cfg.DetachGrace); ok {
			s.close(reason)
			st.logger.Info("session expired", "session_id", s.ID, "reason", reason)
		}
	}
}

// remove unlinks a session from the store after it closed.
func (st *Store) remove(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}
