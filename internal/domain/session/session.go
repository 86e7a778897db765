package session

import (
	"sync"
	"time"
)

// Session is one client's state on the bridge. Fields behind mu are mutated
// only under it; delivery runs on the session's own dispatch goroutine so
// per-session ordering is preserved end to end.
type Session struct {
	// ID is the opaque session token handed to the client.
	ID string
	// CreatedAt is when the session was created (UTC).
	CreatedAt time.Time
	// Priority is an optional client-supplied label, echoed in listings.
	Priority string
	// Client records the requesting peer.
	Client ClientInfo

	maxDepth int
	hardCap  int
	onClose  func(id, reason string)

	mu           sync.Mutex
	lastActivity time.Time
	detachedAt   time.Time // zero while at least one sink is attached
	queue        []item
	dropped      uint64 // lifetime drop count
	backlog      int    // drops since the dispatcher last made progress
	sinks        map[Sink]struct{}
	closed       bool
	closeReason  string

	wake chan struct{} // capacity 1, nudges the dispatcher
	done chan struct{} // closed exactly once when the session closes
}

// Touch records client activity, deferring the idle timeout.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

// Enqueue appends a message to the outbound queue. Broadcast messages are
// delivered to every attached sink; targeted messages to exactly one.
//
// When the queue exceeds its depth limit the oldest message is dropped and
// counted. When the cumulative backlog since the last delivery reaches the
// hard cap the session is closed with reason slow_consumer and ErrClosed is
// returned.
func (s *Session) Enqueue(data []byte, broadcast bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.lastActivity = time.Now().UTC()
	s.queue = append(s.queue, item{data: data, broadcast: broadcast})
	for len(s.queue) > s.maxDepth {
		s.queue = s.queue[1:]
		s.dropped++
		s.backlog++
	}
	if len(s.queue)+s.backlog >= s.hardCap {
		s.mu.Unlock()
		s.close(ReasonSlowConsumer)
		return ErrClosed
	}
	s.mu.Unlock()
	s.nudge()
	return nil
}

// Attach adds a sink and wakes the dispatcher. Attaching a sink that is
// already attached is a no-op.
func (s *Session) Attach(sink Sink) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.sinks[sink] = struct{}{}
	s.detachedAt = time.Time{}
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
	s.nudge()
	return nil
}

// Detach removes a sink. Idempotent: detaching twice, or detaching a sink
// that was never attached, does nothing. When the last sink leaves, the
// detach-grace clock starts; queued messages are retained for a reconnect.
func (s *Session) Detach(sink Sink) {
	s.mu.Lock()
	if _, ok := s.sinks[sink]; ok {
		delete(s.sinks, sink)
		if len(s.sinks) == 0 {
			s.detachedAt = time.Now().UTC()
		}
	}
	s.mu.Unlock()
}

// QueueDepth returns the current queue length.
func (s *Session) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Dropped returns the lifetime count of messages dropped from the queue.
func (s *Session) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// SinkCount returns the number of attached sinks.
func (s *Session) SinkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sinks)
}

// Closed reports whether the session has been closed and, if so, why.
func (s *Session) Closed() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closeReason
}

// Snapshot returns a point-in-time view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:           s.ID,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		Priority:     s.Priority,
		QueueDepth:   len(s.queue),
		Dropped:      s.dropped,
		Sinks:        len(s.sinks),
		RemoteAddr:   s.Client.RemoteAddr,
		UserAgent:    s.Client.UserAgent,
	}
}

// close marks the session closed, drops the queue, closes every sink with
// the reason, and stops the dispatcher. Idempotent.
func (s *Session) close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeReason = reason
	sinks := make([]Sink, 0, len(s.sinks))
	for sk := range s.sinks {
		sinks = append(sinks, sk)
	}
	s.sinks = make(map[Sink]struct{})
	s.queue = nil
	s.mu.Unlock()

	close(s.done)
	for _, sk := range sinks {
		sk.Close(reason)
	}
	if s.onClose != nil {
		s.onClose(s.ID, reason)
	}
}

// nudge wakes the dispatcher without blocking.
func (s *Session) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatch is the session's delivery loop. It pops queued items and hands
// them to attached sinks one at a time, preserving enqueue order. Targeted
// items go to the first sink that accepts; broadcast items go to every sink
// attached at delivery time. Runs until the session closes.
func (s *Session) dispatch() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 || len(s.sinks) == 0 {
			if s.closed {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			select {
			case <-s.wake:
			case <-s.done:
				return
			}
			s.mu.Lock()
		}
		it := s.queue[0]
		s.queue = s.queue[1:]
		s.backlog = 0
		targets := make([]Sink, 0, len(s.sinks))
		for sk := range s.sinks {
			targets = append(targets, sk)
		}
		s.mu.Unlock()

		if it.broadcast {
			for _, sk := range targets {
				_ = sk.Deliver(it.data)
			}
			continue
		}
		for _, sk := range targets {
			if err := sk.Deliver(it.data); err == nil {
				break
			}
		}
	}
}

// expired reports whether the session should be garbage collected at now,
// and the close reason if so.
func (s *Session) expired(now time.Time, idle, grace time.Duration) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ""
	}
	if idle > 0 && now.Sub(s.lastActivity) > idle {
		return true, ReasonIdleTimeout
	}
	if grace > 0 && !s.detachedAt.IsZero() && now.Sub(s.detachedAt) > grace {
		return true, ReasonDetached
	}
	return false, ""
}
