package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingSink collects delivered messages and close reasons.
type recordingSink struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool
	reason   string
}

func (r *recordingSink) Deliver(msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("sink unavailable")
	}
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingSink) Close(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.reason = reason
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recordingSink) closedWith() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed, r.reason
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	st := NewStore(cfg, nil)
	t.Cleanup(func() { st.CloseAll(ReasonShutdown) })
	return st
}

func TestCreateDistinctSessions(t *testing.T) {
	st := newTestStore(t, Config{})
	a := st.Create(ClientInfo{RemoteAddr: "1.2.3.4"}, "")
	b := st.Create(ClientInfo{}, "high")
	if a.ID == b.ID {
		t.Fatalf("two Create calls produced the same id %q", a.ID)
	}
	if len(a.ID) < 32 {
		t.Errorf("session id %q too short for a 128-bit token", a.ID)
	}
	if st.Count() != 2 {
		t.Errorf("Count = %d, want 2", st.Count())
	}
	if got, ok := st.Get(a.ID); !ok || got != a {
		t.Error("Get did not return the created session")
	}
}

func TestDeliveryOrderPreserved(t *testing.T) {
	st := newTestStore(t, Config{})
	s := st.Create(ClientInfo{}, "")
	sink := &recordingSink{}
	if err := s.Attach(sink); err != nil {
		t.Fatal(err)
	}
	for i := range 10 {
		if err := s.Enqueue([]byte(fmt.Sprintf(`{"n":%d}`, i)), false); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool { return sink.count() == 10 }, "10 deliveries")
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i, msg := range sink.messages {
		if want := fmt.Sprintf(`{"n":%d}`, i); string(msg) != want {
			t.Errorf("message %d = %s, want %s", i, msg, want)
		}
	}
}

func TestBroadcastReachesEverySink(t *testing.T) {
	st := newTestStore(t, Config{})
	s := st.Create(ClientInfo{}, "")
	s1, s2 := &recordingSink{}, &recordingSink{}
	_ = s.Attach(s1)
	_ = s.Attach(s2)

	// The same notification twice yields exactly two copies per sink.
	_ = s.Enqueue([]byte(`{"method":"note"}`), true)
	_ = s.Enqueue([]byte(`{"method":"note"}`), true)

	waitFor(t, func() bool { return s1.count() == 2 && s2.count() == 2 }, "broadcast fan-out")
}

func TestTargetedDeliveredOnce(t *testing.T) {
	st := newTestStore(t, Config{})
	s := st.Create(ClientInfo{}, "")
	s1, s2 := &recordingSink{}, &recordingSink{}
	_ = s.Attach(s1)
	_ = s.Attach(s2)

	_ = s.Enqueue([]byte(`{"id":1,"result":"x"}`), false)
	waitFor(t, func() bool { return s1.count()+s2.count() == 1 }, "single delivery")

	time.Sleep(20 * time.Millisecond)
	if total := s1.count() + s2.count(); total != 1 {
		t.Errorf("targeted message delivered %d times, want 1", total)
	}
}

func TestQueueRetainedWhileDetached(t *testing.T) {
	st := newTestStore(t, Config{DetachGrace: time.Minute})
	s := st.Create(ClientInfo{}, "")
	_ = s.Enqueue([]byte(`{"method":"early"}`), true)

	sink := &recordingSink{}
	if err := s.Attach(sink); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return sink.count() == 1 }, "queued message after attach")
}

func TestDropOldestBeyondDepth(t *testing.T) {
	st := newTestStore(t, Config{MaxQueueDepth: 4, HardCap: 1000})
	s := st.Create(ClientInfo{}, "")
	for i := range 10 {
		_ = s.Enqueue([]byte(fmt.Sprintf(`{"n":%d}`, i)), true)
	}
	if got := s.Dropped(); got != 6 {
		t.Errorf("Dropped = %d, want 6", got)
	}
	if got := s.QueueDepth(); got != 4 {
		t.Errorf("QueueDepth = %d, want 4", got)
	}

	// The retained messages are the newest ones.
	sink := &recordingSink{}
	_ = s.Attach(sink)
	waitFor(t, func() bool { return sink.count() == 4 }, "drain")
	sink.mu.Lock()
	first := string(sink.messages[0])
	sink.mu.Unlock()
	if first != `{"n":6}` {
		t.Errorf("oldest retained = %s, want {\"n\":6}", first)
	}
}

// stuckSink blocks every Deliver until the sink is closed, the way a peer
// that stops reading stalls an SSE write.
type stuckSink struct {
	unblock   chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	reason    string
}

func newStuckSink() *stuckSink {
	return &stuckSink{unblock: make(chan struct{})}
}

func (s *stuckSink) Deliver([]byte) error {
	<-s.unblock
	return fmt.Errorf("sink closed")
}

func (s *stuckSink) Close(reason string) {
	s.mu.Lock()
	s.reason = reason
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.unblock) })
}

func (s *stuckSink) closedWith() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func TestHardCapClosesSlowConsumer(t *testing.T) {
	st := newTestStore(t, Config{MaxQueueDepth: 8, HardCap: 16})
	s := st.Create(ClientInfo{}, "")
	sink := newStuckSink() // attached but never makes progress
	_ = s.Attach(sink)

	var closedErr error
	for i := 0; i < 64 && closedErr == nil; i++ {
		closedErr = s.Enqueue([]byte(`{"method":"flood"}`), true)
	}
	if closedErr != ErrClosed {
		t.Fatalf("flooding never closed the session, err = %v", closedErr)
	}
	if reason := sink.closedWith(); reason != ReasonSlowConsumer {
		t.Errorf("sink close reason = %q, want slow_consumer", reason)
	}
	if _, ok := st.Get(s.ID); ok {
		t.Error("closed session still present in store")
	}
}

func TestDetachIdempotent(t *testing.T) {
	st := newTestStore(t, Config{})
	s := st.Create(ClientInfo{}, "")
	sink := &recordingSink{}
	_ = s.Attach(sink)
	s.Detach(sink)
	s.Detach(sink) // second detach is a no-op
	s.Detach(&recordingSink{})
	if n := s.SinkCount(); n != 0 {
		t.Errorf("SinkCount = %d, want 0", n)
	}
}

func TestCloseIdempotentAndCallbackOnce(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	st := newTestStore(t, Config{})
	st.OnClose(func(id, reason string) {
		mu.Lock()
		calls = append(calls, reason)
		mu.Unlock()
	})
	s := st.Create(ClientInfo{}, "")

	if !st.Close(s.ID, ReasonDeleted) {
		t.Fatal("Close reported unknown session")
	}
	if st.Close(s.ID, ReasonDeleted) {
		t.Error("second Close found the session again")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 || calls[0] != ReasonDeleted {
		t.Errorf("onClose calls = %v, want one %q", calls, ReasonDeleted)
	}
	if err := s.Enqueue([]byte(`{}`), true); err != ErrClosed {
		t.Errorf("Enqueue on closed session err = %v, want ErrClosed", err)
	}
	if err := s.Attach(&recordingSink{}); err != ErrClosed {
		t.Errorf("Attach on closed session err = %v, want ErrClosed", err)
	}
}

func TestGCDetachGrace(t *testing.T) {
	st := NewStore(Config{
		DetachGrace: 30 * time.Millisecond,
		IdleTimeout: time.Hour,
		GCInterval:  10 * time.Millisecond,
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { st.Run(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	s := st.Create(ClientInfo{}, "") // never attaches a sink
	waitFor(t, func() bool { _, ok := st.Get(s.ID); return !ok }, "detach-grace GC")
	if closed, reason := s.Closed(); !closed || reason != ReasonDetached {
		t.Errorf("closed=%v reason=%q, want detached", closed, reason)
	}
}

func TestGCIdleTimeout(t *testing.T) {
	st := NewStore(Config{
		DetachGrace: time.Hour,
		IdleTimeout: 40 * time.Millisecond,
		GCInterval:  10 * time.Millisecond,
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { st.Run(ctx); close(done) }()
	defer func() { cancel(); <-done }()

	s := st.Create(ClientInfo{}, "")
	sink := &recordingSink{}
	_ = s.Attach(sink) // attached, but the client never sends anything
	waitFor(t, func() bool { _, ok := st.Get(s.ID); return !ok }, "idle GC")
	if closed, reason := s.Closed(); !closed || reason != ReasonIdleTimeout {
		t.Errorf("closed=%v reason=%q, want idle_timeout", closed, reason)
	}
}

func TestBroadcastStore(t *testing.T) {
	st := newTestStore(t, Config{})
	a := st.Create(ClientInfo{}, "")
	b := st.Create(ClientInfo{}, "")
	sa, sb := &recordingSink{}, &recordingSink{}
	_ = a.Attach(sa)
	_ = b.Attach(sb)

	if n := st.Broadcast([]byte(`{"method":"note"}`)); n != 2 {
		t.Errorf("Broadcast accepted by %d sessions, want 2", n)
	}
	waitFor(t, func() bool { return sa.count() == 1 && sb.count() == 1 }, "store broadcast")
}
