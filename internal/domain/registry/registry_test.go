package registry

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestNextIDMonotonic(t *testing.T) {
	r := New()
	seen := make(map[int64]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				id := r.NextID()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate bridge id %d", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 800 {
		t.Errorf("expected 800 unique ids, got %d", len(seen))
	}
}

func TestRegisterResolve(t *testing.T) {
	r := New()
	id := r.NextID()
	r.Register(Entry{
		BridgeID:   id,
		SessionID:  "s1",
		OriginalID: json.RawMessage(`"abc"`),
		Method:     "tools/call",
	})

	e, ok := r.Resolve(id)
	if !ok {
		t.Fatal("Resolve missed a registered entry")
	}
	if e.SessionID != "s1" || string(e.OriginalID) != `"abc"` {
		t.Errorf("entry = %+v", e)
	}

	// Second resolve is a miss: entries are single-use.
	if _, ok := r.Resolve(id); ok {
		t.Error("Resolve returned an already-consumed entry")
	}
}

func TestResolveUnknown(t *testing.T) {
	r := New()
	if _, ok := r.Resolve(999); ok {
		t.Error("Resolve of unknown id reported a hit")
	}
}

func TestSweepExpired(t *testing.T) {
	r := New()
	now := time.Now()
	r.Register(Entry{BridgeID: 1, SessionID: "s1", Deadline: now.Add(-time.Second)})
	r.Register(Entry{BridgeID: 2, SessionID: "s2", Deadline: now.Add(time.Minute)})
	r.Register(Entry{BridgeID: 3, SessionID: "s3"}) // no deadline

	expired := r.Sweep(now)
	if len(expired) != 1 || expired[0].BridgeID != 1 {
		t.Fatalf("expired = %+v", expired)
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}

	// Expired entry is gone for good.
	if _, ok := r.Resolve(1); ok {
		t.Error("swept entry still resolvable")
	}
}

func TestFailAll(t *testing.T) {
	r := New()
	for i := range 5 {
		r.Register(Entry{BridgeID: int64(i + 1), SessionID: "s"})
	}
	failed := r.FailAll()
	if len(failed) != 5 {
		t.Errorf("failed = %d entries, want 5", len(failed))
	}
	if r.Len() != 0 {
		t.Errorf("Len after FailAll = %d", r.Len())
	}
}

func TestDropSession(t *testing.T) {
	r := New()
	r.Register(Entry{BridgeID: 1, SessionID: "a"})
	r.Register(Entry{BridgeID: 2, SessionID: "b"})
	r.Register(Entry{BridgeID: 3, SessionID: "a"})

	if n := r.DropSession("a"); n != 2 {
		t.Errorf("DropSession removed %d, want 2", n)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
	if _, ok := r.Resolve(2); !ok {
		t.Error("unrelated session's entry was dropped")
	}
}
