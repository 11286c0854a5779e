package presence

import (
	"sync"
	"testing"
	"time"
)

// expireRecorder collects expiry callbacks.
type expireRecorder struct {
	mu    sync.Mutex
	calls [][2]string // conversationID, userID
}

func (r *expireRecorder) record(conversationID, userID string) {
	r.mu.Lock()
	r.calls = append(r.calls, [2]string{conversationID, userID})
	r.mu.Unlock()
}

func (r *expireRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestStartAndStop(t *testing.T) {
	tr := NewTypingTracker(time.Minute, nil)

	if !tr.Start("conv-1", "alice") {
		t.Fatal("first start should report a new indicator")
	}
	if !tr.IsTyping("conv-1", "alice") {
		t.Fatal("expected alice to be typing")
	}

	// A refresh is not a new indicator.
	if tr.Start("conv-1", "alice") {
		t.Fatal("repeated start should refresh, not start")
	}

	if !tr.Stop("conv-1", "alice") {
		t.Fatal("stop of a live indicator should report true")
	}
	if tr.IsTyping("conv-1", "alice") {
		t.Fatal("expected indicator cleared")
	}

	// Stopping again is a no-op.
	if tr.Stop("conv-1", "alice") {
		t.Fatal("stop of a cleared indicator should report false")
	}
}

func TestExpiry(t *testing.T) {
	rec := &expireRecorder{}
	tr := NewTypingTracker(20*time.Millisecond, rec.record)

	tr.Start("conv-1", "alice")

	deadline := time.Now().Add(time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if rec.count() != 1 {
		t.Fatalf("expected 1 expiry, got %d", rec.count())
	}
	if rec.calls[0] != [2]string{"conv-1", "alice"} {
		t.Errorf("unexpected expiry: %v", rec.calls[0])
	}
	if tr.IsTyping("conv-1", "alice") {
		t.Fatal("indicator should be gone after expiry")
	}
}

func TestExplicitStopSuppressesExpiry(t *testing.T) {
	rec := &expireRecorder{}
	tr := NewTypingTracker(20*time.Millisecond, rec.record)

	tr.Start("conv-1", "alice")
	tr.Stop("conv-1", "alice")

	time.Sleep(60 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("expected no expiry after explicit stop, got %d", rec.count())
	}
}

func TestStopAllForUser(t *testing.T) {
	tr := NewTypingTracker(time.Minute, nil)

	tr.Start("conv-1", "alice")
	tr.Start("conv-2", "alice")
	tr.Start("conv-1", "bob")

	cleared := tr.StopAllForUser("alice")
	if len(cleared) != 2 {
		t.Fatalf("expected 2 cleared conversations, got %v", cleared)
	}
	if tr.IsTyping("conv-1", "alice") || tr.IsTyping("conv-2", "alice") {
		t.Fatal("alice should have no live indicators")
	}
	if !tr.IsTyping("conv-1", "bob") {
		t.Fatal("bob's indicator must survive")
	}
}
