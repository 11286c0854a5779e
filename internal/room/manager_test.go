package room

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/hausofbasquiat/chat-service/internal/messaging"
	"github.com/hausofbasquiat/chat-service/internal/thread"
)

// fakeConn records every frame written to it.
type fakeConn struct {
	id     string
	userID string

	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeConn) ConnID() string { return f.id }
func (f *fakeConn) UserID() string { return f.userID }

func (f *fakeConn) WriteMessage(data []byte) error {
	f.mu.Lock()
	f.frames = append(f.frames, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

// allowAll authorizes every join.
type allowAll struct{}

func (allowAll) IsParticipant(ctx context.Context, userID, threadID string) (bool, error) {
	return true, nil
}

// denyAll rejects every join.
type denyAll struct{}

func (denyAll) IsParticipant(ctx context.Context, userID, threadID string) (bool, error) {
	return false, nil
}

func TestJoinAndDeliver(t *testing.T) {
	m := NewManager(messaging.NewMemoryBus(), allowAll{})
	ctx := context.Background()

	alice := &fakeConn{id: "conn-a", userID: "alice"}
	bob := &fakeConn{id: "conn-b", userID: "bob"}

	if err := m.Join(ctx, "conv-1", alice); err != nil {
		t.Fatalf("join alice: %v", err)
	}
	if err := m.Join(ctx, "conv-1", bob); err != nil {
		t.Fatalf("join bob: %v", err)
	}

	payload := []byte(`{"type":"new-message"}`)
	if err := m.Publish("conv-1", alice.ConnID(), payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// MemoryBus delivers synchronously: bob gets the frame, alice (origin)
	// does not.
	if got := bob.received(); got != 1 {
		t.Fatalf("expected bob to receive 1 frame, got %d", got)
	}
	if got := alice.received(); got != 0 {
		t.Fatalf("expected origin to receive 0 frames, got %d", got)
	}

	if string(bob.frames[0]) != string(payload) {
		t.Errorf("payload mismatch: %s", bob.frames[0])
	}
}

func TestJoinUnauthorized(t *testing.T) {
	m := NewManager(messaging.NewMemoryBus(), denyAll{})

	conn := &fakeConn{id: "conn-a", userID: "alice"}
	err := m.Join(context.Background(), "conv-1", conn)
	if err != thread.ErrNotParticipant {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if m.IsMember("conv-1", "conn-a") {
		t.Fatal("unauthorized conn should not be a member")
	}
}

func TestJoinIdempotent(t *testing.T) {
	m := NewManager(messaging.NewMemoryBus(), allowAll{})
	ctx := context.Background()

	conn := &fakeConn{id: "conn-a", userID: "alice"}
	if err := m.Join(ctx, "conv-1", conn); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if err := m.Join(ctx, "conv-1", conn); err != nil {
		t.Fatalf("second join: %v", err)
	}

	if err := m.Publish("conv-1", "other-conn", []byte(`x`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := conn.received(); got != 1 {
		t.Fatalf("double join must not double delivery, got %d frames", got)
	}
}

func TestLeaveStopsDelivery(t *testing.T) {
	m := NewManager(messaging.NewMemoryBus(), allowAll{})
	ctx := context.Background()

	conn := &fakeConn{id: "conn-a", userID: "alice"}
	if err := m.Join(ctx, "conv-1", conn); err != nil {
		t.Fatalf("join: %v", err)
	}

	m.Leave("conv-1", "conn-a")

	if m.IsMember("conv-1", "conn-a") {
		t.Fatal("expected conn to be gone after leave")
	}
	if err := m.Publish("conv-1", "other", []byte(`x`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := conn.received(); got != 0 {
		t.Fatalf("expected no delivery after leave, got %d", got)
	}

	// Leaving again must not panic.
	m.Leave("conv-1", "conn-a")
}

func TestDropConnectionLeavesAllRooms(t *testing.T) {
	m := NewManager(messaging.NewMemoryBus(), allowAll{})
	ctx := context.Background()

	conn := &fakeConn{id: "conn-a", userID: "alice"}
	for _, conv := range []string{"conv-1", "conv-2", "conv-3"} {
		if err := m.Join(ctx, conv, conn); err != nil {
			t.Fatalf("join %s: %v", conv, err)
		}
	}

	m.DropConnection("conn-a")

	for _, conv := range []string{"conv-1", "conv-2", "conv-3"} {
		if m.IsMember(conv, "conn-a") {
			t.Errorf("still member of %s after drop", conv)
		}
	}
	if got := len(m.Conversations("conn-a")); got != 0 {
		t.Errorf("expected no conversations after drop, got %d", got)
	}
}

func TestDeliverSkipsOrigin(t *testing.T) {
	m := NewManager(messaging.NewMemoryBus(), allowAll{})
	ctx := context.Background()

	a := &fakeConn{id: "conn-a", userID: "alice"}
	b := &fakeConn{id: "conn-b", userID: "bob"}
	if err := m.Join(ctx, "conv-1", a); err != nil {
		t.Fatal(err)
	}
	if err := m.Join(ctx, "conv-1", b); err != nil {
		t.Fatal(err)
	}

	m.Deliver("conv-1", Event{Origin: "conn-b", Payload: []byte(`y`)})

	if a.received() != 1 || b.received() != 0 {
		t.Fatalf("expected a=1 b=0, got a=%d b=%d", a.received(), b.received())
	}
}

func TestEventRoundTrip(t *testing.T) {
	ev := Event{Origin: "conn-a", Payload: json.RawMessage(`{"type":"new-message","seq":4}`)}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}

	var got Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Origin != "conn-a" {
		t.Errorf("origin mismatch: %s", got.Origin)
	}
	if string(got.Payload) != string(ev.Payload) {
		t.Errorf("payload mismatch: %s", got.Payload)
	}
}
