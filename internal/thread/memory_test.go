package thread

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newDirect(t *testing.T, s *MemoryStore, a, b string) *Thread {
	t.Helper()
	th, err := s.CreateThread(context.Background(), NewThread{
		Type:         TypeDirect,
		Participants: []string{a, b},
		CreatedBy:    a,
	})
	if err != nil {
		t.Fatalf("create direct thread: %v", err)
	}
	return th
}

func TestCreateThread_DirectDedupe(t *testing.T) {
	s := NewMemoryStore()

	first := newDirect(t, s, "alice", "bob")

	// Same pair, reversed order, must resolve to the existing thread.
	second, err := s.CreateThread(context.Background(), NewThread{
		Type:         TypeDirect,
		Participants: []string{"bob", "alice"},
		CreatedBy:    "bob",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected existing thread %s, got new thread %s", first.ID, second.ID)
	}

	// A different pair creates a new thread.
	third := newDirect(t, s, "alice", "carol")
	if third.ID == first.ID {
		t.Fatal("different pair should create a distinct thread")
	}
}

func TestCreateThread_ConcurrentDirectDedupe(t *testing.T) {
	s := NewMemoryStore()

	const workers = 8
	ids := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			th, err := s.CreateThread(context.Background(), NewThread{
				Type:         TypeDirect,
				Participants: []string{"alice", "bob"},
				CreatedBy:    "alice",
			})
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			ids <- th.ID
		}()
	}
	wg.Wait()
	close(ids)

	first := ""
	for id := range ids {
		if first == "" {
			first = id
			continue
		}
		if id != first {
			t.Fatalf("concurrent creates produced distinct threads %s and %s", first, id)
		}
	}
}

func TestCreateThread_DirectRequiresTwoParticipants(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.CreateThread(context.Background(), NewThread{
		Type:         TypeDirect,
		Participants: []string{"alice", "bob", "carol"},
	})
	if !errors.Is(err, ErrBadParticipants) {
		t.Fatalf("expected ErrBadParticipants, got %v", err)
	}

	// Duplicated ids collapse to one participant.
	_, err = s.CreateThread(context.Background(), NewThread{
		Type:         TypeDirect,
		Participants: []string{"alice", "alice"},
	})
	if !errors.Is(err, ErrBadParticipants) {
		t.Fatalf("expected ErrBadParticipants for self-thread, got %v", err)
	}
}

func TestAppendMessage_MonotonicSeq(t *testing.T) {
	s := NewMemoryStore()
	th := newDirect(t, s, "alice", "bob")

	var last int64
	for i := 0; i < 5; i++ {
		m, err := s.AppendMessage(context.Background(), NewMessage{
			ThreadID:    th.ID,
			SenderID:    "alice",
			Content:     "hello",
			ContentType: "text",
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if m.Seq <= last {
			t.Fatalf("seq not strictly increasing: %d after %d", m.Seq, last)
		}
		last = m.Seq
	}
}

func TestAppendMessage_UnknownThread(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.AppendMessage(context.Background(), NewMessage{
		ThreadID:    "nope",
		SenderID:    "alice",
		Content:     "hello",
		ContentType: "text",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendMessage_ReplyMustBeInThread(t *testing.T) {
	s := NewMemoryStore()
	th1 := newDirect(t, s, "alice", "bob")
	th2 := newDirect(t, s, "alice", "carol")

	original, err := s.AppendMessage(context.Background(), NewMessage{
		ThreadID: th1.ID, SenderID: "alice", Content: "hi", ContentType: "text",
	})
	if err != nil {
		t.Fatalf("append original: %v", err)
	}

	// Replying in the same thread works.
	if _, err := s.AppendMessage(context.Background(), NewMessage{
		ThreadID: th1.ID, SenderID: "bob", Content: "hi back", ContentType: "text",
		ReplyToID: original.ID,
	}); err != nil {
		t.Fatalf("reply in same thread: %v", err)
	}

	// Replying from another thread is rejected.
	_, err = s.AppendMessage(context.Background(), NewMessage{
		ThreadID: th2.ID, SenderID: "alice", Content: "cross", ContentType: "text",
		ReplyToID: original.ID,
	})
	if !errors.Is(err, ErrBadReply) {
		t.Fatalf("expected ErrBadReply, got %v", err)
	}
}

func TestRecentMessages_LimitAndOrder(t *testing.T) {
	s := NewMemoryStore()
	th := newDirect(t, s, "alice", "bob")

	for i := 0; i < 7; i++ {
		if _, err := s.AppendMessage(context.Background(), NewMessage{
			ThreadID: th.ID, SenderID: "alice", Content: "m", ContentType: "text",
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	msgs, err := s.RecentMessages(context.Background(), th.ID, 5)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	// Ascending seq, ending at the latest (7).
	for i, m := range msgs {
		if m.Seq != int64(i+3) {
			t.Errorf("index %d: expected seq %d, got %d", i, i+3, m.Seq)
		}
	}
}

func TestMarkRead_FirstTimestampWins(t *testing.T) {
	s := NewMemoryStore()
	th := newDirect(t, s, "alice", "bob")

	m, err := s.AppendMessage(context.Background(), NewMessage{
		ThreadID: th.ID, SenderID: "alice", Content: "hi", ContentType: "text",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	first, err := s.MarkRead(context.Background(), th.ID, m.ID, "bob")
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	second, err := s.MarkRead(context.Background(), th.ID, m.ID, "bob")
	if err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	if !first.Equal(second) {
		t.Errorf("expected stable read timestamp, got %v then %v", first, second)
	}

	if _, err := s.MarkRead(context.Background(), th.ID, "missing", "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown message, got %v", err)
	}
}

func TestTouchActivity_NeverMovesBackwards(t *testing.T) {
	s := NewMemoryStore()
	th := newDirect(t, s, "alice", "bob")

	future := time.Now().Add(time.Hour)
	if err := s.TouchActivity(context.Background(), th.ID, future); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := s.TouchActivity(context.Background(), th.ID, future.Add(-2*time.Hour)); err != nil {
		t.Fatalf("touch older: %v", err)
	}

	got, err := s.GetThread(context.Background(), th.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.LastMessageAt.Equal(future) {
		t.Errorf("last activity moved backwards: %v", got.LastMessageAt)
	}
}

func TestIsParticipant(t *testing.T) {
	s := NewMemoryStore()
	th := newDirect(t, s, "alice", "bob")

	ok, err := s.IsParticipant(context.Background(), "alice", th.ID)
	if err != nil || !ok {
		t.Fatalf("expected alice to be a participant, ok=%v err=%v", ok, err)
	}
	ok, err = s.IsParticipant(context.Background(), "mallory", th.ID)
	if err != nil || ok {
		t.Fatalf("expected mallory not to be a participant, ok=%v err=%v", ok, err)
	}
	if _, err := s.IsParticipant(context.Background(), "alice", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
