package history

import (
	"fmt"
	"testing"

	"github.com/hausofbasquiat/chat-service/internal/thread"
)

func msg(seq int64) thread.Message {
	return thread.Message{
		ID:      fmt.Sprintf("msg-%d", seq),
		Seq:     seq,
		Content: fmt.Sprintf("content-%d", seq),
	}
}

func TestAddAndRecent(t *testing.T) {
	b := NewBuffer(5)

	b.Add("conv-1", msg(1))
	b.Add("conv-1", msg(2))
	b.Add("conv-1", msg(3))

	msgs, ok := b.Recent("conv-1")
	if !ok {
		t.Fatal("expected buffer to exist")
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Errorf("index %d: expected seq %d, got %d", i, i+1, m.Seq)
		}
	}
}

func TestWraparoundKeepsNewest(t *testing.T) {
	b := NewBuffer(5)

	for i := int64(1); i <= 8; i++ {
		b.Add("conv-1", msg(i))
	}

	msgs, _ := b.Recent("conv-1")
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	// Should contain seqs 4 through 8 in order.
	for i, m := range msgs {
		if m.Seq != int64(i+4) {
			t.Errorf("index %d: expected seq %d, got %d", i, i+4, m.Seq)
		}
	}
}

func TestRecent_UnknownConversation(t *testing.T) {
	b := NewBuffer(5)

	msgs, ok := b.Recent("missing")
	if ok {
		t.Fatal("expected no buffer for unknown conversation")
	}
	if msgs != nil {
		t.Fatalf("expected nil slice, got %v", msgs)
	}
}

func TestSeed(t *testing.T) {
	b := NewBuffer(3)

	seed := []thread.Message{msg(1), msg(2), msg(3), msg(4), msg(5)}
	b.Seed("conv-1", seed)

	msgs, ok := b.Recent("conv-1")
	if !ok {
		t.Fatal("expected buffer after seed")
	}
	if len(msgs) != 3 {
		t.Fatalf("expected capacity-bounded 3 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != int64(i+3) {
			t.Errorf("index %d: expected seq %d, got %d", i, i+3, m.Seq)
		}
	}

	// Adding after a seed continues in order.
	b.Add("conv-1", msg(6))
	msgs, _ = b.Recent("conv-1")
	if msgs[len(msgs)-1].Seq != 6 {
		t.Errorf("expected newest seq 6, got %d", msgs[len(msgs)-1].Seq)
	}
}

func TestRemove(t *testing.T) {
	b := NewBuffer(5)
	b.Add("conv-1", msg(1))

	b.Remove("conv-1")

	if _, ok := b.Recent("conv-1"); ok {
		t.Fatal("expected buffer to be gone after remove")
	}

	// Removing a missing buffer should not panic.
	b.Remove("never-existed")
}

func TestSeparateConversations(t *testing.T) {
	b := NewBuffer(5)
	b.Add("conv-1", msg(1))
	b.Add("conv-2", msg(10))

	m1, _ := b.Recent("conv-1")
	m2, _ := b.Recent("conv-2")
	if len(m1) != 1 || m1[0].Seq != 1 {
		t.Errorf("conv-1 unexpected contents: %v", m1)
	}
	if len(m2) != 1 || m2[0].Seq != 10 {
		t.Errorf("conv-2 unexpected contents: %v", m2)
	}
}
