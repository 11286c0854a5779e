package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/hausofbasquiat/chat-service/internal/protocol"
)

func queued(content string) protocol.SendMessageMsg {
	return protocol.SendMessageMsg{
		ConversationID: "conv-1",
		Content:        content,
		ContentType:    protocol.ContentText,
	}
}

func TestAddAssignsToken(t *testing.T) {
	o := New()

	got := o.Add(queued("hello"))
	if got.IdempotencyKey == "" {
		t.Fatal("expected an idempotency token to be assigned")
	}
	if got.Type != protocol.TypeSendMessage {
		t.Errorf("expected type %s, got %q", protocol.TypeSendMessage, got.Type)
	}

	// An existing token is preserved.
	withToken := queued("hi")
	withToken.IdempotencyKey = "client-token"
	if got := o.Add(withToken); got.IdempotencyKey != "client-token" {
		t.Errorf("client token replaced: %q", got.IdempotencyKey)
	}
}

func TestFlushInOrder(t *testing.T) {
	o := New()
	o.Add(queued("one"))
	o.Add(queued("two"))
	o.Add(queued("three"))

	var sent []string
	n, err := o.Flush(context.Background(), func(ctx context.Context, msg protocol.SendMessageMsg) error {
		sent = append(sent, msg.Content)
		return nil
	})
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 sent, got %d", n)
	}
	if sent[0] != "one" || sent[1] != "two" || sent[2] != "three" {
		t.Fatalf("out of order: %v", sent)
	}
	if o.Len() != 0 {
		t.Fatalf("expected empty outbox, got %d", o.Len())
	}
}

func TestFlushStopsOnFailureAndRetains(t *testing.T) {
	o := New()
	o.Add(queued("one"))
	second := o.Add(queued("two"))
	o.Add(queued("three"))

	sendErr := errors.New("connection reset")
	n, err := o.Flush(context.Background(), func(ctx context.Context, msg protocol.SendMessageMsg) error {
		if msg.Content == "two" {
			return sendErr
		}
		return nil
	})
	if !errors.Is(err, sendErr) {
		t.Fatalf("expected wrapped send error, got %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 sent before failure, got %d", n)
	}

	// The failed message and its successor stay queued, in order.
	rest := o.Pending()
	if len(rest) != 2 || rest[0].Content != "two" || rest[1].Content != "three" {
		t.Fatalf("unexpected retained queue: %+v", rest)
	}
	if rest[0].IdempotencyKey != second.IdempotencyKey {
		t.Error("retained message must keep its original token for the retry")
	}
}

func TestFlushHonorsContext(t *testing.T) {
	o := New()
	o.Add(queued("one"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := o.Flush(ctx, func(ctx context.Context, msg protocol.SendMessageMsg) error {
		t.Fatal("send must not be called after cancellation")
		return nil
	})
	if err == nil {
		t.Fatal("expected context error")
	}
	if n != 0 || o.Len() != 1 {
		t.Fatalf("cancelled flush must retain the queue: sent=%d len=%d", n, o.Len())
	}
}

func TestClear(t *testing.T) {
	o := New()
	o.Add(queued("one"))
	o.Clear()
	if o.Len() != 0 {
		t.Fatal("expected empty outbox after clear")
	}
}
