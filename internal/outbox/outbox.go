// Package outbox queues messages composed while the connection is down and
// replays them in order on reconnect. Every queued message carries an
// idempotency token, so a flush that dies halfway can be repeated without
// duplicating the messages that already made it through.
package outbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/hausofbasquiat/chat-service/internal/protocol"
)

// SendFunc delivers one queued message. A non-nil error stops the flush with
// the failed message still at the head of the queue.
type SendFunc func(ctx context.Context, msg protocol.SendMessageMsg) error

// Outbox is a FIFO queue of unsent messages. It is goroutine-safe; a flush
// and a concurrent Add never reorder entries.
type Outbox struct {
	mu      sync.Mutex
	pending []protocol.SendMessageMsg
}

// New creates an empty Outbox.
func New() *Outbox {
	return &Outbox{}
}

// Add queues a message for a later flush, assigning an idempotency token if
// the message does not already carry one. The queued copy (with its token) is
// returned.
func (o *Outbox) Add(msg protocol.SendMessageMsg) protocol.SendMessageMsg {
	if msg.IdempotencyKey == "" {
		msg.IdempotencyKey = uuid.New().String()
	}
	if msg.Type == "" {
		msg.Type = protocol.TypeSendMessage
	}

	o.mu.Lock()
	o.pending = append(o.pending, msg)
	o.mu.Unlock()
	return msg
}

// Len returns the number of queued messages.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Pending returns a snapshot of the queued messages in send order.
func (o *Outbox) Pending() []protocol.SendMessageMsg {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]protocol.SendMessageMsg, len(o.pending))
	copy(out, o.pending)
	return out
}

// Flush sends queued messages in FIFO order, removing each from the queue
// only after send succeeds. The first failure stops the flush and leaves the
// failed message and everything behind it queued for the next attempt.
// Returns the number of messages sent.
func (o *Outbox) Flush(ctx context.Context, send SendFunc) (int, error) {
	sent := 0
	for {
		o.mu.Lock()
		if len(o.pending) == 0 {
			o.mu.Unlock()
			return sent, nil
		}
		head := o.pending[0]
		o.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return sent, err
		}

		if err := send(ctx, head); err != nil {
			return sent, fmt.Errorf("outbox: flush stopped at %q: %w", head.IdempotencyKey, err)
		}

		o.mu.Lock()
		// Head cannot have moved: Add only appends and flushes are expected
		// to run one at a time per outbox.
		o.pending = o.pending[1:]
		o.mu.Unlock()
		sent++
	}
}

// Clear drops all queued messages without sending them.
func (o *Outbox) Clear() {
	o.mu.Lock()
	o.pending = nil
	o.mu.Unlock()
}
