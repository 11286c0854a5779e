// Package history keeps the last few messages of each conversation in
// memory so that a reconnecting client can resynchronize without a store
// round-trip on every rejoin.
package history

import (
	"sync"

	"github.com/hausofbasquiat/chat-service/internal/thread"
)

// DefaultCapacity is the number of recent messages retained per conversation.
const DefaultCapacity = 50

// Buffer stores the last N messages per conversation. It is goroutine-safe
// and uses a ring buffer internally.
type Buffer struct {
	mu       sync.RWMutex
	capacity int
	rings    map[string]*ring // conversationID -> ring buffer
}

// ring is a fixed-size circular buffer of messages.
type ring struct {
	items []thread.Message
	pos   int
	count int
}

// NewBuffer creates an empty Buffer with the given per-conversation
// capacity; a non-positive capacity falls back to DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		capacity: capacity,
		rings:    make(map[string]*ring),
	}
}

// Add appends a message to the conversation's ring buffer. If the buffer is
// full, the oldest message is overwritten.
func (b *Buffer) Add(conversationID string, msg thread.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.rings[conversationID]
	if !ok {
		r = &ring{items: make([]thread.Message, b.capacity)}
		b.rings[conversationID] = r
	}

	r.items[r.pos] = msg
	r.pos = (r.pos + 1) % b.capacity
	if r.count < b.capacity {
		r.count++
	}
}

// Seed replaces the conversation's buffer with the given messages, assumed
// ascending by sequence. Used to warm the buffer from the store after a
// cold start.
func (b *Buffer) Seed(conversationID string, msgs []thread.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := &ring{items: make([]thread.Message, b.capacity)}
	start := 0
	if len(msgs) > b.capacity {
		start = len(msgs) - b.capacity
	}
	for _, m := range msgs[start:] {
		r.items[r.pos] = m
		r.pos = (r.pos + 1) % b.capacity
		if r.count < b.capacity {
			r.count++
		}
	}
	b.rings[conversationID] = r
}

// Recent returns the buffered messages for a conversation in chronological
// order (oldest first), and whether the conversation has a buffer at all.
// A conversation with no buffer is distinct from one with an empty history.
func (b *Buffer) Recent(conversationID string) ([]thread.Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.rings[conversationID]
	if !ok {
		return nil, false
	}

	result := make([]thread.Message, r.count)
	start := (r.pos - r.count + b.capacity) % b.capacity
	for i := 0; i < r.count; i++ {
		result[i] = r.items[(start+i)%b.capacity]
	}
	return result, true
}

// Remove deletes the buffer for a conversation.
func (b *Buffer) Remove(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.rings, conversationID)
}
