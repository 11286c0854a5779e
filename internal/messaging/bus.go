// Package messaging provides the pub/sub bus used to fan events out across
// gateway instances. Production uses NATS; an in-process bus backs tests and
// single-node development runs.
package messaging

import (
	"sync"
)

// Subject prefixes and names used across the service.
const (
	// SubjectConversationPrefix + <conversation_id> carries room events
	// (messages, typing, read receipts) for one conversation.
	SubjectConversationPrefix = "conv."

	// SubjectUserPrefix + <user_id> is the user's private notification
	// channel; every instance with a connection for the user subscribes.
	SubjectUserPrefix = "user."

	// SubjectPresence carries global presence transitions.
	SubjectPresence = "presence.status"

	// SubjectAdmin carries moderation action broadcasts.
	SubjectAdmin = "admin.action"
)

// ConversationSubject returns the bus subject for a conversation room.
func ConversationSubject(conversationID string) string {
	return SubjectConversationPrefix + conversationID
}

// UserSubject returns the bus subject for a user's private channel.
func UserSubject(userID string) string {
	return SubjectUserPrefix + userID
}

// Subscription is a handle for cancelling a subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the pub/sub interface the realtime core depends on.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (Subscription, error)
	Close()
}

// ---------------------------------------------------------------------------
// In-process bus
// ---------------------------------------------------------------------------

// MemoryBus is an in-process Bus. Delivery is synchronous within Publish,
// which makes it deterministic for tests; it also serves single-node
// deployments where no NATS cluster is configured.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[int]func([]byte)
	next int
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]func([]byte))}
}

// Publish delivers data to every handler subscribed to the subject.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	b.mu.RLock()
	handlers := make([]func([]byte), 0, len(b.subs[subject]))
	for _, h := range b.subs[subject] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

// Subscribe registers a handler for the subject.
func (b *MemoryBus) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[subject] == nil {
		b.subs[subject] = make(map[int]func([]byte))
	}
	id := b.next
	b.next++
	b.subs[subject][id] = handler

	return &memorySub{bus: b, subject: subject, id: id}, nil
}

// Close drops all subscriptions.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	b.subs = make(map[string]map[int]func([]byte))
	b.mu.Unlock()
}

type memorySub struct {
	bus     *MemoryBus
	subject string
	id      int
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if handlers, ok := s.bus.subs[s.subject]; ok {
		delete(handlers, s.id)
		if len(handlers) == 0 {
			delete(s.bus.subs, s.subject)
		}
	}
	return nil
}
