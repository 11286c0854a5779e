// Package room tracks which local connections have joined which
// conversations and fans conversation events out across gateway instances
// over the message bus.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/hausofbasquiat/chat-service/internal/messaging"
	"github.com/hausofbasquiat/chat-service/internal/metrics"
	"github.com/hausofbasquiat/chat-service/internal/thread"
)

// Conn is the subset of a gateway connection the room manager needs: a stable
// connection id, the authenticated user, and a way to push frames.
type Conn interface {
	ConnID() string
	UserID() string
	WriteMessage(data []byte) error
}

// Event is the unit published on a conversation subject. Payload is a
// complete server protocol frame; Origin is the connection id that caused the
// event, excluded from delivery so the sender is acknowledged directly
// instead of echoed.
type Event struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// ParticipantChecker authorizes joins. The thread store satisfies it.
type ParticipantChecker interface {
	IsParticipant(ctx context.Context, userID, threadID string) (bool, error)
}

// room holds the local members of one conversation and the bus subscription
// that feeds them events from other instances.
type room struct {
	conns map[string]Conn // connID -> conn
	sub   messaging.Subscription
}

// Manager maintains the conversation -> local connections mapping. A
// conversation gets a bus subscription when its first local connection joins
// and loses it when the last one leaves.
type Manager struct {
	mu      sync.RWMutex
	rooms   map[string]*room            // conversationID -> room
	byConn  map[string]map[string]bool  // connID -> set of conversationIDs
	bus     messaging.Bus
	checker ParticipantChecker
}

// NewManager creates a Manager using the given bus for cross-instance fan-out
// and the given checker for join authorization.
func NewManager(bus messaging.Bus, checker ParticipantChecker) *Manager {
	return &Manager{
		rooms:   make(map[string]*room),
		byConn:  make(map[string]map[string]bool),
		bus:     bus,
		checker: checker,
	}
}

// Join adds a connection to a conversation's room after verifying the user is
// a participant. Joining a room the connection is already in is a no-op. The
// first local join of a conversation subscribes to its bus subject.
func (m *Manager) Join(ctx context.Context, conversationID string, conn Conn) error {
	ok, err := m.checker.IsParticipant(ctx, conn.UserID(), conversationID)
	if err != nil {
		return fmt.Errorf("room: participant check for %s: %w", conversationID, err)
	}
	if !ok {
		return thread.ErrNotParticipant
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, exists := m.rooms[conversationID]
	if !exists {
		r = &room{conns: make(map[string]Conn)}

		sub, err := m.bus.Subscribe(messaging.ConversationSubject(conversationID), func(data []byte) {
			m.handleBusEvent(conversationID, data)
		})
		if err != nil {
			return fmt.Errorf("room: subscribe %s: %w", conversationID, err)
		}
		r.sub = sub
		m.rooms[conversationID] = r
		metrics.ActiveRooms.Set(float64(len(m.rooms)))
	}

	r.conns[conn.ConnID()] = conn

	convs, ok := m.byConn[conn.ConnID()]
	if !ok {
		convs = make(map[string]bool)
		m.byConn[conn.ConnID()] = convs
	}
	convs[conversationID] = true

	return nil
}

// Leave removes a connection from a conversation's room. When the last local
// connection leaves, the bus subscription is dropped and the room deleted.
// Leaving a room the connection is not in is a no-op.
func (m *Manager) Leave(conversationID, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(conversationID, connID)
}

// leaveLocked removes connID from the conversation's room. Caller holds m.mu.
func (m *Manager) leaveLocked(conversationID, connID string) {
	r, ok := m.rooms[conversationID]
	if !ok {
		return
	}

	delete(r.conns, connID)
	if convs, ok := m.byConn[connID]; ok {
		delete(convs, conversationID)
		if len(convs) == 0 {
			delete(m.byConn, connID)
		}
	}

	if len(r.conns) == 0 {
		if r.sub != nil {
			if err := r.sub.Unsubscribe(); err != nil {
				log.Printf("room: unsubscribe %s: %v", conversationID, err)
			}
		}
		delete(m.rooms, conversationID)
		metrics.ActiveRooms.Set(float64(len(m.rooms)))
	}
}

// DropConnection removes a connection from every room it has joined. Called
// on disconnect.
func (m *Manager) DropConnection(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for conversationID := range m.byConn[connID] {
		m.leaveLocked(conversationID, connID)
	}
}

// IsMember reports whether the connection has joined the conversation's room.
func (m *Manager) IsMember(conversationID, connID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[conversationID]
	if !ok {
		return false
	}
	_, ok = r.conns[connID]
	return ok
}

// Conversations returns the conversations the connection is currently in.
func (m *Manager) Conversations(connID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.byConn[connID]))
	for conversationID := range m.byConn[connID] {
		out = append(out, conversationID)
	}
	return out
}

// Publish sends an event to a conversation's bus subject. The bus delivers it
// back to this instance's own subscription as well, so a single publish
// reaches local and remote members alike.
func (m *Manager) Publish(conversationID, origin string, payload []byte) error {
	ev := Event{Origin: origin, Payload: payload}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("room: marshal event: %w", err)
	}
	return m.bus.Publish(messaging.ConversationSubject(conversationID), data)
}

// handleBusEvent decodes an Event from the bus and delivers its payload to
// the conversation's local members.
func (m *Manager) handleBusEvent(conversationID string, data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("room: bad event on %s: %v", conversationID, err)
		return
	}
	m.Deliver(conversationID, ev)
}

// Deliver writes the event payload to every local member of the conversation
// except the originating connection. Write errors on individual connections
// are logged; the event loop cleans up broken connections on the next read.
func (m *Manager) Deliver(conversationID string, ev Event) {
	m.mu.RLock()
	r, ok := m.rooms[conversationID]
	if !ok {
		m.mu.RUnlock()
		return
	}
	conns := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		if c.ConnID() == ev.Origin {
			continue
		}
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if err := c.WriteMessage(ev.Payload); err != nil {
			log.Printf("room: deliver to conn %s in %s failed: %v", c.ConnID(), conversationID, err)
		}
	}
}
