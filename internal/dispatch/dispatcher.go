// Package dispatch implements the message send pipeline: authorization,
// throttling, validation, idempotent persistence, and fan-out to room
// members and participant notification channels.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hausofbasquiat/chat-service/internal/history"
	"github.com/hausofbasquiat/chat-service/internal/messaging"
	"github.com/hausofbasquiat/chat-service/internal/metrics"
	"github.com/hausofbasquiat/chat-service/internal/protocol"
	"github.com/hausofbasquiat/chat-service/internal/ratelimit"
	"github.com/hausofbasquiat/chat-service/internal/room"
	"github.com/hausofbasquiat/chat-service/internal/thread"
)

// Error codes surfaced to clients in message-error frames.
const (
	CodeNotJoined           = "not_joined"
	CodeRateLimited         = "rate_limited"
	CodeInvalidMessage      = "invalid_message"
	CodeUnknownConversation = "unknown_conversation"
	CodePersistenceFailed   = "persistence_failed"
)

// Error is a send failure with a machine-readable code for the client.
type Error struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("dispatch: %s: %s", e.Code, e.Message)
}

// Limiter is the throttling interface the dispatcher needs; *ratelimit.Limiter
// satisfies it. A nil limiter disables throttling.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Dispatcher runs the send pipeline. Persist happens before broadcast, under
// a per-conversation lock, so the sequence order assigned by the store is the
// order local members observe.
type Dispatcher struct {
	store   thread.Store
	rooms   *room.Manager
	history *history.Buffer
	idem    IdempotencyStore
	limiter Limiter
	bus     messaging.Bus

	mu       sync.Mutex
	convLock map[string]*sync.Mutex // conversationID -> send lock
}

// NewDispatcher wires the send pipeline. limiter may be nil to disable
// throttling (tests, trusted internal callers).
func NewDispatcher(store thread.Store, rooms *room.Manager, hist *history.Buffer, idem IdempotencyStore, limiter Limiter, bus messaging.Bus) *Dispatcher {
	return &Dispatcher{
		store:    store,
		rooms:    rooms,
		history:  hist,
		idem:     idem,
		limiter:  limiter,
		bus:      bus,
		convLock: make(map[string]*sync.Mutex),
	}
}

// lockConversation returns the send lock for a conversation, creating it on
// first use. Locks are never reaped; the map grows with the set of
// conversations this instance has ever sent to, which is bounded by the
// active room set in practice.
func (d *Dispatcher) lockConversation(conversationID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()

	l, ok := d.convLock[conversationID]
	if !ok {
		l = &sync.Mutex{}
		d.convLock[conversationID] = l
	}
	return l
}

// Send runs the full pipeline for a send-message request from conn. On
// success the persisted message is returned for the caller to acknowledge;
// on failure the returned *Error carries the client-facing code.
func (d *Dispatcher) Send(ctx context.Context, conn room.Conn, req protocol.SendMessageMsg) (*thread.Message, *Error) {
	start := time.Now()

	if !d.rooms.IsMember(req.ConversationID, conn.ConnID()) {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, &Error{Code: CodeNotJoined, Message: "join the conversation before sending"}
	}

	if d.limiter != nil {
		allowed, err := d.limiter.Allow(ctx, conn.UserID(), ratelimit.RuleMessage)
		if err != nil {
			log.Printf("dispatch: rate limit check for %s: %v", conn.UserID(), err)
		}
		if !allowed {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			return nil, &Error{Code: CodeRateLimited, Message: "sending too fast, slow down"}
		}
	}

	if err := thread.ValidateContent(req.Content, req.ContentType); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, &Error{Code: CodeInvalidMessage, Message: err.Error()}
	}

	// Serialize sends per conversation so persistence order and broadcast
	// order agree.
	l := d.lockConversation(req.ConversationID)
	l.Lock()
	defer l.Unlock()

	// A retried send with a known idempotency token returns the original
	// message without touching the store again.
	if req.IdempotencyKey != "" {
		existingID, err := d.idem.Lookup(ctx, req.IdempotencyKey)
		if err != nil {
			log.Printf("dispatch: idempotency lookup: %v (treating as new)", err)
		}
		if existingID != "" {
			msg, err := d.store.GetMessage(ctx, req.ConversationID, existingID)
			if err == nil {
				metrics.MessagesTotal.WithLabelValues("duplicate").Inc()
				return msg, nil
			}
			log.Printf("dispatch: idempotent replay fetch %s: %v (re-persisting)", existingID, err)
		}
	}

	msg, err := d.store.AppendMessage(ctx, thread.NewMessage{
		ThreadID:    req.ConversationID,
		SenderID:    conn.UserID(),
		Content:     req.Content,
		ContentType: req.ContentType,
		ReplyToID:   req.ReplyToID,
	})
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		switch {
		case errors.Is(err, thread.ErrNotFound):
			return nil, &Error{Code: CodeUnknownConversation, Message: "conversation does not exist"}
		case errors.Is(err, thread.ErrBadReply):
			return nil, &Error{Code: CodeInvalidMessage, Message: "reply target is not in this conversation"}
		default:
			log.Printf("dispatch: append message in %s: %v", req.ConversationID, err)
			return nil, &Error{Code: CodePersistenceFailed, Message: "message could not be saved"}
		}
	}

	if req.IdempotencyKey != "" {
		if _, err := d.idem.Remember(ctx, req.IdempotencyKey, msg.ID); err != nil {
			log.Printf("dispatch: idempotency remember for %s: %v", msg.ID, err)
		}
	}

	if err := d.store.TouchActivity(ctx, req.ConversationID, msg.CreatedAt); err != nil {
		log.Printf("dispatch: touch activity %s: %v", req.ConversationID, err)
	}

	d.history.Add(req.ConversationID, *msg)

	d.broadcast(conn.ConnID(), msg)
	d.notifyParticipants(ctx, msg)

	metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	metrics.DispatchLatency.Observe(time.Since(start).Seconds())
	return msg, nil
}

// broadcast publishes the new-message event on the conversation subject. The
// originating connection is excluded from delivery; it receives the
// message-sent acknowledgment instead.
func (d *Dispatcher) broadcast(originConnID string, msg *thread.Message) {
	payload, err := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{
		Message: Wire(msg),
	})
	if err != nil {
		log.Printf("dispatch: build new-message for %s: %v", msg.ID, err)
		return
	}
	if err := d.rooms.Publish(msg.ThreadID, originConnID, payload); err != nil {
		log.Printf("dispatch: publish new-message for %s: %v", msg.ID, err)
	}
}

// notifyParticipants pushes a message-notification on every participant's
// private user subject except the sender's, reaching devices that are
// connected but do not have the room open.
func (d *Dispatcher) notifyParticipants(ctx context.Context, msg *thread.Message) {
	participants, err := d.store.Participants(ctx, msg.ThreadID)
	if err != nil {
		log.Printf("dispatch: participants of %s: %v", msg.ThreadID, err)
		return
	}

	payload, err := protocol.NewServerMessage(protocol.TypeMessageNotification, protocol.MessageNotificationMsg{
		ConversationID: msg.ThreadID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
	})
	if err != nil {
		log.Printf("dispatch: build notification for %s: %v", msg.ID, err)
		return
	}

	for _, userID := range participants {
		if userID == msg.SenderID {
			continue
		}
		if err := d.bus.Publish(messaging.UserSubject(userID), payload); err != nil {
			log.Printf("dispatch: notify %s about %s: %v", userID, msg.ID, err)
		}
	}
}

// MarkRead records a read receipt and relays it to the conversation's rooms.
// The origin connection is excluded from the relay; its own client already
// knows what it read.
func (d *Dispatcher) MarkRead(ctx context.Context, conn room.Conn, req protocol.MarkReadMsg) *Error {
	if !d.rooms.IsMember(req.ConversationID, conn.ConnID()) {
		return &Error{Code: CodeNotJoined, Message: "join the conversation before marking reads"}
	}

	readAt, err := d.store.MarkRead(ctx, req.ConversationID, req.MessageID, conn.UserID())
	if err != nil {
		if errors.Is(err, thread.ErrNotFound) {
			return &Error{Code: CodeInvalidMessage, Message: "message does not exist in this conversation"}
		}
		log.Printf("dispatch: mark read %s/%s: %v", req.ConversationID, req.MessageID, err)
		return &Error{Code: CodePersistenceFailed, Message: "read receipt could not be saved"}
	}

	payload, err := protocol.NewServerMessage(protocol.TypeMessageRead, protocol.MessageReadMsg{
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		ReadBy:         conn.UserID(),
		ReadAt:         readAt,
	})
	if err != nil {
		log.Printf("dispatch: build message-read for %s: %v", req.MessageID, err)
		return nil
	}
	if err := d.rooms.Publish(req.ConversationID, conn.ConnID(), payload); err != nil {
		log.Printf("dispatch: publish message-read for %s: %v", req.MessageID, err)
	}
	return nil
}

// Recent returns the conversation's recent messages for join-time resync,
// serving from the in-memory buffer when warm and falling back to the store
// (seeding the buffer) after a cold start.
func (d *Dispatcher) Recent(ctx context.Context, conversationID string) ([]thread.Message, error) {
	if msgs, ok := d.history.Recent(conversationID); ok {
		return msgs, nil
	}

	msgs, err := d.store.RecentMessages(ctx, conversationID, history.DefaultCapacity)
	if err != nil {
		return nil, fmt.Errorf("dispatch: load recent for %s: %w", conversationID, err)
	}
	d.history.Seed(conversationID, msgs)
	return msgs, nil
}

// Wire converts a stored message to its wire representation.
func Wire(m *thread.Message) protocol.MessagePayload {
	return protocol.MessagePayload{
		ID:             m.ID,
		ConversationID: m.ThreadID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		ContentType:    m.ContentType,
		ReplyToID:      m.ReplyToID,
		Seq:            m.Seq,
		CreatedAt:      m.CreatedAt,
	}
}
