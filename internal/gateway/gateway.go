// Package gateway is the application layer between the WebSocket server and
// the realtime core: it registers the protocol handlers, manages per-user
// notification subscriptions, and runs the connect/disconnect lifecycle.
package gateway

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/hausofbasquiat/chat-service/internal/dispatch"
	"github.com/hausofbasquiat/chat-service/internal/messaging"
	"github.com/hausofbasquiat/chat-service/internal/presence"
	"github.com/hausofbasquiat/chat-service/internal/protocol"
	"github.com/hausofbasquiat/chat-service/internal/ratelimit"
	"github.com/hausofbasquiat/chat-service/internal/room"
	"github.com/hausofbasquiat/chat-service/internal/thread"
	"github.com/hausofbasquiat/chat-service/internal/ws"
)

// handlerTimeout bounds the store and Redis round-trips a single client
// frame may trigger.
const handlerTimeout = 5 * time.Second

// Gateway wires protocol message types to the realtime core.
type Gateway struct {
	server     *ws.Server
	rooms      *room.Manager
	dispatcher *dispatch.Dispatcher
	tracker    *presence.Tracker
	typing     *presence.TypingTracker
	bus        messaging.Bus
	limiter    dispatch.Limiter // optional, throttles typing signals

	mu       sync.Mutex
	userSubs map[string]messaging.Subscription // userID -> private channel sub
	globals  []messaging.Subscription
}

// New creates a Gateway over the given components. The presence tracker and
// typing tracker are built here because their broadcast callbacks loop back
// into the gateway. Call Register to attach it to a message dispatcher and
// server, then Start to open the global bus subscriptions.
func New(rooms *room.Manager, d *dispatch.Dispatcher, statusStore presence.StatusStore, bus messaging.Bus, limiter dispatch.Limiter) *Gateway {
	g := &Gateway{
		rooms:      rooms,
		dispatcher: d,
		bus:        bus,
		limiter:    limiter,
		userSubs:   make(map[string]messaging.Subscription),
	}
	g.tracker = presence.NewTracker(statusStore, g.publishStatus)
	g.typing = presence.NewTypingTracker(0, g.typingExpired)
	return g
}

// Register attaches the gateway's handlers to the message dispatcher and its
// lifecycle hooks to the server.
func (g *Gateway) Register(server *ws.Server, md *ws.MessageDispatcher) {
	g.server = server

	md.Register(protocol.TypeJoinConversation, g.handleJoin)
	md.Register(protocol.TypeLeaveConversation, g.handleLeave)
	md.Register(protocol.TypeSendMessage, g.handleSend)
	md.Register(protocol.TypeTypingStart, g.handleTypingStart)
	md.Register(protocol.TypeTypingStop, g.handleTypingStop)
	md.Register(protocol.TypeMarkRead, g.handleMarkRead)
	md.Register(protocol.TypeUpdateStatus, g.handleUpdateStatus)
	md.Register(protocol.TypeAdminAction, g.handleAdminAction)

	server.SetOnConnect(g.onConnect)
	server.SetOnDisconnect(g.onDisconnect)
}

// Start opens the instance-wide bus subscriptions: presence transitions and
// moderation broadcasts go to every local connection.
func (g *Gateway) Start() error {
	presenceSub, err := g.bus.Subscribe(messaging.SubjectPresence, func(data []byte) {
		g.server.Connections().Broadcast(data)
	})
	if err != nil {
		return err
	}

	adminSub, err := g.bus.Subscribe(messaging.SubjectAdmin, func(data []byte) {
		g.server.Connections().Broadcast(data)
	})
	if err != nil {
		_ = presenceSub.Unsubscribe()
		return err
	}

	g.mu.Lock()
	g.globals = append(g.globals, presenceSub, adminSub)
	g.mu.Unlock()
	return nil
}

// Stop tears down the global and per-user bus subscriptions.
func (g *Gateway) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, sub := range g.globals {
		_ = sub.Unsubscribe()
	}
	g.globals = nil
	for userID, sub := range g.userSubs {
		_ = sub.Unsubscribe()
		delete(g.userSubs, userID)
	}
}

// publishStatus is the presence.Publisher implementation: it broadcasts a
// status transition on the presence subject so every instance relays it.
func (g *Gateway) publishStatus(userID, status string) {
	payload, err := protocol.NewServerMessage(protocol.TypeUserStatusChanged, protocol.UserStatusChangedMsg{
		UserID:   userID,
		Status:   status,
		LastSeen: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("gateway: build status change for %s: %v", userID, err)
		return
	}
	if err := g.bus.Publish(messaging.SubjectPresence, payload); err != nil {
		log.Printf("gateway: publish status change for %s: %v", userID, err)
	}
}

// typingExpired is the typing tracker's expiry callback: it broadcasts the
// implicit stop on the typer's behalf.
func (g *Gateway) typingExpired(conversationID, userID string) {
	g.publishTyping(conversationID, userID, "", false)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// onConnect runs after a connection is authenticated and registered: confirm
// the connection, mark the user online on their first device, and open their
// private notification channel.
func (g *Gateway) onConnect(conn *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	userID := conn.UserID()

	if payload, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		UserID: userID,
	}); err == nil {
		if err := conn.WriteMessage(payload); err != nil {
			log.Printf("gateway: send connected to %s: %v", conn.ID, err)
		}
	}

	// First device online marks the user online. Additional devices leave
	// whatever status the user chose (away, busy) alone.
	if g.server.Connections().UserConnCount(userID) == 1 {
		if err := g.tracker.SetStatus(ctx, userID, presence.StatusOnline); err != nil {
			log.Printf("gateway: mark %s online: %v", userID, err)
		}
	}

	g.subscribeUser(userID)
}

// onDisconnect clears the connection's realtime state: live typing
// indicators, room memberships, and, when the last device goes, presence and
// the private channel.
func (g *Gateway) onDisconnect(conn *ws.Connection) {
	userID := conn.UserID()

	// The user may keep typing from another device, but those devices refresh
	// their indicators within the typing window anyway.
	for _, conversationID := range g.typing.StopAllForUser(userID) {
		g.publishTyping(conversationID, userID, "", false)
	}

	g.rooms.DropConnection(conn.ID)

	if g.server.Connections().UserConnCount(userID) == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		if err := g.tracker.SetStatus(ctx, userID, presence.StatusOffline); err != nil {
			log.Printf("gateway: mark %s offline: %v", userID, err)
		}
		g.unsubscribeUser(userID)
	}
}

// subscribeUser opens the user's private notification channel on the first
// local device. Frames arriving on it fan out to all of the user's local
// connections.
func (g *Gateway) subscribeUser(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.userSubs[userID]; ok {
		return
	}

	sub, err := g.bus.Subscribe(messaging.UserSubject(userID), func(data []byte) {
		g.server.SendToUser(userID, data)
	})
	if err != nil {
		log.Printf("gateway: subscribe user channel %s: %v", userID, err)
		return
	}
	g.userSubs[userID] = sub
}

// unsubscribeUser closes the user's private channel after their last local
// device disconnects.
func (g *Gateway) unsubscribeUser(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if sub, ok := g.userSubs[userID]; ok {
		_ = sub.Unsubscribe()
		delete(g.userSubs, userID)
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (g *Gateway) handleJoin(conn *ws.Connection, msg interface{}) {
	joinMsg, ok := msg.(protocol.JoinConversationMsg)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if err := g.rooms.Join(ctx, joinMsg.ConversationID, conn); err != nil {
		switch {
		case errors.Is(err, thread.ErrNotParticipant), errors.Is(err, thread.ErrNotFound):
			// Unknown ids get the same refusal as foreign conversations so a
			// client cannot tell which conversation ids exist.
			g.sendError(conn, "not_participant", "you are not in this conversation")
		default:
			log.Printf("gateway: join %s for conn %s: %v", joinMsg.ConversationID, conn.ID, err)
			g.sendError(conn, "join_failed", "could not join conversation")
		}
		return
	}

	recent, err := g.dispatcher.Recent(ctx, joinMsg.ConversationID)
	if err != nil {
		log.Printf("gateway: recent for %s: %v", joinMsg.ConversationID, err)
		recent = nil
	}

	wire := make([]protocol.MessagePayload, 0, len(recent))
	for i := range recent {
		wire = append(wire, dispatch.Wire(&recent[i]))
	}

	payload, err := protocol.NewServerMessage(protocol.TypeJoinedConversation, protocol.JoinedConversationMsg{
		ConversationID: joinMsg.ConversationID,
		Recent:         wire,
	})
	if err != nil {
		log.Printf("gateway: build joined-conversation: %v", err)
		return
	}
	if err := conn.WriteMessage(payload); err != nil {
		log.Printf("gateway: send joined-conversation to %s: %v", conn.ID, err)
	}
}

func (g *Gateway) handleLeave(conn *ws.Connection, msg interface{}) {
	leaveMsg, ok := msg.(protocol.LeaveConversationMsg)
	if !ok {
		return
	}

	g.rooms.Leave(leaveMsg.ConversationID, conn.ID)

	// Leaving the room also ends any live typing indicator there.
	if g.typing.Stop(leaveMsg.ConversationID, conn.UserID()) {
		g.publishTyping(leaveMsg.ConversationID, conn.UserID(), "", false)
	}

	payload, err := protocol.NewServerMessage(protocol.TypeLeftConversation, protocol.LeftConversationMsg{
		ConversationID: leaveMsg.ConversationID,
	})
	if err != nil {
		return
	}
	if err := conn.WriteMessage(payload); err != nil {
		log.Printf("gateway: send left-conversation to %s: %v", conn.ID, err)
	}
}

func (g *Gateway) handleSend(conn *ws.Connection, msg interface{}) {
	sendMsg, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	persisted, derr := g.dispatcher.Send(ctx, conn, sendMsg)
	if derr != nil {
		g.sendMessageError(conn, derr.Code, derr.Message)
		return
	}

	ack, err := protocol.NewServerMessage(protocol.TypeMessageSent, protocol.MessageSentMsg{
		Message: dispatch.Wire(persisted),
	})
	if err != nil {
		log.Printf("gateway: build message-sent for %s: %v", persisted.ID, err)
		return
	}
	if err := conn.WriteMessage(ack); err != nil {
		log.Printf("gateway: send ack to %s: %v", conn.ID, err)
	}
}

func (g *Gateway) handleTypingStart(conn *ws.Connection, msg interface{}) {
	typingMsg, ok := msg.(protocol.TypingStartMsg)
	if !ok {
		return
	}
	if !g.rooms.IsMember(typingMsg.ConversationID, conn.ID) {
		g.sendError(conn, "not_joined", "join the conversation first")
		return
	}

	// Typing is advisory; a throttled signal is dropped without an error.
	if g.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		if allowed, _ := g.limiter.Allow(ctx, conn.UserID(), ratelimit.RuleTyping); !allowed {
			return
		}
	}

	// Only the transition broadcasts; refreshes just extend the window.
	if g.typing.Start(typingMsg.ConversationID, conn.UserID()) {
		g.publishTyping(typingMsg.ConversationID, conn.UserID(), conn.ID, true)
	}
}

func (g *Gateway) handleTypingStop(conn *ws.Connection, msg interface{}) {
	typingMsg, ok := msg.(protocol.TypingStopMsg)
	if !ok {
		return
	}

	if g.typing.Stop(typingMsg.ConversationID, conn.UserID()) {
		g.publishTyping(typingMsg.ConversationID, conn.UserID(), conn.ID, false)
	}
}

func (g *Gateway) handleMarkRead(conn *ws.Connection, msg interface{}) {
	readMsg, ok := msg.(protocol.MarkReadMsg)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if derr := g.dispatcher.MarkRead(ctx, conn, readMsg); derr != nil {
		g.sendError(conn, derr.Code, derr.Message)
	}
}

func (g *Gateway) handleUpdateStatus(conn *ws.Connection, msg interface{}) {
	statusMsg, ok := msg.(protocol.UpdateStatusMsg)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if err := g.tracker.SetStatus(ctx, conn.UserID(), statusMsg.Status); err != nil {
		if errors.Is(err, presence.ErrInvalidStatus) {
			g.sendError(conn, "invalid_status", "status must be online, away, busy or offline")
			return
		}
		log.Printf("gateway: set status for %s: %v", conn.UserID(), err)
		g.sendError(conn, "status_failed", "could not update status")
	}
}

func (g *Gateway) handleAdminAction(conn *ws.Connection, msg interface{}) {
	actionMsg, ok := msg.(protocol.AdminActionMsg)
	if !ok {
		return
	}

	if !conn.Identity.CanModerate() {
		g.sendError(conn, "forbidden", "moderation requires a leader or admin role")
		return
	}

	payload, err := protocol.NewServerMessage(protocol.TypeAdminActionPerformed, protocol.AdminActionPerformedMsg{
		Action:       actionMsg.Action,
		TargetUserID: actionMsg.TargetUserID,
		MessageID:    actionMsg.MessageID,
		Reason:       actionMsg.Reason,
		PerformedBy:  conn.UserID(),
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		log.Printf("gateway: build admin-action-performed: %v", err)
		return
	}
	if err := g.bus.Publish(messaging.SubjectAdmin, payload); err != nil {
		log.Printf("gateway: publish admin action by %s: %v", conn.UserID(), err)
	}

	log.Printf("gateway: admin action %s by %s target=%s", actionMsg.Action, conn.UserID(), actionMsg.TargetUserID)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// publishTyping relays a typing transition to the conversation's rooms. An
// empty origin means no connection is excluded (expiry and disconnect stops).
func (g *Gateway) publishTyping(conversationID, userID, origin string, isTyping bool) {
	payload, err := protocol.NewServerMessage(protocol.TypeUserTyping, protocol.UserTypingMsg{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
	})
	if err != nil {
		log.Printf("gateway: build user-typing: %v", err)
		return
	}
	if err := g.rooms.Publish(conversationID, origin, payload); err != nil {
		log.Printf("gateway: publish user-typing in %s: %v", conversationID, err)
	}
}

func (g *Gateway) sendError(conn *ws.Connection, code, message string) {
	payload, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	if err := conn.WriteMessage(payload); err != nil {
		log.Printf("gateway: send error to %s: %v", conn.ID, err)
	}
}

// sendMessageError reports a failed send on the dedicated message-error type
// so clients can correlate it with their outbox instead of a generic error.
func (g *Gateway) sendMessageError(conn *ws.Connection, code, message string) {
	payload, err := protocol.NewServerMessage(protocol.TypeMessageError, protocol.MessageErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		return
	}
	if err := conn.WriteMessage(payload); err != nil {
		log.Printf("gateway: send message-error to %s: %v", conn.ID, err)
	}
}
