// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinConversation  = "join-conversation"
	TypeLeaveConversation = "leave-conversation"
	TypeSendMessage       = "send-message"
	TypeTypingStart       = "typing-start"
	TypeTypingStop        = "typing-stop"
	TypeMarkRead          = "mark-read"
	TypeUpdateStatus      = "update-status"
	TypeAdminAction       = "admin-action"
	TypePing              = "ping"
)

// Server -> Client message types.
const (
	TypeConnected            = "connected"
	TypeJoinedConversation   = "joined-conversation"
	TypeLeftConversation     = "left-conversation"
	TypeNewMessage           = "new-message"
	TypeMessageSent          = "message-sent"
	TypeMessageError         = "message-error"
	TypeMessageNotification  = "message-notification"
	TypeUserTyping           = "user-typing"
	TypeMessageRead          = "message-read"
	TypeUserStatusChanged    = "user-status-changed"
	TypeAdminActionPerformed = "admin-action-performed"
	TypeError                = "error"
	TypePong                 = "pong"
)

// Message content types accepted by send-message.
const (
	ContentText  = "text"
	ContentImage = "image"
	ContentFile  = "file"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinConversationMsg subscribes the connection to a conversation room.
// The server verifies participant membership before admitting it.
type JoinConversationMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// LeaveConversationMsg unsubscribes the connection from a conversation room.
type LeaveConversationMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// SendMessageMsg submits a new message into a conversation the connection has
// previously joined. IdempotencyKey is a client-generated token; resending
// with the same key returns the originally persisted message instead of
// creating a duplicate.
type SendMessageMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	ContentType    string `json:"content_type"`
	ReplyToID      string `json:"reply_to_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// TypingStartMsg signals that the user started typing in a conversation.
type TypingStartMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// TypingStopMsg signals that the user stopped typing in a conversation.
type TypingStopMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// MarkReadMsg records that the user has read a message.
type MarkReadMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// UpdateStatusMsg sets the user's presence status.
type UpdateStatusMsg struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// AdminActionMsg requests a moderation action. Only accepted from
// connections whose authenticated role is admin or leader.
type AdminActionMsg struct {
	Type         string `json:"type"`
	Action       string `json:"action"` // ban | kick | mute | delete-message
	TargetUserID string `json:"target_user_id,omitempty"`
	MessageID    string `json:"message_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// MessagePayload is the wire form of a persisted message. The id, sequence
// and timestamp are server-assigned.
type MessagePayload struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content,omitempty"`
	ContentType    string    `json:"content_type"`
	ReplyToID      string    `json:"reply_to_id,omitempty"`
	Seq            int64     `json:"seq"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConnectedMsg is sent once after a successful authenticated upgrade.
type ConnectedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// JoinedConversationMsg confirms room admission and carries the most recent
// messages so a reconnecting client can resynchronize its view.
type JoinedConversationMsg struct {
	Type           string           `json:"type"`
	ConversationID string           `json:"conversation_id"`
	Recent         []MessagePayload `json:"recent"`
}

// LeftConversationMsg confirms the connection left a room.
type LeftConversationMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// NewMessageMsg delivers a persisted message to room subscribers other than
// the sender.
type NewMessageMsg struct {
	Type    string         `json:"type"`
	Message MessagePayload `json:"message"`
}

// MessageSentMsg acknowledges a send to the originating connection with the
// canonical persisted record.
type MessageSentMsg struct {
	Type    string         `json:"type"`
	Message MessagePayload `json:"message"`
}

// MessageErrorMsg reports a failed send to the originating connection only.
type MessageErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MessageNotificationMsg is delivered on a participant's private user channel
// when a message arrives in one of their conversations, whether or not they
// currently have the room open.
type MessageNotificationMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	SenderID       string `json:"sender_id"`
}

// UserTypingMsg relays a typing indicator to room subscribers.
type UserTypingMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

// MessageReadMsg relays a read receipt to room subscribers.
type MessageReadMsg struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	ReadBy         string    `json:"read_by"`
	ReadAt         time.Time `json:"read_at"`
}

// UserStatusChangedMsg broadcasts a presence transition.
type UserStatusChangedMsg struct {
	Type     string    `json:"type"`
	UserID   string    `json:"user_id"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

// AdminActionPerformedMsg broadcasts a moderation action to all clients.
type AdminActionPerformedMsg struct {
	Type         string    `json:"type"`
	Action       string    `json:"action"`
	TargetUserID string    `json:"target_user_id,omitempty"`
	MessageID    string    `json:"message_id,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	PerformedBy  string    `json:"performed_by"`
	Timestamp    time.Time `json:"timestamp"`
}

// ErrorMsg is sent by the server to communicate a request-scoped error.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinConversation:
		var m JoinConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveConversation:
		var m LeaveConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStart:
		var m TypingStartMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStop:
		var m TypingStopMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUpdateStatus:
		var m UpdateStatusMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAdminAction:
		var m AdminActionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
