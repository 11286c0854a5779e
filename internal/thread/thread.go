// Package thread holds the durable conversation model: threads with fixed
// participant sets and their ordered messages. The realtime core consumes it
// through the Store interface; a PostgreSQL implementation backs production
// and an in-memory implementation backs tests.
package thread

import (
	"context"
	"errors"
	"time"
)

// Thread types.
const (
	TypeDirect = "direct"
	TypeGroup  = "group"
)

var (
	// ErrNotFound indicates the thread or message does not exist.
	ErrNotFound = errors.New("thread: not found")

	// ErrNotParticipant indicates the user is not in the thread's
	// participant set.
	ErrNotParticipant = errors.New("thread: user is not a participant")

	// ErrBadReply indicates a reply-to reference that does not point to a
	// message in the same thread.
	ErrBadReply = errors.New("thread: reply target not in thread")

	// ErrBadParticipants indicates an invalid participant set, e.g. a
	// direct thread without exactly two distinct users.
	ErrBadParticipants = errors.New("thread: invalid participant set")
)

// Thread is a durable container of ordered messages among a fixed
// participant set.
type Thread struct {
	ID            string
	Name          string
	Type          string // direct | group
	Participants  []string
	CreatedBy     string
	CreatedAt     time.Time
	LastMessageAt time.Time
}

// HasParticipant checks membership without caring about order.
func (t *Thread) HasParticipant(userID string) bool {
	for _, p := range t.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Message is a persisted message. Seq is strictly increasing within the
// owning thread and defines delivery order. Content may be empty for
// media-only messages whose Content field carries an attachment reference
// instead of text.
type Message struct {
	ID          string
	ThreadID    string
	SenderID    string
	Content     string
	ContentType string // text | image | file
	ReplyToID   string
	Seq         int64
	CreatedAt   time.Time
}

// NewThread describes a thread to create. For direct threads the store
// resolves a duplicate request between the same two users to the existing
// thread instead of creating a second one.
type NewThread struct {
	Name         string
	Type         string
	Participants []string
	CreatedBy    string
}

// NewMessage describes a message to append. ID, Seq and CreatedAt are
// assigned by the store.
type NewMessage struct {
	ThreadID    string
	SenderID    string
	Content     string
	ContentType string
	ReplyToID   string
}

// Store is the persistence interface the realtime core depends on.
type Store interface {
	// CreateThread creates a thread, deduplicating direct threads between
	// the same two users.
	CreateThread(ctx context.Context, nt NewThread) (*Thread, error)

	// GetThread returns a thread by id, or ErrNotFound.
	GetThread(ctx context.Context, threadID string) (*Thread, error)

	// IsParticipant reports whether the user belongs to the thread.
	// Returns ErrNotFound if the thread does not exist.
	IsParticipant(ctx context.Context, userID, threadID string) (bool, error)

	// Participants lists the thread's participant user ids.
	Participants(ctx context.Context, threadID string) ([]string, error)

	// AppendMessage persists a message, assigning its id, per-thread
	// sequence number and timestamp. Returns ErrNotFound for an unknown
	// thread and ErrBadReply for a reply reference outside the thread.
	AppendMessage(ctx context.Context, nm NewMessage) (*Message, error)

	// GetMessage returns a single message from a thread, or ErrNotFound.
	GetMessage(ctx context.Context, threadID, messageID string) (*Message, error)

	// RecentMessages returns up to limit most recent messages in ascending
	// sequence order.
	RecentMessages(ctx context.Context, threadID string, limit int) ([]Message, error)

	// MarkRead records that the user has read the message and returns the
	// read timestamp. Marking twice keeps the original timestamp.
	MarkRead(ctx context.Context, threadID, messageID, userID string) (time.Time, error)

	// TouchActivity updates the thread's last-activity timestamp.
	TouchActivity(ctx context.Context, threadID string, at time.Time) error
}
