package thread

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used in tests and single-node
// development runs. All state is guarded by one mutex; per-thread sequence
// counters live alongside the thread records.
type MemoryStore struct {
	mu       sync.Mutex
	threads  map[string]*Thread
	messages map[string][]Message            // threadID -> ascending by seq
	reads    map[string]map[string]time.Time // messageID -> userID -> readAt
	seqs     map[string]int64                // threadID -> last assigned seq
	directs  map[string]string               // sorted pair key -> threadID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string]*Thread),
		messages: make(map[string][]Message),
		reads:    make(map[string]map[string]time.Time),
		seqs:     make(map[string]int64),
		directs:  make(map[string]string),
	}
}

func directKey(participants []string) string {
	pair := make([]string, len(participants))
	copy(pair, participants)
	sort.Strings(pair)
	return strings.Join(pair, "\x00")
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// CreateThread creates a thread. A direct thread between two users that
// already share one resolves to the existing thread.
func (s *MemoryStore) CreateThread(_ context.Context, nt NewThread) (*Thread, error) {
	participants := dedupe(nt.Participants)

	switch nt.Type {
	case TypeDirect:
		if len(participants) != 2 {
			return nil, ErrBadParticipants
		}
	case TypeGroup:
		if len(participants) < 2 {
			return nil, ErrBadParticipants
		}
	default:
		return nil, ErrBadParticipants
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if nt.Type == TypeDirect {
		if existing, ok := s.directs[directKey(participants)]; ok {
			return copyThread(s.threads[existing]), nil
		}
	}

	now := time.Now()
	t := &Thread{
		ID:            uuid.New().String(),
		Name:          nt.Name,
		Type:          nt.Type,
		Participants:  participants,
		CreatedBy:     nt.CreatedBy,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	s.threads[t.ID] = t
	if nt.Type == TypeDirect {
		s.directs[directKey(participants)] = t.ID
	}
	return copyThread(t), nil
}

// GetThread returns a thread by id.
func (s *MemoryStore) GetThread(_ context.Context, threadID string) (*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyThread(t), nil
}

// IsParticipant reports whether the user belongs to the thread.
func (s *MemoryStore) IsParticipant(_ context.Context, userID, threadID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return false, ErrNotFound
	}
	return t.HasParticipant(userID), nil
}

// Participants lists the thread's participant user ids.
func (s *MemoryStore) Participants(_ context.Context, threadID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]string, len(t.Participants))
	copy(out, t.Participants)
	return out, nil
}

// AppendMessage persists a message with the next per-thread sequence number.
func (s *MemoryStore) AppendMessage(_ context.Context, nm NewMessage) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[nm.ThreadID]; !ok {
		return nil, ErrNotFound
	}

	if nm.ReplyToID != "" {
		if !s.messageInThreadLocked(nm.ThreadID, nm.ReplyToID) {
			return nil, ErrBadReply
		}
	}

	s.seqs[nm.ThreadID]++
	m := Message{
		ID:          uuid.New().String(),
		ThreadID:    nm.ThreadID,
		SenderID:    nm.SenderID,
		Content:     nm.Content,
		ContentType: nm.ContentType,
		ReplyToID:   nm.ReplyToID,
		Seq:         s.seqs[nm.ThreadID],
		CreatedAt:   time.Now(),
	}
	s.messages[nm.ThreadID] = append(s.messages[nm.ThreadID], m)
	return &m, nil
}

// GetMessage returns a single message from a thread.
func (s *MemoryStore) GetMessage(_ context.Context, threadID, messageID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.messages[threadID] {
		if m.ID == messageID {
			out := m
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// RecentMessages returns up to limit most recent messages in ascending
// sequence order.
func (s *MemoryStore) RecentMessages(_ context.Context, threadID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[threadID]; !ok {
		return nil, ErrNotFound
	}

	msgs := s.messages[threadID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// MarkRead records the read state for a (message, user) pair. The first
// timestamp wins on repeated marks.
func (s *MemoryStore) MarkRead(_ context.Context, threadID, messageID, userID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.messageInThreadLocked(threadID, messageID) {
		return time.Time{}, ErrNotFound
	}

	readers, ok := s.reads[messageID]
	if !ok {
		readers = make(map[string]time.Time)
		s.reads[messageID] = readers
	}
	if at, ok := readers[userID]; ok {
		return at, nil
	}
	at := time.Now()
	readers[userID] = at
	return at, nil
}

// TouchActivity updates the thread's last-activity timestamp.
func (s *MemoryStore) TouchActivity(_ context.Context, threadID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return ErrNotFound
	}
	if at.After(t.LastMessageAt) {
		t.LastMessageAt = at
	}
	return nil
}

func (s *MemoryStore) messageInThreadLocked(threadID, messageID string) bool {
	for _, m := range s.messages[threadID] {
		if m.ID == messageID {
			return true
		}
	}
	return false
}

func copyThread(t *Thread) *Thread {
	out := *t
	out.Participants = make([]string, len(t.Participants))
	copy(out.Participants, t.Participants)
	return &out
}
