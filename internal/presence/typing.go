package presence

import (
	"sync"
	"time"

	"github.com/hausofbasquiat/chat-service/internal/metrics"
)

// TypingWindow is how long a typing indicator stays live without a refresh.
// Clients send typing-start roughly every few seconds while composing; if the
// refreshes stop (tab closed, network drop) the indicator expires on its own.
const TypingWindow = 6 * time.Second

// ExpireFunc is called when a typing indicator lapses without an explicit
// stop, so the gateway can broadcast the stop on the user's behalf.
type ExpireFunc func(conversationID, userID string)

// typingKey identifies one live indicator.
type typingKey struct {
	conversationID string
	userID         string
}

// TypingTracker manages short-lived typing indicators. Indicators live only
// in the memory of the instance that owns the typer's connection; the
// broadcast side goes over the bus like any other conversation event.
type TypingTracker struct {
	mu       sync.Mutex
	window   time.Duration
	onExpire ExpireFunc
	timers   map[typingKey]*time.Timer
}

// NewTypingTracker creates a tracker with the given expiry callback. A
// non-positive window falls back to TypingWindow.
func NewTypingTracker(window time.Duration, onExpire ExpireFunc) *TypingTracker {
	if window <= 0 {
		window = TypingWindow
	}
	return &TypingTracker{
		window:   window,
		onExpire: onExpire,
		timers:   make(map[typingKey]*time.Timer),
	}
}

// Start marks the user as typing in the conversation. A repeated start
// refreshes the expiry window. Returns true if this started a new indicator,
// false if it refreshed an existing one; callers broadcast only on true.
func (t *TypingTracker) Start(conversationID, userID string) bool {
	key := typingKey{conversationID, userID}

	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.timers[key]; ok {
		timer.Reset(t.window)
		return false
	}

	t.timers[key] = time.AfterFunc(t.window, func() {
		t.expire(key)
	})
	metrics.TypingSessions.Set(float64(len(t.timers)))
	return true
}

// Stop clears the user's typing indicator in the conversation. Returns true
// if an indicator was live; callers broadcast the stop only on true.
func (t *TypingTracker) Stop(conversationID, userID string) bool {
	key := typingKey{conversationID, userID}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopLocked(key)
}

// stopLocked removes the indicator and its timer. Caller holds t.mu.
func (t *TypingTracker) stopLocked(key typingKey) bool {
	timer, ok := t.timers[key]
	if !ok {
		return false
	}
	timer.Stop()
	delete(t.timers, key)
	metrics.TypingSessions.Set(float64(len(t.timers)))
	return true
}

// StopAllForUser clears every live indicator the user has, returning the
// conversations that were cleared. Used on disconnect so a dropped client
// never leaves a stuck "is typing" banner.
func (t *TypingTracker) StopAllForUser(userID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var cleared []string
	for key := range t.timers {
		if key.userID == userID {
			t.stopLocked(key)
			cleared = append(cleared, key.conversationID)
		}
	}
	return cleared
}

// IsTyping reports whether the user has a live indicator in the conversation.
func (t *TypingTracker) IsTyping(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[typingKey{conversationID, userID}]
	return ok
}

// expire fires when an indicator's window lapses. The indicator may have been
// stopped between the timer firing and the lock being acquired; in that case
// the callback is skipped.
func (t *TypingTracker) expire(key typingKey) {
	t.mu.Lock()
	_, ok := t.timers[key]
	if ok {
		delete(t.timers, key)
		metrics.TypingSessions.Set(float64(len(t.timers)))
	}
	t.mu.Unlock()

	if ok && t.onExpire != nil {
		t.onExpire(key.conversationID, key.userID)
	}
}
