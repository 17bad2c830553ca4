package typing

import (
	"sync"
	"time"
)

// DefaultQuiescence is the window after the last keystroke before a
// stop-typing emission, and also how long a remote typing flag survives
// without a refresh.
const DefaultQuiescence = time.Second

// State is the transient typing flag for one remote user in one conversation.
type State struct {
	ConversationID string
	UserID         string
	DisplayName    string
	IsTyping       bool
	ExpiresAt      time.Time
}

// EmitFunc sends a typingStatus event over the transport.
type EmitFunc func(conversationID string, isTyping bool)

// Tracker owns typing state in both directions: it debounces local keystrokes
// into at most one start/stop emission pair per burst, and expires remote
// typing flags that never get an explicit stop. Expiry racing an explicit stop
// is fine; both land in the same idle state.
type Tracker struct {
	mu     sync.Mutex
	window time.Duration
	emit   EmitFunc

	local  map[string]*localEntry            // conversation -> debounce
	remote map[string]map[string]*remoteEntry // conversation -> user -> state
}

// gen invalidates debounce callbacks that fired before Stop could catch
// them: a callback blocked on the tracker lock while a new keystroke
// re-arms the timer must not emit a mid-burst stop.
type localEntry struct {
	typing bool
	gen    uint64
	timer  *time.Timer
}

type remoteEntry struct {
	state State
	timer *time.Timer
}

// NewTracker creates a tracker. window <= 0 uses DefaultQuiescence.
// emit may be nil (remote-only tracking, e.g. in tests).
func NewTracker(window time.Duration, emit EmitFunc) *Tracker {
	if window <= 0 {
		window = DefaultQuiescence
	}
	return &Tracker{
		window: window,
		emit:   emit,
		local:  make(map[string]*localEntry),
		remote: make(map[string]map[string]*remoteEntry),
	}
}

// SetLocalTyping is called on every composer change. The first keystroke of a
// burst emits isTyping=true; each keystroke restarts the trailing debounce
// timer; the stop emission fires once after a full quiescence window of
// silence. An explicit isTyping=false (composer cleared, message sent) stops
// immediately.
func (t *Tracker) SetLocalTyping(conversationID string, isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.local[conversationID]

	if !isTyping {
		if entry == nil || !entry.typing {
			return
		}
		entry.timer.Stop()
		entry.typing = false
		t.emitLocked(conversationID, false)
		return
	}

	if entry == nil {
		entry = &localEntry{}
		t.local[conversationID] = entry
	}

	if !entry.typing {
		entry.typing = true
		t.emitLocked(conversationID, true)
	}

	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.gen++
	gen := entry.gen
	entry.timer = time.AfterFunc(t.window, func() {
		t.localQuiesced(conversationID, gen)
	})
}

func (t *Tracker) localQuiesced(conversationID string, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := t.local[conversationID]
	if entry == nil || !entry.typing || entry.gen != gen {
		return
	}
	entry.typing = false
	t.emitLocked(conversationID, false)
}

// emitLocked fires the transport emission outside spots where it could
// deadlock back into the tracker. The emit func must not call back in.
func (t *Tracker) emitLocked(conversationID string, isTyping bool) {
	if t.emit != nil {
		t.emit(conversationID, isTyping)
	}
}

// OnRemoteEvent updates the tracked state for a remote user. isTyping=true
// schedules an expiry flip unless refreshed; isTyping=false clears
// immediately.
func (t *Tracker) OnRemoteEvent(conversationID, userID, displayName string, isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.remote[conversationID]

	if !isTyping {
		if entry, ok := users[userID]; ok {
			entry.timer.Stop()
			delete(users, userID)
		}
		return
	}

	if users == nil {
		users = make(map[string]*remoteEntry)
		t.remote[conversationID] = users
	}

	entry, ok := users[userID]
	if !ok {
		entry = &remoteEntry{}
		users[userID] = entry
	} else if entry.timer != nil {
		entry.timer.Stop()
	}

	entry.state = State{
		ConversationID: conversationID,
		UserID:         userID,
		DisplayName:    displayName,
		IsTyping:       true,
		ExpiresAt:      time.Now().Add(t.window),
	}
	entry.timer = time.AfterFunc(t.window, func() {
		t.expire(conversationID, userID)
	})
}

func (t *Tracker) expire(conversationID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.remote[conversationID][userID]
	if !ok {
		return
	}
	// Stop cannot neutralize a callback that already fired and is waiting on
	// the lock; a refresh that re-armed in the meantime pushed the deadline
	// forward, so a callback arriving before it is stale.
	if time.Now().Before(entry.state.ExpiresAt) {
		return
	}
	delete(t.remote[conversationID], userID)
}

// Current returns the typing state of the other party in a conversation,
// or ok=false when nobody is typing.
func (t *Tracker) Current(conversationID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.remote[conversationID] {
		return entry.state, true
	}
	return State{}, false
}

// Teardown cancels all timers for a conversation without emitting, so a
// closed composer never fires a stale stop-typing event.
func (t *Tracker) Teardown(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.local[conversationID]; ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(t.local, conversationID)
	}
	for _, entry := range t.remote[conversationID] {
		entry.timer.Stop()
	}
	delete(t.remote, conversationID)
}

// Close tears down every conversation.
func (t *Tracker) Close() {
	t.mu.Lock()
	convs := make([]string, 0, len(t.local)+len(t.remote))
	for id := range t.local {
		convs = append(convs, id)
	}
	for id := range t.remote {
		convs = append(convs, id)
	}
	t.mu.Unlock()
	for _, id := range convs {
		t.Teardown(id)
	}
}
