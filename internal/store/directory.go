package store

import (
	"sort"
	"sync"
)

// Directory is the ordered list of conversation summaries shown in the
// sidebar. It re-sorts descending by last activity on every mutation; the
// initial fetch order only survives as the tie-break. The sync engine is the
// only writer.
type Directory struct {
	mu       sync.RWMutex
	list     []Conversation
	index    map[string]int
	activeID string
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{index: make(map[string]int)}
}

// Seed populates the directory from the contacts fetch. Replaces any
// existing content.
func (d *Directory) Seed(convs []Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.list = make([]Conversation, len(convs))
	copy(d.list, convs)
	d.resort()
}

// List returns a snapshot ordered by last activity, most recent first.
func (d *Directory) List() []Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Conversation, len(d.list))
	copy(out, d.list)
	return out
}

// Get returns a conversation summary by ID.
func (d *Directory) Get(id string) (Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i, ok := d.index[id]
	if !ok {
		return Conversation{}, false
	}
	return d.list[i], true
}

// Has reports whether the directory knows the conversation.
func (d *Directory) Has(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.index[id]
	return ok
}

// Select marks a conversation active and resets its unread count.
// Read state is client-local; no server call is made.
func (d *Directory) Select(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activeID = id
	if i, ok := d.index[id]; ok {
		d.list[i].UnreadCount = 0
	}
}

// Active returns the currently selected conversation ID.
func (d *Directory) Active() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.activeID
}

// ApplySendResult updates preview and activity after a local send.
func (d *Directory) ApplySendResult(id, previewText string, at int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i, ok := d.index[id]
	if !ok {
		return
	}
	d.list[i].LastMessagePreview = previewText
	if at > d.list[i].LastActivityAt {
		d.list[i].LastActivityAt = at
	}
	d.resort()
}

// ApplyInbound updates preview and activity for a received message and
// increments the unread count unless the conversation is active.
func (d *Directory) ApplyInbound(id, previewText string, at int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i, ok := d.index[id]
	if !ok {
		return
	}
	d.list[i].LastMessagePreview = previewText
	if at > d.list[i].LastActivityAt {
		d.list[i].LastActivityAt = at
	}
	if id != d.activeID {
		d.list[i].UnreadCount++
	}
	d.resort()
}

// resort re-orders descending by last activity and rebuilds the index.
// Callers must hold the write lock.
func (d *Directory) resort() {
	sort.SliceStable(d.list, func(i, j int) bool {
		return d.list[i].LastActivityAt > d.list[j].LastActivityAt
	})
	d.index = make(map[string]int, len(d.list))
	for i := range d.list {
		d.index[d.list[i].ID] = i
	}
}
