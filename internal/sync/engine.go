package sync

import (
	"context"
	"strings"
	stdsync "sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kosuchat/kosu/internal/api"
	"github.com/kosuchat/kosu/internal/bus"
	"github.com/kosuchat/kosu/internal/history"
	"github.com/kosuchat/kosu/internal/session"
	"github.com/kosuchat/kosu/internal/status"
	"github.com/kosuchat/kosu/internal/store"
	"github.com/kosuchat/kosu/internal/transport"
	"github.com/kosuchat/kosu/internal/typing"
)

// Gateway is the slice of the marketplace API the engine depends on.
type Gateway interface {
	ListConversations(ctx context.Context, userID string) ([]api.ConversationSummary, error)
	ListMessages(ctx context.Context, conversationID string) ([]api.MessageRecord, error)
	SendMessage(ctx context.Context, req api.SendRequest) (*api.SentMessage, error)
}

// TypingEmitter sends typingStatus events over the realtime channel.
type TypingEmitter interface {
	EmitTyping(ev transport.TypingStatusEvent)
}

// Engine is the single writer for the message store and the conversation
// directory. It turns user intents (send, select, type) and transport events
// into consistent store mutations; external failures become status flags on
// messages, never errors surfaced to presentation.
type Engine struct {
	me      session.Identity
	gateway Gateway
	emitter TypingEmitter
	msgs    *store.MessageStore
	dir     *store.Directory
	tracker *typing.Tracker
	archive *history.DB // may be nil
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	cancel  context.CancelFunc

	mu     stdsync.Mutex
	loaded map[string]bool // conversations whose history has been seeded
}

// NewEngine creates a sync engine. archive may be nil to run without the
// history cache (tests do).
func NewEngine(
	me session.Identity,
	gateway Gateway,
	emitter TypingEmitter,
	msgs *store.MessageStore,
	dir *store.Directory,
	archive *history.DB,
	machine *status.Machine,
	b *bus.Bus,
	logger *zap.Logger,
) *Engine {
	e := &Engine{
		me:      me,
		gateway: gateway,
		emitter: emitter,
		msgs:    msgs,
		dir:     dir,
		archive: archive,
		machine: machine,
		bus:     b,
		logger:  logger,
		loaded:  make(map[string]bool),
	}
	e.tracker = typing.NewTracker(typing.DefaultQuiescence, e.emitLocalTyping)
	return e
}

// Start subscribes to transport events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("rt.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and cancels all typing timers.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.tracker.Close()
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "rt.message":
		ev, ok := evt.Payload.(*transport.NewMessageEvent)
		if !ok {
			return
		}
		e.handleInboundMessage(ev)
	case "rt.typing":
		ev, ok := evt.Payload.(*transport.TypingStatusEvent)
		if !ok {
			return
		}
		e.handleTypingEvent(ev)
	case "rt.connected":
		_ = e.machine.Transition(status.Online)
	case "rt.disconnected":
		_ = e.machine.Transition(status.Reconnecting)
	}
}

// Seed populates the conversation directory from the contacts fetch, falling
// back to the history cache when the API is unreachable.
func (e *Engine) Seed(ctx context.Context) {
	summaries, err := e.gateway.ListConversations(ctx, e.me.UserID)
	if err != nil {
		e.logger.Warn("contacts fetch failed, seeding from history cache", zap.Error(err))
		e.seedFromArchive()
		return
	}

	convs := make([]store.Conversation, 0, len(summaries))
	for _, s := range summaries {
		c := store.Conversation{
			ID:                 s.ID,
			CounterpartID:      s.CounterpartID,
			CounterpartName:    s.CounterpartName,
			AvatarURL:          s.AvatarURL,
			LastMessagePreview: s.LastMessage,
			LastActivityAt:     s.LastActivityAt,
			UnreadCount:        s.UnreadCount,
		}
		convs = append(convs, c)
		e.archiveConversation(c)
	}
	e.dir.Seed(convs)
	e.publish("chat.directory_updated", nil)
	e.logger.Info("directory seeded", zap.Int("conversations", len(convs)))
}

func (e *Engine) seedFromArchive() {
	if e.archive == nil {
		return
	}
	convs, err := e.archive.ListConversations(0)
	if err != nil {
		e.logger.Error("history cache read failed", zap.Error(err))
		return
	}
	e.dir.Seed(convs)
	e.publish("chat.directory_updated", nil)
}

// SelectConversation marks a conversation active, resets its unread count,
// and lazily loads its message history on first open.
func (e *Engine) SelectConversation(ctx context.Context, id string) {
	e.dir.Select(id)
	e.publish("chat.directory_updated", nil)

	e.mu.Lock()
	seen := e.loaded[id]
	e.loaded[id] = true
	e.mu.Unlock()
	if !seen {
		e.loadHistory(ctx, id)
	}
	e.publish("chat.message_updated", id)
}

func (e *Engine) loadHistory(ctx context.Context, id string) {
	records, err := e.gateway.ListMessages(ctx, id)
	if err != nil {
		e.logger.Warn("history fetch failed, using cache", zap.String("conversation", id), zap.Error(err))
		if e.archive == nil {
			return
		}
		cached, cacheErr := e.archive.ListMessages(id, 0, 200)
		if cacheErr != nil {
			e.logger.Error("history cache read failed", zap.Error(cacheErr))
			return
		}
		e.msgs.Seed(id, cached)
		return
	}

	msgs := make([]store.Message, 0, len(records))
	for _, r := range records {
		m := store.Message{
			ID:             r.ID,
			ConversationID: id,
			ClientToken:    r.ClientMsgID,
			SenderID:       r.SenderID,
			SenderName:     r.SenderName,
			Body:           r.Body,
			FromMe:         r.SenderID == e.me.UserID,
			Status:         store.DeliveryStatus(r.Status),
			Timestamp:      r.Timestamp,
		}
		msgs = append(msgs, m)
		e.archiveMessage(m)
	}
	e.msgs.Seed(id, msgs)
}

// SendMessage performs an optimistic send. The optimistic entry and the
// directory preview are written synchronously before the request leaves, so
// the caller sees the message immediately; the network round trip is the only
// suspension. Failures flip the entry to failed status and are not returned:
// presentation reads state, it does not catch errors. Blank bodies are a
// no-op.
func (e *Engine) SendMessage(ctx context.Context, conversationID, body string) {
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}

	conv, ok := e.dir.Get(conversationID)
	if !ok {
		e.logger.Warn("send to unknown conversation dropped", zap.String("conversation", conversationID))
		return
	}

	token := uuid.New().String()
	now := time.Now().UnixMilli()

	provisionalID := e.msgs.AppendOptimistic(conversationID, store.Draft{
		Body:        body,
		SenderID:    e.me.UserID,
		SenderName:  e.me.DisplayName,
		ClientToken: token,
		Timestamp:   now,
	})
	e.dir.ApplySendResult(conversationID, preview(body), now)
	// Sending ends the local typing burst immediately.
	e.tracker.SetLocalTyping(conversationID, false)
	e.publish("chat.message_updated", conversationID)
	e.publish("chat.directory_updated", nil)

	sent, err := e.gateway.SendMessage(ctx, api.SendRequest{
		ConversationID: conversationID,
		CounterpartID:  conv.CounterpartID,
		SenderID:       e.me.UserID,
		Body:           body,
		ClientMsgID:    token,
	})
	if err != nil {
		e.logger.Error("send failed", zap.String("conversation", conversationID), zap.Error(err))
		e.msgs.MarkFailed(conversationID, provisionalID)
		e.publish("chat.message_updated", conversationID)
		e.publish("chat.send_failed", conversationID)
		return
	}

	reconciled := store.Message{
		ID:        sent.ID,
		Body:      body,
		Timestamp: sent.Timestamp,
		Status:    store.DeliveryStatus(sent.Status),
	}
	e.msgs.Reconcile(conversationID, provisionalID, reconciled)
	e.archiveMessage(store.Message{
		ID:             sent.ID,
		ConversationID: conversationID,
		ClientToken:    token,
		SenderID:       e.me.UserID,
		SenderName:     e.me.DisplayName,
		Body:           body,
		FromMe:         true,
		Status:         store.DeliveryStatus(sent.Status),
		Timestamp:      sent.Timestamp,
	})
	e.publish("chat.message_updated", conversationID)
}

// handleInboundMessage routes a transport-delivered message into the stores.
// An event with no conversation id falls back to the active conversation; an
// event naming a conversation the directory has never seen is discarded.
func (e *Engine) handleInboundMessage(ev *transport.NewMessageEvent) {
	conversationID := ev.ConversationID
	if conversationID == "" {
		conversationID = e.dir.Active()
		if conversationID == "" {
			e.logger.Warn("inbound message without conversation and no active one, dropped", zap.String("msg_id", ev.ID))
			return
		}
	}
	if !e.dir.Has(conversationID) {
		e.logger.Warn("inbound message for unknown conversation, dropped",
			zap.String("conversation", conversationID), zap.String("msg_id", ev.ID))
		return
	}

	msg := store.Message{
		ID:             ev.ID,
		ConversationID: conversationID,
		ClientToken:    ev.ClientMsgID,
		SenderID:       ev.SenderID,
		SenderName:     ev.SenderName,
		Body:           ev.Body,
		FromMe:         ev.SenderID == e.me.UserID,
		Status:         store.StatusDelivered,
		Timestamp:      ev.Timestamp,
	}

	added := e.msgs.IngestInbound(conversationID, msg, e.me.UserID)
	if added {
		if msg.FromMe {
			// Our message from another device: activity bump, no unread.
			e.dir.ApplySendResult(conversationID, preview(ev.Body), ev.Timestamp)
		} else {
			e.dir.ApplyInbound(conversationID, preview(ev.Body), ev.Timestamp)
		}
		e.archiveMessage(msg)
		e.publish("chat.directory_updated", nil)
	}
	e.publish("chat.message_updated", conversationID)
}

// handleTypingEvent routes a remote typing event to the tracker. Our own
// events echoed back are ignored.
func (e *Engine) handleTypingEvent(ev *transport.TypingStatusEvent) {
	if ev.UserID == e.me.UserID {
		return
	}
	e.tracker.OnRemoteEvent(ev.ConversationID, ev.UserID, ev.DisplayName, ev.IsTyping)
	e.publish("chat.typing_updated", ev.ConversationID)
}

// SetTyping feeds a composer change into the local typing debounce.
func (e *Engine) SetTyping(conversationID string, isTyping bool) {
	e.tracker.SetLocalTyping(conversationID, isTyping)
}

// TypingState returns the other party's typing state for presentation.
func (e *Engine) TypingState(conversationID string) (typing.State, bool) {
	return e.tracker.Current(conversationID)
}

// TeardownConversation clears typing timers when a conversation view goes
// away, so no stale stop-typing event fires later.
func (e *Engine) TeardownConversation(conversationID string) {
	e.tracker.Teardown(conversationID)
}

func (e *Engine) emitLocalTyping(conversationID string, isTyping bool) {
	if e.emitter == nil {
		return
	}
	receiver := ""
	if conv, ok := e.dir.Get(conversationID); ok {
		receiver = conv.CounterpartID
	}
	e.emitter.EmitTyping(transport.TypingStatusEvent{
		ConversationID: conversationID,
		UserID:         e.me.UserID,
		DisplayName:    e.me.DisplayName,
		IsTyping:       isTyping,
		ReceiverID:     receiver,
	})
}

func (e *Engine) archiveMessage(m store.Message) {
	if e.archive == nil {
		return
	}
	if err := e.archive.UpsertMessage(&m); err != nil {
		e.logger.Error("history cache write failed", zap.String("msg_id", m.ID), zap.Error(err))
	}
	if conv, ok := e.dir.Get(m.ConversationID); ok {
		if err := e.archive.UpsertConversation(&conv); err != nil {
			e.logger.Error("history cache write failed", zap.String("conversation", conv.ID), zap.Error(err))
		}
	}
}

func (e *Engine) archiveConversation(c store.Conversation) {
	if e.archive == nil {
		return
	}
	if err := e.archive.UpsertConversation(&c); err != nil {
		e.logger.Error("history cache write failed", zap.String("conversation", c.ID), zap.Error(err))
	}
}

func (e *Engine) publish(kind string, payload any) {
	e.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func preview(s string) string {
	const maxLen = 100
	if len(s) <= maxLen {
		return s
	}
	// Back off to a rune boundary so a multibyte character is never split.
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
