package sync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kosuchat/kosu/internal/api"
	"github.com/kosuchat/kosu/internal/bus"
	"github.com/kosuchat/kosu/internal/session"
	"github.com/kosuchat/kosu/internal/status"
	"github.com/kosuchat/kosu/internal/store"
	"github.com/kosuchat/kosu/internal/transport"
)

type fakeGateway struct {
	conversations []api.ConversationSummary
	listErr       error
	messages      map[string][]api.MessageRecord
	sent          []api.SendRequest
	sendFn        func(req api.SendRequest) (*api.SentMessage, error)
}

func (g *fakeGateway) ListConversations(_ context.Context, _ string) ([]api.ConversationSummary, error) {
	if g.listErr != nil {
		return nil, g.listErr
	}
	return g.conversations, nil
}

func (g *fakeGateway) ListMessages(_ context.Context, conversationID string) ([]api.MessageRecord, error) {
	return g.messages[conversationID], nil
}

func (g *fakeGateway) SendMessage(_ context.Context, req api.SendRequest) (*api.SentMessage, error) {
	g.sent = append(g.sent, req)
	if g.sendFn != nil {
		return g.sendFn(req)
	}
	return &api.SentMessage{
		ID:             "srv-" + req.ClientMsgID,
		ConversationID: req.ConversationID,
		ClientMsgID:    req.ClientMsgID,
		Status:         "sent",
		Timestamp:      time.Now().UnixMilli(),
	}, nil
}

// emitterRecorder captures typing emissions on a channel so timer-driven
// emits stay race-free.
type emitterRecorder struct {
	ch chan transport.TypingStatusEvent
}

func newEmitterRecorder() *emitterRecorder {
	return &emitterRecorder{ch: make(chan transport.TypingStatusEvent, 16)}
}

func (r *emitterRecorder) EmitTyping(ev transport.TypingStatusEvent) {
	select {
	case r.ch <- ev:
	default:
	}
}

func sessionIdentity() session.Identity {
	return session.Identity{UserID: "u1", DisplayName: "Mika"}
}

type testRig struct {
	engine  *Engine
	gateway *fakeGateway
	emitter *emitterRecorder
	msgs    *store.MessageStore
	dir     *store.Directory
	machine *status.Machine
	bus     *bus.Bus
}

func newTestRig(gw *fakeGateway) *testRig {
	b := bus.New()
	msgs := store.NewMessageStore()
	dir := store.NewDirectory()
	emitter := newEmitterRecorder()
	machine := status.NewMachine(b)
	me := sessionIdentity()
	engine := NewEngine(me, gw, emitter, msgs, dir, nil, machine, b, zap.NewNop())
	return &testRig{engine: engine, gateway: gw, emitter: emitter, msgs: msgs, dir: dir, machine: machine, bus: b}
}

func seedDirectory(rig *testRig) {
	rig.dir.Seed([]store.Conversation{
		{ID: "c1", CounterpartID: "u2", CounterpartName: "Hana", LastActivityAt: 1000},
		{ID: "c2", CounterpartID: "u3", CounterpartName: "Rin", LastActivityAt: 900},
	})
}

func waitKind(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestSeedPopulatesDirectory(t *testing.T) {
	gw := &fakeGateway{
		conversations: []api.ConversationSummary{
			{ID: "c1", CounterpartID: "u2", CounterpartName: "Hana", LastMessage: "hi", LastActivityAt: 2000, UnreadCount: 1},
			{ID: "c2", CounterpartID: "u3", CounterpartName: "Rin", LastActivityAt: 3000},
		},
	}
	rig := newTestRig(gw)

	rig.engine.Seed(context.Background())

	list := rig.dir.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(list))
	}
	if list[0].ID != "c2" {
		t.Errorf("expected most recent conversation first, got %s", list[0].ID)
	}
	if c, _ := rig.dir.Get("c1"); c.UnreadCount != 1 {
		t.Errorf("unread count not carried over: %d", c.UnreadCount)
	}
}

func TestSeedFetchFailureWithoutCacheLeavesDirectoryEmpty(t *testing.T) {
	rig := newTestRig(&fakeGateway{listErr: errors.New("api down")})

	rig.engine.Seed(context.Background())

	if len(rig.dir.List()) != 0 {
		t.Fatal("directory should stay empty when fetch fails and no cache exists")
	}
}

func TestSendMessageOptimisticThenReconcile(t *testing.T) {
	gw := &fakeGateway{}
	rig := newTestRig(gw)
	seedDirectory(rig)

	// Inspect the store mid-request: the optimistic entry must be visible
	// before the server answers.
	var midSend store.Message
	gw.sendFn = func(req api.SendRequest) (*api.SentMessage, error) {
		list := rig.msgs.Messages("c1")
		if len(list) != 1 {
			t.Fatalf("expected optimistic entry during send, got %d messages", len(list))
		}
		midSend = list[0]
		return &api.SentMessage{ID: "m100", ClientMsgID: req.ClientMsgID, Status: "sent", Timestamp: 5000}, nil
	}

	rig.engine.SendMessage(context.Background(), "c1", "  is the Rem wig still available?  ")

	if !midSend.IsProvisional() {
		t.Errorf("mid-send entry should be provisional, got id %s", midSend.ID)
	}
	if midSend.Body != "is the Rem wig still available?" {
		t.Errorf("body not trimmed: %q", midSend.Body)
	}

	list := rig.msgs.Messages("c1")
	if len(list) != 1 {
		t.Fatalf("expected 1 message after reconcile, got %d", len(list))
	}
	got := list[0]
	if got.ID != "m100" || got.Timestamp != 5000 || got.Status != store.StatusSent {
		t.Errorf("reconcile mismatch: %+v", got)
	}
	if got.Body != midSend.Body {
		t.Errorf("reconcile must not touch the body: %q", got.Body)
	}

	if len(gw.sent) != 1 {
		t.Fatalf("expected 1 send request, got %d", len(gw.sent))
	}
	req := gw.sent[0]
	if req.CounterpartID != "u2" || req.SenderID != "u1" || req.ClientMsgID == "" {
		t.Errorf("send request mismatch: %+v", req)
	}

	if c, _ := rig.dir.Get("c1"); !strings.HasPrefix(c.LastMessagePreview, "is the Rem wig") {
		t.Errorf("directory preview not updated: %q", c.LastMessagePreview)
	}
}

func TestConversationSwitchDoesNotDivertInFlightSend(t *testing.T) {
	gw := &fakeGateway{}
	rig := newTestRig(gw)
	seedDirectory(rig)

	entered := make(chan struct{})
	release := make(chan struct{})
	gw.sendFn = func(req api.SendRequest) (*api.SentMessage, error) {
		close(entered)
		<-release
		return &api.SentMessage{ID: "m200", ClientMsgID: req.ClientMsgID, Status: "sent", Timestamp: 9000}, nil
	}

	done := make(chan struct{})
	go func() {
		rig.engine.SendMessage(context.Background(), "c1", "shipping the Rem wig today")
		close(done)
	}()

	// Switch to another conversation while the send is still on the wire.
	<-entered
	rig.engine.SelectConversation(context.Background(), "c2")
	close(release)
	<-done

	list := rig.msgs.Messages("c1")
	if len(list) != 1 {
		t.Fatalf("expected 1 message in c1, got %d", len(list))
	}
	if list[0].ID != "m200" || list[0].Timestamp != 9000 {
		t.Errorf("reconcile must land in the originating conversation: %+v", list[0])
	}
	if got := rig.msgs.Messages("c2"); len(got) != 0 {
		t.Errorf("newly active conversation must be untouched, got %+v", got)
	}
	if rig.dir.Active() != "c2" {
		t.Errorf("active conversation = %q, want c2", rig.dir.Active())
	}
}

func TestSendMessageFailureMarksFailedAndKeepsText(t *testing.T) {
	gw := &fakeGateway{sendFn: func(api.SendRequest) (*api.SentMessage, error) {
		return nil, errors.New("network down")
	}}
	rig := newTestRig(gw)
	seedDirectory(rig)

	rig.engine.SendMessage(context.Background(), "c1", "hello")

	list := rig.msgs.Messages("c1")
	if len(list) != 1 {
		t.Fatalf("expected 1 message, got %d", len(list))
	}
	if list[0].Status != store.StatusFailed {
		t.Errorf("expected failed status, got %s", list[0].Status)
	}
	if list[0].Body != "hello" {
		t.Errorf("failed send must keep its text, got %q", list[0].Body)
	}
}

func TestPreviewTruncatesOnRuneBoundary(t *testing.T) {
	gw := &fakeGateway{}
	rig := newTestRig(gw)
	seedDirectory(rig)

	// 40 three-byte runes, 120 bytes total: a byte-index cut would split
	// the 34th rune.
	body := strings.Repeat("衣", 40)
	rig.engine.SendMessage(context.Background(), "c1", body)

	c, _ := rig.dir.Get("c1")
	if !utf8.ValidString(c.LastMessagePreview) {
		t.Fatalf("preview is not valid UTF-8: %q", c.LastMessagePreview)
	}
	if !strings.HasPrefix(body, c.LastMessagePreview) {
		t.Errorf("preview %q is not a prefix of the body", c.LastMessagePreview)
	}
	if got := utf8.RuneCountInString(c.LastMessagePreview); got != 33 {
		t.Errorf("preview rune count = %d, want 33", got)
	}
}

func TestSendMessageBlankBodyIsNoOp(t *testing.T) {
	gw := &fakeGateway{}
	rig := newTestRig(gw)
	seedDirectory(rig)

	rig.engine.SendMessage(context.Background(), "c1", "   \n  ")

	if len(gw.sent) != 0 {
		t.Error("blank body must not reach the gateway")
	}
	if len(rig.msgs.Messages("c1")) != 0 {
		t.Error("blank body must not append a message")
	}
}

func TestSendMessageStopsLocalTypingBurst(t *testing.T) {
	rig := newTestRig(&fakeGateway{})
	seedDirectory(rig)

	rig.engine.SetTyping("c1", true)
	rig.engine.SendMessage(context.Background(), "c1", "done typing")

	first := <-rig.emitter.ch
	second := <-rig.emitter.ch
	if !first.IsTyping || second.IsTyping {
		t.Errorf("expected start then stop, got %v %v", first.IsTyping, second.IsTyping)
	}
	if first.ConversationID != "c1" || first.UserID != "u1" || first.ReceiverID != "u2" {
		t.Errorf("typing emission misaddressed: %+v", first)
	}
}

func TestInboundMessageIncrementsUnreadAndBumpsActivity(t *testing.T) {
	rig := newTestRig(&fakeGateway{})
	seedDirectory(rig)
	rig.engine.Start(context.Background())
	defer rig.engine.Stop()

	ch, unsub := rig.bus.Subscribe("chat.", 16)
	defer unsub()

	rig.bus.Publish(bus.Event{Kind: "rt.message", Timestamp: time.Now(), Payload: &transport.NewMessageEvent{
		ID: "m1", ConversationID: "c2", SenderID: "u3", SenderName: "Rin", Body: "wig shipped!", Timestamp: 7000,
	}})
	waitKind(t, ch, "chat.message_updated")

	list := rig.msgs.Messages("c2")
	if len(list) != 1 || list[0].ID != "m1" || list[0].FromMe {
		t.Fatalf("inbound message not stored: %+v", list)
	}
	c, _ := rig.dir.Get("c2")
	if c.UnreadCount != 1 {
		t.Errorf("expected unread 1, got %d", c.UnreadCount)
	}
	if c.LastActivityAt != 7000 {
		t.Errorf("activity not bumped: %d", c.LastActivityAt)
	}
	if rig.dir.List()[0].ID != "c2" {
		t.Error("conversation should move to the top on inbound message")
	}
}

func TestInboundMessageUnknownConversationDiscarded(t *testing.T) {
	rig := newTestRig(&fakeGateway{})
	seedDirectory(rig)
	rig.engine.Start(context.Background())
	defer rig.engine.Stop()

	ch, unsub := rig.bus.Subscribe("chat.", 16)
	defer unsub()

	rig.bus.Publish(bus.Event{Kind: "rt.message", Timestamp: time.Now(), Payload: &transport.NewMessageEvent{
		ID: "m-ghost", ConversationID: "c-unknown", SenderID: "u9", Body: "??", Timestamp: 7000,
	}})
	// A second, valid event proves the first finished processing.
	rig.bus.Publish(bus.Event{Kind: "rt.message", Timestamp: time.Now(), Payload: &transport.NewMessageEvent{
		ID: "m2", ConversationID: "c1", SenderID: "u2", Body: "ok", Timestamp: 7001,
	}})
	waitKind(t, ch, "chat.message_updated")

	if len(rig.msgs.Messages("c-unknown")) != 0 {
		t.Error("unknown conversation must be discarded")
	}
	if rig.dir.Has("c-unknown") {
		t.Error("unknown conversation must not be added to the directory")
	}
}

func TestInboundMessageEmptyConversationFallsBackToActive(t *testing.T) {
	rig := newTestRig(&fakeGateway{})
	seedDirectory(rig)
	rig.dir.Select("c1")
	rig.engine.Start(context.Background())
	defer rig.engine.Stop()

	ch, unsub := rig.bus.Subscribe("chat.", 16)
	defer unsub()

	rig.bus.Publish(bus.Event{Kind: "rt.message", Timestamp: time.Now(), Payload: &transport.NewMessageEvent{
		ID: "m3", SenderID: "u2", Body: "pickup at 5?", Timestamp: 7100,
	}})
	evt := waitKind(t, ch, "chat.message_updated")

	if evt.Payload != "c1" {
		t.Errorf("expected fallback to active conversation, got %v", evt.Payload)
	}
	if len(rig.msgs.Messages("c1")) != 1 {
		t.Error("message should land in the active conversation")
	}
	// Active conversation: no unread increment.
	if c, _ := rig.dir.Get("c1"); c.UnreadCount != 0 {
		t.Errorf("active conversation must not accrue unread, got %d", c.UnreadCount)
	}
}

func TestRemoteTypingEventReachesTracker(t *testing.T) {
	rig := newTestRig(&fakeGateway{})
	seedDirectory(rig)
	rig.engine.Start(context.Background())
	defer rig.engine.Stop()

	ch, unsub := rig.bus.Subscribe("chat.", 16)
	defer unsub()

	rig.bus.Publish(bus.Event{Kind: "rt.typing", Timestamp: time.Now(), Payload: &transport.TypingStatusEvent{
		ConversationID: "c1", UserID: "u2", DisplayName: "Hana", IsTyping: true,
	}})
	waitKind(t, ch, "chat.typing_updated")

	st, ok := rig.engine.TypingState("c1")
	if !ok || !st.IsTyping || st.DisplayName != "Hana" {
		t.Errorf("expected Hana typing, got %+v ok=%v", st, ok)
	}
}

func TestOwnTypingEchoIgnored(t *testing.T) {
	rig := newTestRig(&fakeGateway{})
	seedDirectory(rig)
	rig.engine.Start(context.Background())
	defer rig.engine.Stop()

	ch, unsub := rig.bus.Subscribe("chat.", 16)
	defer unsub()

	rig.bus.Publish(bus.Event{Kind: "rt.typing", Timestamp: time.Now(), Payload: &transport.TypingStatusEvent{
		ConversationID: "c1", UserID: "u1", IsTyping: true,
	}})
	// Flush with a message event.
	rig.bus.Publish(bus.Event{Kind: "rt.message", Timestamp: time.Now(), Payload: &transport.NewMessageEvent{
		ID: "m4", ConversationID: "c1", SenderID: "u2", Body: "x", Timestamp: 7200,
	}})
	waitKind(t, ch, "chat.message_updated")

	if _, ok := rig.engine.TypingState("c1"); ok {
		t.Error("own typing echo must not show as remote typing")
	}
}

func TestSelectConversationLoadsHistoryOnce(t *testing.T) {
	gw := &fakeGateway{messages: map[string][]api.MessageRecord{
		"c1": {
			{ID: "m1", SenderID: "u2", SenderName: "Hana", Body: "hi", Status: "read", Timestamp: 100},
			{ID: "m2", SenderID: "u1", Body: "hello", Status: "read", Timestamp: 200},
		},
	}}
	rig := newTestRig(gw)
	seedDirectory(rig)

	rig.engine.SelectConversation(context.Background(), "c1")

	list := rig.msgs.Messages("c1")
	if len(list) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(list))
	}
	if list[0].FromMe || !list[1].FromMe {
		t.Error("FromMe not derived from sender id")
	}

	// Second select must not refetch or duplicate.
	gw.messages["c1"] = append(gw.messages["c1"], api.MessageRecord{ID: "m9", Body: "late", Timestamp: 300})
	rig.engine.SelectConversation(context.Background(), "c1")
	if got := len(rig.msgs.Messages("c1")); got != 2 {
		t.Errorf("history must load once per conversation, got %d messages", got)
	}
}

func TestTransportConnectivityDrivesStatusMachine(t *testing.T) {
	rig := newTestRig(&fakeGateway{})
	if err := rig.machine.Transition(status.Connecting); err != nil {
		t.Fatal(err)
	}
	rig.engine.Start(context.Background())
	defer rig.engine.Stop()

	ch, unsub := rig.bus.Subscribe("presence.", 16)
	defer unsub()

	rig.bus.Publish(bus.Event{Kind: "rt.connected", Timestamp: time.Now()})
	waitKind(t, ch, "presence.status_changed")
	if rig.machine.Current() != status.Online {
		t.Errorf("expected ONLINE, got %s", rig.machine.Current())
	}

	rig.bus.Publish(bus.Event{Kind: "rt.disconnected", Timestamp: time.Now()})
	waitKind(t, ch, "presence.status_changed")
	if rig.machine.Current() != status.Reconnecting {
		t.Errorf("expected RECONNECTING, got %s", rig.machine.Current())
	}
}
