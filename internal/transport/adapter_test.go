package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kosuchat/kosu/internal/bus"
)

// echoServer upgrades connections, pushes every frame from send to the
// client, and forwards client frames to received.
func echoServer(t *testing.T, send <-chan []byte, received chan<- []byte) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		go func() {
			for frame := range send {
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}
			}
		}()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- raw
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestAdapterReceivesAndPublishes(t *testing.T) {
	send := make(chan []byte, 4)
	received := make(chan []byte, 4)
	srv := echoServer(t, send, received)
	defer srv.Close()

	b := bus.New()
	ch, unsub := b.Subscribe("rt.", 16)
	defer unsub()

	a := NewAdapter(wsURL(srv.URL), "tok", b, zap.NewNop())
	a.Connect(context.Background())
	defer a.Disconnect()

	// Connectivity event first.
	waitKind(t, ch, "rt.connected")
	if !a.IsConnected() {
		t.Error("IsConnected() = false after rt.connected")
	}

	send <- []byte(`{"event":"newMessage","data":{"id":"m1","conversationId":"c1","senderId":"userB","body":"Hi","timestamp":100}}`)
	evt := waitKind(t, ch, "rt.message")
	msg, ok := evt.Payload.(*NewMessageEvent)
	if !ok {
		t.Fatalf("payload type = %T", evt.Payload)
	}
	if msg.ID != "m1" || msg.Body != "Hi" {
		t.Errorf("payload = %+v", msg)
	}

	// Malformed frame is dropped without killing the loop.
	send <- []byte(`{"event":"newMessage","data":{"body":"no id"}}`)
	send <- []byte(`{"event":"typingStatus","data":{"conversationId":"c1","userId":"userB","isTyping":true}}`)
	evt = waitKind(t, ch, "rt.typing")
	ty := evt.Payload.(*TypingStatusEvent)
	if !ty.IsTyping {
		t.Errorf("payload = %+v", ty)
	}
}

func TestAdapterEmitTyping(t *testing.T) {
	send := make(chan []byte)
	received := make(chan []byte, 4)
	srv := echoServer(t, send, received)
	defer srv.Close()

	b := bus.New()
	ch, unsub := b.Subscribe("rt.connected", 1)
	defer unsub()

	a := NewAdapter(wsURL(srv.URL), "", b, zap.NewNop())
	a.Connect(context.Background())
	defer a.Disconnect()
	waitKind(t, ch, "rt.connected")

	a.EmitTyping(TypingStatusEvent{ConversationID: "c1", UserID: "u1", IsTyping: true})

	select {
	case raw := <-received:
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatal(err)
		}
		if env.Event != EventTypingStatus {
			t.Errorf("event = %q", env.Event)
		}
		var ev TypingStatusEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.ConversationID != "c1" || !ev.IsTyping {
			t.Errorf("payload = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for emitted frame")
	}
}

func TestEmitWhileDisconnectedIsDropped(t *testing.T) {
	a := NewAdapter("ws://127.0.0.1:1", "", bus.New(), zap.NewNop())
	// Never connected: must not panic or block.
	a.EmitTyping(TypingStatusEvent{ConversationID: "c1", UserID: "u1", IsTyping: true})
	if a.IsConnected() {
		t.Error("IsConnected() = true without a connection")
	}
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
			t.Fatalf("timeout waiting for %s", kind)
		}
	}
}
