package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func respond(t *testing.T, w http.ResponseWriter, code int, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code": code,
		"msg":  "",
		"data": json.RawMessage(raw),
	})
}

func TestListConversations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/conversations" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("user_id"); got != "u1" {
			t.Errorf("user_id = %q, want u1", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		respond(t, w, 0, []ConversationSummary{
			{ID: "c1", CounterpartID: "userB", CounterpartName: "Rin", LastMessage: "hi", UnreadCount: 2, LastActivityAt: 1000},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	convs, err := c.ListConversations(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	if len(convs) != 1 || convs[0].ID != "c1" || convs[0].UnreadCount != 2 {
		t.Errorf("convs = %+v", convs)
	}
}

func TestSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/chat/messages" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var req SendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Body != "Hello" || req.ClientMsgID == "" {
			t.Errorf("req = %+v", req)
		}
		respond(t, w, 0, SentMessage{
			ID: "m100", ConversationID: req.ConversationID,
			ClientMsgID: req.ClientMsgID, Status: "sent", Timestamp: 42,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	sent, err := c.SendMessage(context.Background(), SendRequest{
		ConversationID: "c1", SenderID: "u1", Body: "Hello", ClientMsgID: "tok-1",
	})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if sent.ID != "m100" || sent.ClientMsgID != "tok-1" || sent.Timestamp != 42 {
		t.Errorf("sent = %+v", sent)
	}
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 403, "msg": "rental not active"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	_, err := c.SendMessage(context.Background(), SendRequest{ConversationID: "c1", Body: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T", err)
	}
	if apiErr.Code != 403 {
		t.Errorf("code = %d, want 403", apiErr.Code)
	}
}

func TestMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	if _, err := c.ListConversations(context.Background(), "u1"); err == nil {
		t.Error("expected decode error")
	}
}
