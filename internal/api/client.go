package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Error is a non-zero API response code.
type Error struct {
	Code int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Msg)
}

// Client talks to the marketplace chat API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a new API client. token is the bearer access token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListConversations returns the conversation summaries for the local user.
// Consumed once per session to seed the directory.
func (c *Client) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	var out []ConversationSummary
	err := c.get(ctx, "/v1/chat/conversations", map[string]string{"user_id": userID}, &out)
	return out, err
}

// ListMessages returns a conversation's message history, oldest first.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]MessageRecord, error) {
	var out []MessageRecord
	path := "/v1/chat/conversations/" + url.PathEscape(conversationID) + "/messages"
	err := c.get(ctx, path, nil, &out)
	return out, err
}

// SendMessage submits a message and returns the server-assigned identity.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (*SentMessage, error) {
	var out SentMessage
	if err := c.post(ctx, "/v1/chat/messages", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, params map[string]string, result any) error {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}
		reqURL += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, reqURL, nil, result)
}

func (c *Client) post(ctx context.Context, path string, body, result any) error {
	return c.do(ctx, http.MethodPost, c.baseURL+path, body, result)
}

func (c *Client) do(ctx context.Context, method, reqURL string, body, result any) error {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Code != 0 {
		return &Error{Code: env.Code, Msg: env.Msg}
	}
	if result != nil && env.Data != nil {
		if err := json.Unmarshal(env.Data, result); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}
