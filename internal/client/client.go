// Package client consumes the relay: it opens a streamed chat request,
// renders deltas into a local message list and reconciles that list with the
// conversation store once the stream ends.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Message is the client-side view of one turn.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RequestError is a non-2xx answer from the relay.
type RequestError struct {
	Status     int
	Message    string
	RetryAfter int
}

func (e *RequestError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("relay: %d %s (retry after %ds)", e.Status, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("relay: %d %s", e.Status, e.Message)
}

func (e *RequestError) RateLimited() bool { return e.Status == http.StatusTooManyRequests }
func (e *RequestError) QuotaExceeded() bool { return e.Status == http.StatusPaymentRequired }

// Client is a thin HTTP binding to the relay's endpoints.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		// no global timeout; chat streams are bounded by ctx
		HTTPClient: &http.Client{},
	}
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	ConversationID string        `json:"conversationId"`
	Messages       []ChatMessage `json:"messages"`
	Model          string        `json:"model,omitempty"`
}

// OpenChat posts a chat request and returns the streaming response once it
// has been accepted. The caller closes the body.
func (c *Client) OpenChat(ctx context.Context, req ChatRequest) (*http.Response, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/chat", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, readRequestError(resp)
	}
	return resp, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	resp, err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readRequestError(resp)
	}

	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return out.Messages, nil
}

func (c *Client) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	b, err := json.Marshal(map[string]string{"title": title})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/conversations", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, readRequestError(resp)
	}

	var conv Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &conv, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return hc.Do(req)
}

func readRequestError(resp *http.Response) *RequestError {
	e := &RequestError{Status: resp.StatusCode}
	var body struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retryAfter"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		e.Message = body.Error
		e.RetryAfter = body.RetryAfter
	} else {
		e.Message = http.StatusText(resp.StatusCode)
	}
	return e
}
