package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Gateway opens a streamed chat completion against an OpenAI-compatible
// endpoint. The caller owns the returned response body and must inspect the
// status code before reading it.
type Gateway interface {
	OpenStream(ctx context.Context, model string, messages []Message) (*http.Response, error)
}

// HTTPGateway talks to an OpenAI-compatible /chat/completions endpoint
// (OpenRouter, an OpenAI-compatible LLM gateway, Ollama's /v1, ...).
type HTTPGateway struct {
	BaseURL string
	APIKey  string
	SiteURL string
	AppName string
	Client  *http.Client
}

func NewHTTPGateway(baseURL, apiKey, siteURL, appName string) *HTTPGateway {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &HTTPGateway{
		BaseURL: baseURL,
		APIKey:  apiKey,
		SiteURL: siteURL,
		AppName: appName,
		// no global timeout; streaming is bounded by ctx
		Client: &http.Client{},
	}
}

func (g *HTTPGateway) OpenStream(ctx context.Context, model string, messages []Message) (*http.Response, error) {
	if g.Client == nil {
		return nil, errors.New("gateway: http client is nil")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("gateway: model is required")
	}

	reqBody := openai.ChatCompletionRequest{
		Model:  model,
		Stream: true,
		Messages: func() []openai.ChatCompletionMessage {
			out := make([]openai.ChatCompletionMessage, 0, len(messages))
			for _, m := range messages {
				out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
			}
			return out
		}(),
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(g.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if g.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.APIKey)
	}
	if g.SiteURL != "" {
		req.Header.Set("HTTP-Referer", g.SiteURL)
	}
	if g.AppName != "" {
		req.Header.Set("X-Title", g.AppName)
	}

	return g.Client.Do(req)
}

// ReadErrorBody returns a short description of a non-2xx upstream response.
func ReadErrorBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return msg
}

// SystemMessage builds the preamble sent ahead of the conversation.
func SystemMessage(prompt string) Message {
	return Message{Role: openai.ChatMessageRoleSystem, Content: prompt}
}
