// Package aiproxy implements provider.TextGenerator against an
// OpenAI-compatible chat completions endpoint.
package aiproxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"studio/internal/provider"
)

var _ provider.TextGenerator = (*Client)(nil)

const (
	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"

	contentTypeJSON        = "application/json"
	contentTypeOctetStream = "application/octet-stream"

	authSchemeBearer = "Bearer"

	endpointChatCompletions = "v1/chat/completions"

	defaultTimeout    = 120 * time.Second
	errorSnippetLimit = 400

	defaultSystemPrompt = "You are a creative assistant for a music, avatar and short film studio."

	dataURLPrefix    = "data:"
	dataURLBase64Sep = ";base64,"

	providerName = "aiproxy"
)

// Role represents the sender role for a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType represents the type for a multimodal message part.
type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
)

// Config holds the connection settings for the proxy.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
	Call        provider.CallConfig
}

// Client implements provider.TextGenerator by calling an OpenAI-compatible AI proxy.
type Client struct {
	httpClient  *http.Client
	caller      *provider.Caller
	baseURL     string
	apiKey      string
	model       string
	temperature *float32
	maxTokens   *int
}

// New creates a new AI proxy client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		caller:      provider.NewCaller(providerName, cfg.Call),
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: optionalFloat32(cfg.Temperature),
		maxTokens:   optionalInt(cfg.MaxTokens),
	}
}

// Complete sends one chat completion request and returns the first choice.
func (c *Client) Complete(ctx context.Context, prompt provider.TextPrompt) (string, error) {
	if strings.TrimSpace(prompt.Prompt) == "" && len(prompt.Image) == 0 {
		return "", fmt.Errorf("prompt is empty")
	}

	bodyBytes, err := json.Marshal(c.buildRequestBody(prompt))
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	u, err := url.JoinPath(c.baseURL, endpointChatCompletions)
	if err != nil {
		return "", fmt.Errorf("join url: %w", err)
	}

	op := "complete"
	if prompt.Task != "" {
		op = "complete." + prompt.Task
	}

	var content string
	err = c.caller.Do(ctx, op, func(ctx context.Context) error {
		var callErr error
		content, callErr = c.post(ctx, u, bodyBytes)
		return provider.Classify(callErr)
	})
	if err != nil {
		return "", err
	}
	return content, nil
}

func (c *Client) post(ctx context.Context, u string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set(headerContentType, contentTypeJSON)
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set(headerAuthorization, authSchemeBearer+" "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("http do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", &provider.StatusError{StatusCode: resp.StatusCode, Body: truncate(string(respBytes), errorSnippetLimit)}
	}

	var comp chatCompletionResponse
	if err := json.Unmarshal(respBytes, &comp); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(comp.Choices) == 0 || strings.TrimSpace(comp.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("empty completion")
	}
	return comp.Choices[0].Message.Content, nil
}

func (c *Client) buildRequestBody(prompt provider.TextPrompt) chatCompletionRequest {
	sys := strings.TrimSpace(prompt.System)
	if sys == "" {
		sys = defaultSystemPrompt
	}

	var user any = prompt.Prompt
	if len(prompt.Image) > 0 {
		text := prompt.Prompt
		user = []messagePart{
			{Type: PartText, Text: &text},
			{Type: PartImageURL, ImageURL: &imageURL{URL: buildDataURL(prompt.ImageMediaType, prompt.Image)}},
		}
	}

	req := chatCompletionRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: RoleSystem, Content: sys},
			{Role: RoleUser, Content: user},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	if prompt.JSON {
		req.ResponseFmt = responseFormat{Type: "json_object"}
	}
	return req
}

func buildDataURL(mime string, data []byte) string {
	mt := strings.TrimSpace(mime)
	if mt == "" {
		mt = contentTypeOctetStream
	}
	enc := base64.StdEncoding.EncodeToString(data)
	return dataURLPrefix + mt + dataURLBase64Sep + enc
}

func optionalFloat32(v float32) *float32 {
	if v == 0 {
		return nil
	}
	return &v
}

func optionalInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// OpenAI-compatible Chat Completions request/response types

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	ResponseFmt any           `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    Role `json:"role"`
	Content any  `json:"content"` // string or []messagePart
}

type messagePart struct {
	Type     PartType  `json:"type"`
	Text     *string   `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Choices []chatCompletionChoice `json:"choices"`
}

type chatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      responseMsg `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type responseMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
