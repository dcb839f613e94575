// Package remote implements the media generation capabilities against an
// HTTP generation service. Each capability is one POST endpoint taking a JSON
// request. The service answers with the media bytes directly, or with a JSON
// body pointing at a URL the result can be downloaded from.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"studio/internal/provider"
)

var (
	_ provider.MusicGenerator   = (*Client)(nil)
	_ provider.VoiceSynthesizer = (*Client)(nil)
	_ provider.AvatarGenerator  = (*Client)(nil)
	_ provider.Animator         = (*Client)(nil)
	_ provider.SceneRenderer    = (*Client)(nil)
)

const (
	endpointCompose    = "v1/music/compose"
	endpointSynthesize = "v1/voice/synthesize"
	endpointGenerate   = "v1/avatar/generate"
	endpointAnimate    = "v1/avatar/animate"
	endpointRender     = "v1/scenes/render"

	defaultTimeout    = 10 * time.Minute
	errorSnippetLimit = 400
	maxMediaBytes     = 1 << 30

	providerName = "remote"
)

// Config holds the connection settings for the generation service.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Call    provider.CallConfig
}

// Client calls an HTTP generation service.
type Client struct {
	httpClient *http.Client
	caller     *provider.Caller
	baseURL    string
	apiKey     string
}

// New creates a remote provider client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		caller:     provider.NewCaller(providerName, cfg.Call),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
	}
}

type composeBody struct {
	Lyrics  string `json:"lyrics"`
	Genre   string `json:"genre,omitempty"`
	Emotion string `json:"emotion,omitempty"`
}

func (c *Client) Compose(ctx context.Context, req provider.CompositionRequest) (*provider.Media, error) {
	return c.generate(ctx, "compose", endpointCompose, composeBody(req))
}

type synthesizeBody struct {
	Lyrics  string `json:"lyrics"`
	Emotion string `json:"emotion,omitempty"`
	Sample  []byte `json:"sample,omitempty"`
}

func (c *Client) Synthesize(ctx context.Context, req provider.VoiceRequest) (*provider.Media, error) {
	return c.generate(ctx, "synthesize", endpointSynthesize, synthesizeBody(req))
}

type generateBody struct {
	Style    string          `json:"style"`
	Features json.RawMessage `json:"features,omitempty"`
}

func (c *Client) Generate(ctx context.Context, req provider.AvatarRequest) (*provider.Media, error) {
	body := generateBody{Style: req.Style}
	if json.Valid(req.Features) {
		body.Features = req.Features
	}
	return c.generate(ctx, "generate", endpointGenerate, body)
}

type animateBody struct {
	Model []byte `json:"model"`
	Audio []byte `json:"audio"`
}

func (c *Client) Animate(ctx context.Context, req provider.AnimationRequest) (*provider.Media, error) {
	return c.generate(ctx, "animate", endpointAnimate, animateBody(req))
}

type renderBody struct {
	Index       int    `json:"index"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Style       string `json:"style,omitempty"`
}

func (c *Client) RenderScene(ctx context.Context, req provider.SceneRequest) (*provider.Media, error) {
	return c.generate(ctx, "render", endpointRender, renderBody(req))
}

// resultLink is the JSON reply of a service that hosts results itself.
type resultLink struct {
	URL       string `json:"url"`
	MediaType string `json:"mediaType"`
}

func (c *Client) generate(ctx context.Context, op, endpoint string, body any) (*provider.Media, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", op, err)
	}
	u, err := url.JoinPath(c.baseURL, endpoint)
	if err != nil {
		return nil, fmt.Errorf("join url: %w", err)
	}

	var media *provider.Media
	err = c.caller.Do(ctx, op, func(ctx context.Context) error {
		var callErr error
		media, callErr = c.post(ctx, u, payload)
		return provider.Classify(callErr)
	})
	if err != nil {
		return nil, err
	}
	return media, nil
}

func (c *Client) post(ctx context.Context, u string, payload []byte) (*provider.Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorSnippetLimit))
		return nil, &provider.StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	mediaType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(mediaType); err == nil && mt == "application/json" {
		var link resultLink
		if err := json.NewDecoder(resp.Body).Decode(&link); err != nil {
			return nil, fmt.Errorf("parse response: %w", err)
		}
		if link.URL == "" {
			return nil, fmt.Errorf("response has neither media nor a result url")
		}
		return c.download(ctx, link)
	}

	return readMedia(resp.Body, mediaType)
}

// download fetches a result the service published at a URL.
func (c *Client) download(ctx context.Context, link resultLink) (*provider.Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link.URL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to download result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &provider.StatusError{StatusCode: resp.StatusCode, Body: "download failed"}
	}

	mediaType := link.MediaType
	if mediaType == "" {
		mediaType = resp.Header.Get("Content-Type")
	}
	media, err := readMedia(resp.Body, mediaType)
	if err != nil {
		return nil, err
	}
	slog.Debug("Downloaded provider result", "bytes", len(media.Data), "host", req.URL.Host)
	return media, nil
}

func readMedia(r io.Reader, mediaType string) (*provider.Media, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read media: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("provider returned empty media")
	}
	if len(data) > maxMediaBytes {
		return nil, fmt.Errorf("provider media exceeds %d bytes", maxMediaBytes)
	}
	return &provider.Media{MediaType: mediaType, Data: data}, nil
}
