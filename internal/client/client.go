// Package client talks to the studio HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"studio/internal/api"
	"studio/internal/job"
	"studio/internal/stage"
)

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.StatusCode, e.Kind)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.StatusCode)
}

// Client is a studio API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit starts a job of stage st.
func (c *Client) Submit(ctx context.Context, st stage.Type, req *job.SubmitRequest) (*api.SubmitResponse, error) {
	var out api.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/stages/"+url.PathEscape(string(st))+"/jobs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches the status of a job.
func (c *Client) Status(ctx context.Context, jobID string) (*api.StatusResponse, error) {
	var out api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns jobs, optionally narrowed to a stage and a status.
func (c *Client) List(ctx context.Context, st stage.Type, status string) (*api.ListResponse, error) {
	q := url.Values{}
	if st != "" {
		q.Set("stage", string(st))
	}
	if status != "" {
		q.Set("status", status)
	}
	path := "/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out api.ListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Advance submits the next stage for a completed job.
func (c *Client) Advance(ctx context.Context, jobID string, overrides *stage.Request) (*api.SubmitResponse, error) {
	var body any
	if overrides != nil {
		body = overrides
	}
	var out api.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/advance", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Artifact is a downloaded artifact stream. The caller closes Body.
type Artifact struct {
	Body      io.ReadCloser
	MediaType string
	FileName  string
	Size      int64
}

// Artifact downloads one artifact of a job.
func (c *Client) Artifact(ctx context.Context, jobID, name string) (*Artifact, error) {
	resp, err := c.send(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID)+"/artifacts/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, err
	}
	art := &Artifact{
		Body:      resp.Body,
		MediaType: resp.Header.Get("Content-Type"),
		Size:      resp.ContentLength,
	}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		art.FileName = params["filename"]
	}
	return art, nil
}

// Wait polls a job until it completes or fails, or ctx ends.
func (c *Client) Wait(ctx context.Context, jobID string, interval time.Duration) (*api.StatusResponse, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := c.Status(ctx, jobID)
		switch {
		case err != nil && !IsTransient(err):
			return nil, err
		case err == nil && job.Terminal(st.Status):
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.send(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// send issues a request and returns the response of a 2xx status. Other
// statuses are returned as *APIError.
func (c *Client) send(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var errBody api.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &errBody) == nil && errBody.Error != "" {
		apiErr.Message = errBody.Error
		apiErr.Kind = errBody.Kind
	} else if text := strings.TrimSpace(string(data)); text != "" {
		apiErr.Message = text
	}
	return nil, apiErr
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsTransient reports whether the server refused the request in a way that
// may clear on its own, such as a draining instance or an upstream timeout.
func IsTransient(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
