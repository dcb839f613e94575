package cloudevent

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// ContentType is the structured-mode media type.
	ContentType = "application/cloudevents+json"
	// SignatureHeader carries "sha256=<hex HMAC of the body>".
	SignatureHeader = "X-Signature-256"

	userAgent     = "studio-callbacks/1"
	signingPrefix = "sha256="
)

// Sender posts events to HTTP endpoints over a shared connection pool.
type Sender struct {
	client *http.Client
}

// NewSender creates a sender whose requests time out after timeout.
func NewSender(timeout time.Duration) *Sender {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 10
	return &Sender{client: &http.Client{Timeout: timeout, Transport: transport}}
}

// SendOptions controls a single delivery.
type SendOptions struct {
	// SigningKey signs the body with HMAC-SHA256; empty sends unsigned.
	SigningKey string
}

// Send validates and posts event to url. The context attributes are
// duplicated as Ce-* headers so receivers can route without parsing the
// body. Non-2xx replies return an *HTTPError.
func (s *Sender) Send(ctx context.Context, url string, event *CloudEvent, opts SendOptions) error {
	if err := event.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("User-Agent", userAgent)
	for name, value := range event.headers() {
		req.Header.Set(name, value)
	}
	if opts.SigningKey != "" {
		req.Header.Set(SignatureHeader, sign(body, opts.SigningKey))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode/100 != 2 {
		return &HTTPError{StatusCode: resp.StatusCode}
	}
	return nil
}

func (e *CloudEvent) headers() map[string]string {
	h := map[string]string{
		"Ce-Specversion": e.SpecVersion,
		"Ce-Type":        e.Type,
		"Ce-Source":      e.Source,
		"Ce-Id":          e.ID,
		"Ce-Time":        e.Time.Format(time.RFC3339Nano),
	}
	if e.Subject != "" {
		h["Ce-Subject"] = e.Subject
	}
	return h
}

// Verify checks a received body against its SignatureHeader value.
func Verify(body []byte, signature, key string) bool {
	return hmac.Equal([]byte(sign(body, key)), []byte(signature))
}

func sign(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return signingPrefix + hex.EncodeToString(mac.Sum(nil))
}

// HTTPError is a non-2xx reply from a receiver.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("receiver answered HTTP %d", e.StatusCode)
}

// IsClientError reports a 4xx reply that retrying will not fix. 408 and
// 429 are treated as transient.
func IsClientError(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}
	switch he.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return he.StatusCode >= 400 && he.StatusCode < 500
}
