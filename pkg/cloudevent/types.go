// Package cloudevent builds, signs and delivers CloudEvents 1.0 in
// structured JSON mode, and decodes them on the receiving side.
package cloudevent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SpecVersion is the CloudEvents version produced by New.
const SpecVersion = "1.0"

// maxEventSize bounds the body Decode and Receive will read.
const maxEventSize = 1 << 20

// ErrInvalidEvent is returned for events missing a required attribute.
var ErrInvalidEvent = errors.New("invalid cloudevent")

// ErrBadSignature is returned by Receive when the signature does not match.
var ErrBadSignature = errors.New("cloudevent signature mismatch")

// CloudEvent is a CloudEvents 1.0 event with a JSON object payload.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject,omitempty"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
}

// New creates an event stamped with the current time.
func New(eventType, source, subject, id string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

// Validate checks the context attributes every 1.0 event must carry.
func (e *CloudEvent) Validate() error {
	var missing []string
	for _, attr := range []struct{ name, value string }{
		{"specversion", e.SpecVersion},
		{"type", e.Type},
		{"source", e.Source},
		{"id", e.ID},
	} {
		if attr.value == "" {
			missing = append(missing, attr.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrInvalidEvent, missing)
	}
	if e.SpecVersion != SpecVersion {
		return fmt.Errorf("%w: unsupported specversion %q", ErrInvalidEvent, e.SpecVersion)
	}
	return nil
}

// Decode parses and validates one structured-mode event.
func Decode(body []byte) (*CloudEvent, error) {
	var event CloudEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return &event, nil
}

// Receive reads an event delivered by Sender. When key is set the
// SignatureHeader must match the body.
func Receive(r *http.Request, key string) (*CloudEvent, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventSize))
	if err != nil {
		return nil, fmt.Errorf("read event: %w", err)
	}
	if key != "" && !Verify(body, r.Header.Get(SignatureHeader), key) {
		return nil, ErrBadSignature
	}
	return Decode(body)
}
