// Package dispatcher delivers job lifecycle callbacks asynchronously with
// bounded buffering, retries and a circuit breaker per destination host.
package dispatcher

import (
	"context"
	"errors"

	"studio/pkg/cloudevent"
)

// ErrBufferFull is returned when the buffer is full and the event is dropped.
var ErrBufferFull = errors.New("callback buffer full, event dropped")

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher is closed")

// ErrSaturated is reported by Ready while the buffer is nearly full.
var ErrSaturated = errors.New("callback buffer saturated")

// Dispatcher delivers callback events.
type Dispatcher interface {
	// Dispatch queues an event without blocking. Events without a
	// destination or with an invalid payload are rejected.
	Dispatch(event *Event) error
	Stats() Stats
	// Close stops accepting events and delivers what is queued until ctx ends.
	Close(ctx context.Context) error
}

// Event is one callback delivery.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // callback URL
	SigningKey  string // HMAC key, empty sends unsigned
	requeues    int
}

// Stats holds delivery counters.
type Stats struct {
	QueueDepth   int
	Queued       int64
	Delivered    int64
	Failed       int64 // gave up after retries
	Dropped      int64 // buffer full or too many requeues
	Requeued     int64 // held back by an open breaker
	Retries      int64
	BreakersOpen int
}
