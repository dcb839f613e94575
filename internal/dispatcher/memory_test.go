package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"studio/internal/testutil"
	"studio/pkg/cloudevent"
)

func newTestDispatcher(t *testing.T, cfg MemoryConfig) *MemoryDispatcher {
	t.Helper()
	d := NewMemory(cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d
}

func testEvent(url string) *Event {
	return &Event{
		Payload:     cloudevent.New("studio.job.completed", "studio", "job-1", "evt-1", map[string]any{"stage": "music"}),
		Destination: url,
	}
}

func TestMemoryDispatcher_DeliversSigned(t *testing.T) {
	t.Parallel()
	verified := make(chan bool, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		event, err := cloudevent.Receive(r, "secret")
		verified <- err == nil && event.Type == "studio.job.completed" &&
			r.Header.Get("Ce-Type") == event.Type
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := newTestDispatcher(t, MemoryConfig{Workers: 1})
	event := testEvent(server.URL)
	event.SigningKey = "secret"
	if err := d.Dispatch(event); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case ok := <-verified:
		if !ok {
			t.Error("delivery was not signed with the callback key")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("callback not delivered")
	}
	testutil.MustWaitFor(t, func() bool { return d.Stats().Delivered == 1 }, testutil.WithTimeout(5*time.Second))
}

func TestMemoryDispatcher_BufferFull(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	d := newTestDispatcher(t, MemoryConfig{BufferSize: 1, Workers: 1})

	var full int
	for range 5 {
		if errors.Is(d.Dispatch(testEvent(server.URL)), ErrBufferFull) {
			full++
		}
	}
	if full == 0 || d.Stats().Dropped != int64(full) {
		t.Errorf("expected dropped events, got %d full and stats %+v", full, d.Stats())
	}
}

func TestMemoryDispatcher_RetriesServerErrors(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := newTestDispatcher(t, MemoryConfig{Workers: 1})
	if err := d.Dispatch(testEvent(server.URL)); err != nil {
		t.Fatal(err)
	}

	testutil.MustWaitFor(t, func() bool { return d.Stats().Delivered == 1 }, testutil.WithTimeout(5*time.Second))
	if attempts.Load() != 3 || d.Stats().Retries != 2 {
		t.Errorf("expected 3 attempts and 2 retries, got %d and %+v", attempts.Load(), d.Stats())
	}
}

func TestMemoryDispatcher_NoRetryOnClientError(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	d := newTestDispatcher(t, MemoryConfig{Workers: 1})
	if err := d.Dispatch(testEvent(server.URL)); err != nil {
		t.Fatal(err)
	}

	testutil.MustWaitFor(t, func() bool { return d.Stats().Failed == 1 }, testutil.WithTimeout(5*time.Second))
	if attempts.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", attempts.Load())
	}
}

func TestMemoryDispatcher_RequeuesWhileBreakerOpen(t *testing.T) {
	t.Parallel()
	var healthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := newTestDispatcher(t, MemoryConfig{
		Workers:          1,
		MaxRetries:       -1,
		BreakerThreshold: 1,
		BreakerCooldown:  500 * time.Millisecond,
	})

	if err := d.Dispatch(testEvent(server.URL)); err != nil {
		t.Fatal(err)
	}
	testutil.MustWaitFor(t, func() bool { return d.Stats().Failed == 1 }, testutil.WithTimeout(5*time.Second), testutil.WithInterval(5*time.Millisecond))

	// The breaker is open now; the next event waits out the cooldown.
	if err := d.Dispatch(testEvent(server.URL)); err != nil {
		t.Fatal(err)
	}
	testutil.MustWaitFor(t, func() bool { return d.Stats().Requeued >= 1 }, testutil.WithTimeout(5*time.Second), testutil.WithInterval(5*time.Millisecond))
	healthy.Store(true)

	testutil.MustWaitFor(t, func() bool { return d.Stats().Delivered == 1 }, testutil.WithTimeout(5*time.Second))
	if open := d.Stats().BreakersOpen; open != 0 {
		t.Errorf("expected breaker closed after a successful probe, got %d open", open)
	}
}

func TestMemoryDispatcher_CloseDrainsQueue(t *testing.T) {
	t.Parallel()
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{Workers: 2}, nil)
	for range 10 {
		if err := d.Dispatch(testEvent(server.URL)); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if received.Load() != 10 {
		t.Errorf("expected 10 deliveries, got %d", received.Load())
	}
	if err := d.Dispatch(testEvent(server.URL)); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestMemoryDispatcher_RejectsInvalidEvents(t *testing.T) {
	t.Parallel()
	d := newTestDispatcher(t, MemoryConfig{Workers: 1})

	noDestination := testEvent("")
	if err := d.Dispatch(noDestination); err == nil {
		t.Error("expected error for missing destination")
	}
	noSource := testEvent("http://127.0.0.1:1/hook")
	noSource.Payload.Source = ""
	if err := d.Dispatch(noSource); !errors.Is(err, cloudevent.ErrInvalidEvent) {
		t.Errorf("expected ErrInvalidEvent, got %v", err)
	}
	if stats := d.Stats(); stats.Queued != 0 || stats.Dropped != 0 {
		t.Errorf("rejected events must not be counted, got %+v", stats)
	}
}

func TestMemoryDispatcher_ReadyReportsSaturation(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	d := newTestDispatcher(t, MemoryConfig{BufferSize: 10, Workers: 1})
	if err := d.Ready(context.Background()); err != nil {
		t.Fatalf("empty dispatcher not ready: %v", err)
	}

	for range 11 {
		_ = d.Dispatch(testEvent(server.URL))
	}
	if err := d.Ready(context.Background()); !errors.Is(err, ErrSaturated) {
		t.Errorf("expected ErrSaturated, got %v", err)
	}
}
