package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"studio/internal/apperrors"
	"studio/internal/provider"
)

func newTestClient(url string) *Client {
	return New(Config{
		BaseURL: url,
		APIKey:  "secret",
		Call:    provider.CallConfig{Retries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
}

func TestCompose_DirectMedia(t *testing.T) {
	t.Parallel()
	var seen composeBody
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/music/compose" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&seen)
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-instrumental"))
	}))
	defer ts.Close()

	media, err := newTestClient(ts.URL).Compose(context.Background(), provider.CompositionRequest{
		Lyrics: "la la", Genre: "pop", Emotion: "hope",
	})
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if media.MediaType != "audio/mpeg" || string(media.Data) != "ID3-instrumental" {
		t.Errorf("unexpected media %q %q", media.MediaType, media.Data)
	}
	if seen.Genre != "pop" || seen.Lyrics != "la la" {
		t.Errorf("unexpected request body %+v", seen)
	}
}

func TestRenderScene_ResultLink(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	var ts *httptest.Server
	mux.HandleFunc("POST /v1/scenes/render", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resultLink{URL: ts.URL + "/results/clip-1", MediaType: "video/mp4"})
	})
	mux.HandleFunc("GET /results/clip-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("mp4-bytes"))
	})
	ts = httptest.NewServer(mux)
	defer ts.Close()

	media, err := newTestClient(ts.URL).RenderScene(context.Background(), provider.SceneRequest{Index: 1, Title: "EXT. PARK - DAY"})
	if err != nil {
		t.Fatalf("RenderScene() error = %v", err)
	}
	if media.MediaType != "video/mp4" || string(media.Data) != "mp4-bytes" {
		t.Errorf("unexpected media %q %q", media.MediaType, media.Data)
	}
}

func TestGenerate_ServerErrorIsProviderError(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).Generate(context.Background(), provider.AvatarRequest{Style: "anime"})
	if !errors.Is(err, apperrors.ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected one retry (2 calls), got %d", calls.Load())
	}
}

func TestSynthesize_EmptyMedia(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).Synthesize(context.Background(), provider.VoiceRequest{Lyrics: "x"})
	if !errors.Is(err, apperrors.ErrProvider) {
		t.Fatalf("expected ErrProvider for empty media, got %v", err)
	}
}

func TestAnimate_LinkWithoutURL(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"status":"queued"}`))
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).Animate(context.Background(), provider.AnimationRequest{Model: []byte("glb")})
	if err == nil {
		t.Fatal("expected error for a reply without media")
	}
}
