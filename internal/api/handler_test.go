package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"studio/internal/apperrors"
	"studio/internal/artifact"
	"studio/internal/health"
	"studio/internal/job"
	"studio/internal/pipeline"
	"studio/internal/provider/mock"
	"studio/internal/stage"
	"studio/internal/stageexec"
	"studio/internal/testutil"
)

const testAPIKey = "test-key"

type testServer struct {
	*httptest.Server
	scheduler *job.Scheduler
	mock      *mock.Provider
}

func newTestServer(t *testing.T, opts ...mock.Option) *testServer {
	t.Helper()
	store, err := artifact.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	m := mock.New(opts...)
	seqs, err := stageexec.Sequences(m.Set(), store, stageexec.Options{PublicBaseURL: "https://studio.example.com/p"})
	if err != nil {
		t.Fatalf("Failed to build sequences: %v", err)
	}
	exec := stageexec.NewExecutor(store, seqs, stageexec.Config{})
	scheduler := job.NewScheduler(job.NewMemoryRegistry(), store, exec, job.Config{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = scheduler.Shutdown(ctx)
	})

	checker := health.NewChecker()
	checker.Register("storage", store)

	srv := httptest.NewServer(NewRouter(RouterConfig{
		Jobs:          scheduler,
		Pipeline:      pipeline.New(scheduler, nil),
		HealthChecker: checker,
		APIKey:        testAPIKey,
	}))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, scheduler: scheduler, mock: m}
}

func (s *testServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return v
}

func (s *testServer) submit(t *testing.T, st stage.Type, body string) SubmitResponse {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/v1/stages/"+string(st)+"/jobs", body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d", http.StatusAccepted, resp.StatusCode)
	}
	return decode[SubmitResponse](t, resp)
}

func (s *testServer) waitStatus(t *testing.T, jobID, want string) StatusResponse {
	t.Helper()
	return testutil.MustWaitForValue(t, func() (StatusResponse, bool) {
		resp := s.do(t, http.MethodGet, "/v1/jobs/"+jobID, "")
		if resp.StatusCode != http.StatusOK {
			return StatusResponse{}, false
		}
		st := decode[StatusResponse](t, resp)
		return st, st.Status == want
	}, testutil.WithTimeout(10*time.Second), testutil.WithInterval(10*time.Millisecond),
		testutil.WithMessage("job "+jobID+" to be "+want))
}

const musicBody = `{"phrase":"chasing the sunrise","genre":"pop","emotion":"hope"}`

func TestSubmitAndDownload(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	ack := srv.submit(t, stage.Music, musicBody)
	if ack.Status != job.StateProcessing || ack.Stage != stage.Music {
		t.Errorf("unexpected ack: %+v", ack)
	}
	if ack.StatusURL != "/v1/jobs/"+ack.JobID {
		t.Errorf("StatusURL = %q", ack.StatusURL)
	}
	if got := ack.Artifacts[stage.ArtifactFinalAudio]; got != "/v1/jobs/"+ack.JobID+"/artifacts/"+stage.ArtifactFinalAudio {
		t.Errorf("final-audio link = %q", got)
	}

	st := srv.waitStatus(t, ack.JobID, job.StateCompleted)
	if len(st.Artifacts) == 0 {
		t.Fatal("expected artifacts")
	}
	for _, a := range st.Artifacts {
		if a.URL == "" {
			t.Errorf("artifact %s has no URL on a completed job", a.Name)
		}
	}

	resp := srv.do(t, http.MethodGet, "/v1/jobs/"+ack.JobID+"/artifacts/"+stage.ArtifactFinalAudio, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != stage.MediaType(stage.ArtifactFinalAudio) {
		t.Errorf("Content-Type = %q", got)
	}
	want := stage.FileName(ack.JobID, stage.ArtifactFinalAudio)
	if got := resp.Header.Get("Content-Disposition"); !strings.Contains(got, want) {
		t.Errorf("Content-Disposition = %q, want filename %q", got, want)
	}
	data, _ := io.ReadAll(resp.Body)
	if len(data) == 0 {
		t.Error("empty artifact body")
	}
}

func TestSubmit_Errors(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		kind   string
	}{
		{"unknown stage", "/v1/stages/podcast/jobs", musicBody, http.StatusBadRequest, apperrors.KindInvalidRequest},
		{"malformed json", "/v1/stages/music/jobs", `{"phrase":`, http.StatusBadRequest, apperrors.KindInvalidRequest},
		{"missing phrase", "/v1/stages/music/jobs", `{"genre":"pop"}`, http.StatusBadRequest, apperrors.KindInvalidRequest},
		{"avatar without music", "/v1/stages/avatar/jobs", `{"style":"anime"}`, http.StatusBadRequest, apperrors.KindInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := srv.do(t, http.MethodPost, tt.path, tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("Expected status %d, got %d", tt.status, resp.StatusCode)
			}
			body := decode[ErrorResponse](t, resp)
			if body.Error == "" || body.Kind != tt.kind {
				t.Errorf("unexpected error body: %+v", body)
			}
		})
	}
}

func TestGetJob_NotFound(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	for _, path := range []string{"/v1/jobs/missing", "/v1/jobs/missing/artifacts/final-audio"} {
		resp := srv.do(t, http.MethodGet, path, "")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: expected status %d, got %d", path, http.StatusNotFound, resp.StatusCode)
		}
		if body := decode[ErrorResponse](t, resp); body.Kind != apperrors.KindNotFound {
			t.Errorf("%s: kind = %q", path, body.Kind)
		}
	}
}

func TestGetJob_FailedListsProducedArtifacts(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, mock.WithFailure(mock.OpSynthesize, io.ErrUnexpectedEOF))

	ack := srv.submit(t, stage.Music, musicBody)
	st := srv.waitStatus(t, ack.JobID, job.StateFailed)

	if st.Failure == nil || st.Failure.Kind != apperrors.KindProviderError {
		t.Fatalf("unexpected failure: %+v", st.Failure)
	}
	if len(st.Artifacts) == 0 {
		t.Fatal("artifacts produced before the failure should be listed")
	}
	for _, a := range st.Artifacts {
		if a.URL != "" {
			t.Errorf("artifact %s should have no URL on a failed job", a.Name)
		}
	}
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	ack := srv.submit(t, stage.Music, musicBody)
	srv.waitStatus(t, ack.JobID, job.StateCompleted)

	list := decode[ListResponse](t, srv.do(t, http.MethodGet, "/v1/jobs?stage=music&status=completed", ""))
	if list.Total != 1 || list.Jobs[0].JobID != ack.JobID {
		t.Errorf("unexpected list: %+v", list)
	}

	list = decode[ListResponse](t, srv.do(t, http.MethodGet, "/v1/jobs?stage=film", ""))
	if list.Total != 0 {
		t.Errorf("expected no film jobs, got %d", list.Total)
	}

	if resp := srv.do(t, http.MethodGet, "/v1/jobs?status=processing", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, resp.StatusCode)
	}
}

func TestAdvanceJob(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	ack := srv.submit(t, stage.Music, musicBody)
	srv.waitStatus(t, ack.JobID, job.StateCompleted)

	resp := srv.do(t, http.MethodPost, "/v1/jobs/"+ack.JobID+"/advance", `{"style":"cartoon"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d", http.StatusAccepted, resp.StatusCode)
	}
	next := decode[SubmitResponse](t, resp)
	if next.Stage != stage.Avatar {
		t.Errorf("expected avatar job, got %s", next.Stage)
	}

	st := srv.waitStatus(t, next.JobID, job.StateCompleted)
	if st.References[stage.Music] != ack.JobID {
		t.Errorf("references = %v", st.References)
	}

	// Advancing without a body carries everything forward.
	resp = srv.do(t, http.MethodPost, "/v1/jobs/"+next.JobID+"/advance", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d", http.StatusAccepted, resp.StatusCode)
	}
	if film := decode[SubmitResponse](t, resp); film.Stage != stage.Film {
		t.Errorf("expected film job, got %s", film.Stage)
	}
}

func TestAdvanceJob_NotCompleted(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, mock.WithFailure(mock.OpCompose, io.ErrUnexpectedEOF))

	ack := srv.submit(t, stage.Music, musicBody)
	srv.waitStatus(t, ack.JobID, job.StateFailed)

	resp := srv.do(t, http.MethodPost, "/v1/jobs/"+ack.JobID+"/advance", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected status %d, got %d", http.StatusConflict, resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/v1/jobs")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, resp.StatusCode)
	}

	// Probes stay open.
	resp, err = srv.Client().Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}
}

func TestHandler_Livez(t *testing.T) {
	t.Parallel()
	handler := NewHandler(nil, nil, health.NewChecker(), "")

	w := httptest.NewRecorder()
	handler.Livez(w, httptest.NewRequest(http.MethodGet, "/livez", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var response health.Response
	json.NewDecoder(w.Body).Decode(&response)
	if response.Status != health.StatusHealthy {
		t.Errorf("Expected status healthy, got %s", response.Status)
	}
}

func TestHandler_Readyz_FailingCheck(t *testing.T) {
	t.Parallel()
	checker := health.NewChecker()
	checker.Register("registry", health.CheckFunc(func(context.Context) error { return io.ErrClosedPipe }))
	handler := NewHandler(nil, nil, checker, "")

	w := httptest.NewRecorder()
	handler.Readyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestHandler_ShuttingDownIsUnavailable(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.scheduler.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	resp := srv.do(t, http.MethodPost, "/v1/stages/music/jobs", musicBody)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}
	if body := decode[ErrorResponse](t, resp); body.Kind != apperrors.KindUnavailable {
		t.Errorf("Expected kind %q, got %q", apperrors.KindUnavailable, body.Kind)
	}
}

func TestStatusResponse_BaseURL(t *testing.T) {
	t.Parallel()
	u := urls{base: "https://studio.example.com"}
	rec := &job.Record{ID: "j1", Stage: stage.Film}

	ack := u.submitResponse(rec)
	if ack.StatusURL != "https://studio.example.com/v1/jobs/j1" {
		t.Errorf("StatusURL = %q", ack.StatusURL)
	}
	if len(ack.Artifacts) != len(stage.RequiredArtifacts(stage.Film)) {
		t.Errorf("expected one link per required artifact, got %v", ack.Artifacts)
	}

	body, _ := json.Marshal(ack)
	if !bytes.Contains(body, []byte(`"status":"processing"`)) {
		t.Errorf("unexpected body %s", body)
	}
}
