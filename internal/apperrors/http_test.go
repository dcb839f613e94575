package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestHTTPStatus(t *testing.T) {
	t.Parallel()
	draining := errors.New("draining")
	tests := []struct {
		name      string
		err       error
		status    int
		retryable bool
	}{
		{"nil", nil, http.StatusOK, false},
		{"validation", Validation("stage", "unknown stage"), http.StatusBadRequest, false},
		{"wrapped validation", fmt.Errorf("decode: %w", Validation("phrase", "required")), http.StatusBadRequest, false},
		{"not found", NotFound("artifact", "lyrics"), http.StatusNotFound, false},
		{"not completed", Conflict("job", "j1", "job is still running"), http.StatusConflict, false},
		{"write once", AlreadyExists("artifact", "j1/lyrics"), http.StatusConflict, false},
		{"shutting down", Unavailable("submit", draining), http.StatusServiceUnavailable, true},
		{"step deadline", Timeout("render", time.Minute), http.StatusGatewayTimeout, true},
		{"upstream", Provider("aiproxy", "complete", errors.New("status 502")), http.StatusBadGateway, true},
		{"sub-step over provider", SubStep("lyrics", Provider("aiproxy", "complete", errors.New("x"))), http.StatusBadGateway, true},
		{"internal", Internal("store.put", errors.New("disk full")), http.StatusInternalServerError, false},
		{"bare sentinel", ErrNotFound, http.StatusNotFound, false},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := HTTPStatus(tt.err); got != tt.status {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.status)
			}
			if got := Retryable(tt.err); got != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestUnavailable_KeepsCause(t *testing.T) {
	t.Parallel()
	cause := errors.New("scheduler is shutting down")
	err := Unavailable("submit", cause)

	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, cause) {
		t.Fatalf("expected both sentinel and cause in chain: %v", err)
	}
	if err.Error() != "submit: scheduler is shutting down" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}
