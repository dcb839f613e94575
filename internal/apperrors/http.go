package apperrors

import (
	"errors"
	"net/http"
)

// statusTable is checked in order; the first matching sentinel wins.
var statusTable = []struct {
	sentinel error
	status   int
}{
	{ErrValidation, http.StatusBadRequest},
	{ErrNotFound, http.StatusNotFound},
	{ErrConflict, http.StatusConflict},
	{ErrUnavailable, http.StatusServiceUnavailable},
	{ErrTimeout, http.StatusGatewayTimeout},
	{ErrProvider, http.StatusBadGateway},
}

// HTTPStatus maps an error to the status code the API answers with.
// Unclassified errors are 500.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	for _, entry := range statusTable {
		if errors.Is(err, entry.sentinel) {
			return entry.status
		}
	}
	return http.StatusInternalServerError
}

// Retryable reports whether a client may repeat the request unchanged and
// expect a different outcome.
func Retryable(err error) bool {
	switch HTTPStatus(err) {
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusBadGateway:
		return true
	default:
		return false
	}
}
