package server

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidRequest marks malformed or missing request parameters.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnauthorized marks a missing or unverifiable credential.
	ErrUnauthorized = errors.New("unauthorized")
)

// UpstreamError wraps a failed call to the identity provider.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func upstream(op string, err error) error {
	return &UpstreamError{Op: op, Err: err}
}

// errorResponse maps an error onto the status and body sent to the browser. Nothing from
// the underlying error is echoed back.
func errorResponse(err error) (int, map[string]string) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, map[string]string{"message": "Invalid request"}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, map[string]string{"message": "Unauthorized"}
	default:
		return http.StatusInternalServerError, map[string]string{"message": "Internal server error"}
	}
}
