package jupiter

import (
	"errors"
	"fmt"
)

var (
	// ErrQuoteUnavailable is returned once transient failures used up the
	// retry budget.
	ErrQuoteUnavailable = errors.New("jupiter: quote unavailable")
	// ErrQuoteRejected marks a request the API refused (4xx). Retrying the
	// same request will not help.
	ErrQuoteRejected     = errors.New("jupiter: request rejected")
	ErrMalformedResponse = errors.New("jupiter: malformed response")
	ErrQuoteExpired      = errors.New("jupiter: quote expired")
	ErrNoRoute           = errors.New("jupiter: no route found")
)

// APIError is a non-2xx answer.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("jupiter api error (HTTP %d, %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("jupiter api error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Temporary reports whether the status is worth retrying.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

func isRetryable(err error) bool {
	var p *permanentError
	return !errors.As(err, &p)
}
