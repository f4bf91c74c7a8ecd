// internal/llmclient/errors.go
package llmclient

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/cenkalti/backoff/v4"
)

// ProviderError is returned once a provider call has exhausted its retries or
// failed permanently.
type ProviderError struct {
	Provider string
	Model    string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("llm provider %s (model %s): %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// StatusError carries the HTTP status of a failed provider response.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// classifyStatus marks client errors permanent, except timeouts and rate limits.
func classifyStatus(status int, err error) error {
	wrapped := &StatusError{StatusCode: status, Err: err}
	if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		return backoff.Permanent(wrapped)
	}
	return wrapped
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 400 && se.StatusCode < 500 &&
			se.StatusCode != http.StatusRequestTimeout && se.StatusCode != http.StatusTooManyRequests
	}
	return false
}
