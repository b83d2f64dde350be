// Package apperr defines the error kinds shared across both pipelines.
//
// Kinds are plain sentinel errors, wrapped with fmt.Errorf("...: %w", Kind)
// at the point of failure and checked with errors.Is at the boundary that
// needs to branch on them (mainly internal/httpapi).
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks user input that failed validation (§4.9 layer 1,
	// or any other input check).
	ErrValidation = errors.New("validation error")

	// ErrAuthentication marks a missing or invalid credential.
	ErrAuthentication = errors.New("authentication error")

	// ErrAuthorization marks a missing role or permission.
	ErrAuthorization = errors.New("authorization error")

	// ErrNotFound marks a missing notebook, session, connection, or document.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a duplicate resource.
	ErrConflict = errors.New("conflict")

	// ErrRateLimit marks a rate-limited request; see RateLimitError for the
	// retry-after payload.
	ErrRateLimit = errors.New("rate limited")

	// ErrExternalService marks a failure from the LLM, embedding, or an
	// upstream database after local retries are exhausted.
	ErrExternalService = errors.New("external service error")

	// ErrConfiguration marks a missing key or env needed to proceed.
	ErrConfiguration = errors.New("configuration error")

	// ErrInternal is the catch-all for everything else.
	ErrInternal = errors.New("internal error")
)

// RateLimitError carries the retry-after duration in seconds for ErrRateLimit.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %ds", e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimit }

// Wrap annotates err with a kind so errors.Is(wrapped, kind) succeeds while
// preserving the original message.
func Wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}
