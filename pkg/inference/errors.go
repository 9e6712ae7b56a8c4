package inference

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for moderation calls.
var (
	// ErrTimeout indicates the call exceeded its deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrRateLimited indicates the service throttled the request.
	ErrRateLimited = errors.New("rate limited")

	// ErrMalformedResponse indicates the reply was not a valid verdict.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrUnavailable indicates a transient service failure.
	ErrUnavailable = errors.New("service unavailable")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnknownModel indicates the model does not exist or is not enabled.
	ErrUnknownModel = errors.New("unknown model")

	// ErrInvalidRequest indicates the service rejected the request itself.
	ErrInvalidRequest = errors.New("invalid request")
)

// SubmissionError wraps a failed moderation call with context.
type SubmissionError struct {
	// Provider is the backend name (e.g., "gemini").
	Provider string

	// Model is the requested model.
	Model string

	// Detail is provider text, kept out of Error() for user-facing paths.
	Detail string

	// Err is the classified sentinel, possibly wrapping the cause.
	Err error
}

// Error implements the error interface.
func (e *SubmissionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: %v: %s", e.Provider, e.Model, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Model, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// IsRecoverable reports whether later items of the same job may still
// succeed after this error.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	return !IsFatal(err)
}

// IsFatal reports whether the error will repeat for every item of a job.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrUnknownModel)
}

// IsTimeout returns true if the error is a deadline or ErrTimeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsRateLimited returns true if the error indicates throttling.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsMalformed returns true if the reply could not be parsed.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedResponse)
}

// SafeMessage returns a short message suitable for an item's last error.
// Provider detail and credentials never appear in it.
func SafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case IsTimeout(err):
		return "request timed out"
	case IsRateLimited(err):
		return "rate limited by the inference service"
	case IsMalformed(err):
		return "malformed response from the inference service"
	case errors.Is(err, ErrInvalidCredentials):
		return "inference credentials were rejected"
	case errors.Is(err, ErrUnknownModel):
		return "model is unknown to the inference service"
	case errors.Is(err, ErrInvalidRequest):
		return "request rejected by the inference service"
	case errors.Is(err, ErrUnavailable):
		return "inference service unavailable"
	case errors.Is(err, context.Canceled):
		return "request cancelled"
	}
	return "inference call failed"
}

// ClassifyStatus maps an HTTP status code to a sentinel error.
func ClassifyStatus(code int) error {
	switch {
	case code == 401 || code == 403:
		return ErrInvalidCredentials
	case code == 404:
		return ErrUnknownModel
	case code == 408 || code == 504:
		return ErrTimeout
	case code == 429:
		return ErrRateLimited
	case code >= 500:
		return ErrUnavailable
	case code >= 400:
		return ErrInvalidRequest
	}
	return nil
}
