package provider

import (
	"errors"
	"fmt"
)

// Export destination failures. Backends translate their native errors into
// one of these and wrap it in a ProviderError.
var (
	ErrNotFound            = errors.New("object not found")
	ErrAccessDenied        = errors.New("access denied")
	ErrBucketNotFound      = errors.New("bucket not found")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrThrottled           = errors.New("request throttled")
)

// ProviderError records where an export write or lookup failed.
type ProviderError struct {
	Op       string
	Provider ProviderType
	Bucket   string
	Key      string
	Err      error
}

// Location renders the failing location as a URI. The bucket is empty for
// file destinations.
func (e *ProviderError) Location() string {
	switch {
	case e.Bucket != "" && e.Key != "":
		return fmt.Sprintf("%s://%s/%s", e.Provider, e.Bucket, e.Key)
	case e.Bucket != "":
		return fmt.Sprintf("%s://%s", e.Provider, e.Bucket)
	case e.Key != "":
		return fmt.Sprintf("%s://%s", e.Provider, e.Key)
	}
	return string(e.Provider)
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Location(), e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsNotFound reports a missing object.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsBucketNotFound reports a destination bucket that does not exist. Retrying
// will not help; the export destination is misconfigured.
func IsBucketNotFound(err error) bool { return errors.Is(err, ErrBucketNotFound) }

// IsAuthFailure reports rejected credentials or missing permissions on the
// destination.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrInvalidCredentials)
}

// IsRetryable reports throttling or a temporarily unavailable destination.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrProviderUnavailable)
}
