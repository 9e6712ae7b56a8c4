package provider

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Destination parsing errors.
var (
	// ErrInvalidURI indicates the destination could not be parsed.
	ErrInvalidURI = errors.New("invalid URI")

	// ErrUnsupportedProvider indicates the URI scheme is not supported.
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

// Destination is a parsed export target.
//
// Accepted forms:
//   - s3://bucket/key.jsonl
//   - file:relative/or/absolute/path.jsonl
//   - /plain/path.jsonl
type Destination struct {
	Provider ProviderType

	// Bucket is set for s3 destinations.
	Bucket string

	// Key is the object key. For file destinations it is the base name and
	// Dir holds the parent directory.
	Key string
	Dir string
}

// String returns the destination in canonical form.
func (d Destination) String() string {
	if d.Provider == ProviderS3 {
		return fmt.Sprintf("s3://%s/%s", d.Bucket, d.Key)
	}
	return "file:" + filepath.Join(d.Dir, d.Key)
}

// ParseDestination parses an export target.
func ParseDestination(uri string) (Destination, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return Destination{}, fmt.Errorf("%w: empty destination", ErrInvalidURI)
	}

	if schemeEnd := strings.Index(uri, "://"); schemeEnd >= 0 {
		scheme := strings.ToLower(uri[:schemeEnd])
		if scheme != "s3" {
			return Destination{}, fmt.Errorf("%w: %s (supported: s3, file)", ErrUnsupportedProvider, scheme)
		}
		bucket, key, _ := strings.Cut(uri[schemeEnd+3:], "/")
		if bucket == "" {
			return Destination{}, fmt.Errorf("%w: missing bucket in %s", ErrInvalidURI, uri)
		}
		if _, err := url.Parse("s3://" + bucket + "/"); err != nil {
			return Destination{}, fmt.Errorf("%w: invalid bucket name %q", ErrInvalidURI, bucket)
		}
		if key == "" || strings.HasSuffix(key, "/") {
			return Destination{}, fmt.Errorf("%w: %s names a prefix, not an object", ErrInvalidURI, uri)
		}
		return Destination{Provider: ProviderS3, Bucket: bucket, Key: key}, nil
	}

	path := strings.TrimPrefix(uri, "file:")
	if path == "" || strings.HasSuffix(path, "/") {
		return Destination{}, fmt.Errorf("%w: %s names a directory, not a file", ErrInvalidURI, uri)
	}
	path = filepath.Clean(path)
	return Destination{Provider: ProviderFile, Dir: filepath.Dir(path), Key: filepath.Base(path)}, nil
}
