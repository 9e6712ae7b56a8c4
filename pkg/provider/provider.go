// Package provider defines the object storage destinations job exports are
// written to.
//
// Authentication uses SDK default credential chains; providers do not
// implement custom auth logic.
package provider

import (
	"context"
	"io"
	"time"
)

// Provider stores and describes export objects.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Put creates or replaces the object at key.
	Put(ctx context.Context, key string, body io.Reader, contentLength int64, meta PutOptions) error

	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// Close releases any resources held by the provider.
	Close() error
}

// PutOptions carries object metadata for Put.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// ObjectSummary identifies a stored object.
type ObjectSummary struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// ObjectMeta contains full metadata for a single object.
type ObjectMeta struct {
	ObjectSummary

	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ProviderType identifies a storage provider.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"

	// ProviderFile represents the local filesystem.
	ProviderFile ProviderType = "file"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}
