// Package blobstore persists raw uploaded files in an S3-compatible object
// store. The interface is deliberately narrow: the service only ever writes
// a blob once and reads it back whole during ingestion.
package blobstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is a thin key/value interface over raw bytes. Implementations must
// be safe for concurrent use.
type Store interface {
	// EnsureBucket creates the configured bucket if missing. Idempotent.
	EnsureBucket(ctx context.Context) error

	// Put stores body under key with the given content type.
	Put(ctx context.Context, key string, body []byte, contentType string) error

	// Get retrieves the full object body. Returns ErrNotFound if absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Bucket returns the bucket name objects are stored in.
	Bucket() string
}
