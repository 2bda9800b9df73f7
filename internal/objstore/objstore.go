// Package objstore fetches and lists raw email objects from S3-compatible
// storage.
package objstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("object not found")

// Client reads raw email objects.
type Client interface {
	// Fetch returns the object's bytes exactly as stored.
	Fetch(ctx context.Context, bucket, key string) ([]byte, error)
	// List returns up to max object keys under prefix, oldest first,
	// skipping objects modified before since (zero means no lower bound).
	List(ctx context.Context, bucket, prefix string, max int, since time.Time) ([]string, error)
}
