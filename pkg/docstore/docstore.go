// Package docstore holds the extracted text of uploaded documents, keyed by
// fingerprint, for question answering.
package docstore

import (
	"context"
	"errors"
	"time"

	"talqs/pkg/domain"
)

const (
	DefaultTTL        = 24 * time.Hour
	DefaultMaxEntries = 256
)

// ErrTooLarge is returned by Put when content exceeds the store's limit.
var ErrTooLarge = errors.New("document content too large")

// Store is the document content store.
type Store interface {
	Put(ctx context.Context, doc domain.DocumentContent) error
	// Get returns the content and refreshes its TTL.
	Get(ctx context.Context, fingerprint string) (domain.DocumentContent, bool, error)
	Delete(ctx context.Context, fingerprint string) error
	Len(ctx context.Context) (int, error)
}
