// Package docstore provides the document store abstraction used by the
// listing tracker, together with memory, SQLite, PostgreSQL, Redis and
// DynamoDB backends.
//
// Documents are JSON-shaped maps grouped into named collections. Every
// backend normalises values through JSON, so numbers read back as float64
// and timestamps as RFC 3339 strings regardless of what was written.
package docstore

import (
	"context"
	"errors"
	"fmt"
)

// DefaultMaxBatchSize is the largest number of write operations committed
// together when a caller has no stricter limit of its own.
const DefaultMaxBatchSize = 500

// Sentinel errors for store operations.
var (
	ErrInvalidKey       = errors.New("collection and id must not be empty")
	ErrInvalidBatchSize = errors.New("max batch size must be positive")
	ErrReservedField    = errors.New("field name is reserved by the backend")
	ErrUnknownDriver    = errors.New("unknown store driver")
	ErrUnknownOp        = errors.New("unknown write op kind")
)

// Document is a single stored document.
type Document map[string]any

// Item is a document returned by Query together with its id.
type Item struct {
	ID   string
	Data Document
}

// Store is the narrow document store interface consumed by the migration
// runner. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the document, or nil, nil when it does not exist.
	Get(ctx context.Context, collection, id string) (Document, error)

	// CreateIfAbsent atomically writes data only when no document with the
	// same id exists. It reports whether this call created the document.
	CreateIfAbsent(ctx context.Context, collection, id string, data Document) (bool, error)

	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error

	// Query returns documents matching all filters, ordered by id.
	Query(ctx context.Context, collection string, filters ...Filter) ([]Item, error)

	// BatchWrite applies ops in consecutive chunks of at most maxBatchSize.
	// Each chunk commits atomically before the next one starts.
	BatchWrite(ctx context.Context, ops []WriteOp, maxBatchSize int) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

func checkKey(collection, id string) error {
	if collection == "" || id == "" {
		return ErrInvalidKey
	}
	return nil
}

// ChunkError reports the chunk at which a BatchWrite stopped. Chunks before
// Index were committed.
type ChunkError struct {
	Index int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("batch chunk %d: %v", e.Index, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// writeChunks validates ops and hands each chunk to commit in order.
// limit is the backend's own hard cap on chunk size; 0 means none.
func writeChunks(ctx context.Context, ops []WriteOp, maxBatchSize, limit int, commit func(context.Context, []WriteOp) error) error {
	if maxBatchSize <= 0 {
		return ErrInvalidBatchSize
	}
	if limit > 0 && maxBatchSize > limit {
		maxBatchSize = limit
	}
	for _, op := range ops {
		if err := op.validate(); err != nil {
			return err
		}
	}
	for i, chunk := range Chunk(ops, maxBatchSize) {
		if err := ctx.Err(); err != nil {
			return &ChunkError{Index: i, Err: err}
		}
		if err := commit(ctx, chunk); err != nil {
			return &ChunkError{Index: i, Err: err}
		}
	}
	return nil
}
