// Package docstore defines the contract to the opaque document/blob backend
// the core stores its encrypted records in, plus a gorm-backed adapter. The
// backend only ever sees ciphertext, ids and paths.
package docstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound — document or blob is absent; distinct from failure.
	ErrNotFound = errors.New("docstore: not found")
	// ErrTimeout — the backend read did not complete in time. Retryable.
	ErrTimeout = errors.New("docstore: timeout")
)

// Delete is a sentinel value for UpdateDocument: assigning it to a dotted
// path removes that path from the document.
var Delete = deleteSentinel{}

type deleteSentinel struct{}

// DocumentStore is the structured half of the backend. UpdateDocument accepts
// dotted paths ("userTags.<uid>") so one overlay key can be rewritten without
// touching the rest of the record.
type DocumentStore interface {
	CreateDocument(ctx context.Context, collection string, data map[string]any) (string, error)
	UpdateDocument(ctx context.Context, collection, id string, fields map[string]any) error
	GetDocument(ctx context.Context, collection, id string) (map[string]any, error)
	QueryDocuments(ctx context.Context, collection string, filters map[string]any) ([]map[string]any, error)
	DeleteDocument(ctx context.Context, collection, id string) error
}

// BlobStore is the bulk half of the backend.
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}
