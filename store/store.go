package store

import (
	"context"
	"errors"
	"time"

	"github.com/alimasry/go-code-rooms/ot"
)

// Common errors.
var (
	ErrNotFound = errors.New("document not found")
	ErrExists   = errors.New("document already exists")
)

// DocumentInfo holds a document snapshot and its metadata.
type DocumentInfo struct {
	ID        string
	Content   string
	Revision  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentStore persists document snapshots and operation logs. The
// room server treats it as fire-and-forget: convergence never depends
// on a store write landing.
// Implementations: MemoryStore, SQLiteStore, FirestoreStore, and
// CachedStore wrapping any of them.
type DocumentStore interface {
	Create(ctx context.Context, id, content string) error
	Get(ctx context.Context, id string) (*DocumentInfo, error)
	List(ctx context.Context) ([]DocumentInfo, error)

	// SaveSnapshot persists the full content at a revision.
	SaveSnapshot(ctx context.Context, id, content string, revision int) error

	// AppendOperation records the operation that produced the given
	// revision in the log. The snapshot revision reported by Get moves
	// only on SaveSnapshot.
	AppendOperation(ctx context.Context, id string, op ot.Operation, revision int) error

	// Operations returns the committed operations after fromRevision,
	// in commit order.
	Operations(ctx context.Context, id string, fromRevision int) ([]ot.Operation, error)
}
