package store

import (
	"context"
	"errors"
	"testing"

	"github.com/alimasry/go-code-rooms/ot"
)

// runStoreTests is the conformance suite every DocumentStore backend
// must pass.
func runStoreTests(t *testing.T, newStore func(t *testing.T) DocumentStore) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, "doc1", "hello"); err != nil {
			t.Fatalf("Create: %v", err)
		}
		info, err := s.Get(ctx, "doc1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if info.ID != "doc1" || info.Content != "hello" || info.Revision != 0 {
			t.Errorf("info = %+v", info)
		}
		if info.CreatedAt.IsZero() || info.UpdatedAt.IsZero() {
			t.Errorf("missing timestamps: %+v", info)
		}
	})

	t.Run("create duplicate", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, "doc1", ""); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := s.Create(ctx, "doc1", "again"); !errors.Is(err, ErrExists) {
			t.Errorf("duplicate Create error = %v, want ErrExists", err)
		}
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get error = %v, want ErrNotFound", err)
		}
	})

	t.Run("save snapshot", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, "doc1", "v0"); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := s.SaveSnapshot(ctx, "doc1", "v3", 3); err != nil {
			t.Fatalf("SaveSnapshot: %v", err)
		}
		info, err := s.Get(ctx, "doc1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if info.Content != "v3" || info.Revision != 3 {
			t.Errorf("info = %+v, want v3 at revision 3", info)
		}
	})

	t.Run("save snapshot missing doc", func(t *testing.T) {
		s := newStore(t)
		if err := s.SaveSnapshot(ctx, "nope", "x", 1); !errors.Is(err, ErrNotFound) {
			t.Errorf("SaveSnapshot error = %v, want ErrNotFound", err)
		}
	})

	t.Run("append and read operations", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, "doc1", ""); err != nil {
			t.Fatalf("Create: %v", err)
		}

		history := []ot.Operation{
			{Ops: []ot.Component{{Insert: "abc"}}},
			ot.NewInsert(3, "d", 3),
			ot.NewDelete(0, 1, 4),
		}
		for i, op := range history {
			if err := s.AppendOperation(ctx, "doc1", op, i+1); err != nil {
				t.Fatalf("AppendOperation %d: %v", i+1, err)
			}
		}

		all, err := s.Operations(ctx, "doc1", 0)
		if err != nil {
			t.Fatalf("Operations: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("got %d ops, want 3", len(all))
		}
		// Replaying the log rebuilds the document.
		doc := ""
		for i, op := range all {
			doc, err = ot.Apply(doc, op)
			if err != nil {
				t.Fatalf("replay op %d: %v", i+1, err)
			}
		}
		if doc != "bcd" {
			t.Errorf("replayed doc = %q, want %q", doc, "bcd")
		}

		tail, err := s.Operations(ctx, "doc1", 2)
		if err != nil {
			t.Fatalf("Operations from 2: %v", err)
		}
		if len(tail) != 1 {
			t.Errorf("tail = %d ops, want 1", len(tail))
		}

		// Appends extend the log only; the snapshot revision moves on
		// SaveSnapshot alone, so content and revision always pair up.
		info, err := s.Get(ctx, "doc1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if info.Revision != 0 {
			t.Errorf("snapshot revision = %d after appends, want 0", info.Revision)
		}
		if err := s.SaveSnapshot(ctx, "doc1", "bcd", 3); err != nil {
			t.Fatalf("SaveSnapshot: %v", err)
		}
		info, err = s.Get(ctx, "doc1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if info.Content != "bcd" || info.Revision != 3 {
			t.Errorf("snapshot = %q at revision %d, want %q at 3", info.Content, info.Revision, "bcd")
		}
	})

	t.Run("operations missing doc", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Operations(ctx, "nope", 0); !errors.Is(err, ErrNotFound) {
			t.Errorf("Operations error = %v, want ErrNotFound", err)
		}
	})

	t.Run("list", func(t *testing.T) {
		s := newStore(t)
		for _, id := range []string{"a", "b", "c"} {
			if err := s.Create(ctx, id, ""); err != nil {
				t.Fatalf("Create %q: %v", id, err)
			}
		}
		docs, err := s.List(ctx)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(docs) != 3 {
			t.Errorf("got %d docs, want 3", len(docs))
		}
	})
}
