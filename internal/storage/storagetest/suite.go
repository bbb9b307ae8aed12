// Package storagetest holds a behavioural suite every DocumentStore backend
// must pass.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/friday/internal/storage"
)

// Run exercises store against the DocumentStore contract. Collections are
// suffixed with a random id so live backends can be shared between runs.
func Run(t *testing.T, store storage.DocumentStore) {
	t.Helper()
	suffix := "_" + uuid.NewString()[:8]
	ctx := context.Background()

	t.Run("InsertFindOne", func(t *testing.T) {
		coll := "sessions" + suffix
		created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
		id, err := store.InsertOne(ctx, coll, storage.Document{"title": "New Chat", "created_at": created})
		if err != nil {
			t.Fatalf("InsertOne: %v", err)
		}
		doc, err := store.FindOne(ctx, coll, storage.Filter{"id": id})
		if err != nil {
			t.Fatalf("FindOne: %v", err)
		}
		if got := storage.String(doc, "title"); got != "New Chat" {
			t.Errorf("title = %q, want %q", got, "New Chat")
		}
		if got := storage.Time(doc, "created_at"); !got.Equal(created) {
			t.Errorf("created_at = %v, want %v", got, created)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		coll := "sessions" + suffix
		if _, err := store.FindOne(ctx, coll, storage.Filter{"id": "missing"}); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("FindOne error = %v, want ErrNotFound", err)
		}
		if err := store.Update(ctx, coll, "missing", storage.Document{"title": "x"}); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("Update error = %v, want ErrNotFound", err)
		}
	})

	t.Run("FilterSortTies", func(t *testing.T) {
		coll := "messages" + suffix
		for _, d := range []storage.Document{
			{"session_id": "s", "rank": 2, "content": "b1"},
			{"session_id": "s", "rank": 1, "content": "a"},
			{"session_id": "x", "rank": 1, "content": "other"},
			{"session_id": "s", "rank": 2, "content": "b2"},
		} {
			if _, err := store.InsertOne(ctx, coll, d); err != nil {
				t.Fatalf("InsertOne: %v", err)
			}
		}
		docs, err := store.Find(ctx, coll, storage.Filter{"session_id": "s"}, &storage.Sort{Field: "rank"})
		if err != nil {
			t.Fatalf("Find: %v", err)
		}
		want := []string{"a", "b1", "b2"}
		if len(docs) != len(want) {
			t.Fatalf("len = %d, want %d", len(docs), len(want))
		}
		for i, w := range want {
			if got := storage.String(docs[i], "content"); got != w {
				t.Errorf("docs[%d] = %q, want %q", i, got, w)
			}
		}
	})

	t.Run("InsertManyDeleteMany", func(t *testing.T) {
		coll := "media" + suffix
		ids, err := store.InsertMany(ctx, coll, []storage.Document{{"n": 1}, {"n": 2}, {"n": 3}})
		if err != nil {
			t.Fatalf("InsertMany: %v", err)
		}
		if len(ids) != 3 {
			t.Fatalf("len(ids) = %d, want 3", len(ids))
		}
		if err := store.DeleteMany(ctx, coll, ids[:2]); err != nil {
			t.Fatalf("DeleteMany: %v", err)
		}
		docs, err := store.Find(ctx, coll, nil, nil)
		if err != nil {
			t.Fatalf("Find: %v", err)
		}
		if len(docs) != 1 || storage.String(docs[0], "id") != ids[2] {
			t.Errorf("remaining = %v, want only %s", docs, ids[2])
		}
	})

	t.Run("UpdateMerges", func(t *testing.T) {
		coll := "sessions" + suffix
		id, err := store.InsertOne(ctx, coll, storage.Document{"title": "New Chat", "visibility": "private"})
		if err != nil {
			t.Fatalf("InsertOne: %v", err)
		}
		if err := store.Update(ctx, coll, id, storage.Document{"visibility": "public"}); err != nil {
			t.Fatalf("Update: %v", err)
		}
		doc, err := store.FindOne(ctx, coll, storage.Filter{"id": id})
		if err != nil {
			t.Fatalf("FindOne: %v", err)
		}
		if storage.String(doc, "visibility") != "public" || storage.String(doc, "title") != "New Chat" {
			t.Errorf("doc = %v", doc)
		}
	})
}
