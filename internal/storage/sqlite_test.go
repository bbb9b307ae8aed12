package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("applied = %v, want two migrations", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	for _, idx := range []string{"idx_documents_collection_seq", "idx_documents_session_id", "idx_documents_owner"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying index %s: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}

func TestParseMigrationVersion(t *testing.T) {
	v, err := parseMigrationVersion("002_session_index.sql")
	if err != nil {
		t.Fatalf("parseMigrationVersion: %v", err)
	}
	if v != 2 {
		t.Errorf("version = %d, want 2", v)
	}
	if _, err := parseMigrationVersion("index.sql"); err == nil {
		t.Error("expected error for name without version prefix")
	}
}

func TestInsertOneAndFindOne(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	id, err := s.InsertOne(ctx, "sessions", Document{
		"model":      "gemini-2.0-flash",
		"title":      "New Chat",
		"created_at": created,
	})
	if err != nil {
		t.Fatalf("InsertOne: %v", err)
	}
	if id == "" {
		t.Fatal("InsertOne returned empty id")
	}

	doc, err := s.FindOne(ctx, "sessions", Filter{"id": id})
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if String(doc, "title") != "New Chat" {
		t.Errorf("title = %q, want %q", String(doc, "title"), "New Chat")
	}
	if got := Time(doc, "created_at"); !got.Equal(created) {
		t.Errorf("created_at = %v, want %v", got, created)
	}
}

func TestInsertOne_KeepsCallerID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.InsertOne(ctx, "media", Document{"id": "fixed", "mime_type": "image/png"})
	if err != nil {
		t.Fatalf("InsertOne: %v", err)
	}
	if id != "fixed" {
		t.Errorf("id = %q, want fixed", id)
	}

	if _, err := s.InsertOne(ctx, "media", Document{"id": "fixed"}); err == nil {
		t.Error("expected error inserting duplicate id")
	}
}

func TestFindOne_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.FindOne(context.Background(), "sessions", Filter{"id": "missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestFind_FilterAndSort(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	docs := []Document{
		{"session_id": "a", "seq": 3, "content": "third"},
		{"session_id": "b", "seq": 1, "content": "other"},
		{"session_id": "a", "seq": 1, "content": "first"},
		{"session_id": "a", "seq": 2, "content": "second"},
	}
	for _, d := range docs {
		if _, err := s.InsertOne(ctx, "messages", d); err != nil {
			t.Fatalf("InsertOne: %v", err)
		}
	}

	got, err := s.Find(ctx, "messages", Filter{"session_id": "a"}, &Sort{Field: "seq"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, w := range want {
		if c := String(got[i], "content"); c != w {
			t.Errorf("got[%d] = %q, want %q", i, c, w)
		}
	}

	desc, err := s.Find(ctx, "messages", Filter{"session_id": "a"}, &Sort{Field: "seq", Desc: true})
	if err != nil {
		t.Fatalf("Find desc: %v", err)
	}
	if String(desc[0], "content") != "third" {
		t.Errorf("desc[0] = %q, want third", String(desc[0], "content"))
	}
}

func TestFind_TiesKeepInsertionOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := range 5 {
		if _, err := s.InsertOne(ctx, "messages", Document{"k": "same", "n": i}); err != nil {
			t.Fatalf("InsertOne: %v", err)
		}
	}

	got, err := s.Find(ctx, "messages", nil, &Sort{Field: "k"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	for i, d := range got {
		if n := Int64(d, "n"); n != int64(i) {
			t.Errorf("got[%d].n = %d, want %d", i, n, i)
		}
	}
}

func TestFind_BoolFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.InsertOne(ctx, "pending", Document{"failed": true})
	s.InsertOne(ctx, "pending", Document{"failed": false})
	s.InsertOne(ctx, "pending", Document{"failed": false})

	got, err := s.Find(ctx, "pending", Filter{"failed": false}, nil)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
}

func TestInsertMany_Atomic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ids, err := s.InsertMany(ctx, "media", []Document{{"n": 1}, {"n": 2}})
	if err != nil {
		t.Fatalf("InsertMany: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("len(ids) = %d, want 2", len(ids))
	}

	// The duplicate id in the second batch must roll back the whole batch.
	_, err = s.InsertMany(ctx, "media", []Document{{"id": "new"}, {"id": ids[0]}})
	if err == nil {
		t.Fatal("expected duplicate-id error")
	}
	n, err := s.Count(ctx, "media")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("Count = %d, want 2 after rolled back batch", n)
	}
}

func TestUpdate_MergesTopLevel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, _ := s.InsertOne(ctx, "sessions", Document{"title": "New Chat", "visibility": "private"})
	if err := s.Update(ctx, "sessions", id, Document{"title": "Trip plans", "id": "ignored"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	doc, err := s.FindOne(ctx, "sessions", Filter{"id": id})
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	if String(doc, "title") != "Trip plans" {
		t.Errorf("title = %q, want %q", String(doc, "title"), "Trip plans")
	}
	if String(doc, "visibility") != "private" {
		t.Errorf("visibility = %q, want private", String(doc, "visibility"))
	}
	if String(doc, "id") != id {
		t.Errorf("id = %q, want %q", String(doc, "id"), id)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	s := openTestStore(t)

	err := s.Update(context.Background(), "sessions", "missing", Document{"title": "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestDeleteMany(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := range 4 {
		id, _ := s.InsertOne(ctx, "media", Document{"id": fmt.Sprintf("m%d", i)})
		ids = append(ids, id)
	}

	if err := s.DeleteMany(ctx, "media", []string{ids[0], ids[1], "never-existed"}); err != nil {
		t.Fatalf("DeleteMany: %v", err)
	}
	n, _ := s.Count(ctx, "media")
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
	if err := s.DeleteMany(ctx, "media", nil); err != nil {
		t.Errorf("DeleteMany(nil) = %v, want nil", err)
	}
}

func TestCollectionsAreIsolated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.InsertOne(ctx, "sessions", Document{"id": "x"})
	if _, err := s.InsertOne(ctx, "messages", Document{"id": "x"}); err != nil {
		t.Fatalf("same id in another collection: %v", err)
	}
	if _, err := s.FindOne(ctx, "media", Filter{"id": "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindOne(media) error = %v, want ErrNotFound", err)
	}
}
