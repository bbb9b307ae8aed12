package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a DocumentStore backed by a single SQLite database. Documents live
// in one table keyed by (collection, id); the autoincrement seq column
// records insertion order.
type Store struct {
	db *sql.DB
}

var _ DocumentStore = (*Store)(nil)

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "friday.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: pinging database: %v", ErrUnavailable, err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Documents ---

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertDoc(ctx context.Context, ex execer, collection string, doc Document) (string, error) {
	id := EnsureID(doc)
	body, err := EncodeBody(doc)
	if err != nil {
		return "", fmt.Errorf("encoding document: %w", err)
	}
	now := time.Now().UTC().Format(TimeLayout)
	_, err = ex.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		collection, id, string(body), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("inserting %s/%s: %w", collection, id, err)
	}
	return id, nil
}

func (s *Store) InsertOne(ctx context.Context, collection string, doc Document) (string, error) {
	return insertDoc(ctx, s.db, collection, doc)
}

func (s *Store) InsertMany(ctx context.Context, collection string, docs []Document) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		id, err := insertDoc(ctx, tx, collection, doc)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing inserts: %w", err)
	}
	return ids, nil
}

// whereClause renders filter as SQL. Field paths are bound as parameters.
func whereClause(collection string, filter Filter) (string, []any) {
	var sb strings.Builder
	sb.WriteString("collection = ?")
	args := []any{collection}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if k == "id" {
			sb.WriteString(" AND id = ?")
			args = append(args, fmt.Sprint(filter[k]))
			continue
		}
		sb.WriteString(" AND json_extract(body, ?) = ?")
		args = append(args, "$."+k, sqliteValue(filter[k]))
	}
	return sb.String(), args
}

// sqliteValue matches what json_extract yields for a stored value.
func sqliteValue(v any) any {
	switch x := Normalize(v).(type) {
	case bool:
		if x {
			return 1
		}
		return 0
	case int:
		return int64(x)
	default:
		return x
	}
}

func (s *Store) FindOne(ctx context.Context, collection string, filter Filter) (Document, error) {
	where, args := whereClause(collection, filter)
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT body FROM documents WHERE "+where+" ORDER BY seq ASC LIMIT 1", args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding in %s: %w", collection, err)
	}
	return DecodeBody([]byte(body))
}

func (s *Store) Find(ctx context.Context, collection string, filter Filter, order *Sort) ([]Document, error) {
	where, args := whereClause(collection, filter)
	query := "SELECT body FROM documents WHERE " + where + " ORDER BY "
	if order != nil && order.Field != "" {
		query += "json_extract(body, ?)"
		if order.Desc {
			query += " DESC"
		}
		query += ", "
		args = append(args, "$."+order.Field)
	}
	query += "seq ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		doc, err := DecodeBody([]byte(body))
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *Store) Update(ctx context.Context, collection, id string, patch Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning update transaction: %w", err)
	}
	defer tx.Rollback()

	var body string
	err = tx.QueryRowContext(ctx, "SELECT body FROM documents WHERE collection = ? AND id = ?", collection, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	doc, err := DecodeBody([]byte(body))
	if err != nil {
		return err
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		doc[k] = v
	}

	merged, err := EncodeBody(doc)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE documents SET body = ?, updated_at = ? WHERE collection = ? AND id = ?",
		string(merged), time.Now().UTC().Format(TimeLayout), collection, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) DeleteMany(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat(",?", len(ids)-1)
	args := make([]any, 0, len(ids)+1)
	args = append(args, collection)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE collection = ? AND id IN (?"+placeholders+")", args...)
	return err
}

// Count returns the number of documents in collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE collection = ?", collection).Scan(&n)
	return n, err
}
