// Package postgres implements storage.DocumentStore on a JSONB table.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalambet/friday/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	pool *pgxpool.Pool
}

var _ storage.DocumentStore = (*Store)(nil)

// Open connects to databaseURL, applies pending migrations and returns a store.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	if err := RunMigrations(databaseURL); err != nil {
		return nil, err
	}
	pool, err := NewPool(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%w: create connection pool: %v", storage.ErrUnavailable, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping database: %v", storage.ErrUnavailable, err)
	}

	return pool, nil
}

func RunMigrations(databaseURL string) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	d, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, databaseURL)
	if err != nil {
		return fmt.Errorf("%w: create migrate instance: %v", storage.ErrUnavailable, err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	slog.Info("migrations applied", "version", version, "dirty", dirty)
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) InsertOne(ctx context.Context, collection string, doc storage.Document) (string, error) {
	id, body, err := encode(doc)
	if err != nil {
		return "", err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO documents (collection, id, body) VALUES ($1, $2, $3::jsonb)`,
		collection, id, body)
	if err != nil {
		return "", fmt.Errorf("inserting %s/%s: %w", collection, id, err)
	}
	return id, nil
}

func (s *Store) InsertMany(ctx context.Context, collection string, docs []storage.Document) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", storage.ErrUnavailable, err)
	}
	defer tx.Rollback(ctx)

	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		id, body, err := encode(doc)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO documents (collection, id, body) VALUES ($1, $2, $3::jsonb)`,
			collection, id, body); err != nil {
			return nil, fmt.Errorf("inserting %s/%s: %w", collection, id, err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing inserts: %w", err)
	}
	return ids, nil
}

func (s *Store) FindOne(ctx context.Context, collection string, filter storage.Filter) (storage.Document, error) {
	where, args := whereClause(collection, filter)
	var body []byte
	err := s.pool.QueryRow(ctx, "SELECT body FROM documents WHERE "+where+" ORDER BY seq LIMIT 1", args...).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding in %s: %w", collection, err)
	}
	return storage.DecodeBody(body)
}

func (s *Store) Find(ctx context.Context, collection string, filter storage.Filter, order *storage.Sort) ([]storage.Document, error) {
	where, args := whereClause(collection, filter)
	query := "SELECT body FROM documents WHERE " + where + " ORDER BY "
	if order != nil && order.Field != "" {
		args = append(args, order.Field)
		query += fmt.Sprintf("body->($%d::text)", len(args))
		if order.Desc {
			query += " DESC"
		}
		query += ", "
	}
	query += "seq"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []storage.Document
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		doc, err := storage.DecodeBody(body)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *Store) Update(ctx context.Context, collection, id string, patch storage.Document) error {
	clean := make(storage.Document, len(patch))
	for k, v := range patch {
		if k != "id" {
			clean[k] = v
		}
	}
	body, err := storage.EncodeBody(clean)
	if err != nil {
		return fmt.Errorf("encoding patch: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET body = body || $3::jsonb, updated_at = now() WHERE collection = $1 AND id = $2`,
		collection, id, string(body))
	if err != nil {
		return fmt.Errorf("updating %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteMany(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = ANY($2)`, collection, ids)
	return err
}

func encode(doc storage.Document) (string, string, error) {
	id := storage.EnsureID(doc)
	body, err := storage.EncodeBody(doc)
	if err != nil {
		return "", "", fmt.Errorf("encoding document: %w", err)
	}
	return id, string(body), nil
}

// whereClause compares the text form of each field, which is what ->> yields.
func whereClause(collection string, filter storage.Filter) (string, []any) {
	var sb strings.Builder
	sb.WriteString("collection = $1")
	args := []any{collection}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if k == "id" {
			args = append(args, fmt.Sprint(filter[k]))
			fmt.Fprintf(&sb, " AND id = $%d", len(args))
			continue
		}
		args = append(args, k, textValue(filter[k]))
		fmt.Fprintf(&sb, " AND body->>($%d::text) = $%d", len(args)-1, len(args))
	}
	return sb.String(), args
}

func textValue(v any) string {
	switch x := storage.Normalize(v).(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
