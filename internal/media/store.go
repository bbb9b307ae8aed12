// Package media stores generated binaries in the document store, shrinking
// images on the way in.
package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/friday/internal/storage"
)

// Collection holds media records.
const Collection = "media"

// ErrStorageUnavailable wraps failures to persist or read media records.
var ErrStorageUnavailable = errors.New("media storage unavailable")

type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
)

// Record is a persisted binary.
type Record struct {
	ID         string    `json:"id"`
	Data       string    `json:"data"`
	MIMEType   string    `json:"mime_type"`
	CreatedAt  time.Time `json:"created_at"`
	Compressed bool      `json:"compressed"`
}

// Bytes decodes the stored base64 payload.
func (r Record) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(r.Data)
}

// Item is one binary to store.
type Item struct {
	Data     []byte
	MIMEType string
}

// Outcome reports a single Put.
type Outcome struct {
	ID      string
	Status  Status
	Warning string
}

// BatchOutcome reports a PutBatch. Degraded lists the indices of items that
// were stored uncompressed.
type BatchOutcome struct {
	IDs      []string
	Degraded []int
}

func (b BatchOutcome) Status() Status {
	if len(b.Degraded) > 0 {
		return StatusDegraded
	}
	return StatusOK
}

type Store struct {
	docs   storage.DocumentStore
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func NewStore(docs storage.DocumentStore, opts Options) *Store {
	return &Store{
		docs:   docs,
		opts:   opts,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// prepared is an item after compression, ready to be written.
type prepared struct {
	doc      storage.Document
	degraded bool
	warning  string
}

func (s *Store) prepare(item Item) prepared {
	data, mime, compressed := item.Data, item.MIMEType, false
	var warning string

	c, err := Compress(item.Data, s.opts)
	if err != nil {
		s.logger.Warn("storing media uncompressed", "mime_type", item.MIMEType, "size", len(item.Data), "error", err)
		warning = fmt.Sprintf("stored uncompressed: %v", err)
	} else {
		data, mime, compressed = c.Data, c.MIMEType, c.Reencoded
	}
	if mime == "" {
		mime = "application/octet-stream"
	}

	doc := storage.Document{
		"data":       base64.StdEncoding.EncodeToString(data),
		"mime_type":  mime,
		"created_at": s.now().UTC(),
		"compressed": compressed,
	}
	storage.EnsureID(doc)
	return prepared{doc: doc, degraded: err != nil, warning: warning}
}

// Put compresses and stores one binary. Undecodable input is stored as-is
// with a degraded outcome.
func (s *Store) Put(ctx context.Context, data []byte, mimeType string) (Outcome, error) {
	p := s.prepare(Item{Data: data, MIMEType: mimeType})
	id, err := s.docs.InsertOne(ctx, Collection, p.doc)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	out := Outcome{ID: id, Status: StatusOK}
	if p.degraded {
		out.Status = StatusDegraded
		out.Warning = p.warning
	}
	return out, nil
}

// PutBatch compresses items in parallel and stores them all or none.
func (s *Store) PutBatch(ctx context.Context, items []Item) (BatchOutcome, error) {
	if len(items) == 0 {
		return BatchOutcome{}, nil
	}

	prepped := make([]prepared, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, item := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			prepped[i] = s.prepare(item)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BatchOutcome{}, err
	}

	docs := make([]storage.Document, len(prepped))
	var out BatchOutcome
	for i, p := range prepped {
		docs[i] = p.doc
		if p.degraded {
			out.Degraded = append(out.Degraded, i)
		}
	}

	ids, err := s.docs.InsertMany(ctx, Collection, docs)
	if err != nil {
		planned := make([]string, len(docs))
		for i, d := range docs {
			planned[i] = storage.String(d, "id")
		}
		// A backend may have written part of the batch before failing.
		if derr := s.docs.DeleteMany(context.WithoutCancel(ctx), Collection, planned); derr != nil {
			s.logger.Error("compensating media delete failed", "ids", planned, "error", derr)
			err = errors.Join(err, derr)
		}
		return BatchOutcome{}, fmt.Errorf("%w: storing %d items: %v", ErrStorageUnavailable, len(docs), err)
	}
	out.IDs = ids
	return out, nil
}

// Get returns the record with id, or storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	doc, err := s.docs.FindOne(ctx, Collection, storage.Filter{"id": id})
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, fmt.Errorf("media %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return Record{
		ID:         storage.String(doc, "id"),
		Data:       storage.String(doc, "data"),
		MIMEType:   storage.String(doc, "mime_type"),
		CreatedAt:  storage.Time(doc, "created_at"),
		Compressed: storage.Bool(doc, "compressed"),
	}, nil
}
