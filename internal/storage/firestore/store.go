// Package firestore implements storage.DocumentStore on Cloud Firestore.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kalambet/friday/internal/storage"
)

// seqField records insertion order so equal sort keys keep it. It is never
// returned to callers.
const seqField = "_seq"

type Store struct {
	client *firestore.Client
	seq    atomic.Int64
}

var _ storage.DocumentStore = (*Store)(nil)

// NewStore creates a Firestore store for projectID. credentialsFile may be
// empty to use application default credentials.
func NewStore(ctx context.Context, projectID, credentialsFile string) (*Store, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required for Firestore store")
	}

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating firestore client: %v", storage.ErrUnavailable, err)
	}

	s := &Store{client: client}
	s.seq.Store(time.Now().UnixNano())
	return s, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) prepare(doc storage.Document) (string, map[string]any) {
	id := storage.EnsureID(doc)
	data := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		data[k] = storage.Normalize(v)
	}
	data[seqField] = s.seq.Add(1)
	return id, data
}

func (s *Store) InsertOne(ctx context.Context, collection string, doc storage.Document) (string, error) {
	id, data := s.prepare(doc)
	if _, err := s.client.Collection(collection).Doc(id).Create(ctx, data); err != nil {
		return "", fmt.Errorf("firestore InsertOne %s/%s: %w", collection, id, mapErr(err))
	}
	return id, nil
}

func (s *Store) InsertMany(ctx context.Context, collection string, docs []storage.Document) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	col := s.client.Collection(collection)

	ids := make([]string, len(docs))
	payloads := make([]map[string]any, len(docs))
	for i, doc := range docs {
		ids[i], payloads[i] = s.prepare(doc)
	}

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for i, id := range ids {
			if err := tx.Create(col.Doc(id), payloads[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("firestore InsertMany %s: %w", collection, mapErr(err))
	}
	return ids, nil
}

func (s *Store) FindOne(ctx context.Context, collection string, filter storage.Filter) (storage.Document, error) {
	// Lookups by id alone go straight to the document.
	if id, ok := filter["id"]; ok && len(filter) == 1 {
		snap, err := s.client.Collection(collection).Doc(fmt.Sprint(id)).Get(ctx)
		if err != nil {
			return nil, mapErr(err)
		}
		return toDocument(snap), nil
	}

	docs, err := s.query(ctx, collection, filter, nil, 1)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, storage.ErrNotFound
	}
	return docs[0], nil
}

func (s *Store) Find(ctx context.Context, collection string, filter storage.Filter, sort *storage.Sort) ([]storage.Document, error) {
	return s.query(ctx, collection, filter, sort, 0)
}

func (s *Store) query(ctx context.Context, collection string, filter storage.Filter, sort *storage.Sort, limit int) ([]storage.Document, error) {
	col := s.client.Collection(collection)
	q := col.Query
	for k, v := range filter {
		if k == "id" {
			q = q.Where(firestore.DocumentID, "==", col.Doc(fmt.Sprint(v)))
			continue
		}
		q = q.Where(k, "==", storage.Normalize(v))
	}
	if sort != nil && sort.Field != "" {
		dir := firestore.Asc
		if sort.Desc {
			dir = firestore.Desc
		}
		q = q.OrderBy(sort.Field, dir)
	}
	q = q.OrderBy(seqField, firestore.Asc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var docs []storage.Document
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore query %s: %w", collection, mapErr(err))
		}
		docs = append(docs, toDocument(snap))
	}
	return docs, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, patch storage.Document) error {
	updates := make([]firestore.Update, 0, len(patch))
	for k, v := range patch {
		if k == "id" || k == seqField {
			continue
		}
		updates = append(updates, firestore.Update{Path: k, Value: storage.Normalize(v)})
	}
	if len(updates) == 0 {
		_, err := s.client.Collection(collection).Doc(id).Get(ctx)
		return mapErr(err)
	}

	if _, err := s.client.Collection(collection).Doc(id).Update(ctx, updates); err != nil {
		return mapErr(err)
	}
	return nil
}

func (s *Store) DeleteMany(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	col := s.client.Collection(collection)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for _, id := range ids {
			if err := tx.Delete(col.Doc(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("firestore DeleteMany %s: %w", collection, mapErr(err))
	}
	return nil
}

func toDocument(snap *firestore.DocumentSnapshot) storage.Document {
	data := snap.Data()
	doc := make(storage.Document, len(data)+1)
	for k, v := range data {
		if k == seqField {
			continue
		}
		doc[k] = storage.Normalize(v)
	}
	doc["id"] = snap.Ref.ID
	return doc
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.NotFound:
		return storage.ErrNotFound
	case codes.Unavailable, codes.DeadlineExceeded, codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return err
}
