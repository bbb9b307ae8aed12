package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a requested document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable marks failures to reach the underlying store.
	ErrUnavailable = errors.New("document store unavailable")
)

// TimeLayout is a fixed-width UTC layout that sorts lexicographically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// Document is a schemaless record. The "id" key holds its identifier.
type Document map[string]any

// Filter selects documents by equality on top-level fields.
type Filter map[string]any

// Sort orders Find results by one top-level field. Documents with equal
// values keep insertion order.
type Sort struct {
	Field string
	Desc  bool
}

// DocumentStore is the contract every backend implements.
type DocumentStore interface {
	InsertOne(ctx context.Context, collection string, doc Document) (string, error)
	// InsertMany writes all documents or none.
	InsertMany(ctx context.Context, collection string, docs []Document) ([]string, error)
	FindOne(ctx context.Context, collection string, filter Filter) (Document, error)
	Find(ctx context.Context, collection string, filter Filter, sort *Sort) ([]Document, error)
	// Update merges patch into the top level of the document.
	Update(ctx context.Context, collection, id string, patch Document) error
	DeleteMany(ctx context.Context, collection string, ids []string) error
	Close() error
}

// EnsureID assigns a fresh identifier when doc has none and returns the id.
func EnsureID(doc Document) string {
	if id, ok := doc["id"].(string); ok && id != "" {
		return id
	}
	id := uuid.New().String()
	doc["id"] = id
	return id
}

// EncodeBody marshals doc to JSON with time values in TimeLayout.
func EncodeBody(doc Document) ([]byte, error) {
	norm := make(map[string]any, len(doc))
	for k, v := range doc {
		norm[k] = Normalize(v)
	}
	return json.Marshal(norm)
}

// DecodeBody unmarshals a JSON body, keeping numbers exact.
func DecodeBody(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return doc, nil
}

// Normalize converts values that have no stable JSON order into ones that do.
func Normalize(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(TimeLayout)
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC().Format(TimeLayout)
	default:
		return v
	}
}

// String returns doc[key] as a string, or "" when absent.
func String(doc Document, key string) string {
	switch v := doc[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Int64 returns doc[key] as an int64, accepting every numeric form the
// backends produce.
func Int64(doc Document, key string) int64 {
	switch v := doc[key].(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			f, _ := v.Float64()
			return int64(f)
		}
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

// Bool returns doc[key] as a bool.
func Bool(doc Document, key string) bool {
	b, _ := doc[key].(bool)
	return b
}

// Time returns doc[key] as a time, accepting native times and both the
// TimeLayout and RFC 3339 string forms.
func Time(doc Document, key string) time.Time {
	switch v := doc[key].(type) {
	case time.Time:
		return v.UTC()
	case string:
		if t, err := time.Parse(TimeLayout, v); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// Strings returns doc[key] as a string slice.
func Strings(doc Document, key string) []string {
	switch v := doc[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
