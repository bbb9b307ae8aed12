// Package janitor retries deletions of backend files that could not be
// removed while serving a request.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kalambet/friday/internal/generation"
	"github.com/kalambet/friday/internal/storage"
)

const (
	// Collection holds one record per file still to be deleted.
	Collection = "pending_deletions"

	DefaultSchedule    = "@every 1m"
	DefaultMaxAttempts = 5
	defaultBaseBackoff = time.Minute
)

const (
	StatusPending = "pending"
	StatusFailed  = "failed"
)

// FileDeleter removes uploaded files. generation.Backend satisfies it.
type FileDeleter interface {
	DeleteFile(ctx context.Context, ref generation.FileRef) error
}

// Janitor keeps the pending_deletions queue and works it off.
type Janitor struct {
	docs        storage.DocumentStore
	deleter     FileDeleter
	maxAttempts int
	baseBackoff time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// New creates a Janitor. If maxAttempts is <= 0, it defaults to 5.
func New(docs storage.DocumentStore, deleter FileDeleter, maxAttempts int) *Janitor {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Janitor{
		docs:        docs,
		deleter:     deleter,
		maxAttempts: maxAttempts,
		baseBackoff: defaultBaseBackoff,
		now:         time.Now,
		logger:      slog.Default(),
	}
}

// Enqueue records ref for a later deletion attempt. The first retry happens
// on the next run.
func (j *Janitor) Enqueue(ctx context.Context, ref generation.FileRef, cause error) error {
	if ref.Name == "" {
		return errors.New("janitor: file reference has no name")
	}
	now := j.now().UTC()
	doc := storage.Document{
		"name":            ref.Name,
		"uri":             ref.URI,
		"mime_type":       ref.MIMEType,
		"status":          StatusPending,
		"attempts":        0,
		"next_attempt_at": now,
		"created_at":      now,
	}
	if cause != nil {
		doc["last_error"] = cause.Error()
	}
	if _, err := j.docs.InsertOne(ctx, Collection, doc); err != nil {
		return fmt.Errorf("queueing deletion of %s: %w", ref.Name, err)
	}
	return nil
}

// Run works the queue on schedule until ctx is cancelled. Overlapping runs
// are skipped.
func (j *Janitor) Run(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(schedule, func() {
		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.Error("janitor run failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("janitor schedule %q: %w", schedule, err)
	}

	c.Start()
	j.logger.Info("janitor started", "schedule", schedule)
	<-ctx.Done()
	<-c.Stop().Done()
	j.logger.Info("janitor stopped")
	return nil
}

// RunOnce attempts every due deletion and returns how many records it
// handled.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	docs, err := j.docs.Find(ctx, Collection, storage.Filter{"status": StatusPending}, &storage.Sort{Field: "next_attempt_at"})
	if err != nil {
		return 0, fmt.Errorf("listing pending deletions: %w", err)
	}

	now := j.now().UTC()
	handled := 0
	for _, doc := range docs {
		if ctx.Err() != nil {
			return handled, ctx.Err()
		}
		if storage.Time(doc, "next_attempt_at").After(now) {
			continue
		}
		if err := j.process(ctx, doc, now); err != nil {
			return handled, err
		}
		handled++
	}
	return handled, nil
}

func (j *Janitor) process(ctx context.Context, doc storage.Document, now time.Time) error {
	id := storage.String(doc, "id")
	ref := generation.FileRef{
		Name:     storage.String(doc, "name"),
		URI:      storage.String(doc, "uri"),
		MIMEType: storage.String(doc, "mime_type"),
	}

	delErr := j.deleter.DeleteFile(ctx, ref)
	if delErr == nil || errors.Is(delErr, generation.ErrUnsupported) {
		if err := j.docs.DeleteMany(ctx, Collection, []string{id}); err != nil {
			return fmt.Errorf("removing deletion record %s: %w", id, err)
		}
		j.logger.Info("deleted pending file", "name", ref.Name)
		return nil
	}

	attempts := int(storage.Int64(doc, "attempts")) + 1
	patch := storage.Document{
		"attempts":   attempts,
		"last_error": delErr.Error(),
	}
	if attempts >= j.maxAttempts {
		patch["status"] = StatusFailed
		j.logger.Error("giving up on file deletion", "name", ref.Name, "attempts", attempts, "error", delErr)
	} else {
		patch["next_attempt_at"] = now.Add(j.backoff(attempts))
		j.logger.Warn("file deletion failed", "name", ref.Name, "attempts", attempts, "error", delErr)
	}
	if err := j.docs.Update(ctx, Collection, id, patch); err != nil {
		return fmt.Errorf("updating deletion record %s: %w", id, err)
	}
	return nil
}

// backoff doubles the wait after every failed attempt.
func (j *Janitor) backoff(attempts int) time.Duration {
	return j.baseBackoff << (attempts - 1)
}
