// Package orchestrator ties the catalog, composer, backend, decoder, media
// store and history together into the service's operations.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/friday/internal/catalog"
	"github.com/kalambet/friday/internal/composer"
	"github.com/kalambet/friday/internal/decoder"
	"github.com/kalambet/friday/internal/generation"
	"github.com/kalambet/friday/internal/history"
	"github.com/kalambet/friday/internal/logging"
	"github.com/kalambet/friday/internal/media"
)

const defaultGenerationTimeout = 120 * time.Second

// Config tunes the service.
type Config struct {
	// GenerationTimeout bounds every backend call.
	GenerationTimeout time.Duration
}

// DeletionQueue takes backend files whose deletion failed so they can be
// retried later.
type DeletionQueue interface {
	Enqueue(ctx context.Context, ref generation.FileRef, cause error) error
}

// Deps are the collaborators a Service is built from.
type Deps struct {
	Backend  generation.Backend
	Catalog  *catalog.Registry
	Composer *composer.Composer
	Media    *media.Store
	History  *history.Manager
	Fetcher  Fetcher
	Cleanup  DeletionQueue
}

type Service struct {
	backend  generation.Backend
	catalog  *catalog.Registry
	composer *composer.Composer
	media    *media.Store
	history  *history.Manager
	fetcher  Fetcher
	cleanup  DeletionQueue
	cfg      Config
}

func New(d Deps, cfg Config) (*Service, error) {
	if d.Backend == nil || d.Catalog == nil || d.Media == nil || d.History == nil {
		return nil, errors.New("orchestrator: backend, catalog, media and history are required")
	}
	if d.Composer == nil {
		d.Composer = composer.New(composer.Defaults{})
	}
	if d.Fetcher == nil {
		d.Fetcher = NewHTTPFetcher(nil, 0)
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = defaultGenerationTimeout
	}
	return &Service{
		backend:  d.Backend,
		catalog:  d.Catalog,
		composer: d.Composer,
		media:    d.Media,
		history:  d.History,
		fetcher:  d.Fetcher,
		cleanup:  d.Cleanup,
		cfg:      cfg,
	}, nil
}

// Catalog exposes the model registry for listings.
func (s *Service) Catalog() *catalog.Registry {
	return s.catalog
}

// History exposes the session manager for read-only routes.
func (s *Service) History() *history.Manager {
	return s.history
}

// Media exposes the media store for image fetches.
func (s *Service) Media() *media.Store {
	return s.media
}

// generate runs req against the backend under the configured timeout and
// decodes the response.
func (s *Service) generate(ctx context.Context, req composer.Request, stream bool) (decoder.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.GenerationTimeout)
	defer cancel()

	log := logging.FromContext(ctx)
	start := time.Now()

	var (
		res decoder.Result
		err error
	)
	if stream {
		res, err = decoder.Decode(s.backend.GenerateStream(ctx, req))
	} else {
		res, err = decoder.Decode(decoder.Single(s.backend.Generate(ctx, req)))
	}
	if err != nil {
		if errors.Is(err, generation.ErrUnsupported) {
			return res, fmt.Errorf("%w: %s: %w", ErrUnsupportedModel, req.Model, err)
		}
		log.Error("generation failed", "model", req.Model, "stream", stream, "error", err)
		return res, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	log.Debug("generation complete",
		"model", req.Model,
		"stream", stream,
		"segments", len(res.Segments),
		"skipped", res.Skipped,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// storeBinaries persists every binary segment as one batch. Storage trouble
// never fails the caller: it degrades the status and adds a warning.
func (s *Service) storeBinaries(ctx context.Context, segs []decoder.Segment) ([]string, Status, []string) {
	if len(segs) == 0 {
		return nil, StatusOK, nil
	}
	items := make([]media.Item, len(segs))
	for i, seg := range segs {
		items[i] = media.Item{Data: seg.Data, MIMEType: seg.MIMEType}
	}

	out, err := s.media.PutBatch(ctx, items)
	if err != nil {
		logging.FromContext(ctx).Error("storing generated media", "count", len(items), "error", err)
		return nil, StatusDegraded, []string{ImagesNotStoredWarn}
	}
	if len(out.Degraded) > 0 {
		return out.IDs, StatusDegraded, []string{fmt.Sprintf("%d of %d images stored uncompressed", len(out.Degraded), len(items))}
	}
	return out.IDs, StatusOK, nil
}

func requireText(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidRequest, field)
	}
	return nil
}

func singleTurn(text string) []composer.Message {
	return []composer.Message{{Role: composer.RoleUser, Content: text}}
}
