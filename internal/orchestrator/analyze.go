package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/friday/internal/catalog"
	"github.com/kalambet/friday/internal/composer"
	"github.com/kalambet/friday/internal/generation"
	"github.com/kalambet/friday/internal/logging"
)

const (
	cleanupTimeout = 15 * time.Second
	// maxConcurrentTransfers bounds parallel uploads and URL downloads per
	// request.
	maxConcurrentTransfers = 4
)

// File is an uploaded media file.
type File struct {
	Name     string
	MIMEType string
	Data     []byte
}

type MediaInput struct {
	Files  []File
	URLs   []string
	Prompt string
}

type AnalysisResult struct {
	Text      string   `json:"text"`
	ModelUsed string   `json:"model_used"`
	Status    Status   `json:"status"`
	Message   string   `json:"message,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// IsYouTube reports whether rawURL points at YouTube, which the backend
// reads directly.
func IsYouTube(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")
	return host == "youtube.com" || host == "youtu.be" || strings.HasSuffix(host, ".youtube.com")
}

// AnalyzeMedia uploads files (and downloaded URLs) to the backend, asks the
// media model about them and deletes every upload afterwards.
func (s *Service) AnalyzeMedia(ctx context.Context, in MediaInput) (AnalysisResult, error) {
	if len(in.Files) == 0 && len(in.URLs) == 0 {
		return AnalysisResult{}, fmt.Errorf("%w: at least one file or url is required", ErrInvalidRequest)
	}
	for _, f := range in.Files {
		if len(f.Data) == 0 {
			return AnalysisResult{}, fmt.Errorf("%w: file %q is empty", ErrInvalidRequest, f.Name)
		}
	}

	model := catalog.MediaModel
	if _, err := s.catalog.CapabilitiesOf(model); err != nil {
		return AnalysisResult{}, err
	}

	// refs[i] is either an upload (Name set) or a passthrough URL.
	refs := make([]generation.FileRef, len(in.Files)+len(in.URLs))
	uploaded := make([]bool, len(refs))

	// Covers the error paths. Uploads are deleted explicitly on success so
	// failures can be reported as warnings.
	defer s.deleteUploads(ctx, refs, uploaded)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentTransfers)
	for i, f := range in.Files {
		g.Go(func() error {
			ref, err := s.backend.UploadFile(gctx, f.Data, f.MIMEType)
			if err != nil {
				return uploadError(f.Name, err)
			}
			refs[i], uploaded[i] = ref, true
			return nil
		})
	}
	for j, raw := range in.URLs {
		i := len(in.Files) + j
		if IsYouTube(raw) {
			refs[i] = generation.FileRef{URI: raw, MIMEType: "video/*"}
			continue
		}
		g.Go(func() error {
			data, mimeType, err := s.fetcher.Fetch(gctx, raw)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
			}
			ref, err := s.backend.UploadFile(gctx, data, mimeType)
			if err != nil {
				return uploadError(raw, err)
			}
			refs[i], uploaded[i] = ref, true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return AnalysisResult{}, err
	}

	req, err := s.composer.Build(model, catalog.Plain, nil, composer.Params{})
	if err != nil {
		return AnalysisResult{}, err
	}
	req.System = ""
	parts := make([]composer.Part, 0, len(refs)+1)
	for _, ref := range refs {
		parts = append(parts, ref.Part())
	}
	if strings.TrimSpace(in.Prompt) != "" {
		parts = append(parts, composer.Part{Text: in.Prompt})
	}
	req = composer.Attach(req, parts...)

	res, err := s.generate(ctx, req, true)
	if err != nil {
		return AnalysisResult{}, err
	}

	out := AnalysisResult{Text: res.FullText, ModelUsed: model, Status: StatusOK}
	if res.NoContent() {
		out.Status = StatusNoContent
		out.Message = NoContentMessage
	}

	if cw := s.deleteUploads(ctx, refs, uploaded); len(cw) > 0 {
		out.Warnings = append(out.Warnings, cw...)
		if out.Status == StatusOK {
			out.Status = StatusDegraded
		}
	}
	return out, nil
}

// deleteUploads removes uploaded files, best effort. Failures are queued for
// the janitor and returned as warnings. Entries are cleared as they are
// handled so a second call is a no-op.
func (s *Service) deleteUploads(ctx context.Context, refs []generation.FileRef, uploaded []bool) []string {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	log := logging.FromContext(ctx)

	var warnings []string
	for i, ref := range refs {
		if !uploaded[i] {
			continue
		}
		uploaded[i] = false

		err := s.backend.DeleteFile(ctx, ref)
		if err == nil {
			log.Debug("deleted uploaded file", "name", ref.Name)
			continue
		}
		if errors.Is(err, generation.ErrUnsupported) {
			continue
		}
		log.Warn("deleting uploaded file", "name", ref.Name, "error", err)
		warnings = append(warnings, fmt.Sprintf("could not delete uploaded file %s", ref.Name))
		if s.cleanup != nil {
			if qerr := s.cleanup.Enqueue(ctx, ref, err); qerr != nil {
				log.Error("queueing file deletion", "name", ref.Name, "error", qerr)
			}
		}
	}
	return warnings
}

// uploadError tells a backend that cannot take the file type apart from one
// that failed.
func uploadError(name string, err error) error {
	if errors.Is(err, generation.ErrUnsupported) {
		return fmt.Errorf("%w: uploading %s: %w", ErrUnsupportedModel, name, err)
	}
	return fmt.Errorf("%w: uploading %s: %w", ErrUpstream, name, err)
}
