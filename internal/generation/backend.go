// Package generation defines the contract for generative model backends.
package generation

import (
	"context"
	"errors"
	"iter"

	"github.com/kalambet/friday/internal/composer"
	"github.com/kalambet/friday/internal/decoder"
)

// ErrUnsupported is returned for operations a backend cannot perform.
var ErrUnsupported = errors.New("not supported by this backend")

// FileRef identifies an artifact uploaded to the backend.
type FileRef struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	MIMEType string `json:"mime_type"`
}

// Backend produces model output for a composed request.
type Backend interface {
	// Generate returns the whole response as one fragment.
	Generate(ctx context.Context, req composer.Request) (*decoder.Fragment, error)
	// GenerateStream yields fragments as they arrive. Breaking out of the
	// loop stops pulling from the upstream.
	GenerateStream(ctx context.Context, req composer.Request) iter.Seq2[*decoder.Fragment, error]
	UploadFile(ctx context.Context, data []byte, mimeType string) (FileRef, error)
	DeleteFile(ctx context.Context, ref FileRef) error
}

// Part converts ref into a composer part for attaching to a request.
func (ref FileRef) Part() composer.Part {
	return composer.Part{FileURI: ref.URI, MIMEType: ref.MIMEType}
}
