package orchestrator

import (
	"errors"

	"github.com/kalambet/friday/internal/composer"
)

var (
	// ErrInvalidRequest marks user-correctable input problems.
	ErrInvalidRequest = composer.ErrInvalidRequest
	// ErrUnsupportedModel is returned when a model lacks a capability the
	// operation needs.
	ErrUnsupportedModel = errors.New("model does not support this operation")
	// ErrUpstream wraps failures of the generation backend.
	ErrUpstream = errors.New("upstream failure")
)

// Status qualifies a successful result.
type Status string

const (
	StatusOK        Status = "ok"
	StatusDegraded  Status = "degraded"
	StatusNoContent Status = "no_content"
)

const (
	NoContentMessage    = "No content returned"
	NoImagesMessage     = "No images were generated"
	ImagesNotStoredWarn = "images were generated but could not be stored"
)
