package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownModel is returned when a model identifier is not in the catalog.
var ErrUnknownModel = errors.New("unknown model")

// Capability is a bit set of model features.
type Capability uint8

const (
	Search Capability = 1 << iota
	Thinking
	ImageGen
)

// Plain is the empty capability set.
const Plain Capability = 0

// Has reports whether every flag in c is present.
func (caps Capability) Has(c Capability) bool {
	return c != 0 && caps&c == c
}

// Only reports whether caps is exactly c.
func (caps Capability) Only(c Capability) bool {
	return caps == c
}

func (caps Capability) String() string {
	if caps == Plain {
		return "plain"
	}
	var names []string
	if caps.Has(Search) {
		names = append(names, "search")
	}
	if caps.Has(Thinking) {
		names = append(names, "thinking")
	}
	if caps.Has(ImageGen) {
		names = append(names, "image_gen")
	}
	return strings.Join(names, "+")
}

// Label is the human-readable description used in model listings.
func (caps Capability) Label() string {
	switch {
	case caps.Has(ImageGen):
		return "image generation"
	case caps.Has(Search) && caps.Has(Thinking):
		return "reasoning with Google Search"
	case caps.Has(Thinking):
		return "reasoning"
	case caps.Has(Search):
		return "with Google Search"
	default:
		return "plain Q&A"
	}
}

// Model describes one catalog entry.
type Model struct {
	ID           string     `json:"id"`
	Capabilities Capability `json:"-"`
}

// Well-known models used by fixed routes.
const (
	DefaultReasoningModel = "gemini-2.0-flash-thinking-exp-01-21"
	ImageModel            = "gemini-2.0-flash-exp-image-generation"
	MediaModel            = "gemini-2.5-pro-exp-03-25"
	TitleModel            = "gemini-2.0-flash-lite"
)

// Default returns the built-in model catalog in listing order.
func Default() []Model {
	return []Model{
		{ID: "gemini-2.5-pro-exp-03-25", Capabilities: Search | Thinking},
		{ID: "gemini-2.0-flash-thinking-exp-01-21", Capabilities: Thinking},
		{ID: "gemini-2.0-flash-exp-image-generation", Capabilities: ImageGen},
		{ID: "gemini-2.0-flash", Capabilities: Search},
		{ID: "gemini-2.0-flash-lite", Capabilities: Plain},
		{ID: "learnlm-1.5-pro-experimental", Capabilities: Plain},
		{ID: "gemini-1.5-pro", Capabilities: Search},
		{ID: "gemini-1.5-flash", Capabilities: Search},
		{ID: "gemini-1.5-flash-8b", Capabilities: Search},
	}
}

// Registry is an immutable lookup table from model id to capabilities.
// It is safe for concurrent use.
type Registry struct {
	models []Model
	byID   map[string]Capability
}

// New builds a Registry. Duplicate or empty identifiers are rejected.
func New(models []Model) (*Registry, error) {
	r := &Registry{
		models: make([]Model, 0, len(models)),
		byID:   make(map[string]Capability, len(models)),
	}
	for _, m := range models {
		if m.ID == "" {
			return nil, errors.New("catalog: empty model id")
		}
		if _, dup := r.byID[m.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate model id %q", m.ID)
		}
		r.byID[m.ID] = m.Capabilities
		r.models = append(r.models, m)
	}
	return r, nil
}

// NewDefault builds a Registry over Default().
func NewDefault() *Registry {
	r, err := New(Default())
	if err != nil {
		panic(err)
	}
	return r
}

// CapabilitiesOf returns the capability set of id.
func (r *Registry) CapabilitiesOf(id string) (Capability, error) {
	caps, ok := r.byID[id]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}
	return caps, nil
}

// Lookup returns the catalog entry for id.
func (r *Registry) Lookup(id string) (Model, error) {
	caps, err := r.CapabilitiesOf(id)
	if err != nil {
		return Model{}, err
	}
	return Model{ID: id, Capabilities: caps}, nil
}

// Models returns a copy of the catalog in listing order.
func (r *Registry) Models() []Model {
	out := make([]Model, len(r.models))
	copy(out, r.models)
	return out
}

// WithCapability returns the ids of all models that have c.
func (r *Registry) WithCapability(c Capability) []string {
	var ids []string
	for _, m := range r.models {
		if m.Capabilities.Has(c) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}
