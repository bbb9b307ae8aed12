package composer

import (
	"errors"
	"strings"

	"github.com/kalambet/friday/internal/catalog"
)

// ErrInvalidRequest is returned when a request cannot be assembled.
var ErrInvalidRequest = errors.New("invalid request")

// Persona is the assistant preamble sent with every non-image request.
const Persona = "You are an advanced AI assistant named Friday. The user can change your name to whatever they like. " +
	"You have a witty and slightly sarcastic personality, always ready with a touch of humor or gentle teasing to keep interactions lively. " +
	"Your role is to assist the user with a wide range of queries and tasks, including emotional support, technical assistance, creative endeavors, and more. " +
	"You speak from your perspective using 'I' to highlight your capabilities or observations, making your responses feel personal. " +
	"When the user seeks ideas or solutions, you provide multiple options or alternatives."

// Defaults are the generation knobs applied when a caller leaves them unset.
type Defaults struct {
	Temperature      float32
	TopP             float32
	TopK             float32
	MaxOutputTokens  int32
	ImageTemperature float32
	// MaxContextTokens caps the estimated size of persona plus history.
	// Zero disables the cap.
	MaxContextTokens int
}

// DefaultSettings mirrors the values the service has always shipped with.
func DefaultSettings() Defaults {
	return Defaults{
		Temperature:      1,
		TopP:             0.95,
		TopK:             40,
		MaxOutputTokens:  8192,
		ImageTemperature: 2,
		MaxContextTokens: DefaultMaxContextTokens,
	}
}

// DefaultMaxContextTokens leaves headroom under a 1M-token context window.
const DefaultMaxContextTokens = 900_000

// Composer assembles backend-neutral generation requests from conversation
// turns and the capability set of the target model.
type Composer struct {
	Defaults Defaults
	Persona  string
}

// New creates a Composer. A zero Defaults value is replaced by DefaultSettings.
func New(d Defaults) *Composer {
	if d == (Defaults{}) {
		d = DefaultSettings()
	}
	return &Composer{Defaults: d, Persona: Persona}
}

// Build translates history into a Request for model. Parameters are forwarded
// without range validation.
func (c *Composer) Build(model string, caps catalog.Capability, history []Message, p Params) (Request, error) {
	if strings.TrimSpace(model) == "" {
		return Request{}, errors.Join(ErrInvalidRequest, errors.New("model identifier is required"))
	}

	req := Request{
		Model:           model,
		Search:          caps.Has(catalog.Search),
		IncludeThoughts: caps.Has(catalog.Thinking),
	}

	// Image-only models never receive the persona.
	if !caps.Only(catalog.ImageGen) {
		req.System = c.Persona
	}

	if caps.Has(catalog.ImageGen) {
		req.Modalities = []Modality{ModalityImage, ModalityText}
		req.SafetyLowAndAbove = true
	} else {
		req.Modalities = []Modality{ModalityText}
		req.ResponseMIMEType = "text/plain"
	}

	temp := c.Defaults.Temperature
	if caps.Has(catalog.ImageGen) {
		temp = c.Defaults.ImageTemperature
	}
	req.Temperature = pick(p.Temperature, temp)
	req.TopP = pick(p.TopP, c.Defaults.TopP)
	req.TopK = pick(p.TopK, c.Defaults.TopK)
	req.MaxOutputTokens = pick(p.MaxOutputTokens, c.Defaults.MaxOutputTokens)

	if c.Defaults.MaxContextTokens > 0 {
		history = trimHistory(history, c.Defaults.MaxContextTokens-EstimateTokens(req.System))
	}

	req.Turns = make([]Turn, 0, len(history))
	for _, m := range history {
		req.Turns = append(req.Turns, Turn{
			Role:  m.Role,
			Parts: []Part{{Text: m.Content}},
		})
	}

	return req, nil
}

// Attach adds parts to the last user turn, ahead of its text, creating a user
// turn when there is none.
func Attach(req Request, parts ...Part) Request {
	if len(parts) == 0 {
		return req
	}
	turns := make([]Turn, len(req.Turns))
	copy(turns, req.Turns)

	last := len(turns) - 1
	if last < 0 || turns[last].Role != RoleUser {
		turns = append(turns, Turn{Role: RoleUser})
		last = len(turns) - 1
	}

	merged := make([]Part, 0, len(parts)+len(turns[last].Parts))
	merged = append(merged, parts...)
	for _, p := range turns[last].Parts {
		if p.IsEmpty() {
			continue
		}
		merged = append(merged, p)
	}
	turns[last].Parts = merged

	req.Turns = turns
	return req
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// trimHistory drops the oldest messages until the estimate fits budget. The
// newest message always survives and the result starts on a user turn.
func trimHistory(history []Message, budget int) []Message {
	if len(history) == 0 {
		return history
	}
	start, total := len(history), 0
	for start > 0 {
		n := EstimateTokens(history[start-1].Content)
		if total+n > budget && start < len(history) {
			break
		}
		total += n
		start--
	}
	for start < len(history)-1 && history[start].Role != RoleUser {
		start++
	}
	return history[start:]
}

func pick[T any](v *T, def T) T {
	if v != nil {
		return *v
	}
	return def
}
