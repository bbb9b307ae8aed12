package orchestrator

import (
	"context"
	"fmt"

	"github.com/kalambet/friday/internal/catalog"
	"github.com/kalambet/friday/internal/composer"
)

type AskInput struct {
	Model    string
	Question string
	Params   composer.Params
}

type AskResult struct {
	Text      string   `json:"text"`
	ModelUsed string   `json:"model_used"`
	MediaIDs  []string `json:"media_ids,omitempty"`
	Status    Status   `json:"status"`
	Message   string   `json:"message,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
}

// Ask answers a single question with no conversation context.
func (s *Service) Ask(ctx context.Context, in AskInput) (AskResult, error) {
	if err := requireText("question", in.Question); err != nil {
		return AskResult{}, err
	}
	caps, err := s.catalog.CapabilitiesOf(in.Model)
	if err != nil {
		return AskResult{}, err
	}
	req, err := s.composer.Build(in.Model, caps, singleTurn(in.Question), in.Params)
	if err != nil {
		return AskResult{}, err
	}

	res, err := s.generate(ctx, req, false)
	if err != nil {
		return AskResult{}, err
	}

	out := AskResult{Text: res.FullText, ModelUsed: in.Model, Status: StatusOK}
	if res.NoContent() {
		out.Status = StatusNoContent
		out.Message = NoContentMessage
		return out, nil
	}
	out.MediaIDs, out.Status, out.Warnings = s.storeBinaries(ctx, res.Binaries())
	return out, nil
}

type ReasonInput struct {
	// Model defaults to catalog.DefaultReasoningModel.
	Model    string
	Question string
	Params   composer.Params
}

type ReasonResult struct {
	Thinking  string `json:"thinking"`
	Answer    string `json:"answer"`
	ModelUsed string `json:"model_used"`
	Status    Status `json:"status"`
	Message   string `json:"message,omitempty"`
}

// Reason streams a thinking model and splits its trace from the answer.
func (s *Service) Reason(ctx context.Context, in ReasonInput) (ReasonResult, error) {
	if err := requireText("question", in.Question); err != nil {
		return ReasonResult{}, err
	}
	model := in.Model
	if model == "" {
		model = catalog.DefaultReasoningModel
	}
	caps, err := s.catalog.CapabilitiesOf(model)
	if err != nil {
		return ReasonResult{}, err
	}
	if !caps.Has(catalog.Thinking) {
		return ReasonResult{}, fmt.Errorf("%w: %s has no reasoning capability", ErrUnsupportedModel, model)
	}

	req, err := s.composer.Build(model, caps, singleTurn(in.Question), in.Params)
	if err != nil {
		return ReasonResult{}, err
	}
	res, err := s.generate(ctx, req, true)
	if err != nil {
		return ReasonResult{}, err
	}

	out := ReasonResult{
		Thinking:  res.ThinkingText,
		Answer:    res.FullText,
		ModelUsed: model,
		Status:    StatusOK,
	}
	if res.NoContent() {
		out.Status = StatusNoContent
		out.Message = NoContentMessage
	}
	return out, nil
}

type ImageInput struct {
	Prompt string
	Params composer.Params
}

type ImageResult struct {
	TextResponse string   `json:"text_response"`
	MediaIDs     []string `json:"image_ids"`
	ModelUsed    string   `json:"model_used"`
	Status       Status   `json:"status"`
	Warning      string   `json:"warning,omitempty"`
}

// GenerateImage asks the image model for pictures and stores every one it
// returns.
func (s *Service) GenerateImage(ctx context.Context, in ImageInput) (ImageResult, error) {
	if err := requireText("prompt", in.Prompt); err != nil {
		return ImageResult{}, err
	}
	model := catalog.ImageModel
	caps, err := s.catalog.CapabilitiesOf(model)
	if err != nil {
		return ImageResult{}, err
	}
	req, err := s.composer.Build(model, caps, singleTurn(in.Prompt), in.Params)
	if err != nil {
		return ImageResult{}, err
	}

	res, err := s.generate(ctx, req, false)
	if err != nil {
		return ImageResult{}, err
	}

	out := ImageResult{TextResponse: res.FullText, MediaIDs: []string{}, ModelUsed: model, Status: StatusOK}
	bins := res.Binaries()
	if len(bins) == 0 {
		out.Status = StatusNoContent
		out.Warning = NoImagesMessage
		return out, nil
	}

	ids, status, warnings := s.storeBinaries(ctx, bins)
	if ids != nil {
		out.MediaIDs = ids
	}
	out.Status = status
	if len(warnings) > 0 {
		out.Warning = warnings[0]
	}
	return out, nil
}
