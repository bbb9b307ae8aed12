// Package gemini implements generation.Backend with the Google Gen AI SDK.
package gemini

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"google.golang.org/genai"

	"github.com/kalambet/friday/internal/composer"
	"github.com/kalambet/friday/internal/decoder"
	"github.com/kalambet/friday/internal/generation"
)

const (
	fileStatePollInterval = time.Second
	fileStateMaxWait      = 2 * time.Minute
)

// Config selects the Gemini API (APIKey) or Vertex AI (Project, Location).
type Config struct {
	APIKey   string
	Project  string
	Location string
	Vertex   bool
}

type Backend struct {
	client *genai.Client
}

var _ generation.Backend = (*Backend)(nil)

func New(ctx context.Context, cfg Config) (*Backend, error) {
	cc := &genai.ClientConfig{}
	if cfg.Vertex {
		if cfg.Project == "" || cfg.Location == "" {
			return nil, errors.New("project and location are required for Vertex AI")
		}
		cc.Project = cfg.Project
		cc.Location = cfg.Location
		cc.Backend = genai.BackendVertexAI
	} else {
		if cfg.APIKey == "" {
			return nil, errors.New("API key is required for the Gemini API")
		}
		cc.APIKey = cfg.APIKey
		cc.Backend = genai.BackendGeminiAPI
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &Backend{client: client}, nil
}

func (b *Backend) Generate(ctx context.Context, req composer.Request) (*decoder.Fragment, error) {
	resp, err := b.client.Models.GenerateContent(ctx, req.Model, Contents(req), GenerateConfig(req))
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}
	return Fragment(resp), nil
}

func (b *Backend) GenerateStream(ctx context.Context, req composer.Request) iter.Seq2[*decoder.Fragment, error] {
	return func(yield func(*decoder.Fragment, error) bool) {
		for resp, err := range b.client.Models.GenerateContentStream(ctx, req.Model, Contents(req), GenerateConfig(req)) {
			if err != nil {
				yield(nil, fmt.Errorf("gemini stream: %w", err))
				return
			}
			if !yield(Fragment(resp), nil) {
				return
			}
		}
	}
}

// UploadFile uploads data through the Files API and waits until it can be
// referenced from a prompt.
func (b *Backend) UploadFile(ctx context.Context, data []byte, mimeType string) (generation.FileRef, error) {
	f, err := b.client.Files.Upload(ctx, bytes.NewReader(data), &genai.UploadFileConfig{MIMEType: mimeType})
	if err != nil {
		return generation.FileRef{}, fmt.Errorf("uploading file: %w", err)
	}
	ref := generation.FileRef{Name: f.Name, URI: f.URI, MIMEType: f.MIMEType}
	if ref.MIMEType == "" {
		ref.MIMEType = mimeType
	}

	deadline := time.Now().Add(fileStateMaxWait)
	for f.State == genai.FileStateProcessing {
		if time.Now().After(deadline) {
			return ref, fmt.Errorf("file %s still processing after %s", f.Name, fileStateMaxWait)
		}
		select {
		case <-ctx.Done():
			return ref, ctx.Err()
		case <-time.After(fileStatePollInterval):
		}
		if f, err = b.client.Files.Get(ctx, ref.Name, nil); err != nil {
			return ref, fmt.Errorf("polling file %s: %w", ref.Name, err)
		}
	}
	if f.State == genai.FileStateFailed {
		return ref, fmt.Errorf("file %s failed processing", ref.Name)
	}
	return ref, nil
}

func (b *Backend) DeleteFile(ctx context.Context, ref generation.FileRef) error {
	if ref.Name == "" {
		return nil
	}
	if _, err := b.client.Files.Delete(ctx, ref.Name, nil); err != nil {
		return fmt.Errorf("deleting file %s: %w", ref.Name, err)
	}
	return nil
}

// Contents maps request turns to genai contents.
func Contents(req composer.Request) []*genai.Content {
	out := make([]*genai.Content, 0, len(req.Turns))
	for _, t := range req.Turns {
		role := string(genai.RoleUser)
		if t.Role == composer.RoleAssistant {
			role = string(genai.RoleModel)
		}
		c := &genai.Content{Role: role}
		for _, p := range t.Parts {
			switch {
			case p.FileURI != "":
				c.Parts = append(c.Parts, &genai.Part{FileData: &genai.FileData{FileURI: p.FileURI, MIMEType: p.MIMEType}})
			case len(p.Data) > 0:
				c.Parts = append(c.Parts, &genai.Part{InlineData: &genai.Blob{Data: p.Data, MIMEType: p.MIMEType}})
			case p.Text != "":
				c.Parts = append(c.Parts, &genai.Part{Text: p.Text})
			}
		}
		if len(c.Parts) > 0 {
			out = append(out, c)
		}
	}
	return out
}

var lowAndAboveCategories = []genai.HarmCategory{
	genai.HarmCategoryHarassment,
	genai.HarmCategoryHateSpeech,
	genai.HarmCategorySexuallyExplicit,
	genai.HarmCategoryDangerousContent,
}

// GenerateConfig maps request settings to a genai generation config.
func GenerateConfig(req composer.Request) *genai.GenerateContentConfig {
	temp, topP, topK := req.Temperature, req.TopP, req.TopK
	cfg := &genai.GenerateContentConfig{
		Temperature:      &temp,
		TopP:             &topP,
		TopK:             &topK,
		MaxOutputTokens:  req.MaxOutputTokens,
		ResponseMIMEType: req.ResponseMIMEType,
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Search {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	if req.IncludeThoughts {
		cfg.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
	}
	for _, m := range req.Modalities {
		cfg.ResponseModalities = append(cfg.ResponseModalities, string(m))
	}
	if req.SafetyLowAndAbove {
		for _, c := range lowAndAboveCategories {
			cfg.SafetySettings = append(cfg.SafetySettings, &genai.SafetySetting{
				Category:  c,
				Threshold: genai.HarmBlockThresholdBlockLowAndAbove,
			})
		}
	}
	return cfg
}

// Fragment flattens the first candidate of resp into a decoder fragment.
func Fragment(resp *genai.GenerateContentResponse) *decoder.Fragment {
	f := &decoder.Fragment{}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return f
	}
	for _, p := range resp.Candidates[0].Content.Parts {
		if p == nil {
			continue
		}
		switch {
		case p.InlineData != nil:
			f.Parts = append(f.Parts, decoder.Part{Kind: decoder.KindBinary, Data: p.InlineData.Data, MIMEType: p.InlineData.MIMEType})
		case p.Thought:
			f.Parts = append(f.Parts, decoder.Part{Kind: decoder.KindThinking, Text: p.Text})
		case p.Text != "":
			f.Parts = append(f.Parts, decoder.Part{Kind: decoder.KindText, Text: p.Text})
		default:
			f.Parts = append(f.Parts, decoder.Part{Kind: decoder.KindUnknown})
		}
	}
	return f
}
