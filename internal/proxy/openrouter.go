// Package proxy implements generation.Backend on OpenRouter's
// OpenAI-compatible API.
package proxy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/kalambet/friday/internal/composer"
	"github.com/kalambet/friday/internal/decoder"
	"github.com/kalambet/friday/internal/generation"
)

const (
	defaultBaseURL     = "https://openrouter.ai/api/v1"
	defaultModelPrefix = "google/"
	maxRetries         = 3
	initialBackoff     = 500 * time.Millisecond
)

// Backend talks to OpenRouter. Gemini model ids are routed to their
// google/ counterparts.
type Backend struct {
	client         *openai.Client
	modelPrefix    string
	initialBackoff time.Duration
}

var _ generation.Backend = (*Backend)(nil)

// headerTransport adds the attribution headers OpenRouter expects.
type headerTransport struct {
	rt      http.RoundTripper
	headers http.Header
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cl := req.Clone(req.Context())
	for k, vs := range t.headers {
		for _, v := range vs {
			cl.Header.Add(k, v)
		}
	}
	return t.rt.RoundTrip(cl)
}

// New creates an OpenRouter backend with the given API key.
func New(apiKey string) *Backend {
	return NewWithBaseURL(apiKey, defaultBaseURL)
}

// NewWithBaseURL creates a backend pointing at a custom base URL (for testing).
func NewWithBaseURL(apiKey, baseURL string) *Backend {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = strings.TrimRight(baseURL, "/")

	h := http.Header{}
	h.Set("HTTP-Referer", "https://github.com/kalambet/friday")
	h.Set("X-Title", "friday")
	config.HTTPClient = &http.Client{Transport: headerTransport{rt: http.DefaultTransport, headers: h}}

	return &Backend{
		client:         openai.NewClientWithConfig(config),
		modelPrefix:    defaultModelPrefix,
		initialBackoff: initialBackoff,
	}
}

func (b *Backend) Generate(ctx context.Context, req composer.Request) (*decoder.Fragment, error) {
	if err := checkAttachments(req); err != nil {
		return nil, err
	}
	resp, err := withRetry(ctx, b.initialBackoff, func() (openai.ChatCompletionResponse, error) {
		return b.client.CreateChatCompletion(ctx, b.chatRequest(req))
	})
	if err != nil {
		return nil, err
	}

	f := &decoder.Fragment{}
	if len(resp.Choices) == 0 {
		return f, nil
	}
	msg := resp.Choices[0].Message
	if msg.ReasoningContent != "" {
		f.Parts = append(f.Parts, decoder.Part{Kind: decoder.KindThinking, Text: msg.ReasoningContent})
	}
	if msg.Content != "" {
		f.Parts = append(f.Parts, decoder.Part{Kind: decoder.KindText, Text: msg.Content})
	}
	return f, nil
}

func (b *Backend) GenerateStream(ctx context.Context, req composer.Request) iter.Seq2[*decoder.Fragment, error] {
	return func(yield func(*decoder.Fragment, error) bool) {
		if err := checkAttachments(req); err != nil {
			yield(nil, err)
			return
		}
		creq := b.chatRequest(req)
		creq.Stream = true
		stream, err := withRetry(ctx, b.initialBackoff, func() (*openai.ChatCompletionStream, error) {
			return b.client.CreateChatCompletionStream(ctx, creq)
		})
		if err != nil {
			yield(nil, err)
			return
		}
		defer stream.Close()

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("reading stream: %w", err))
				return
			}
			f := &decoder.Fragment{}
			for _, ch := range chunk.Choices {
				if ch.Delta.ReasoningContent != "" {
					f.Parts = append(f.Parts, decoder.Part{Kind: decoder.KindThinking, Text: ch.Delta.ReasoningContent})
				}
				if ch.Delta.Content != "" {
					f.Parts = append(f.Parts, decoder.Part{Kind: decoder.KindText, Text: ch.Delta.Content})
				}
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

// UploadFile has no server-side counterpart on OpenRouter. The bytes travel
// inline as a data URI instead.
func (b *Backend) UploadFile(_ context.Context, data []byte, mimeType string) (generation.FileRef, error) {
	if len(data) == 0 {
		return generation.FileRef{}, errors.New("empty file")
	}
	if !attachable(mimeType) {
		return generation.FileRef{}, fmt.Errorf("%w: %s attachments", generation.ErrUnsupported, mimeType)
	}
	uri := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
	return generation.FileRef{URI: uri, MIMEType: mimeType}, nil
}

func (b *Backend) DeleteFile(context.Context, generation.FileRef) error {
	return nil
}

func (b *Backend) chatRequest(req composer.Request) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:       b.modelName(req),
		Messages:    Messages(req),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   int(req.MaxOutputTokens),
	}
}

// modelName maps a catalog id onto an OpenRouter slug. Search-enabled
// requests use the :online variant.
func (b *Backend) modelName(req composer.Request) string {
	name := req.Model
	if !strings.Contains(name, "/") {
		name = b.modelPrefix + name
	}
	if req.Search && !strings.HasSuffix(name, ":online") {
		name += ":online"
	}
	return name
}

// Messages maps the system prompt and turns to chat messages.
func Messages(req composer.Request) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, t := range req.Turns {
		role := openai.ChatMessageRoleUser
		if t.Role == composer.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}

		msg := openai.ChatCompletionMessage{Role: role}
		if textOnly(t.Parts) {
			var sb strings.Builder
			for _, p := range t.Parts {
				sb.WriteString(p.Text)
			}
			msg.Content = sb.String()
		} else {
			for _, p := range t.Parts {
				switch {
				case p.FileURI != "":
					msg.MultiContent = append(msg.MultiContent, imagePart(p.FileURI))
				case len(p.Data) > 0:
					msg.MultiContent = append(msg.MultiContent, imagePart("data:"+p.MIMEType+";base64,"+base64.StdEncoding.EncodeToString(p.Data)))
				case p.Text != "":
					msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: p.Text})
				}
			}
		}
		out = append(out, msg)
	}
	return out
}

func textOnly(parts []composer.Part) bool {
	for _, p := range parts {
		if p.FileURI != "" || len(p.Data) > 0 {
			return false
		}
	}
	return true
}

// attachable reports whether mimeType can travel as an image_url part, the
// only non-text part chat completions accept across providers.
func attachable(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}

// checkAttachments rejects file parts that are not images, such as passthrough
// video links.
func checkAttachments(req composer.Request) error {
	for _, t := range req.Turns {
		for _, p := range t.Parts {
			if (p.FileURI != "" || len(p.Data) > 0) && !attachable(p.MIMEType) {
				return fmt.Errorf("%w: %s attachments", generation.ErrUnsupported, p.MIMEType)
			}
		}
	}
	return nil
}

func imagePart(url string) openai.ChatMessagePart {
	return openai.ChatMessagePart{
		Type:     openai.ChatMessagePartTypeImageURL,
		ImageURL: &openai.ChatMessageImageURL{URL: url},
	}
}

// withRetry retries fn on HTTP 429 with exponential backoff.
func withRetry[T any](ctx context.Context, initial time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := range maxRetries {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if !isRateLimit(err) {
			return zero, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initial) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return zero, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func isRateLimit(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return false
}
