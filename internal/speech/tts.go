package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultBaseURL = "https://translate.google.com"
	defaultTimeout = 30 * time.Second
	maxChunkRunes  = 100
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	userAgent      = "Mozilla/5.0 (compatible; friday-tts)"
)

// ErrEmptyText is returned when there is nothing to speak.
var ErrEmptyText = errors.New("text is required")

// Audio is synthesized speech.
type Audio struct {
	Data     []byte
	Language string
}

// Filename is the download name offered to clients.
func (a Audio) Filename() string {
	return "tts_" + a.Language + ".mp3"
}

// Client synthesizes speech through the Google Translate TTS endpoint.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	initialBackoff time.Duration
	logger         *slog.Logger
}

func NewClient() *Client {
	return NewClientWithBaseURL(DefaultBaseURL)
}

// NewClientWithBaseURL points the client at another host (for testing).
func NewClientWithBaseURL(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     &http.Client{Timeout: defaultTimeout},
		initialBackoff: initialBackoff,
		logger:         slog.Default(),
	}
}

// Speak detects the language of text and synthesizes it.
func (c *Client) Speak(ctx context.Context, text string) (Audio, error) {
	if strings.TrimSpace(text) == "" {
		return Audio{}, ErrEmptyText
	}
	lang := DetectLanguage(text)
	data, err := c.Synthesize(ctx, text, lang)
	if err != nil {
		return Audio{}, err
	}
	c.logger.Info("tts audio generated", "lang", lang, "bytes", len(data))
	return Audio{Data: data, Language: lang}, nil
}

// Synthesize voices text in lang. Long text is sent in chunks and the MP3
// frames are concatenated in order.
func (c *Client) Synthesize(ctx context.Context, text, lang string) ([]byte, error) {
	chunks := Chunk(text, maxChunkRunes)
	if len(chunks) == 0 {
		return nil, ErrEmptyText
	}

	var out bytes.Buffer
	for i, chunk := range chunks {
		data, err := c.fetchWithRetry(ctx, chunk, lang, i, len(chunks))
		if err != nil {
			return nil, fmt.Errorf("synthesizing chunk %d/%d: %w", i+1, len(chunks), err)
		}
		out.Write(data)
	}
	return out.Bytes(), nil
}

func (c *Client) fetchWithRetry(ctx context.Context, chunk, lang string, idx, total int) ([]byte, error) {
	var lastErr error
	for attempt := range maxRetries {
		data, err := c.fetch(ctx, chunk, lang, idx, total)
		if err == nil {
			return data, nil
		}
		if !isRateLimit(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(c.initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}

func (c *Client) fetch(ctx context.Context, chunk, lang string, idx, total int) ([]byte, error) {
	q := url.Values{}
	q.Set("ie", "UTF-8")
	q.Set("client", "tw-ob")
	q.Set("tl", lang)
	q.Set("q", chunk)
	q.Set("total", strconv.Itoa(total))
	q.Set("idx", strconv.Itoa(idx))
	q.Set("textlen", strconv.Itoa(utf8.RuneCountInString(chunk)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/translate_tts?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return io.ReadAll(resp.Body)
}

// Chunk splits text into pieces of at most limit runes, breaking at
// whitespace. Words longer than limit are cut.
func Chunk(text string, limit int) []string {
	var (
		chunks []string
		cur    strings.Builder
		n      int
	)
	flush := func() {
		if n > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			n = 0
		}
	}

	for word := range strings.FieldsFuncSeq(text, unicode.IsSpace) {
		runes := []rune(word)
		for len(runes) > limit {
			flush()
			chunks = append(chunks, string(runes[:limit]))
			runes = runes[limit:]
		}
		if len(runes) == 0 {
			continue
		}
		need := len(runes)
		if n > 0 {
			need++
		}
		if n+need > limit {
			flush()
			need = len(runes)
		}
		if n > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(string(runes))
		n += need
	}
	flush()
	return chunks
}
