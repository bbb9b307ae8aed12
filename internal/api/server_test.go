package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"iter"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/friday/internal/auth"
	"github.com/kalambet/friday/internal/catalog"
	"github.com/kalambet/friday/internal/composer"
	"github.com/kalambet/friday/internal/decoder"
	"github.com/kalambet/friday/internal/generation"
	"github.com/kalambet/friday/internal/history"
	"github.com/kalambet/friday/internal/media"
	"github.com/kalambet/friday/internal/orchestrator"
	"github.com/kalambet/friday/internal/speech"
	"github.com/kalambet/friday/internal/storage"
)

// --- mocks ---

type mockBackend struct {
	mu        sync.Mutex
	fragments []*decoder.Fragment
	err       error
	uploads   int
}

func (m *mockBackend) Generate(_ context.Context, _ composer.Request) (*decoder.Fragment, error) {
	if m.err != nil {
		return nil, m.err
	}
	var merged decoder.Fragment
	for _, fr := range m.fragments {
		merged.Parts = append(merged.Parts, fr.Parts...)
	}
	return &merged, nil
}

func (m *mockBackend) GenerateStream(_ context.Context, _ composer.Request) iter.Seq2[*decoder.Fragment, error] {
	if m.err != nil {
		return func(yield func(*decoder.Fragment, error) bool) { yield(nil, m.err) }
	}
	return decoder.Slice(m.fragments...)
}

func (m *mockBackend) UploadFile(_ context.Context, _ []byte, mimeType string) (generation.FileRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := fmt.Sprintf("files/%d", m.uploads)
	m.uploads++
	return generation.FileRef{Name: name, URI: "https://files.test/" + name, MIMEType: mimeType}, nil
}

func (m *mockBackend) DeleteFile(_ context.Context, _ generation.FileRef) error {
	return nil
}

type mockSpeaker struct{}

func (mockSpeaker) Speak(_ context.Context, text string) (speech.Audio, error) {
	if strings.TrimSpace(text) == "" {
		return speech.Audio{}, speech.ErrEmptyText
	}
	return speech.Audio{Data: []byte("ID3audio"), Language: "en"}, nil
}

// --- helpers ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func textFrag(s string) *decoder.Fragment {
	return &decoder.Fragment{Parts: []decoder.Part{{Kind: decoder.KindText, Text: s}}}
}

func thinkingFrag(s string) *decoder.Fragment {
	return &decoder.Fragment{Parts: []decoder.Part{{Kind: decoder.KindThinking, Text: s}}}
}

func imageFrag(data []byte) *decoder.Fragment {
	return &decoder.Fragment{Parts: []decoder.Part{{Kind: decoder.KindBinary, Data: data, MIMEType: "image/png"}}}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	img.Set(3, 3, color.RGBA{G: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

const (
	aliceToken = "alice-token"
	bobToken   = "bob-token"
)

type testServer struct {
	handler http.Handler
	backend *mockBackend
	svc     *orchestrator.Service
}

func newTestServer(t *testing.T, fragments ...*decoder.Fragment) *testServer {
	t.Helper()
	docs, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { docs.Close() })

	backend := &mockBackend{fragments: fragments}
	svc, err := orchestrator.New(orchestrator.Deps{
		Backend:  backend,
		Catalog:  catalog.NewDefault(),
		Composer: composer.New(composer.DefaultSettings()),
		Media:    media.NewStore(docs, media.DefaultOptions()),
		History:  history.NewManager(docs),
	}, orchestrator.Config{})
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}

	h := NewHandler(Deps{
		Service:  svc,
		Speech:   mockSpeaker{},
		Verifier: auth.NewStatic(map[string]string{aliceToken: "alice", bobToken: "bob"}),
		Logger:   discardLogger(),
	})
	return &testServer{handler: h, backend: backend, svc: svc}
}

func (ts *testServer) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response %q: %v", rr.Body.String(), err)
	}
	return v
}

func assertError(t *testing.T, rr *httptest.ResponseRecorder, code int) {
	t.Helper()
	if rr.Code != code {
		t.Fatalf("status = %d, want %d (body %s)", rr.Code, code, rr.Body.String())
	}
	body := decodeBody[map[string]string](t, rr)
	if body["error"] == "" {
		t.Errorf("error body = %v, want non-empty error", body)
	}
}

// --- tests ---

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	body := decodeBody[map[string]string](t, rr)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestIndex(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	body := decodeBody[indexResponse](t, rr)
	if body.Status != "ok" || body.Message != "API is running" {
		t.Errorf("status/message = %q/%q", body.Status, body.Message)
	}
	if got := body.AvailableModels[catalog.ImageModel]; got != "image generation" {
		t.Errorf("label for %s = %q, want %q", catalog.ImageModel, got, "image generation")
	}
	if len(body.AvailableModels) != len(ts.svc.Catalog().Models()) {
		t.Errorf("listed %d models, want %d", len(body.AvailableModels), len(ts.svc.Catalog().Models()))
	}
	found := false
	for _, r := range body.Routes {
		if r == "POST /sessions/{id}/messages" {
			found = true
		}
	}
	if !found {
		t.Errorf("routes = %v, want session routes listed", body.Routes)
	}
}

func TestAsk(t *testing.T) {
	ts := newTestServer(t, textFrag("4"))
	rr := ts.do(t, http.MethodPost, "/api/gemini-2.0-flash-lite", "", `{"question":"2+2?","temperature":0.2}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rr.Code, http.StatusOK, rr.Body.String())
	}
	res := decodeBody[orchestrator.AskResult](t, rr)
	if res.Text != "4" {
		t.Errorf("text = %q, want %q", res.Text, "4")
	}
	if res.ModelUsed != "gemini-2.0-flash-lite" {
		t.Errorf("model_used = %q", res.ModelUsed)
	}
	if res.Status != orchestrator.StatusOK {
		t.Errorf("status = %q, want ok", res.Status)
	}
}

func TestAsk_Errors(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
		err  error
		want int
	}{
		{"missing question", "/api/gemini-2.0-flash-lite", `{}`, nil, http.StatusBadRequest},
		{"malformed json", "/api/gemini-2.0-flash-lite", `{"question":`, nil, http.StatusBadRequest},
		{"unknown model", "/api/gpt-9", `{"question":"hi"}`, nil, http.StatusBadRequest},
		{"upstream failure", "/api/gemini-2.0-flash-lite", `{"question":"hi"}`, errors.New("boom"), http.StatusBadGateway},
		{"too large", "/api/gemini-2.0-flash-lite", `{"question":"` + strings.Repeat("a", maxRequestBodySize) + `"}`, nil, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, textFrag("ok"))
			ts.backend.err = tt.err
			rr := ts.do(t, http.MethodPost, tt.path, "", tt.body)
			assertError(t, rr, tt.want)
		})
	}
}

func TestReason(t *testing.T) {
	ts := newTestServer(t, thinkingFrag("add the numbers"), textFrag("4"))
	rr := ts.do(t, http.MethodPost, "/reasoning", "", `{"question":"2+2?"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rr.Code, http.StatusOK, rr.Body.String())
	}
	res := decodeBody[orchestrator.ReasonResult](t, rr)
	if res.Thinking != "add the numbers" || res.Answer != "4" {
		t.Errorf("thinking/answer = %q/%q", res.Thinking, res.Answer)
	}
	if res.ModelUsed != catalog.DefaultReasoningModel {
		t.Errorf("model_used = %q, want %q", res.ModelUsed, catalog.DefaultReasoningModel)
	}
}

func TestReason_PlainModelRejected(t *testing.T) {
	ts := newTestServer(t, textFrag("4"))
	rr := ts.do(t, http.MethodPost, "/reasoning", "", `{"question":"2+2?","model":"gemini-2.0-flash-lite"}`)
	assertError(t, rr, http.StatusBadRequest)
}

func TestImageGeneration_StoredAndFetchable(t *testing.T) {
	ts := newTestServer(t, textFrag("here you go"), imageFrag(pngBytes(t)))
	rr := ts.do(t, http.MethodPost, "/image_generation", "", `{"prompt":"a green dot"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rr.Code, http.StatusOK, rr.Body.String())
	}
	res := decodeBody[orchestrator.ImageResult](t, rr)
	if len(res.MediaIDs) != 1 {
		t.Fatalf("image_ids = %v, want 1 id", res.MediaIDs)
	}
	if res.TextResponse != "here you go" {
		t.Errorf("text_response = %q", res.TextResponse)
	}

	rr = ts.do(t, http.MethodGet, "/images/"+res.MediaIDs[0], "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("GET image status = %d, want %d", rr.Code, http.StatusOK)
	}
	img := decodeBody[imageResponse](t, rr)
	if img.ID != res.MediaIDs[0] || img.Image == "" {
		t.Errorf("image = %+v", img)
	}
	if !strings.HasPrefix(img.MIMEType, "image/") {
		t.Errorf("mime_type = %q, want image/*", img.MIMEType)
	}
}

func TestGetImage_NotFound(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/images/missing", "", "")
	assertError(t, rr, http.StatusNotFound)
}

func multipartBody(t *testing.T, prompt string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, data := range files {
		fw, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		fw.Write(data)
	}
	if prompt != "" {
		mw.WriteField("prompt", prompt)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("closing multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func postMultipart(ts *testServer, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/analyze_media", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func TestAnalyzeMedia(t *testing.T) {
	ts := newTestServer(t, textFrag("a green dot"))
	body, ct := multipartBody(t, "describe", map[string][]byte{"dot.png": pngBytes(t)})

	rr := postMultipart(ts, body, ct)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rr.Code, http.StatusOK, rr.Body.String())
	}
	res := decodeBody[orchestrator.AnalysisResult](t, rr)
	if res.Text != "a green dot" {
		t.Errorf("text = %q", res.Text)
	}
	if res.ModelUsed != catalog.MediaModel {
		t.Errorf("model_used = %q, want %q", res.ModelUsed, catalog.MediaModel)
	}
	if ts.backend.uploads != 1 {
		t.Errorf("uploads = %d, want 1", ts.backend.uploads)
	}
}

func TestAnalyzeMedia_NoFiles(t *testing.T) {
	ts := newTestServer(t, textFrag("x"))
	body, ct := multipartBody(t, "describe", nil)
	assertError(t, postMultipart(ts, body, ct), http.StatusBadRequest)
}

func TestAnalyzeMedia_UploadTooLarge(t *testing.T) {
	ts := newTestServer(t, textFrag("x"))
	ts.handler = NewHandler(Deps{Service: ts.svc, MaxUploadBytes: 1024, Logger: discardLogger()})
	body, ct := multipartBody(t, "", map[string][]byte{"big.bin": bytes.Repeat([]byte{1}, 4096)})
	assertError(t, postMultipart(ts, body, ct), http.StatusRequestEntityTooLarge)
}

func TestAnalyzeURLs(t *testing.T) {
	ts := newTestServer(t, textFrag("a talk about Go"))
	rr := ts.do(t, http.MethodPost, "/analyze_media_from_url", "", `{"urls":["https://youtu.be/abc"],"prompt":"summarize"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rr.Code, http.StatusOK, rr.Body.String())
	}
	res := decodeBody[orchestrator.AnalysisResult](t, rr)
	if res.Text != "a talk about Go" {
		t.Errorf("text = %q", res.Text)
	}
	if ts.backend.uploads != 0 {
		t.Errorf("uploads = %d, want 0 for a YouTube link", ts.backend.uploads)
	}
}

func TestAnalyzeURLs_EmptyList(t *testing.T) {
	ts := newTestServer(t)
	assertError(t, ts.do(t, http.MethodPost, "/analyze_media_from_url", "", `{"urls":[]}`), http.StatusBadRequest)
}

func TestTTS(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodPost, "/tts", "", `{"text":"hello there"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rr.Code, http.StatusOK, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("Content-Type = %q, want audio/mpeg", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "tts_en.mp3") {
		t.Errorf("Content-Disposition = %q, want tts_en.mp3", cd)
	}
	if rr.Body.String() != "ID3audio" {
		t.Errorf("body = %q", rr.Body.String())
	}
}

func TestTTS_EmptyText(t *testing.T) {
	ts := newTestServer(t)
	assertError(t, ts.do(t, http.MethodPost, "/tts", "", `{"text":"  "}`), http.StatusBadRequest)
}

func TestTTS_NotConfigured(t *testing.T) {
	ts := newTestServer(t)
	ts.handler = NewHandler(Deps{Service: ts.svc, Logger: discardLogger()})
	assertError(t, ts.do(t, http.MethodPost, "/tts", "", `{"text":"hi"}`), http.StatusServiceUnavailable)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", orchestrator.ErrInvalidRequest), http.StatusBadRequest},
		{fmt.Errorf("%w: x", catalog.ErrUnknownModel), http.StatusBadRequest},
		{orchestrator.ErrUnsupportedModel, http.StatusBadRequest},
		{fmt.Errorf("%w: %w", orchestrator.ErrUnsupportedModel, generation.ErrUnsupported), http.StatusBadRequest},
		{fmt.Errorf("%w: %w", orchestrator.ErrInvalidRequest, orchestrator.ErrFetch), http.StatusBadRequest},
		{auth.ErrInvalidToken, http.StatusUnauthorized},
		{fmt.Errorf("%w: s1", history.ErrSessionNotFound), http.StatusNotFound},
		{storage.ErrNotFound, http.StatusNotFound},
		{&http.MaxBytesError{Limit: 10}, http.StatusRequestEntityTooLarge},
		{fmt.Errorf("%w: timeout", orchestrator.ErrUpstream), http.StatusBadGateway},
		{media.ErrStorageUnavailable, http.StatusBadGateway},
		{errors.New("surprise"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
