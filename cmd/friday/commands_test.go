package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/friday/internal/config"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"session not found"}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

func (ts *testServer) lastBody(t *testing.T) map[string]any {
	t.Helper()
	if len(ts.requests) == 0 {
		t.Fatal("no requests recorded")
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[len(ts.requests)-1].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	return body
}

var ctx = context.Background()

func TestAsk(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /api/gemini-2.0-flash": `{"text":"Lima","model_used":"gemini-2.0-flash","status":"ok"}`,
	})

	res, err := ask(ctx, ts.client(), "gemini-2.0-flash", "capital of Peru?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "Lima" {
		t.Errorf("text = %q, want %q", res.Text, "Lima")
	}

	r := ts.requests[0]
	if r.Method != http.MethodPost {
		t.Errorf("method = %q, want POST", r.Method)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	if q := ts.lastBody(t)["question"]; q != "capital of Peru?" {
		t.Errorf("body.question = %v", q)
	}
}

func TestAsk_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ask", "gemini-2.0-flash"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing question")
	}
	if !strings.Contains(err.Error(), "arg") {
		t.Errorf("error = %q, want it to mention args", err.Error())
	}
}

func TestReason_OmitsEmptyModel(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /reasoning": `{"thinking":"add","answer":"4","model_used":"m","status":"ok"}`,
	})

	res, err := reason(ctx, ts.client(), "", "2+2?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Thinking != "add" || res.Answer != "4" {
		t.Errorf("thinking/answer = %q/%q", res.Thinking, res.Answer)
	}
	if _, ok := ts.lastBody(t)["model"]; ok {
		t.Error("body should not carry an empty model")
	}
}

func TestGenerateImageAndDownload(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\nfake")
	ts := newTestServer(t, map[string]string{
		"POST /image_generation": `{"text_response":"","image_ids":["img-1"],"model_used":"m","status":"ok"}`,
		"GET /images/img-1":      `{"id":"img-1","image":"` + base64.StdEncoding.EncodeToString(png) + `","mime_type":"image/png"}`,
	})
	c := ts.client()

	res, err := generateImage(ctx, c, "a cat")
	if err != nil {
		t.Fatalf("generateImage: %v", err)
	}
	if len(res.MediaIDs) != 1 {
		t.Fatalf("image_ids = %v", res.MediaIDs)
	}

	dir := t.TempDir()
	path, err := downloadImage(ctx, c, res.MediaIDs[0], dir)
	if err != nil {
		t.Fatalf("downloadImage: %v", err)
	}
	if filepath.Ext(path) != ".png" {
		t.Errorf("path = %q, want .png extension", path)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading image: %v", err)
	}
	if !bytes.Equal(got, png) {
		t.Errorf("saved %q, want %q", got, png)
	}
}

func TestListModels(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /": `{"status":"ok","available_models":{"gemini-2.0-flash":"with Google Search"}}`,
	})

	models, err := listModels(ctx, ts.client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if models["gemini-2.0-flash"] != "with Google Search" {
		t.Errorf("models = %v", models)
	}
}

func TestSynthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("Content-Disposition", `attachment; filename="tts_en.mp3"`)
		w.Write([]byte("ID3"))
	}))
	defer srv.Close()

	c := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
	out := filepath.Join(t.TempDir(), "hello.mp3")
	path, err := synthesize(ctx, c, "hello", out)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if path != out {
		t.Errorf("path = %q, want %q", path, out)
	}
	if data, _ := os.ReadFile(out); string(data) != "ID3" {
		t.Errorf("file content = %q, want ID3", data)
	}
}

func TestSynthesize_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"text must not be empty"}`))
	}))
	defer srv.Close()

	c := &apiClient{baseURL: srv.URL, httpClient: srv.Client()}
	_, err := synthesize(ctx, c, " ", filepath.Join(t.TempDir(), "x.mp3"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "400") || !strings.Contains(err.Error(), "text must not be empty") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestSendMessage(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /sessions/s-1/messages": `{"answer":"hi back","model_used":"m","message_id":"m-2","status":"ok"}`,
	})

	res, err := sendMessage(ctx, ts.client(), "s-1", "gemini-2.0-flash", "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Answer != "hi back" || res.MessageID != "m-2" {
		t.Errorf("result = %+v", res)
	}
	if m := ts.lastBody(t)["model"]; m != "gemini-2.0-flash" {
		t.Errorf("body.model = %v", m)
	}
}

func TestSendMessage_UnknownSession(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	_, err := sendMessage(ctx, ts.client(), "nope", "", "hi")
	if err == nil {
		t.Fatal("expected error for unknown session")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "session not found") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestPrintOutcome(t *testing.T) {
	old, oldColor := stderr, noColor
	defer func() { stderr, noColor = old, oldColor }()
	var buf bytes.Buffer
	stderr, noColor = &buf, true

	printOutcome("ok", "")
	if buf.Len() != 0 {
		t.Errorf("ok outcome printed %q", buf.String())
	}

	printOutcome("degraded", "", "1 of 2 images stored uncompressed")
	if !strings.Contains(buf.String(), "status: degraded") || !strings.Contains(buf.String(), "uncompressed") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestAPIClient_NoTokenNoHeader(t *testing.T) {
	ts := newTestServer(t, map[string]string{"GET /health": `{"status":"ok"}`})
	c := ts.client()
	c.token = ""

	resp, err := c.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if ts.requests[0].Auth != "" {
		t.Errorf("auth = %q, want empty", ts.requests[0].Auth)
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4000
	cfg.Generation.APIKey = "secret"

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4000" {
			found = true
		}
		if k.Value == "secret" {
			t.Errorf("ShowAll leaked secret under %s", k.Key)
		}
	}
	if !found {
		t.Error("expected to find server.port=4000 in ShowAll output")
	}
}
