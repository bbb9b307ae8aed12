// Package api exposes the service over HTTP and MCP.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/friday/internal/auth"
	"github.com/kalambet/friday/internal/orchestrator"
	"github.com/kalambet/friday/internal/speech"
)

const defaultMaxUploadBytes = 32 << 20

// Speaker turns text into audio.
type Speaker interface {
	Speak(ctx context.Context, text string) (speech.Audio, error)
}

// Deps holds what the HTTP handler is built from. Speech and Verifier are
// optional: without a speaker /tts answers 503 and without a verifier the
// session routes are not mounted.
type Deps struct {
	Service        *orchestrator.Service
	Speech         Speaker
	Verifier       auth.Verifier
	MaxUploadBytes int64
	Logger         *slog.Logger
}

// NewHandler returns the service's HTTP API.
func NewHandler(deps Deps) http.Handler {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = defaultMaxUploadBytes
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(deps.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/", handleIndex(deps))
	r.Get("/health", handleHealth)
	r.Post("/api/{model}", handleAsk(deps))
	r.Post("/reasoning", handleReason(deps))
	r.Post("/image_generation", handleImageGeneration(deps))
	r.Get("/images/{id}", handleGetImage(deps))
	r.Post("/analyze_media", handleAnalyzeMedia(deps))
	r.Post("/analyze_media_from_url", handleAnalyzeURLs(deps))
	r.Post("/tts", handleTTS(deps))

	if deps.Verifier != nil {
		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(deps.Verifier))
			r.Post("/sessions", handleCreateSession(deps))
			r.Get("/sessions", handleListSessions(deps))
			r.Get("/sessions/{id}", handleGetSession(deps))
			r.Patch("/sessions/{id}", handlePatchSession(deps))
			r.Get("/sessions/{id}/messages", handleListMessages(deps))
			r.Post("/sessions/{id}/messages", handlePostMessage(deps))
			r.Post("/sessions/{id}/title", handleGenerateTitle(deps))
		})
	}

	return r
}

var publicRoutes = []string{
	"GET /health",
	"POST /api/{model}",
	"POST /reasoning",
	"POST /image_generation",
	"GET /images/{id}",
	"POST /analyze_media",
	"POST /analyze_media_from_url",
	"POST /tts",
}

var sessionRoutes = []string{
	"POST /sessions",
	"GET /sessions",
	"GET /sessions/{id}",
	"PATCH /sessions/{id}",
	"GET /sessions/{id}/messages",
	"POST /sessions/{id}/messages",
	"POST /sessions/{id}/title",
}

type indexResponse struct {
	Status          string            `json:"status"`
	Message         string            `json:"message"`
	AvailableModels map[string]string `json:"available_models"`
	Routes          []string          `json:"routes"`
}

func handleIndex(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models := make(map[string]string)
		for _, m := range deps.Service.Catalog().Models() {
			models[m.ID] = m.Capabilities.Label()
		}
		routes := append([]string(nil), publicRoutes...)
		if deps.Verifier != nil {
			routes = append(routes, sessionRoutes...)
		}
		writeJSON(w, http.StatusOK, indexResponse{
			Status:          "ok",
			Message:         "API is running",
			AvailableModels: models,
			Routes:          routes,
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
