package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/friday/internal/composer"
	"github.com/kalambet/friday/internal/orchestrator"
)

type askRequest struct {
	Question string `json:"question"`
	composer.Params
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req askRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		res, err := deps.Service.Ask(r.Context(), orchestrator.AskInput{
			Model:    chi.URLParam(r, "model"),
			Question: req.Question,
			Params:   req.Params,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type reasonRequest struct {
	Question string `json:"question"`
	Model    string `json:"model,omitempty"`
	composer.Params
}

func handleReason(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reasonRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		res, err := deps.Service.Reason(r.Context(), orchestrator.ReasonInput{
			Model:    req.Model,
			Question: req.Question,
			Params:   req.Params,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type imageRequest struct {
	Prompt string `json:"prompt"`
	composer.Params
}

func handleImageGeneration(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req imageRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		res, err := deps.Service.GenerateImage(r.Context(), orchestrator.ImageInput{
			Prompt: req.Prompt,
			Params: req.Params,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type imageResponse struct {
	ID        string    `json:"id"`
	Image     string    `json:"image"`
	MIMEType  string    `json:"mime_type"`
	CreatedAt time.Time `json:"created_at"`
}

func handleGetImage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Service.Media().Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, imageResponse{
			ID:        rec.ID,
			Image:     rec.Data,
			MIMEType:  rec.MIMEType,
			CreatedAt: rec.CreatedAt,
		})
	}
}
