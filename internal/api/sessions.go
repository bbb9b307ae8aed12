package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/friday/internal/composer"
	"github.com/kalambet/friday/internal/history"
	"github.com/kalambet/friday/internal/orchestrator"
)

type createSessionRequest struct {
	Model string `json:"model"`
}

func handleCreateSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createSessionRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if _, err := deps.Service.Catalog().Lookup(req.Model); err != nil {
			writeError(w, r, err)
			return
		}
		sess, err := deps.Service.History().CreateSession(r.Context(), req.Model, principalOf(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	}
}

func handleListSessions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions, err := deps.Service.History().ListSessions(r.Context(), principalOf(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if sessions == nil {
			sessions = []history.Session{}
		}
		writeJSON(w, http.StatusOK, sessions)
	}
}

// readableSession loads the session named in the URL. Sessions the caller
// may not read are reported as missing.
func readableSession(deps Deps, r *http.Request) (history.Session, error) {
	id := chi.URLParam(r, "id")
	sess, err := deps.Service.History().Session(r.Context(), id)
	if err != nil {
		return history.Session{}, err
	}
	if !orchestrator.CanRead(sess, principalOf(r)) {
		return history.Session{}, fmt.Errorf("%w: %s", history.ErrSessionNotFound, id)
	}
	return sess, nil
}

func handleGetSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := readableSession(deps, r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

type patchSessionRequest struct {
	Title      *string             `json:"title"`
	Visibility *history.Visibility `json:"visibility"`
}

func handlePatchSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req patchSessionRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Title == nil && req.Visibility == nil {
			httpError(w, http.StatusBadRequest, "title or visibility is required")
			return
		}

		id := chi.URLParam(r, "id")
		hist := deps.Service.History()
		unlock, err := hist.Lock(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		defer unlock()

		sess, err := hist.Session(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !orchestrator.CanWrite(sess, principalOf(r)) {
			writeError(w, r, fmt.Errorf("%w: %s", history.ErrSessionNotFound, id))
			return
		}
		if req.Title != nil {
			if sess, err = hist.Rename(r.Context(), id, *req.Title); err != nil {
				writeError(w, r, err)
				return
			}
		}
		if req.Visibility != nil {
			if sess, err = hist.SetVisibility(r.Context(), id, *req.Visibility); err != nil {
				writeError(w, r, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

func handleListMessages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := readableSession(deps, r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		msgs, err := deps.Service.History().History(r.Context(), sess.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if msgs == nil {
			msgs = []history.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

type postMessageRequest struct {
	Question string `json:"question"`
	Model    string `json:"model,omitempty"`
	composer.Params
}

func handlePostMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req postMessageRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		res, err := deps.Service.SessionMessage(r.Context(), orchestrator.SessionInput{
			SessionID: chi.URLParam(r, "id"),
			Principal: principalOf(r),
			Model:     req.Model,
			Question:  req.Question,
			Params:    req.Params,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleGenerateTitle(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Service.GenerateTitle(r.Context(), chi.URLParam(r, "id"), principalOf(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
