package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/kalambet/friday/internal/orchestrator"
)

// multipartMemory is how much of a multipart body is held in memory before
// spilling to temporary files.
const multipartMemory = 8 << 20

func handleAnalyzeMedia(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadBytes)
		defer r.Body.Close()

		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, "upload exceeds %d bytes", tooLarge.Limit)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid multipart form: %v", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		headers := r.MultipartForm.File["files"]
		if len(headers) == 0 {
			httpError(w, http.StatusBadRequest, "no files uploaded")
			return
		}
		files := make([]orchestrator.File, 0, len(headers))
		for _, fh := range headers {
			f, err := readUpload(fh)
			if err != nil {
				httpError(w, http.StatusBadRequest, "%v", err)
				return
			}
			files = append(files, f)
		}

		res, err := deps.Service.AnalyzeMedia(r.Context(), orchestrator.MediaInput{
			Files:  files,
			Prompt: r.FormValue("prompt"),
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func readUpload(fh *multipart.FileHeader) (orchestrator.File, error) {
	f, err := fh.Open()
	if err != nil {
		return orchestrator.File{}, fmt.Errorf("opening %s: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return orchestrator.File{}, fmt.Errorf("reading %s: %w", fh.Filename, err)
	}
	mimeType := fh.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	return orchestrator.File{Name: fh.Filename, MIMEType: mimeType, Data: data}, nil
}

type analyzeURLsRequest struct {
	URLs   []string `json:"urls"`
	Prompt string   `json:"prompt"`
}

func handleAnalyzeURLs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req analyzeURLsRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if len(req.URLs) == 0 {
			httpError(w, http.StatusBadRequest, "urls must be a non-empty list")
			return
		}
		res, err := deps.Service.AnalyzeMedia(r.Context(), orchestrator.MediaInput{
			URLs:   req.URLs,
			Prompt: req.Prompt,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type ttsRequest struct {
	Text string `json:"text"`
}

func handleTTS(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Speech == nil {
			httpError(w, http.StatusServiceUnavailable, "text to speech is not configured")
			return
		}
		var req ttsRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		audio, err := deps.Speech.Speak(r.Context(), req.Text)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", audio.Filename()))
		w.Write(audio.Data)
	}
}
