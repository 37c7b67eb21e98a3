package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/asknote/asknote"
	"github.com/asknote/asknote/chunker"
)

type handler struct {
	engine asknote.Engine
}

func newHandler(e asknote.Engine) *handler {
	return &handler{engine: e}
}

// POST /ingest
// Accepts a multipart file upload, or JSON with either a file path or raw
// text under a source identifier.
func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	// Try multipart upload first
	if err := r.ParseMultipartForm(100 << 20); err == nil { // 100MB max
		file, header, err := r.FormFile("file")
		if err == nil {
			defer file.Close()

			// Sanitise filename to prevent path traversal.
			safeName := filepath.Base(header.Filename)

			tmpPath := filepath.Join(os.TempDir(), safeName)
			dst, err := os.Create(tmpPath)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to process file")
				slog.Error("creating temp file", "error", err)
				return
			}
			if _, err := io.Copy(dst, file); err != nil {
				dst.Close()
				writeError(w, http.StatusInternalServerError, "failed to save file")
				slog.Error("saving uploaded file", "error", err)
				return
			}
			dst.Close()
			defer os.Remove(tmpPath)

			docID, err := h.engine.IngestFile(ctx, tmpPath)
			if err != nil {
				writeIngestError(w, err)
				return
			}

			writeJSON(w, http.StatusOK, map[string]interface{}{
				"document_id": docID,
				"filename":    safeName,
			})
			return
		}
	}

	// JSON body: either a file path or raw text.
	var req struct {
		Path        string `json:"path,omitempty"`
		SourceID    string `json:"source_id,omitempty"`
		Title       string `json:"title,omitempty"`
		Text        string `json:"text,omitempty"`
		Force       bool   `json:"force,omitempty"`
		ContentType string `json:"content_type,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: expected multipart file or JSON with 'path' or 'text'")
		return
	}

	var opts []asknote.IngestOption
	if req.Force {
		opts = append(opts, asknote.WithForceReingest())
	}

	if req.Text != "" {
		if req.SourceID == "" {
			writeError(w, http.StatusBadRequest, "source_id is required when ingesting text")
			return
		}
		if req.ContentType != "" {
			opts = append(opts, asknote.WithContentType(chunker.ContentType(req.ContentType)))
		}
		docID, err := h.engine.IngestText(ctx, req.SourceID, req.Title, req.Text, opts...)
		if err != nil {
			writeIngestError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"document_id": docID,
			"source_id":   req.SourceID,
		})
		return
	}

	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path or text is required")
		return
	}

	// Validate that path is a real file (prevents directory traversal probing).
	absPath, err := filepath.Abs(req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(absPath)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusBadRequest, "path must be an existing file")
		return
	}

	docID, err := h.engine.IngestFile(ctx, absPath, opts...)
	if err != nil {
		writeIngestError(w, err)
		slog.Error("ingest error", "path", absPath, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document_id": docID,
		"path":        absPath,
	})
}

// POST /ask
func (h *handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req struct {
		Question string `json:"question"`
		Session  string `json:"session,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	var opts []asknote.AskOption
	if req.Session != "" {
		opts = append(opts, asknote.WithSession(req.Session))
	}

	answer, err := h.engine.Ask(ctx, req.Question, opts...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ask failed")
		slog.Error("ask error", "question", req.Question, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, answer)
}

// POST /search
func (h *handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	var req struct {
		Query    string  `json:"query"`
		Keyword  bool    `json:"keyword,omitempty"`
		Limit    int     `json:"limit,omitempty"`
		MinScore float64 `json:"min_score,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	// Bound parameters.
	if req.Limit < 0 || req.Limit > 100 {
		req.Limit = 0 // use default
	}

	var opts []asknote.SearchOption
	if req.Keyword {
		opts = append(opts, asknote.WithKeyword())
	}
	if req.Limit > 0 {
		opts = append(opts, asknote.WithLimit(req.Limit))
	}
	if req.MinScore > 0 {
		opts = append(opts, asknote.WithMinScore(req.MinScore))
	}

	results, err := h.engine.Search(ctx, req.Query, opts...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search failed")
		slog.Error("search error", "query", req.Query, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
	})
}

// POST /flush
func (h *handler) handleFlush(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()

	if err := h.engine.Flush(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "flush failed")
		slog.Error("flush error", "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

// DELETE /documents/{id}
func (h *handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	idStr := r.PathValue("id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}

	if err := h.engine.Delete(r.Context(), id); err != nil {
		if errors.Is(err, asknote.ErrDocumentNotFound) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "delete failed")
		slog.Error("delete error", "document_id", id, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GET /documents
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.engine.ListDocuments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		slog.Error("list documents error", "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"documents": docs,
	})
}

// GET /stats
func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read stats")
		slog.Error("stats error", "error", err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// writeIngestError maps engine ingestion failures onto HTTP statuses.
func writeIngestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, asknote.ErrEmptyContent):
		writeError(w, http.StatusBadRequest, "content is empty")
	case errors.Is(err, asknote.ErrUnsupportedFormat):
		writeError(w, http.StatusBadRequest, "unsupported file format")
	default:
		writeError(w, http.StatusInternalServerError, "ingestion failed")
		slog.Error("ingest error", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf("%s", msg)})
}
