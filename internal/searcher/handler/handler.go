// Package handler exposes the search, document, and cache admin endpoints.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aapais/kbsearch/internal/indexer"
	"github.com/aapais/kbsearch/internal/indexer/index"
	"github.com/aapais/kbsearch/internal/ingestion"
	"github.com/aapais/kbsearch/internal/searcher"
	pkgerrors "github.com/aapais/kbsearch/pkg/errors"
	"github.com/aapais/kbsearch/pkg/logger"
)

type Handler struct {
	searcher *searcher.Searcher
	engine   *indexer.Engine
	applier  *ingestion.Applier
	logger   *slog.Logger
}

func New(s *searcher.Searcher, engine *indexer.Engine, applier *ingestion.Applier) *Handler {
	return &Handler{
		searcher: s,
		engine:   engine,
		applier:  applier,
		logger:   slog.Default().With("component", "search-handler"),
	}
}

// Register attaches all routes to the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/search", h.Search)
	mux.HandleFunc("GET /api/v1/search/count", h.Count)
	mux.HandleFunc("GET /api/v1/documents/{id}", h.GetDocument)
	mux.HandleFunc("PUT /api/v1/documents/{id}", h.UpsertDocument)
	mux.HandleFunc("DELETE /api/v1/documents/{id}", h.DeleteDocument)
	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.CacheInvalidate)
	mux.HandleFunc("POST /api/v1/index/verify", h.VerifyIndex)
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)

	// An absent or blank q is an ordinary empty query, not a client error.
	query := r.URL.Query().Get("q")

	opts, ok := h.parseOptions(w, r)
	if !ok {
		return
	}

	resp := h.searcher.Search(ctx, query, opts)
	log.Info("search completed",
		"query", query,
		"total_hits", resp.TotalHits,
		"returned", len(resp.Results),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Count(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	n, err := h.searcher.Count(r.Context(), query)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrQuerySyntax) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("count failed", "query", query, "error", err)
		h.writeError(w, http.StatusInternalServerError, "count failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"totalHits": n})
}

func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	doc, ok := h.engine.Document(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "document not found")
		return
	}
	h.writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) UpsertDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var doc index.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid document body")
		return
	}
	if doc.ID == "" {
		doc.ID = id
	}
	if doc.ID != id {
		h.writeError(w, http.StatusBadRequest, "document id does not match URL")
		return
	}

	if err := h.applier.Upsert(r.Context(), doc); err != nil {
		h.writeAppError(w, err, "upsert failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "indexed", "id": doc.ID})
}

func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.applier.Delete(r.Context(), id); err != nil {
		h.writeAppError(w, err, "delete failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"layers": h.searcher.CacheStats()})
}

// CacheInvalidate flushes everything, or only entries derived from one
// document when docId is given.
func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if docID := r.URL.Query().Get("docId"); docID != "" {
		dropped := h.searcher.InvalidateDocument(r.Context(), docID)
		h.writeJSON(w, http.StatusOK, map[string]any{"status": "invalidated", "entries": dropped})
		return
	}
	h.searcher.FlushCache(r.Context())
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

// VerifyIndex checks index invariants and kicks off recovery when they do
// not hold.
func (h *Handler) VerifyIndex(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Verify(); err != nil {
		h.logger.Error("index verification failed", "error", err)
		go h.engine.RecoverConsistency()
		h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "rebuilding"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "consistent"})
}

func (h *Handler) parseOptions(w http.ResponseWriter, r *http.Request) (searcher.Options, bool) {
	var opts searcher.Options
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return opts, false
		}
		opts.Limit = parsed
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		parsed, err := strconv.Atoi(offsetStr)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return opts, false
		}
		opts.Offset = parsed
	}
	return opts, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) writeAppError(w http.ResponseWriter, err error, fallback string) {
	status := pkgerrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(fallback, "error", err)
		h.writeError(w, status, fallback)
		return
	}
	h.writeError(w, status, err.Error())
}
