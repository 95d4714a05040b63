package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ahalverson/docmill/internal/pipeline"
	"github.com/ahalverson/docmill/internal/store"
)

// maxUploadBytes caps document uploads at 512 MiB.
const maxUploadBytes = 512 << 20

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("POST /documents", s.handleUpload)
	mux.HandleFunc("GET /documents/{id}", s.handleStatus)
	mux.HandleFunc("GET /documents/{id}/pages", s.handlePages)
	mux.HandleFunc("POST /documents/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /documents/{id}/retry", s.handleRetry)
	mux.HandleFunc("GET /search", s.handleSearch)
}

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// handleReady returns readiness including database health.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.services.Store.DB().PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Store: "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Store: "ok"})
}

type uploadResponse struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
}

// handleUpload accepts a multipart PDF upload, ingests it, and enqueues
// processing.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing multipart field 'file'")
		return
	}
	defer file.Close()

	// Stage the upload so the pipeline's hash-based dedup path applies.
	tmp, err := os.CreateTemp("", "docmill-upload-*.pdf")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	tmp.Close()

	if name := filepath.Base(header.Filename); name != "" && name != "." {
		renamed := filepath.Join(filepath.Dir(tmpPath), name)
		if os.Rename(tmpPath, renamed) == nil {
			defer os.Remove(renamed)
			tmpPath = renamed
		}
	}

	doc, err := s.services.Pipeline.Ingest(r.Context(), tmpPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if !doc.Status.Terminal() && doc.Status != store.DocProcessing {
		if err := s.services.Pipeline.ProcessDocument(r.Context(), doc.ID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusAccepted, uploadResponse{DocumentID: doc.ID, Status: string(doc.Status)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	progress, err := s.services.Pipeline.Progress(r.Context(), r.PathValue("id"))
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

type pageSummary struct {
	PageNumber int      `json:"page_number"`
	Status     string   `json:"status"`
	Strategy   string   `json:"strategy,omitempty"`
	EdgeCases  []string `json:"edge_cases,omitempty"`
	Error      string   `json:"error,omitempty"`
}

func (s *Server) handlePages(w http.ResponseWriter, r *http.Request) {
	pages, err := s.services.Store.ListPages(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]pageSummary, 0, len(pages))
	for _, pg := range pages {
		summary := pageSummary{
			PageNumber: pg.PageNumber,
			Status:     string(pg.Status),
			Strategy:   pg.ResourceStrategy,
			Error:      pg.ProcessingError,
		}
		if pg.EdgeCases != "" {
			summary.EdgeCases = strings.Split(pg.EdgeCases, ",")
		}
		out = append(out, summary)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.services.Pipeline.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type retryResponse struct {
	PagesRequeued int `json:"pages_requeued"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	n, err := s.services.Pipeline.RetryFailedPages(r.Context(), r.PathValue("id"))
	if err != nil {
		writePipelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, retryResponse{PagesRequeued: n})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter 'q'")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	hits, err := s.services.Index.Search(r.Context(), query, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, hits)
}

func writePipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrNotCancellable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
