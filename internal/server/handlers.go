package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Aman-CERP/ragindex/internal/errors"
	"github.com/Aman-CERP/ragindex/internal/index"
	"github.com/Aman-CERP/ragindex/internal/store"
	"github.com/Aman-CERP/ragindex/pkg/version"
)

type documentInput struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata store.Metadata `json:"metadata"`
}

type ingestRequest struct {
	Documents []documentInput `json:"documents"`
}

type queryRequest struct {
	Query  string       `json:"query"`
	Limit  int          `json:"limit"`
	Filter store.Filter `json:"filter"`
}

type deleteRequest struct {
	DocID  string       `json:"doc_id"`
	Filter store.Filter `json:"filter"`
}

const defaultQueryLimit = 10

// withCollection opens the collection named in the URL and runs fn while
// holding the server lock. Only writers may create the collection; other
// routes get a 404 for a name that does not exist.
func (s *Server) withCollection(ctx context.Context, name string, create bool, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := s.indexer.OpenExisting
	if create {
		open = s.indexer.Open
	}
	if err := open(ctx, name); err != nil {
		return err
	}
	return fn(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	b := s.indexer.Backend()
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"backend":    string(b.Type()),
		"collection": b.Collection(),
		"version":    version.Version,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := s.indexer.Metrics()
	if m == nil {
		s.respondError(w, errors.New(errors.ErrCodeNotInitialized, "query metrics are disabled", nil))
		return
	}
	s.respondJSON(w, http.StatusOK, m.Snapshot(20))
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, errors.ValidationError("invalid request body", err))
		return
	}
	if len(req.Documents) == 0 {
		s.respondError(w, errors.ValidationError("documents is required", nil))
		return
	}
	docs := make([]index.SourceDocument, len(req.Documents))
	for i, d := range req.Documents {
		docs[i] = index.SourceDocument{ID: d.ID, Text: d.Text, Metadata: d.Metadata}
	}

	var (
		results []index.IngestResult
		total   int
	)
	err := s.withCollection(r.Context(), chi.URLParam(r, "name"), true, func(ctx context.Context) error {
		var err error
		if results, err = s.indexer.IngestAll(ctx, docs); err != nil {
			return err
		}
		total, err = s.indexer.Count(ctx)
		return err
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]any{
		"collection": chi.URLParam(r, "name"),
		"results":    results,
		"total":      total,
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, errors.ValidationError("invalid request body", err))
		return
	}
	if req.Limit <= 0 {
		req.Limit = defaultQueryLimit
	}

	var results []store.QueryResult
	err := s.withCollection(r.Context(), chi.URLParam(r, "name"), false, func(ctx context.Context) error {
		var err error
		results, err = s.indexer.Query(ctx, req.Query, req.Filter, req.Limit)
		return err
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	if results == nil {
		results = []store.QueryResult{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, errors.ValidationError("invalid request body", err))
		return
	}

	var before, after int
	err := s.withCollection(r.Context(), chi.URLParam(r, "name"), false, func(ctx context.Context) error {
		var err error
		if before, err = s.indexer.Count(ctx); err != nil {
			return err
		}
		if req.DocID != "" {
			err = s.indexer.DeleteDocument(ctx, req.DocID)
		} else {
			err = s.indexer.Delete(ctx, req.Filter)
		}
		if err != nil {
			return err
		}
		after, err = s.indexer.Count(ctx)
		return err
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int{"deleted": before - after, "remaining": after})
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var count int
	err := s.withCollection(r.Context(), name, true, func(ctx context.Context) error {
		if err := s.indexer.Backend().ReindexCollection(ctx, name); err != nil {
			return err
		}
		var err error
		count, err = s.indexer.Count(ctx)
		return err
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "reindexed", "count": count})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	var count int
	err := s.withCollection(r.Context(), chi.URLParam(r, "name"), false, func(ctx context.Context) error {
		var err error
		count, err = s.indexer.Count(ctx)
		return err
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	err := s.withCollection(r.Context(), chi.URLParam(r, "name"), false, func(ctx context.Context) error {
		return s.indexer.Backend().ClearCollection(ctx)
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request_failed", errors.LogAttrs(err)...)
	}
	body, jerr := errors.FormatJSON(err)
	if jerr != nil {
		body = []byte(`{"code":"` + errors.ErrCodeInternal + `"}`)
	}
	s.respondJSON(w, status, map[string]json.RawMessage{"error": body})
}

// statusFor maps index error codes onto HTTP status codes.
func statusFor(err error) int {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch errors.GetCode(err) {
	case errors.ErrCodeNotInitialized:
		return http.StatusConflict
	case errors.ErrCodeNoSuchCollection:
		return http.StatusNotFound
	case errors.ErrCodeBackendUnavailable, errors.ErrCodeCollectionLock:
		return http.StatusServiceUnavailable
	case errors.ErrCodeOperationTimeout, errors.ErrCodeNetworkTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrCodeEmbeddingFailed:
		return http.StatusBadGateway
	}
	if errors.GetCategory(err) == errors.CategoryValidation {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
