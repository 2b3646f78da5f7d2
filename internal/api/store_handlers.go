package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"planner/internal/database"
	"planner/internal/models"
)

func (s *HTTPServer) registerStoreRoutes(mux *http.ServeMux) {
	mux.HandleFunc("PUT /api/v1/cache/{key}", s.handleCachePut)
	mux.HandleFunc("GET /api/v1/cache/{key}", s.handleCacheGet)
	mux.HandleFunc("PUT /api/v1/entities/{collection}/{id}", s.handleEntityPut)
	mux.HandleFunc("GET /api/v1/entities/{collection}/{id}", s.handleEntityGet)
	mux.HandleFunc("DELETE /api/v1/entities/{collection}/{id}", s.handleEntityDelete)
	mux.HandleFunc("GET /api/v1/entities/{collection}", s.handleEntityList)
}

// handleCachePut stores the raw request body. ?ttl=10m sets an expiry.
func (s *HTTPServer) handleCachePut(w http.ResponseWriter, r *http.Request) {
	var ttl time.Duration
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid ttl")
			return
		}
		ttl = parsed
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 4<<20))
	if err != nil || !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "body must be JSON")
		return
	}

	if err := s.store.PutCachedResponse(r.Context(), r.PathValue("key"), body, ttl); err != nil {
		s.logger.Error().Err(err).Msg("cache put failed")
		writeError(w, http.StatusInternalServerError, "failed to cache response")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	resp, err := s.store.GetCachedResponse(r.Context(), r.PathValue("key"))
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not cached")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read cache")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cached-At", resp.StoredAt.UTC().Format(time.RFC3339))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Body)
}

type entityRequest struct {
	UserID    string          `json:"user_id"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (s *HTTPServer) handleEntityPut(w http.ResponseWriter, r *http.Request) {
	var body entityRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if len(body.Data) == 0 {
		body.Data = json.RawMessage("null")
	}

	e := &models.LocalEntity{
		Collection: r.PathValue("collection"),
		ID:         r.PathValue("id"),
		UserID:     body.UserID,
		Data:       body.Data,
		UpdatedAt:  body.UpdatedAt,
	}
	if err := s.store.PutEntity(r.Context(), e); err != nil {
		s.logger.Error().Err(err).Str("collection", e.Collection).Msg("entity put failed")
		writeError(w, http.StatusInternalServerError, "failed to store entity")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *HTTPServer) handleEntityGet(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.GetEntity(r.Context(), r.PathValue("collection"), r.PathValue("id"))
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read entity")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *HTTPServer) handleEntityDelete(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteEntity(r.Context(), r.PathValue("collection"), r.PathValue("id"))
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "failed to delete entity")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleEntityList(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	entities, err := s.store.ListEntitiesByUser(r.Context(), r.PathValue("collection"), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list entities")
		return
	}
	if entities == nil {
		entities = []models.LocalEntity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}
