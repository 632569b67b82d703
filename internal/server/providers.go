package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/howard-nolan/llmgateway/internal/catalog"
	"github.com/howard-nolan/llmgateway/internal/provider"
)

type providerView struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	DefaultModel string `json:"default_model,omitempty"`
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	entries := s.Registry.Entries()
	out := make([]providerView, 0, len(entries))
	for _, id := range s.Registry.IDs() {
		e, ok := entries[id]
		if !ok {
			continue
		}
		out = append(out, providerView{
			ID:           id,
			Type:         e.Config.Type,
			DefaultModel: provider.DefaultModel(e.Config),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (s *Server) handleProvidersHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Registry.HealthCheckAll(r.Context()))
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.Reload == nil {
		writeError(w, http.StatusNotImplemented, "reload is not configured")
		return
	}
	n, err := s.Reload(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": n})
}

// handleListModels serves GET /v1/models. ?refresh=true bypasses the
// catalog TTL.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	models := s.Catalog.ListAll(r.Context(), refresh)

	total := 0
	for _, ms := range models {
		total += len(ms)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models": models,
		"total":  total,
	})
}

func (s *Server) handleSearchModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	results := s.Catalog.Search(r.Context(), q)
	if results == nil {
		results = []catalog.SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   q,
		"results": results,
	})
}

func (s *Server) handleProviderModels(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	models, err := s.Catalog.Models(r.Context(), id, refresh)
	if err != nil {
		writeErr(w, err)
		return
	}
	if models == nil {
		models = []provider.ModelInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider": id, "models": models})
}

// handleProviderModel serves both
//
//	GET /v1/providers/{id}/models/{model}
//	GET /v1/providers/{id}/models/{model}/config-schema
func (s *Server) handleProviderModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rest := chi.URLParam(r, "*")

	if model, ok := strings.CutSuffix(rest, "/config-schema"); ok && model != "" {
		s.handleConfigSchema(w, r, id, model)
		return
	}
	if rest == "" {
		writeError(w, http.StatusBadRequest, "model id is required")
		return
	}

	info, err := s.Catalog.Model(r.Context(), id, rest)
	if err != nil {
		writeErr(w, err)
		return
	}
	if info == nil {
		writeError(w, http.StatusNotFound, "model "+rest+" not found on provider "+id)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleConfigSchema(w http.ResponseWriter, r *http.Request, id, model string) {
	entry, err := s.Registry.Get(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	sp, ok := entry.Provider.(provider.SchemaProvider)
	if !ok {
		writeError(w, http.StatusNotFound, "provider "+id+" does not expose configuration schemas")
		return
	}

	schema, err := sp.ConfigSchema(r.Context(), model)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider": id,
		"model":    model,
		"schema":   schema,
		"fields":   provider.SchemaFields(schema),
	})
}
