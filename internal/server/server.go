// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/howard-nolan/llmgateway/internal/catalog"
	"github.com/howard-nolan/llmgateway/internal/chat"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/realtime"
	"github.com/howard-nolan/llmgateway/internal/registry"
	"github.com/howard-nolan/llmgateway/internal/store/sqlite"
)

// UserHeader carries the caller's identity. Authentication happens in
// front of the gateway; the header is trusted as-is.
const UserHeader = "X-User-ID"

// Conversations is the part of the store the HTTP surface talks to
// directly. Turns go through the orchestrator instead.
type Conversations interface {
	CreateConversation(ctx context.Context, c chat.Conversation) (*chat.Conversation, error)
	GetConversation(ctx context.Context, id, userID string) (*chat.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]chat.Conversation, error)
	DeleteConversation(ctx context.Context, id, userID string) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]chat.Message, error)
}

// Deps are the components the handlers need.
type Deps struct {
	Registry      *registry.Registry
	Catalog       *catalog.Catalog
	Conversations Conversations
	Turns         *chat.Orchestrator
	Hub           *realtime.Hub
	Bridge        *realtime.Bridge

	// Reload re-reads the provider list and reinitializes the registry,
	// returning how many providers are live. Nil disables the endpoint.
	Reload func(ctx context.Context) (int, error)
}

// Server holds the HTTP router and its dependencies.
type Server struct {
	router chi.Router
	Deps
}

// New wires routes and middleware and returns a ready http.Handler.
func New(deps Deps) *Server {
	s := &Server{Deps: deps}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", s.handleChatCompletions)

		r.Get("/providers", s.handleListProviders)
		r.Get("/providers/health", s.handleProvidersHealth)
		r.Post("/providers/reload", s.handleReload)
		// Model ids may contain slashes (org/name), so the tail is a
		// wildcard and the config-schema suffix is split off by hand.
		r.Get("/providers/{id}/models", s.handleProviderModels)
		r.Get("/providers/{id}/models/*", s.handleProviderModel)

		r.Get("/models", s.handleListModels)
		r.Get("/models/search", s.handleSearchModels)

		r.Group(func(r chi.Router) {
			r.Use(requireUser)
			r.Post("/conversations", s.handleCreateConversation)
			r.Get("/conversations", s.handleListConversations)
			r.Get("/conversations/{id}", s.handleGetConversation)
			r.Delete("/conversations/{id}", s.handleDeleteConversation)
			r.Get("/conversations/{id}/messages", s.handleListMessages)
			r.Post("/conversations/{id}/messages", s.handleSendMessage)
			r.Get("/conversations/{id}/events", s.handleEvents)
			r.Post("/conversations/{id}/stop", s.handleStop)
		})
	})

	s.router = r
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type userKey struct{}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(UserHeader)
		if id == "" {
			writeError(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, id)))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userKey{}).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps the sentinel errors of the lower layers to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrProviderNotFound),
		errors.Is(err, chat.ErrConversationNotFound),
		errors.Is(err, sqlite.ErrNotFound),
		errors.Is(err, provider.ErrSchemaNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrNothingToRegenerate):
		return http.StatusBadRequest
	case chat.IsUpstreamError(err):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
