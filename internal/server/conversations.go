package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/howard-nolan/llmgateway/internal/chat"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/stream"
)

type createConversationRequest struct {
	Title        string        `json:"title"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	SystemPrompt string        `json:"system_prompt"`
	Settings     chat.Settings `json:"settings"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	entry, err := s.Registry.Get(req.Provider)
	if err != nil {
		writeErr(w, err)
		return
	}
	if req.Model == "" {
		req.Model = provider.DefaultModel(entry.Config)
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required for provider "+req.Provider)
		return
	}

	conv, err := s.Conversations.CreateConversation(r.Context(), chat.Conversation{
		UserID:       userID(r),
		Title:        req.Title,
		Provider:     req.Provider,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Settings:     req.Settings,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	convs, err := s.Conversations.ListConversations(r.Context(), userID(r), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if convs == nil {
		convs = []chat.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.Conversations.GetConversation(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Conversations.DeleteConversation(r.Context(), id, userID(r)); err != nil {
		writeErr(w, err)
		return
	}
	if s.Bridge.Running(id) {
		s.Bridge.Stop(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.Conversations.GetConversation(r.Context(), id, userID(r)); err != nil {
		writeErr(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := s.Conversations.ListMessages(r.Context(), id, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleSendMessage starts a turn. With "stream": true the reply is
// delivered over the conversation's event stream and the call returns 202
// once the turn is running; otherwise the persisted reply is returned.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req chat.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.ConversationID = chi.URLParam(r, "id")
	req.UserID = userID(r)

	if req.Stream {
		// Ownership is checked before anything reaches the room.
		if _, err := s.Conversations.GetConversation(r.Context(), req.ConversationID, req.UserID); err != nil {
			writeErr(w, err)
			return
		}
		if err := s.Bridge.Submit(r.Context(), req); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":          "accepted",
			"conversation_id": req.ConversationID,
		})
		return
	}

	res, err := s.Turns.Run(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	if res.Err != nil {
		slog.Warn("turn failed", "conversation_id", req.ConversationID, "error", res.Err)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   res.Err.Error(),
			"message": res.Message,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": res.Message,
		"stopped": res.Stopped,
	})
}

// handleEvents subscribes the caller to the conversation's room and
// streams every event as SSE until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.Conversations.GetConversation(r.Context(), id, userID(r)); err != nil {
		writeErr(w, err)
		return
	}

	sub := s.Hub.Subscribe(id)
	defer s.Hub.Unsubscribe(sub)

	if err := stream.WriteEvents(r.Context(), w, sub.C); err != nil {
		if errors.Is(err, stream.ErrNoFlusher) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		slog.Debug("event stream closed", "conversation_id", id, "error", err)
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.Conversations.GetConversation(r.Context(), id, userID(r)); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": id,
		"stopped":         s.Bridge.Stop(id),
	})
}
