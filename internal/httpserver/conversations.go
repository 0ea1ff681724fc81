package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/theoclaw/openclaw-proxy/internal/apperror"
	"github.com/theoclaw/openclaw-proxy/internal/attachment"
	"github.com/theoclaw/openclaw-proxy/internal/store"
)

type conversationResponse struct {
	ID           string `json:"id"`
	Title        string `json:"title,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	MessageCount int    `json:"message_count,omitempty"`
}

func conversationResponseFrom(c store.Conversation) conversationResponse {
	return conversationResponse{
		ID:        c.ID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: c.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type messageResponse struct {
	ID        string                `json:"id"`
	Role      string                `json:"role"`
	Content   string                `json:"content"`
	FileIDs   []string              `json:"file_ids,omitempty"`
	Files     []attachment.FileMeta `json:"files,omitempty"`
	CreatedAt string                `json:"created_at"`
}

func messageResponseFrom(m store.Message) messageResponse {
	fileIDs, files, body := attachment.ParseSentinel(m.Content)
	return messageResponse{
		ID:        m.ID,
		Role:      m.Role,
		Content:   body,
		FileIDs:   fileIDs,
		Files:     files,
		CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	id := authFromContext(r.Context())

	conv, err := s.store.CreateConversation(r.Context(), id.token.ID)
	if err != nil {
		RespondAppError(w, s.logger, apperror.Internal("creating conversation", err))
		return
	}
	Respond(w, http.StatusCreated, conversationResponseFrom(conv))
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	id := authFromContext(r.Context())

	summaries, err := s.store.ListConversations(r.Context(), id.token.ID)
	if err != nil {
		RespondAppError(w, s.logger, apperror.Internal("listing conversations", err))
		return
	}

	out := make([]conversationResponse, 0, len(summaries))
	for _, cs := range summaries {
		resp := conversationResponseFrom(cs.Conversation)
		resp.MessageCount = cs.MessageCount
		out = append(out, resp)
	}
	Respond(w, http.StatusOK, out)
}

type conversationDetailResponse struct {
	conversationResponse
	Messages []messageResponse `json:"messages"`
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := authFromContext(r.Context())
	convID := chi.URLParam(r, "id")

	conv, err := s.store.GetConversationOwned(r.Context(), convID, id.token.ID)
	if err != nil {
		RespondAppError(w, s.logger, err)
		return
	}

	messages, err := s.store.ListMessages(r.Context(), convID)
	if err != nil {
		RespondAppError(w, s.logger, apperror.Internal("loading messages", err))
		return
	}

	out := conversationDetailResponse{conversationResponse: conversationResponseFrom(conv)}
	for _, m := range messages {
		out.Messages = append(out.Messages, messageResponseFrom(m))
	}
	Respond(w, http.StatusOK, out)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := authFromContext(r.Context())
	convID := chi.URLParam(r, "id")

	if err := s.store.DeleteConversation(r.Context(), convID, id.token.ID); err != nil {
		RespondAppError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
