package httpserver

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/theoclaw/openclaw-proxy/internal/apperror"
	"github.com/theoclaw/openclaw-proxy/internal/identity"
	"github.com/theoclaw/openclaw-proxy/internal/orchestrator"
	"github.com/theoclaw/openclaw-proxy/internal/provider"
	"github.com/theoclaw/openclaw-proxy/internal/quota"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oneShotRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type completionChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type usageResponse struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type completionResponse struct {
	ID      string             `json:"id"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   usageResponse      `json:"usage"`
}

func unifiedCompletion(model, content string, usage provider.Usage) completionResponse {
	return completionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Created: time.Now().UTC().Unix(),
		Model:   model,
		Choices: []completionChoice{{
			Index:        0,
			Message:      chatMessage{Role: string(provider.RoleAssistant), Content: content},
			FinishReason: "stop",
		}},
		Usage: usageResponse{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.PromptTokens + usage.CompletionTokens,
		},
	}
}

// handleOneShot serves both the default-provider and provider-forced
// completion routes: stateless, not bound to any conversation, gated on
// quota and charged exactly like the conversation-bound chat routes.
func (s *Server) handleOneShot(forced provider.Name) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := authFromContext(r.Context())
		tier := tierOf(id)

		var req oneShotRequest
		if err := Decode(r, &req); err != nil {
			RespondError(w, http.StatusBadRequest, string(apperror.KindMalformedInput), err.Error())
			return
		}
		if len(req.Messages) == 0 {
			RespondError(w, http.StatusBadRequest, string(apperror.KindMalformedInput), "messages must be non-empty")
			return
		}

		var adapter provider.Adapter
		var err error
		if forced != "" {
			adapter, err = s.registry.Forced(forced, tier)
		} else {
			adapter, err = s.registry.Default(tier)
		}
		if err != nil {
			RespondAppError(w, s.logger, err)
			return
		}

		model := req.Model
		if model == "" {
			model = s.defaultModelFor(adapter.Name())
		}

		limits := identity.Limits(tier)
		messages := make([]provider.Message, 0, len(req.Messages))
		promptTokens := 0
		for _, m := range req.Messages {
			messages = append(messages, provider.Message{Role: provider.Role(m.Role), Content: provider.NewText(m.Content)})
			promptTokens += quota.EstimateTokens(m.Content)
		}

		deviceToken := id.token.ID
		if err := s.gate.Check(r.Context(), deviceToken, promptTokens, limits); err != nil {
			RespondAppError(w, s.logger, err)
			return
		}

		completionReq := provider.CompletionRequest{
			Model:       model,
			Messages:    messages,
			MaxTokens:   quota.CapOutputTokens(req.MaxTokens, limits),
			Temperature: req.Temperature,
		}

		result, err := adapter.Complete(r.Context(), completionReq)
		if err != nil {
			RespondAppError(w, s.logger, apperror.UpstreamFailure("invoking upstream provider", err))
			return
		}

		// Prompt-side billing always uses the local estimate already charged
		// against the quota gate, never the upstream-reported value.
		usage := result.Usage
		usage.PromptTokens = promptTokens
		if usage.CompletionTokens == 0 {
			usage.CompletionTokens = quota.EstimateTokens(result.Content)
		}

		err = s.store.WithTx(r.Context(), func(tx *sql.Tx) error {
			return s.gate.Charge(r.Context(), tx, deviceToken, usage.PromptTokens, usage.CompletionTokens)
		})
		if err != nil {
			RespondAppError(w, s.logger, apperror.Internal("charging usage", err))
			return
		}

		Respond(w, http.StatusOK, unifiedCompletion(model, result.Content, usage))
	}
}

type chatTurnRequest struct {
	Message   string   `json:"message"`
	FileIDs   []string `json:"file_ids"`
	Model     string   `json:"model"`
	MaxTokens int      `json:"max_tokens"`
}

func (s *Server) orchestratorRequest(r *http.Request, conversationID string) (orchestrator.Request, error) {
	id := authFromContext(r.Context())

	var body chatTurnRequest
	if err := Decode(r, &body); err != nil {
		return orchestrator.Request{}, apperror.MalformedInput("%v", err)
	}

	return orchestrator.Request{
		DeviceToken:    id.token.ID,
		ConversationID: conversationID,
		Tier:           tierOf(id),
		PersonaPrompt:  id.user.PersonaPrompt,
		Message:        body.Message,
		FileIDs:        body.FileIDs,
		Model:          body.Model,
		MaxTokens:      body.MaxTokens,
	}, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	req, err := s.orchestratorRequest(r, conversationID)
	if err != nil {
		RespondAppError(w, s.logger, err)
		return
	}

	result, err := s.orchestrator.Invoke(r.Context(), req)
	if err != nil {
		RespondAppError(w, s.logger, err)
		return
	}

	Respond(w, http.StatusOK, unifiedCompletion(req.Model, result.Content, result.Usage))
}

// handleChatStream frames the orchestrator's Event channel as SSE, per
// spec.md §6's exact header and frame requirements.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	req, err := s.orchestratorRequest(r, conversationID)
	if err != nil {
		RespondAppError(w, s.logger, err)
		return
	}

	events, err := s.orchestrator.StreamChat(r.Context(), req)
	if err != nil {
		RespondAppError(w, s.logger, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		RespondAppError(w, s.logger, apperror.Internal("streaming unsupported by response writer", nil))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	bw := bufio.NewWriter(w)
	for ev := range events {
		if ev.Keepalive {
			fmt.Fprint(bw, ": keepalive\n\n")
			bw.Flush()
			flusher.Flush()
			continue
		}
		if ev.Err != nil {
			frame, _ := json.Marshal(map[string]any{"error": ev.Err.Error(), "done": true})
			fmt.Fprintf(bw, "data: %s\n\n", frame)
			bw.Flush()
			flusher.Flush()
			return
		}

		payload := map[string]any{"delta": ev.Delta, "done": ev.Done}
		if ev.Done {
			payload["message_id"] = ev.MessageID
			payload["content"] = ev.Content
		}
		frame, _ := json.Marshal(payload)
		fmt.Fprintf(bw, "data: %s\n\n", frame)
		bw.Flush()
		flusher.Flush()
	}
}
