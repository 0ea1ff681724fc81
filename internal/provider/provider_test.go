package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/theoclaw/openclaw-proxy/internal/apperror"
	"github.com/theoclaw/openclaw-proxy/internal/identity"
)

func TestContentPlainText(t *testing.T) {
	text := NewText("hello")
	if text.PlainText() != "hello" {
		t.Errorf("PlainText() on text content = %q", text.PlainText())
	}

	multi := NewParts(Part{Type: PartText, Text: "a"}, Part{Type: PartImage, ImageB64: "xx"}, Part{Type: PartText, Text: "b"})
	if got := multi.PlainText(); got != "a\nb" {
		t.Errorf("PlainText() on multimodal content = %q, want %q", got, "a\nb")
	}
	if !multi.IsMultimodal() {
		t.Errorf("expected multimodal content to report IsMultimodal")
	}
}

func TestOpenAICompatCompleteParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization header = %q", got)
		}
		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Stream {
			t.Errorf("expected stream=false on Complete")
		}
		_ = json.NewEncoder(w).Encode(chatCompletionResponse{
			Choices: []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
				FinishReason string `json:"finish_reason"`
			}{{
				Message: struct {
					Content string `json:"content"`
				}{Content: "hi there"},
				FinishReason: "stop",
			}},
			Usage: struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
			}{PromptTokens: 3, CompletionTokens: 2},
		})
	}))
	defer srv.Close()

	a := NewOpenAICompatAdapter(NameKimi, srv.URL, "sk-test")
	result, err := a.Complete(context.Background(), CompletionRequest{
		Model:    "kimi-1",
		Messages: []Message{{Role: RoleUser, Content: NewText("hello")}},
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if result.Content != "hi there" || result.Usage.PromptTokens != 3 || result.Usage.CompletionTokens != 2 {
		t.Errorf("Complete() = %+v", result)
	}
}

func TestOpenAICompatStreamParsesSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		lines := []string{
			": heartbeat",
			"",
			`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
			`data: {"choices":[{"delta":{"content":"lo"}}]}`,
			`data: {"choices":[{"delta":{}}],"usage":{"prompt_tokens":5,"completion_tokens":2}}`,
			"data: [DONE]",
		}
		for _, l := range lines {
			_, _ = io.WriteString(w, l+"\n")
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	a := NewOpenAICompatAdapter(NameDeepSeek, srv.URL, "sk-test")
	ch, err := a.Stream(context.Background(), CompletionRequest{Model: "deepseek-1", Messages: []Message{{Role: RoleUser, Content: NewText("hi")}}})
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}

	var text strings.Builder
	var gotDone bool
	var usage Usage
	for d := range ch {
		if d.Err != nil {
			t.Fatalf("unexpected stream error: %v", d.Err)
		}
		text.WriteString(d.Text)
		if d.Done {
			gotDone = true
			usage = d.Usage
		}
	}

	if text.String() != "Hello" {
		t.Errorf("accumulated stream text = %q, want %q", text.String(), "Hello")
	}
	if !gotDone {
		t.Errorf("expected a terminal Done event")
	}
	if usage.PromptTokens != 5 || usage.CompletionTokens != 2 {
		t.Errorf("terminal usage = %+v", usage)
	}
}

func TestOpenAICompatStreamStopsOnUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream exploded")
	}))
	defer srv.Close()

	a := NewOpenAICompatAdapter(NameKimi, srv.URL, "sk-test")
	_, err := a.Stream(context.Background(), CompletionRequest{Model: "kimi-1", Messages: []Message{{Role: RoleUser, Content: NewText("hi")}}})
	if err == nil {
		t.Fatalf("expected an error for a non-2xx upstream response")
	}
}

func TestHoistSystemConcatenatesAndExcludesFromRest(t *testing.T) {
	messages := []Message{
		{Role: RoleSystem, Content: NewText("be nice")},
		{Role: RoleUser, Content: NewText("hi")},
		{Role: RoleSystem, Content: NewText("stay terse")},
		{Role: RoleAssistant, Content: NewText("hello")},
	}

	system, rest := hoistSystem(messages)
	if system != "be nice\n\nstay terse" {
		t.Errorf("hoisted system = %q", system)
	}
	if len(rest) != 2 || rest[0].Role != RoleUser || rest[1].Role != RoleAssistant {
		t.Errorf("rest = %+v", rest)
	}
}

func TestAnthropicCompleteSendsHeadersAndHoistsSystem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "ant-key" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicVersion {
			t.Errorf("anthropic-version = %q", got)
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.System != "be nice" {
			t.Errorf("System = %q, want %q", req.System, "be nice")
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("Messages = %+v", req.Messages)
		}
		_ = json.NewEncoder(w).Encode(anthropicResponse{
			Content:    []anthropicContentBlock{{Type: "text", Text: "hi back"}},
			StopReason: "end_turn",
		})
	}))
	defer srv.Close()

	a := NewAnthropicAdapter("ant-key", srv.URL)
	result, err := a.Complete(context.Background(), CompletionRequest{
		Model: "claude-x",
		Messages: []Message{
			{Role: RoleSystem, Content: NewText("be nice")},
			{Role: RoleUser, Content: NewText("hi")},
		},
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if result.Content != "hi back" || result.FinishReason != "end_turn" {
		t.Errorf("Complete() = %+v", result)
	}
}

func TestAnthropicStreamEmitsSingleDeltaThenDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(anthropicResponse{
			Content: []anthropicContentBlock{{Type: "text", Text: "whole answer"}},
		})
	}))
	defer srv.Close()

	a := NewAnthropicAdapter("ant-key", srv.URL)
	ch, err := a.Stream(context.Background(), CompletionRequest{Model: "claude-x", Messages: []Message{{Role: RoleUser, Content: NewText("hi")}}})
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}

	var events []StreamDelta
	for d := range ch {
		events = append(events, d)
	}
	if len(events) != 2 || events[0].Text != "whole answer" || !events[1].Done {
		t.Errorf("events = %+v", events)
	}
}

func TestRegistryDefaultByTier(t *testing.T) {
	kimi := NewOpenAICompatAdapter(NameKimi, "http://kimi.invalid", "k")
	claude := NewAnthropicAdapter("c", "http://claude.invalid")
	reg := NewRegistry(kimi, claude)

	a, err := reg.Default(identity.TierFree)
	if err != nil || a.Name() != NameKimi {
		t.Errorf("Default(free) = %v, %v", a, err)
	}

	a, err = reg.Default(identity.TierMax)
	if err != nil || a.Name() != NameClaude {
		t.Errorf("Default(max) = %v, %v", a, err)
	}
}

func TestRegistryForcedRejectsTierTooLow(t *testing.T) {
	claude := NewAnthropicAdapter("c", "http://claude.invalid")
	reg := NewRegistry(claude)

	_, err := reg.Forced(NameClaude, identity.TierFree)
	if err == nil {
		t.Fatalf("expected forcing claude on a free-tier token to fail")
	}
	appErr, ok := apperror.As(err)
	if !ok || appErr.Kind != apperror.KindForbiddenTierTooHigh {
		t.Errorf("expected KindForbiddenTierTooHigh, got %v", err)
	}
}

func TestRegistryForcedAllowsSufficientTier(t *testing.T) {
	claude := NewAnthropicAdapter("c", "http://claude.invalid")
	reg := NewRegistry(claude)

	a, err := reg.Forced(NameClaude, identity.TierMax)
	if err != nil || a.Name() != NameClaude {
		t.Errorf("Forced(claude, max) = %v, %v", a, err)
	}
}
