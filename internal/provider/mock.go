package provider

import (
	"context"
	"fmt"
)

// MockAdapter stands in for an upstream provider in OPENCLAW_MOCK_MODE: it
// never makes a network call, returning a deterministic reply sized off the
// last message so quota and billing paths still have real token counts to
// chew on during local development and CI.
type MockAdapter struct {
	name Name
}

// NewMockAdapter builds a mock standing in for the named provider.
func NewMockAdapter(name Name) *MockAdapter {
	return &MockAdapter{name: name}
}

func (a *MockAdapter) Name() Name { return a.name }

func (a *MockAdapter) Complete(_ context.Context, req CompletionRequest) (CompletionResult, error) {
	reply := a.reply(req)
	return CompletionResult{
		Content:      reply,
		FinishReason: "stop",
		Usage:        Usage{PromptTokens: estimateTokens(req), CompletionTokens: len(reply) / 4},
	}, nil
}

func (a *MockAdapter) Stream(_ context.Context, req CompletionRequest) (<-chan StreamDelta, error) {
	reply := a.reply(req)
	ch := make(chan StreamDelta)
	go func() {
		defer close(ch)
		for _, r := range reply {
			ch <- StreamDelta{Text: string(r)}
		}
		ch <- StreamDelta{Done: true, Usage: Usage{PromptTokens: estimateTokens(req), CompletionTokens: len(reply) / 4}}
	}()
	return ch, nil
}

func (a *MockAdapter) reply(req CompletionRequest) string {
	last := ""
	if n := len(req.Messages); n > 0 {
		last = req.Messages[n-1].Content.PlainText()
	}
	return fmt.Sprintf("[mock:%s] %s", a.name, last)
}

func estimateTokens(req CompletionRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += len(m.Content.PlainText()) / 4
	}
	return total
}
