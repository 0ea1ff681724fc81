package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const anthropicVersion = "2023-06-01"

// AnthropicAdapter talks to the Anthropic Messages API. It supports no
// native incremental streaming here: Stream emulates it by performing one
// non-streaming call and delivering the whole answer as a single delta
// followed by the terminal event, which keeps it compatible with the
// orchestrator's per-character emission without a second code path.
type AnthropicAdapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewAnthropicAdapter builds a Claude adapter. baseURL defaults to the
// public Anthropic API when empty.
func NewAnthropicAdapter(apiKey, baseURL string) *AnthropicAdapter {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &AnthropicAdapter{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

func (a *AnthropicAdapter) Name() Name { return NameClaude }

type anthropicContentBlock struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Source *struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
	} `json:"source,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// hoistSystem splits the conversation into the Anthropic "system" string
// (the concatenation of every system message, Anthropic allows only one)
// plus the remaining user/assistant turns.
func hoistSystem(messages []Message) (system string, rest []Message) {
	var systemParts []string
	for _, m := range messages {
		if m.Role == RoleSystem {
			systemParts = append(systemParts, m.Content.PlainText())
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(systemParts, "\n\n"), rest
}

func toAnthropicMessages(messages []Message) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(messages))
	for _, m := range messages {
		var blocks []anthropicContentBlock
		if m.Content.IsMultimodal() {
			for _, p := range m.Content.Parts {
				if p.Type == PartImage {
					blocks = append(blocks, anthropicContentBlock{
						Type: "image",
						Source: &struct {
							Type      string `json:"type"`
							MediaType string `json:"media_type"`
							Data      string `json:"data"`
						}{Type: "base64", MediaType: p.MIMEType, Data: p.ImageB64},
					})
					continue
				}
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: p.Text})
			}
		} else {
			blocks = []anthropicContentBlock{{Type: "text", Text: m.Content.Text}}
		}
		out = append(out, anthropicMessage{Role: string(m.Role), Content: blocks})
	}
	return out
}

func (a *AnthropicAdapter) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	system, rest := hoistSystem(req.Messages)
	body := anthropicRequest{
		Model:       req.Model,
		System:      system,
		Messages:    toAnthropicMessages(rest),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	b, err := json.Marshal(body)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("marshalling request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(b))
	if err != nil {
		return CompletionResult{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp); err != nil {
		return CompletionResult{}, err
	}

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return CompletionResult{}, fmt.Errorf("decoding completion response: %w", err)
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return CompletionResult{
		Content:      text.String(),
		FinishReason: parsed.StopReason,
		Usage: Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
		},
	}, nil
}

// Stream emulates incremental delivery over the non-streaming Messages API:
// one Complete call, then the whole answer as a single text delta, then the
// terminal event. The orchestrator's per-character emission still applies
// downstream of this channel, so callers see the same frame shape regardless
// of adapter.
func (a *AnthropicAdapter) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamDelta, error) {
	out := make(chan StreamDelta, 2)
	go func() {
		defer close(out)
		result, err := a.Complete(ctx, req)
		if err != nil {
			out <- StreamDelta{Err: err}
			return
		}
		out <- StreamDelta{Text: result.Content}
		out <- StreamDelta{Done: true, Usage: result.Usage}
	}()
	return out, nil
}
