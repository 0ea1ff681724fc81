package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAICompatAdapter talks to any OpenAI-compatible chat completions API
// (DeepSeek, Kimi, and optionally a Claude gateway exposing the same shape).
type OpenAICompatAdapter struct {
	name       Name
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewOpenAICompatAdapter builds an adapter for a provider reachable at
// baseURL using a Bearer apiKey and the OpenAI chat completions wire format.
func NewOpenAICompatAdapter(name Name, baseURL, apiKey string) *OpenAICompatAdapter {
	return &OpenAICompatAdapter{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

func (a *OpenAICompatAdapter) Name() Name { return a.name }

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func toChatMessages(messages []Message) []chatMessage {
	out := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		if m.Content.IsMultimodal() {
			parts := make([]map[string]any, 0, len(m.Content.Parts))
			for _, p := range m.Content.Parts {
				switch p.Type {
				case PartImage:
					parts = append(parts, map[string]any{
						"type": "image_url",
						"image_url": map[string]string{
							"url": fmt.Sprintf("data:%s;base64,%s", p.MIMEType, p.ImageB64),
						},
					})
				default:
					parts = append(parts, map[string]any{"type": "text", "text": p.Text})
				}
			}
			out = append(out, chatMessage{Role: string(m.Role), Content: parts})
			continue
		}
		out = append(out, chatMessage{Role: string(m.Role), Content: m.Content.Text})
	}
	return out
}

func (a *OpenAICompatAdapter) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	body := chatCompletionRequest{
		Model:       req.Model,
		Messages:    toChatMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	resp, err := a.do(ctx, body)
	if err != nil {
		return CompletionResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp); err != nil {
		return CompletionResult{}, err
	}

	var parsed chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return CompletionResult{}, fmt.Errorf("decoding completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return CompletionResult{}, fmt.Errorf("completion response had no choices")
	}

	return CompletionResult{
		Content:      parsed.Choices[0].Message.Content,
		FinishReason: parsed.Choices[0].FinishReason,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
		},
	}, nil
}

func (a *OpenAICompatAdapter) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamDelta, error) {
	body := chatCompletionRequest{
		Model:       req.Model,
		Messages:    toChatMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}

	resp, err := a.do(ctx, body)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}

	out := make(chan StreamDelta)
	go a.pump(resp.Body, out)
	return out, nil
}

// pump reads the SSE body line by line: blank lines and comment lines
// (":"-prefixed) are ignored, the "data:" prefix is stripped, and "[DONE]"
// terminates the stream. It always closes out exactly once.
func (a *OpenAICompatAdapter) pump(body io.ReadCloser, out chan<- StreamDelta) {
	defer close(out)
	defer func() { _ = body.Close() }()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var usage Usage
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			out <- StreamDelta{Done: true, Usage: usage}
			return
		}

		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			out <- StreamDelta{Err: fmt.Errorf("decoding stream chunk: %w", err)}
			return
		}
		if chunk.Usage != nil {
			usage = Usage{PromptTokens: chunk.Usage.PromptTokens, CompletionTokens: chunk.Usage.CompletionTokens}
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			out <- StreamDelta{Text: chunk.Choices[0].Delta.Content}
		}
	}

	if err := scanner.Err(); err != nil {
		out <- StreamDelta{Err: fmt.Errorf("reading stream: %w", err)}
		return
	}
	// Some providers close the stream without a trailing [DONE] sentinel.
	out <- StreamDelta{Done: true, Usage: usage}
}

func (a *OpenAICompatAdapter) do(ctx context.Context, body chatCompletionRequest) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshalling request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/chat/completions", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("upstream error (status %d): %s", resp.StatusCode, string(b))
	}
	return nil
}
