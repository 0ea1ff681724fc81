// Package orchestrator implements the chat contract: accepting a user turn,
// persisting it, reconstructing conversation history with its attachments,
// gating on quota, driving the selected provider adapter, and persisting the
// assistant's reply — both as a single non-streaming call and as an SSE
// event sequence.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/theoclaw/openclaw-proxy/internal/apperror"
	"github.com/theoclaw/openclaw-proxy/internal/attachment"
	"github.com/theoclaw/openclaw-proxy/internal/identity"
	"github.com/theoclaw/openclaw-proxy/internal/provider"
	"github.com/theoclaw/openclaw-proxy/internal/quota"
	"github.com/theoclaw/openclaw-proxy/internal/store"
)

const (
	maxMessageChars    = 50_000
	maxFileIDsPerTurn  = 10
	maxTitleChars      = 50
	keepaliveInterval  = 15 * time.Second
	defaultTemperature = 0.7
)

// Orchestrator wires the store, quota gate, provider registry, and
// attachment pipeline into the chat contract.
type Orchestrator struct {
	store    *store.Store
	gate     *quota.Gatekeeper
	registry *provider.Registry
	files    *attachment.Pipeline
	fileURL  func(store.ConversationFile) string
}

// New builds an Orchestrator. fileURL renders the URL a client uses to fetch
// one attachment, for the message-meta sentinel.
func New(st *store.Store, gate *quota.Gatekeeper, registry *provider.Registry, files *attachment.Pipeline, fileURL func(store.ConversationFile) string) *Orchestrator {
	return &Orchestrator{store: st, gate: gate, registry: registry, files: files, fileURL: fileURL}
}

// Request is one chat turn, already authenticated.
type Request struct {
	DeviceToken    string
	ConversationID string
	Tier           identity.Tier
	PersonaPrompt  string
	Message        string
	FileIDs        []string
	ForcedProvider provider.Name // empty means "use the tier default"
	Model          string
	MaxTokens      int
}

// Result is the outcome of a non-streaming Invoke.
type Result struct {
	MessageID string
	Content   string
	Usage     provider.Usage
}

// Event is one item of a streaming chat: either a character delta, a
// keepalive comment, the terminal success frame, or a terminal error.
type Event struct {
	Delta     string
	Done      bool
	Keepalive bool
	MessageID string
	Content   string
	Err       error
}

// preparedChat is the shared result of validating, persisting, loading, and
// gating a turn — everything steps 2 through 6 produce.
type preparedChat struct {
	conversationID string
	deviceToken    string
	promptTokens   int
	req            provider.CompletionRequest
}

func validateTurn(req Request) error {
	if utf8.RuneCountInString(req.Message) > maxMessageChars {
		return apperror.MalformedInput("message exceeds the %d character limit", maxMessageChars)
	}
	if len(req.FileIDs) > maxFileIDsPerTurn {
		return apperror.MalformedInput("at most %d file_ids are allowed per turn", maxFileIDsPerTurn)
	}
	seen := make(map[string]struct{}, len(req.FileIDs))
	for _, id := range req.FileIDs {
		if _, dup := seen[id]; dup {
			return apperror.MalformedInput("file_ids must be unique")
		}
		seen[id] = struct{}{}
	}
	if strings.TrimSpace(req.Message) == "" && len(req.FileIDs) == 0 {
		return apperror.MalformedInput("at least one of message or file_ids must be non-empty")
	}
	return nil
}

// prepare runs steps 2-6 of the contract: validate, persist the user turn,
// load and reconstruct history, inject the persona, and gate on quota. The
// user message is committed before this returns, even if gating later fails,
// so the client can retry without losing its turn.
func (o *Orchestrator) prepare(ctx context.Context, req Request) (preparedChat, error) {
	if err := validateTurn(req); err != nil {
		return preparedChat{}, err
	}

	limits := identity.Limits(req.Tier)

	if err := o.store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := o.store.GetConversationOwnedTx(ctx, tx, req.ConversationID, req.DeviceToken); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperror.NotFound("conversation not found")
			}
			return fmt.Errorf("verifying conversation ownership: %w", err)
		}

		var turnFiles []store.ConversationFile
		if len(req.FileIDs) > 0 {
			found, err := o.store.GetFilesByIDsTx(ctx, tx, req.ConversationID, req.FileIDs)
			if err != nil {
				return fmt.Errorf("resolving file_ids: %w", err)
			}
			if len(found) != len(req.FileIDs) {
				return apperror.MalformedInput("one or more file_ids do not belong to this conversation")
			}
			turnFiles = found
		}

		content, err := attachment.EncodeSentinel(req.Message, turnFiles, o.fileURL)
		if err != nil {
			return fmt.Errorf("encoding message-meta sentinel: %w", err)
		}

		if _, err := o.store.InsertMessageTx(ctx, tx, req.ConversationID, store.RoleUser, content); err != nil {
			return fmt.Errorf("persisting user message: %w", err)
		}

		if title := deriveTitle(req.Message, turnFiles); title != "" {
			if err := o.store.SetTitleIfEmptyTx(ctx, tx, req.ConversationID, title); err != nil {
				return fmt.Errorf("setting conversation title: %w", err)
			}
		}

		return o.store.TouchUpdatedAtTx(ctx, tx, req.ConversationID, time.Now().UTC())
	}); err != nil {
		return preparedChat{}, err
	}

	history, err := o.store.ListMessages(ctx, req.ConversationID)
	if err != nil {
		return preparedChat{}, apperror.Internal("loading conversation history", err)
	}

	reserved := 0
	if req.PersonaPrompt != "" {
		reserved = quota.EstimateTokens(req.PersonaPrompt)
	}
	truncated := quota.TruncateHistory(history, limits, reserved)

	messages, err := o.composeHistory(ctx, truncated)
	if err != nil {
		return preparedChat{}, err
	}

	if req.PersonaPrompt != "" {
		persona := provider.Message{Role: provider.RoleSystem, Content: provider.NewText(req.PersonaPrompt)}
		messages = append([]provider.Message{persona}, messages...)
	}

	promptTokens := 0
	for _, m := range messages {
		promptTokens += quota.EstimateTokens(m.Content.PlainText())
	}

	if err := o.gate.Check(ctx, req.DeviceToken, promptTokens, limits); err != nil {
		return preparedChat{}, err
	}

	return preparedChat{
		conversationID: req.ConversationID,
		deviceToken:    req.DeviceToken,
		promptTokens:   promptTokens,
		req: provider.CompletionRequest{
			Model:       req.Model,
			Messages:    messages,
			MaxTokens:   quota.CapOutputTokens(req.MaxTokens, limits),
			Temperature: defaultTemperature,
		},
	}, nil
}

// composeHistory rebuilds multimodal provider.Message content for every
// stored message, resolving each one's attachments from its sentinel.
func (o *Orchestrator) composeHistory(ctx context.Context, messages []store.Message) ([]provider.Message, error) {
	out := make([]provider.Message, 0, len(messages))
	for _, m := range messages {
		ids, _, body := attachment.ParseSentinel(m.Content)

		var files []store.ConversationFile
		if len(ids) > 0 {
			f, err := o.store.GetFilesByIDs(ctx, m.ConversationID, ids)
			if err != nil {
				return nil, apperror.Internal("loading attachment metadata", err)
			}
			files = f
		}

		content, err := attachment.Compose(body, files, o.files.ReadStored)
		if err != nil {
			return nil, apperror.Internal("composing message content", err)
		}
		out = append(out, provider.Message{Role: provider.Role(m.Role), Content: content})
	}
	return out, nil
}

func (o *Orchestrator) resolveAdapter(req Request) (provider.Adapter, error) {
	if req.ForcedProvider != "" {
		return o.registry.Forced(req.ForcedProvider, req.Tier)
	}
	return o.registry.Default(req.Tier)
}

// deriveTitle implements the "title set from the first user message" rule:
// whitespace-collapsed, capped at 50 characters, seeded from the first
// attachment's name when the message itself carries no text.
func deriveTitle(message string, files []store.ConversationFile) string {
	source := message
	if strings.TrimSpace(source) == "" && len(files) > 0 {
		source = files[0].OriginalName
	}
	source = collapseWhitespace(source)
	if source == "" {
		return ""
	}
	runes := []rune(source)
	if len(runes) > maxTitleChars {
		runes = runes[:maxTitleChars]
	}
	return string(runes)
}

func collapseWhitespace(s string) string {
	fields := strings.FieldsFunc(s, unicode.IsSpace)
	return strings.Join(fields, " ")
}
