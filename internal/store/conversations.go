package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const conversationColumns = `id, device_token, title, created_at, updated_at`

func scanConversation(row interface {
	Scan(dest ...any) error
}) (Conversation, error) {
	var c Conversation
	var title sql.NullString
	if err := row.Scan(&c.ID, &c.DeviceToken, &title, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Conversation{}, err
	}
	c.Title = title.String
	return c, nil
}

// CreateConversation inserts a new, untitled conversation owned by deviceToken.
func (s *Store) CreateConversation(ctx context.Context, deviceToken string) (Conversation, error) {
	now := time.Now().UTC()
	c := Conversation{
		ID:          uuid.NewString(),
		DeviceToken: deviceToken,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, device_token, title, created_at, updated_at)
		VALUES (?, ?, NULL, ?, ?)`,
		c.ID, c.DeviceToken, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("inserting conversation: %w", err)
	}
	return c, nil
}

// GetConversationOwned loads a conversation, failing with ErrNotFound unless
// it is owned by deviceToken. Callers inside a transaction should use
// GetConversationOwnedTx instead so the check and subsequent write are atomic.
func (s *Store) GetConversationOwned(ctx context.Context, id, deviceToken string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ? AND device_token = ?`, id, deviceToken)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("querying conversation: %w", err)
	}
	return c, nil
}

// GetConversationOwnedTx is the transactional variant, used when the caller
// must re-verify ownership and persist within the same transaction (TOCTOU).
func (s *Store) GetConversationOwnedTx(ctx context.Context, tx *sql.Tx, id, deviceToken string) (Conversation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ? AND device_token = ?`, id, deviceToken)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("querying conversation in tx: %w", err)
	}
	return c, nil
}

// ConversationSummary is a conversation row plus its message count, for listing.
type ConversationSummary struct {
	Conversation
	MessageCount int
}

// ListConversations returns every conversation owned by deviceToken, newest
// first, each with its message count.
func (s *Store) ListConversations(ctx context.Context, deviceToken string) ([]ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.device_token, c.title, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id) AS message_count
		FROM conversations c
		WHERE c.device_token = ?
		ORDER BY c.updated_at DESC`, deviceToken)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var cs ConversationSummary
		var title sql.NullString
		if err := rows.Scan(&cs.ID, &cs.DeviceToken, &title, &cs.CreatedAt, &cs.UpdatedAt, &cs.MessageCount); err != nil {
			return nil, fmt.Errorf("scanning conversation summary: %w", err)
		}
		cs.Title = title.String
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation summaries: %w", err)
	}
	return out, nil
}

// SetTitleIfEmptyTx sets a conversation's title only when it is currently unset,
// per the "title set from the first user message" rule.
func (s *Store) SetTitleIfEmptyTx(ctx context.Context, tx *sql.Tx, id, title string) error {
	_, err := tx.ExecContext(ctx, `UPDATE conversations SET title = ? WHERE id = ? AND title IS NULL`, title, id)
	if err != nil {
		return fmt.Errorf("setting conversation title: %w", err)
	}
	return nil
}

// TouchUpdatedAtTx bumps a conversation's updated_at timestamp.
func (s *Store) TouchUpdatedAtTx(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	return nil
}

// DeleteConversation removes a conversation and cascades to its messages and
// files, within one transaction.
func (s *Store) DeleteConversation(ctx context.Context, id, deviceToken string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND device_token = ?`, id, deviceToken)
		if err != nil {
			return fmt.Errorf("deleting conversation: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
			return fmt.Errorf("cascading message delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_files WHERE conversation_id = ?`, id); err != nil {
			return fmt.Errorf("cascading file delete: %w", err)
		}
		return nil
	})
}
