package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const messageColumns = `id, conversation_id, role, content, seq, created_at`

func scanMessage(row interface {
	Scan(dest ...any) error
}) (Message, error) {
	var m Message
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Seq, &m.CreatedAt); err != nil {
		return Message{}, err
	}
	return m, nil
}

// InsertMessageTx inserts one message within tx. seq is assigned as one past
// the current maximum for the conversation, so ordering ties on created_at
// break by insertion order as required.
func (s *Store) InsertMessageTx(ctx context.Context, tx *sql.Tx, conversationID, role, content string) (Message, error) {
	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&maxSeq); err != nil {
		return Message{}, fmt.Errorf("reading max seq: %w", err)
	}

	m := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Seq:            maxSeq.Int64 + 1,
		CreatedAt:      time.Now().UTC(),
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, m.Seq, m.CreatedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("inserting message: %w", err)
	}
	return m, nil
}

// ListMessages returns every message for a conversation in insertion order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return out, nil
}
