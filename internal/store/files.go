package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const conversationFileColumns = `id, conversation_id, original_name, stored_path, sha256, mime, size, extracted_text, created_at`

func scanConversationFile(row interface {
	Scan(dest ...any) error
}) (ConversationFile, error) {
	var f ConversationFile
	var extracted sql.NullString
	if err := row.Scan(&f.ID, &f.ConversationID, &f.OriginalName, &f.StoredPath, &f.SHA256, &f.MIME, &f.Size, &extracted, &f.CreatedAt); err != nil {
		return ConversationFile{}, err
	}
	f.ExtractedText = extracted.String
	return f, nil
}

// InsertFileTx inserts a new attachment row within tx. Callers must have
// already verified conversation ownership in the same transaction.
func (s *Store) InsertFileTx(ctx context.Context, tx *sql.Tx, f ConversationFile) (ConversationFile, error) {
	f.ID = uuid.NewString()
	f.CreatedAt = time.Now().UTC()

	var extracted any
	if f.ExtractedText != "" {
		extracted = f.ExtractedText
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_files (id, conversation_id, original_name, stored_path, sha256, mime, size, extracted_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ConversationID, f.OriginalName, f.StoredPath, f.SHA256, f.MIME, f.Size, extracted, f.CreatedAt,
	)
	if err != nil {
		return ConversationFile{}, fmt.Errorf("inserting conversation file: %w", err)
	}
	return f, nil
}

// GetFilesByIDsTx loads the files among ids that belong to conversationID. The
// returned slice may be shorter than ids; callers must detect missing ids
// themselves (an id not owned by this conversation is malformed-input).
func (s *Store) GetFilesByIDsTx(ctx context.Context, tx *sql.Tx, conversationID string, ids []string) ([]ConversationFile, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]any, 0, len(ids)+1)
	placeholders = append(placeholders, conversationID)
	query := `SELECT ` + conversationFileColumns + ` FROM conversation_files WHERE conversation_id = ? AND id IN (`
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		placeholders = append(placeholders, id)
	}
	query += ")"

	rows, err := tx.QueryContext(ctx, query, placeholders...)
	if err != nil {
		return nil, fmt.Errorf("querying conversation files: %w", err)
	}
	defer rows.Close()

	var out []ConversationFile
	for rows.Next() {
		f, err := scanConversationFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation file: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation files: %w", err)
	}
	return out, nil
}

// GetFilesByIDs is the non-transactional variant of GetFilesByIDsTx, for
// read paths (e.g. reconstructing history) that don't need TOCTOU safety.
func (s *Store) GetFilesByIDs(ctx context.Context, conversationID string, ids []string) ([]ConversationFile, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]any, 0, len(ids)+1)
	placeholders = append(placeholders, conversationID)
	query := `SELECT ` + conversationFileColumns + ` FROM conversation_files WHERE conversation_id = ? AND id IN (`
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		placeholders = append(placeholders, id)
	}
	query += ")"

	rows, err := s.db.QueryContext(ctx, query, placeholders...)
	if err != nil {
		return nil, fmt.Errorf("querying conversation files: %w", err)
	}
	defer rows.Close()

	var out []ConversationFile
	for rows.Next() {
		f, err := scanConversationFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation file: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation files: %w", err)
	}
	return out, nil
}

// FindStoredPathBySHA256 returns the stored path of any previously uploaded
// file with the same content hash, if one exists, so reuploads of identical
// bytes reuse the stored file instead of writing it twice.
func (s *Store) FindStoredPathBySHA256(ctx context.Context, sha256 string) (string, error) {
	var path string
	err := s.db.QueryRowContext(ctx, `SELECT stored_path FROM conversation_files WHERE sha256 = ? LIMIT 1`, sha256).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying stored path by sha256: %w", err)
	}
	return path, nil
}

// GetFileOwned loads a single attachment, failing with ErrNotFound unless it
// belongs to the given conversation.
func (s *Store) GetFileOwned(ctx context.Context, id, conversationID string) (ConversationFile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationFileColumns+` FROM conversation_files WHERE id = ? AND conversation_id = ?`, id, conversationID)
	f, err := scanConversationFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ConversationFile{}, ErrNotFound
	}
	if err != nil {
		return ConversationFile{}, fmt.Errorf("querying conversation file: %w", err)
	}
	return f, nil
}

// GetFileByIDForToken loads an attachment by id, verifying via a join that
// its owning conversation belongs to deviceToken.
func (s *Store) GetFileByIDForToken(ctx context.Context, id, deviceToken string) (ConversationFile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT f.id, f.conversation_id, f.original_name, f.stored_path, f.sha256, f.mime, f.size, f.extracted_text, f.created_at
		FROM conversation_files f
		JOIN conversations c ON c.id = f.conversation_id
		WHERE f.id = ? AND c.device_token = ?`, id, deviceToken)
	f, err := scanConversationFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ConversationFile{}, ErrNotFound
	}
	if err != nil {
		return ConversationFile{}, fmt.Errorf("querying conversation file by id: %w", err)
	}
	return f, nil
}
