package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertUserExport records a generated data export for a user. Generating
// the export file itself is outside the core (see Non-goals); this is the
// storage row the auxiliary export feature writes to.
func (s *Store) InsertUserExport(ctx context.Context, userID, filePath string) (UserExport, error) {
	e := UserExport{
		ID:        uuid.NewString(),
		UserID:    userID,
		FilePath:  filePath,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_exports (id, user_id, file_path, created_at)
		VALUES (?, ?, ?, ?)`,
		e.ID, e.UserID, e.FilePath, e.CreatedAt,
	)
	if err != nil {
		return UserExport{}, fmt.Errorf("inserting user export: %w", err)
	}
	return e, nil
}
