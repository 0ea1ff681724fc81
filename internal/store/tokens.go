package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const deviceTokenColumns = `id, user_id, token_hash, token_prefix, tier, status, created_at, expires_at`

func scanDeviceToken(row interface {
	Scan(dest ...any) error
}) (DeviceToken, error) {
	var t DeviceToken
	var userID sql.NullString
	var expiresAt sql.NullTime

	if err := row.Scan(&t.ID, &userID, &t.TokenHash, &t.TokenPrefix, &t.Tier, &t.Status, &t.CreatedAt, &expiresAt); err != nil {
		return DeviceToken{}, err
	}
	if userID.Valid {
		v := userID.String
		t.UserID = &v
	}
	if expiresAt.Valid {
		v := expiresAt.Time
		t.ExpiresAt = &v
	}
	return t, nil
}

// CreateDeviceToken inserts a new token row.
func (s *Store) CreateDeviceToken(ctx context.Context, t DeviceToken) (DeviceToken, error) {
	t.ID = uuid.NewString()
	t.CreatedAt = time.Now().UTC()
	if t.Status == "" {
		t.Status = "active"
	}

	var userID any
	if t.UserID != nil {
		userID = *t.UserID
	}
	var expiresAt any
	if t.ExpiresAt != nil {
		expiresAt = *t.ExpiresAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_tokens (id, user_id, token_hash, token_prefix, tier, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, userID, t.TokenHash, t.TokenPrefix, t.Tier, t.Status, t.CreatedAt, expiresAt,
	)
	if err != nil {
		return DeviceToken{}, fmt.Errorf("inserting device token: %w", err)
	}
	return t, nil
}

// GetDeviceTokenByHash looks up a token by its SHA-256 hash.
func (s *Store) GetDeviceTokenByHash(ctx context.Context, hash string) (DeviceToken, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceTokenColumns+` FROM device_tokens WHERE token_hash = ?`, hash)
	t, err := scanDeviceToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DeviceToken{}, ErrNotFound
	}
	if err != nil {
		return DeviceToken{}, fmt.Errorf("querying device token: %w", err)
	}
	return t, nil
}

// GetDeviceTokenByID looks up a token by its primary key.
func (s *Store) GetDeviceTokenByID(ctx context.Context, id string) (DeviceToken, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceTokenColumns+` FROM device_tokens WHERE id = ?`, id)
	t, err := scanDeviceToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DeviceToken{}, ErrNotFound
	}
	if err != nil {
		return DeviceToken{}, fmt.Errorf("querying device token by id: %w", err)
	}
	return t, nil
}

// DisableDeviceToken marks a token disabled without deleting it (conversations
// may still reference it).
func (s *Store) DisableDeviceToken(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE device_tokens SET status = 'disabled' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("disabling device token: %w", err)
	}
	return nil
}

// RotateDeviceToken atomically mints a replacement token, rewrites every
// token-keyed ownership reference from old to new, and disables the old
// token, all within one transaction.
func (s *Store) RotateDeviceToken(ctx context.Context, oldID string, next DeviceToken) (DeviceToken, error) {
	var created DeviceToken

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		next.ID = uuid.NewString()
		next.CreatedAt = time.Now().UTC()
		if next.Status == "" {
			next.Status = "active"
		}

		var userID any
		if next.UserID != nil {
			userID = *next.UserID
		}
		var expiresAt any
		if next.ExpiresAt != nil {
			expiresAt = *next.ExpiresAt
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO device_tokens (id, user_id, token_hash, token_prefix, tier, status, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			next.ID, userID, next.TokenHash, next.TokenPrefix, next.Tier, next.Status, next.CreatedAt, expiresAt,
		); err != nil {
			return fmt.Errorf("inserting replacement token: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE conversations SET device_token = ? WHERE device_token = ?`, next.ID, oldID); err != nil {
			return fmt.Errorf("rewriting conversation ownership: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE usage_daily SET token = ? WHERE token = ?`, next.ID, oldID); err != nil {
			return fmt.Errorf("rewriting usage ownership: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE device_tokens SET status = 'disabled' WHERE id = ?`, oldID); err != nil {
			return fmt.Errorf("disabling old token: %w", err)
		}

		created = next
		return nil
	})
	if err != nil {
		return DeviceToken{}, err
	}
	return created, nil
}
