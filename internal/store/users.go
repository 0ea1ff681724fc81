package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const userColumns = `id, email, password_hash, apple_id, tier, persona_prompt, created_at, updated_at, last_refresh_at`

func scanUser(row interface {
	Scan(dest ...any) error
}) (User, error) {
	var u User
	var passwordHash, appleID, persona sql.NullString
	var lastRefresh sql.NullTime

	if err := row.Scan(&u.ID, &u.Email, &passwordHash, &appleID, &u.Tier, &persona, &u.CreatedAt, &u.UpdatedAt, &lastRefresh); err != nil {
		return User{}, err
	}

	u.PasswordHash = passwordHash.String
	u.AppleID = appleID.String
	u.PersonaPrompt = persona.String
	if lastRefresh.Valid {
		t := lastRefresh.Time
		u.LastRefreshAt = &t
	}
	return u, nil
}

// CreateUser inserts a new user row. email must already be normalized
// (lower-cased, trimmed) by the caller.
func (s *Store) CreateUser(ctx context.Context, u User) (User, error) {
	u.ID = uuid.NewString()
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, apple_id, tier, persona_prompt, created_at, updated_at)
		VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?)`,
		u.ID, u.Email, u.PasswordHash, u.AppleID, u.Tier, u.PersonaPrompt, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrConflict
		}
		return User{}, fmt.Errorf("inserting user: %w", err)
	}
	return u, nil
}

// GetUserByEmail looks up a user by normalized email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("querying user by email: %w", err)
	}
	return u, nil
}

// GetUserByAppleID looks up a user by external-identity subject.
func (s *Store) GetUserByAppleID(ctx context.Context, appleID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE apple_id = ?`, appleID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("querying user by apple id: %w", err)
	}
	return u, nil
}

// GetUserByID looks up a user by primary key.
func (s *Store) GetUserByID(ctx context.Context, id string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("querying user by id: %w", err)
	}
	return u, nil
}

// BindAppleID links an external-identity subject to an existing user.
func (s *Store) BindAppleID(ctx context.Context, userID, appleID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET apple_id = ?, updated_at = ? WHERE id = ?`,
		appleID, time.Now().UTC(), userID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("binding apple id: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTier changes a user's service tier, for the admin tier-change surface.
func (s *Store) UpdateTier(ctx context.Context, userID, tier string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET tier = ?, updated_at = ? WHERE id = ?`,
		tier, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("updating user tier: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// StampLastRefresh records the time of a successful token refresh for the user.
func (s *Store) StampLastRefresh(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_refresh_at = ?, updated_at = ? WHERE id = ?`, at, at, userID)
	if err != nil {
		return fmt.Errorf("stamping last refresh: %w", err)
	}
	return nil
}
