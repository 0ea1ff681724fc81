package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetUsageToday returns the (token, day) usage row, or a zeroed row if none
// exists yet.
func (s *Store) GetUsageToday(ctx context.Context, token, day string) (UsageDaily, error) {
	u := UsageDaily{Token: token, Day: day}
	err := s.db.QueryRowContext(ctx, `
		SELECT prompt_tokens, completion_tokens, requests FROM usage_daily
		WHERE token = ? AND day = ?`, token, day,
	).Scan(&u.PromptTokens, &u.CompletionTokens, &u.Requests)
	if errors.Is(err, sql.ErrNoRows) {
		return u, nil
	}
	if err != nil {
		return UsageDaily{}, fmt.Errorf("querying daily usage: %w", err)
	}
	return u, nil
}

// AccumulateUsageTx atomically upserts the (token, day) counters by adding
// the given deltas. Called once, after a successful upstream call, so
// charging is never partial.
func (s *Store) AccumulateUsageTx(ctx context.Context, tx *sql.Tx, token, day string, promptTokens, completionTokens int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO usage_daily (token, day, prompt_tokens, completion_tokens, requests)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT (token, day) DO UPDATE SET
			prompt_tokens = prompt_tokens + excluded.prompt_tokens,
			completion_tokens = completion_tokens + excluded.completion_tokens,
			requests = requests + 1`,
		token, day, promptTokens, completionTokens,
	)
	if err != nil {
		return fmt.Errorf("accumulating daily usage: %w", err)
	}
	return nil
}
