// Package quota implements token estimation, tier-based context truncation,
// the daily usage gate, and output-token capping described in the spec's
// quota engine component. None of this talks to an upstream provider; it
// only shapes what goes into and comes out of one.
package quota

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/theoclaw/openclaw-proxy/internal/apperror"
	"github.com/theoclaw/openclaw-proxy/internal/identity"
	"github.com/theoclaw/openclaw-proxy/internal/store"
)

// EstimateTokens approximates token count from character length: one token
// per four bytes, rounded up, with a floor of one token for any input,
// including the empty string.
func EstimateTokens(text string) int {
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// TruncateHistory drops the oldest non-system messages, one at a time, until
// the estimated token total of the remaining messages (plus reserved) fits
// within the tier's context budget. System messages are never dropped.
func TruncateHistory(messages []store.Message, limits identity.TierLimits, reserved int) []store.Message {
	kept := make([]store.Message, len(messages))
	copy(kept, messages)

	total := reserved
	for _, m := range kept {
		total += EstimateTokens(m.Content)
	}

	for total > limits.MaxContextTokens {
		idx := -1
		for i, m := range kept {
			if m.Role != store.RoleSystem {
				idx = i
				break
			}
		}
		if idx == -1 {
			break // nothing left to drop; let the caller's downstream validation handle it
		}
		total -= EstimateTokens(kept[idx].Content)
		kept = append(kept[:idx], kept[idx+1:]...)
	}

	return kept
}

// CapOutputTokens clamps a caller-requested max_tokens to the tier ceiling.
// A non-positive request is treated as "use the tier ceiling".
func CapOutputTokens(requested int, limits identity.TierLimits) int {
	if requested <= 0 || requested > limits.MaxOutputTokens {
		return limits.MaxOutputTokens
	}
	return requested
}

// Gatekeeper enforces the daily token budget against the embedded datastore.
type Gatekeeper struct {
	store *store.Store
	clock func() time.Time
}

// NewGatekeeper builds a Gatekeeper over st, using wall-clock time.
func NewGatekeeper(st *store.Store) *Gatekeeper {
	return &Gatekeeper{store: st, clock: time.Now}
}

// Check compares today's accumulated usage plus the estimated prompt cost
// against the tier's daily budget. It charges nothing; callers must still
// call Charge after a successful completion. There is no partial admission:
// a request that would push usage over the budget is rejected outright.
func (g *Gatekeeper) Check(ctx context.Context, deviceToken string, promptTokens int, limits identity.TierLimits) error {
	day := g.today()
	usage, err := g.store.GetUsageToday(ctx, deviceToken, day)
	if err != nil {
		return fmt.Errorf("loading today's usage: %w", err)
	}

	used := usage.PromptTokens + usage.CompletionTokens
	if used+promptTokens > limits.DailyTokens {
		return apperror.RateLimited("daily token quota exceeded")
	}
	return nil
}

// Charge records actual prompt and completion token usage for today against
// deviceToken, inside the caller's transaction. It is the only place
// usage_daily is mutated, and it only ever adds — never overwrites — so
// concurrent completions accumulate correctly.
func (g *Gatekeeper) Charge(ctx context.Context, tx *sql.Tx, deviceToken string, promptTokens, completionTokens int) error {
	return g.store.AccumulateUsageTx(ctx, tx, deviceToken, g.today(), promptTokens, completionTokens)
}

func (g *Gatekeeper) today() string {
	return g.clock().UTC().Format("2006-01-02")
}
