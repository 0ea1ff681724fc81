package quota

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/theoclaw/openclaw-proxy/internal/apperror"
	"github.com/theoclaw/openclaw-proxy/internal/identity"
	"github.com/theoclaw/openclaw-proxy/internal/platform"
	"github.com/theoclaw/openclaw-proxy/internal/store"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 1},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("a", 400), 100},
		{strings.Repeat("a", 401), 101},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(len=%d) = %d, want %d", len(tt.text), got, tt.want)
		}
	}
}

func TestTruncateHistoryDropsOldestNonSystemFirst(t *testing.T) {
	limits := identity.TierLimits{MaxContextTokens: 10}
	messages := []store.Message{
		{Role: store.RoleSystem, Content: strings.Repeat("a", 16)}, // 4 tokens, never dropped
		{Role: store.RoleUser, Content: strings.Repeat("b", 16)},   // 4 tokens, oldest non-system
		{Role: store.RoleAssistant, Content: strings.Repeat("c", 16)},
		{Role: store.RoleUser, Content: strings.Repeat("d", 16)},
	}

	kept := TruncateHistory(messages, limits, 0)

	if len(kept) == len(messages) {
		t.Fatalf("expected truncation to drop at least one message")
	}
	if kept[0].Role != store.RoleSystem {
		t.Errorf("system message should survive truncation as the first entry")
	}
	if kept[1].Content == strings.Repeat("b", 16) {
		t.Errorf("oldest non-system message should have been dropped first")
	}
}

func TestTruncateHistoryNeverDropsSystemMessages(t *testing.T) {
	limits := identity.TierLimits{MaxContextTokens: 1}
	messages := []store.Message{
		{Role: store.RoleSystem, Content: strings.Repeat("a", 4000)},
		{Role: store.RoleUser, Content: "hi"},
	}

	kept := TruncateHistory(messages, limits, 0)

	if len(kept) != 1 || kept[0].Role != store.RoleSystem {
		t.Errorf("expected only the system message to survive, got %+v", kept)
	}
}

func TestCapOutputTokens(t *testing.T) {
	limits := identity.TierLimits{MaxOutputTokens: 2048}

	tests := []struct {
		requested int
		want      int
	}{
		{0, 2048},
		{-5, 2048},
		{100, 100},
		{2048, 2048},
		{4096, 2048},
	}
	for _, tt := range tests {
		if got := CapOutputTokens(tt.requested, limits); got != tt.want {
			t.Errorf("CapOutputTokens(%d) = %d, want %d", tt.requested, got, tt.want)
		}
	}
}

func newTestGatekeeper(t *testing.T) (*Gatekeeper, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	db, err := platform.OpenDatastore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("opening datastore: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := platform.RunMigrations(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	st := store.New(db)
	return NewGatekeeper(st), st
}

func TestGatekeeperCheckRejectsOverBudget(t *testing.T) {
	gk, st := newTestGatekeeper(t)
	ctx := context.Background()
	limits := identity.TierLimits{DailyTokens: 100}

	if err := gk.Check(ctx, "tok-a", 50, limits); err != nil {
		t.Fatalf("Check() under budget: %v", err)
	}

	if err := st.WithTx(ctx, func(tx *sql.Tx) error {
		return gk.Charge(ctx, tx, "tok-a", 80, 20)
	}); err != nil {
		t.Fatalf("charging usage: %v", err)
	}

	if err := gk.Check(ctx, "tok-a", 1, limits); err == nil {
		t.Fatalf("expected Check() to reject a request over the daily budget")
	} else if appErr, ok := apperror.As(err); !ok || appErr.Kind != apperror.KindRateLimited {
		t.Errorf("expected a rate-limited apperror, got %v", err)
	}
}

func TestGatekeeperChargeAccumulates(t *testing.T) {
	gk, st := newTestGatekeeper(t)
	ctx := context.Background()

	charge := func(prompt, completion int) {
		if err := st.WithTx(ctx, func(tx *sql.Tx) error {
			return gk.Charge(ctx, tx, "tok-b", prompt, completion)
		}); err != nil {
			t.Fatalf("charging usage: %v", err)
		}
	}
	charge(10, 5)
	charge(7, 3)

	usage, err := st.GetUsageToday(ctx, "tok-b", gk.today())
	if err != nil {
		t.Fatalf("GetUsageToday: %v", err)
	}
	if usage.PromptTokens != 17 || usage.CompletionTokens != 8 || usage.Requests != 2 {
		t.Errorf("usage = %+v, want prompt=17 completion=8 requests=2", usage)
	}
}
