package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/theoclaw/openclaw-proxy/internal/platform"
)

func newTestStore(t *testing.T) *Store {
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
	return New(db)
}

func TestCreateAndGetUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, User{Email: "a@b.c", PasswordHash: "hash", Tier: "free"})
	if err != nil {
		t.Fatalf("CreateUser() error: %v", err)
	}
	if u.ID == "" {
		t.Fatalf("expected generated id")
	}

	got, err := s.GetUserByEmail(ctx, "a@b.c")
	if err != nil {
		t.Fatalf("GetUserByEmail() error: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("GetUserByEmail() id = %s, want %s", got.ID, u.ID)
	}
}

func TestCreateUserDuplicateEmailConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateUser(ctx, User{Email: "dup@b.c", Tier: "free"}); err != nil {
		t.Fatalf("first CreateUser() error: %v", err)
	}
	if _, err := s.CreateUser(ctx, User{Email: "dup@b.c", Tier: "free"}); err != ErrConflict {
		t.Errorf("second CreateUser() error = %v, want ErrConflict", err)
	}
}

func TestGetUserByEmailNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetUserByEmail(context.Background(), "nobody@nowhere"); err != ErrNotFound {
		t.Errorf("GetUserByEmail() error = %v, want ErrNotFound", err)
	}
}

func TestConversationOwnershipAndMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "tok-1")
	if err != nil {
		t.Fatalf("CreateConversation() error: %v", err)
	}

	if _, err := s.GetConversationOwned(ctx, conv.ID, "tok-2"); err != ErrNotFound {
		t.Errorf("GetConversationOwned() with wrong token error = %v, want ErrNotFound", err)
	}

	got, err := s.GetConversationOwned(ctx, conv.ID, "tok-1")
	if err != nil {
		t.Fatalf("GetConversationOwned() error: %v", err)
	}
	if got.ID != conv.ID {
		t.Errorf("GetConversationOwned() id = %s, want %s", got.ID, conv.ID)
	}

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.InsertMessageTx(ctx, tx, conv.ID, RoleUser, "hi"); err != nil {
			return err
		}
		_, err := s.InsertMessageTx(ctx, tx, conv.ID, RoleAssistant, "hello")
		return err
	})
	if err != nil {
		t.Fatalf("inserting messages: %v", err)
	}

	msgs, err := s.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ListMessages() error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[1].Role != RoleAssistant {
		t.Errorf("messages out of order: %+v", msgs)
	}
	if msgs[0].Seq >= msgs[1].Seq {
		t.Errorf("expected seq to increase: %d, %d", msgs[0].Seq, msgs[1].Seq)
	}
}

func TestRotateDeviceTokenRewritesOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old, err := s.CreateDeviceToken(ctx, DeviceToken{TokenHash: "h1", TokenPrefix: "ocw1_aaaa", Tier: "free"})
	if err != nil {
		t.Fatalf("CreateDeviceToken() error: %v", err)
	}

	conv, err := s.CreateConversation(ctx, old.ID)
	if err != nil {
		t.Fatalf("CreateConversation() error: %v", err)
	}

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.AccumulateUsageTx(ctx, tx, old.ID, "2026-07-31", 10, 5)
	})
	if err != nil {
		t.Fatalf("AccumulateUsageTx() error: %v", err)
	}

	next, err := s.RotateDeviceToken(ctx, old.ID, DeviceToken{TokenHash: "h2", TokenPrefix: "ocw1_bbbb", Tier: "free"})
	if err != nil {
		t.Fatalf("RotateDeviceToken() error: %v", err)
	}

	if _, err := s.GetConversationOwned(ctx, conv.ID, old.ID); err != ErrNotFound {
		t.Errorf("old token should no longer own conversation, error = %v", err)
	}
	if _, err := s.GetConversationOwned(ctx, conv.ID, next.ID); err != nil {
		t.Errorf("new token should own conversation, error = %v", err)
	}

	usage, err := s.GetUsageToday(ctx, next.ID, "2026-07-31")
	if err != nil {
		t.Fatalf("GetUsageToday() error: %v", err)
	}
	if usage.PromptTokens != 10 || usage.CompletionTokens != 5 {
		t.Errorf("usage not rewritten: %+v", usage)
	}

	oldTok, err := s.GetDeviceTokenByID(ctx, old.ID)
	if err != nil {
		t.Fatalf("GetDeviceTokenByID() error: %v", err)
	}
	if oldTok.Status != "disabled" {
		t.Errorf("old token status = %s, want disabled", oldTok.Status)
	}
}

func TestAccumulateUsageIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := func(prompt, completion int) {
		err := s.WithTx(ctx, func(tx *sql.Tx) error {
			return s.AccumulateUsageTx(ctx, tx, "tok", "2026-07-31", prompt, completion)
		})
		if err != nil {
			t.Fatalf("AccumulateUsageTx() error: %v", err)
		}
	}

	run(100, 50)
	run(200, 75)

	usage, err := s.GetUsageToday(ctx, "tok", "2026-07-31")
	if err != nil {
		t.Fatalf("GetUsageToday() error: %v", err)
	}
	if usage.PromptTokens != 300 || usage.CompletionTokens != 125 || usage.Requests != 2 {
		t.Errorf("usage = %+v, want prompt=300 completion=125 requests=2", usage)
	}
}
