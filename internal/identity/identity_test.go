package identity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/theoclaw/openclaw-proxy/internal/apperror"
	"github.com/theoclaw/openclaw-proxy/internal/platform"
	"github.com/theoclaw/openclaw-proxy/internal/store"
)

func newTestService(t *testing.T) *Service {
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
	return New(st, NewLoginLockout(), nil, "", nil, 720*time.Hour, 168*time.Hour)
}

func TestRegisterAndLogin(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	reg, err := svc.Register(ctx, "  A@B.C  ", "password1", "")
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if reg.Tier != TierFree {
		t.Errorf("Register() tier = %s, want free", reg.Tier)
	}

	login, err := svc.Login(ctx, "a@b.c", "password1", "1.2.3.4")
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if login.Token == reg.Token {
		t.Errorf("Login() should mint a distinct token from Register()")
	}
}

func TestRegisterDuplicateEmailConflicts(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "dup@b.c", "password1", ""); err != nil {
		t.Fatalf("first Register() error: %v", err)
	}
	_, err := svc.Register(ctx, "dup@b.c", "password1", "")
	appErr, ok := apperror.As(err)
	if !ok || appErr.Kind != apperror.KindConflict {
		t.Errorf("second Register() error = %v, want conflict", err)
	}
}

func TestPasswordLengthBoundaries(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		pw      string
		wantErr bool
	}{
		{"7 chars rejected", "1234567", true},
		{"8 chars accepted", "12345678", false},
		{"72 chars accepted", string(make([]byte, 72, 72)), false},
		{"73 chars rejected", string(make([]byte, 73, 73)), true},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pw := make([]byte, len(tt.pw))
			for j := range pw {
				pw[j] = 'a'
			}
			_, err := svc.Register(ctx, emailFor(i), string(pw), "")
			if tt.wantErr && err == nil {
				t.Errorf("expected error for password length %d", len(tt.pw))
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error for password length %d: %v", len(tt.pw), err)
			}
		})
	}
}

func emailFor(i int) string {
	return string(rune('a'+i)) + "@boundary.test"
}

func TestLoginWrongPasswordIsGeneric(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "wp@b.c", "password1", ""); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	_, err1 := svc.Login(ctx, "wp@b.c", "wrongpassword", "9.9.9.9")
	_, err2 := svc.Login(ctx, "nosuchuser@b.c", "whatever1", "9.9.9.9")

	if err1.Error() != err2.Error() {
		t.Errorf("expected identical generic error, got %q and %q", err1, err2)
	}
}

func TestLoginLockoutAfterFiveFailures(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "lock@b.c", "password1", ""); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	ip := "5.5.5.5"
	base := time.Now().UTC()
	offsets := []time.Duration{0, 10 * time.Second, 20 * time.Second, 30 * time.Second, 40 * time.Second}

	for _, off := range offsets {
		now := base.Add(off)
		if svc.lockout.Locked(ip, now) {
			t.Fatalf("should not be locked before 5th failure at offset %v", off)
		}
		svc.lockout.RecordFailure(ip, now)
	}

	lockedAt := base.Add(40*time.Second + 299*time.Second)
	if !svc.lockout.Locked(ip, lockedAt) {
		t.Errorf("expected locked at t+40+299s")
	}

	clearedAt := base.Add(40*time.Second + 301*time.Second)
	if svc.lockout.Locked(ip, clearedAt) {
		t.Errorf("expected unlocked at t+40+301s")
	}
}

func TestLoginLockoutClearedBySuccess(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "clear@b.c", "password1", ""); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	ip := "6.6.6.6"
	for i := 0; i < 4; i++ {
		svc.lockout.RecordFailure(ip, time.Now().UTC())
	}

	if _, err := svc.Login(ctx, "clear@b.c", "password1", ip); err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	if svc.lockout.Locked(ip, time.Now().UTC()) {
		t.Errorf("lockout should be cleared after a successful login")
	}
}

func mintRawTokenWithExpiry(t *testing.T, svc *Service, expiresAt time.Time) string {
	t.Helper()
	raw, hash, prefix := generateDeviceToken()
	_, err := svc.store.CreateDeviceToken(context.Background(), store.DeviceToken{
		TokenHash:   hash,
		TokenPrefix: prefix,
		Tier:        string(TierFree),
		ExpiresAt:   &expiresAt,
	})
	if err != nil {
		t.Fatalf("minting raw token: %v", err)
	}
	return raw
}

func TestRefreshTokenWindowBoundaries(t *testing.T) {
	now := time.Now().UTC()

	t.Run("too early rejected", func(t *testing.T) {
		svc := newTestService(t)
		raw := mintRawTokenWithExpiry(t, svc, now.Add(7*24*time.Hour+time.Second))
		if _, err := svc.RefreshToken(context.Background(), raw); err == nil {
			t.Errorf("expected refresh to be rejected just outside the window")
		}
	})

	t.Run("at exactly 7 days allowed", func(t *testing.T) {
		svc := newTestService(t)
		raw := mintRawTokenWithExpiry(t, svc, now.Add(7*24*time.Hour))
		if _, err := svc.RefreshToken(context.Background(), raw); err != nil {
			t.Errorf("expected refresh to be allowed exactly at the window: %v", err)
		}
	})

	t.Run("not yet expired but inside window allowed", func(t *testing.T) {
		svc := newTestService(t)
		raw := mintRawTokenWithExpiry(t, svc, now.Add(time.Hour))
		if _, err := svc.RefreshToken(context.Background(), raw); err != nil {
			t.Errorf("expected refresh to be allowed well inside the window: %v", err)
		}
	})
}

func TestRegisterMintsActiveToken(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	reg, err := svc.Register(ctx, "exp@b.c", "password1", "")
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	tok, err := svc.store.GetDeviceTokenByHash(ctx, hashToken(reg.Token))
	if err != nil {
		t.Fatalf("looking up token: %v", err)
	}
	if !tok.Active(time.Now().UTC()) {
		t.Fatalf("freshly minted token should be active")
	}
}
