// Package identity implements registration, password and external-identity
// login, and the device-token lifecycle: minting, refresh with ownership
// rewrite, and expiry/disabled-state checks.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/theoclaw/openclaw-proxy/internal/apperror"
	"github.com/theoclaw/openclaw-proxy/internal/store"
)

// Service implements the Identity component.
type Service struct {
	store         *store.Store
	lockout       *LoginLockout
	jwks          *JWKSCache
	appleIssuer   string
	appleAudience []string
	tokenTTL      time.Duration
	refreshWindow time.Duration
}

// New builds an identity Service. jwks may be nil when Apple sign-in is not
// configured; ExternalIdentityLogin then always fails.
func New(st *store.Store, lockout *LoginLockout, jwks *JWKSCache, appleIssuer string, appleAudience []string, tokenTTL, refreshWindow time.Duration) *Service {
	return &Service{
		store:         st,
		lockout:       lockout,
		jwks:          jwks,
		appleIssuer:   appleIssuer,
		appleAudience: appleAudience,
		tokenTTL:      tokenTTL,
		refreshWindow: refreshWindow,
	}
}

// AuthResult is the shape returned by every minting operation.
type AuthResult struct {
	UserID    string
	Token     string
	Tier      Tier
	ExpiresAt time.Time
	Created   bool
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	if len(email) == 0 || len(email) > 254 {
		return apperror.MalformedInput("email must be 1-254 characters")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return apperror.MalformedInput("invalid email address")
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < 8 || len(password) > 72 {
		return apperror.MalformedInput("password must be 8-72 characters")
	}
	return nil
}

// Register creates a new free-tier user and mints its first device token.
func (s *Service) Register(ctx context.Context, email, password, name string) (AuthResult, error) {
	email = normalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return AuthResult{}, err
	}
	if err := validatePassword(password); err != nil {
		return AuthResult{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return AuthResult{}, apperror.Internal("hashing password", err)
	}

	u, err := s.store.CreateUser(ctx, store.User{
		Email:        email,
		PasswordHash: string(hash),
		Tier:         string(TierFree),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return AuthResult{}, apperror.Conflict("an account with this email already exists")
		}
		return AuthResult{}, apperror.Internal("creating user", err)
	}

	result, err := s.mintToken(ctx, &u.ID, TierFree)
	result.Created = true
	return result, err
}

// Login authenticates by password, enforcing the per-IP lockout.
func (s *Service) Login(ctx context.Context, email, password, clientIP string) (AuthResult, error) {
	now := time.Now().UTC()
	if s.lockout.Locked(clientIP, now) {
		return AuthResult{}, apperror.RateLimited("too many failed login attempts, try again later")
	}

	email = normalizeEmail(email)
	genericErr := apperror.Unauthenticated("invalid email or password")

	u, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		s.lockout.RecordFailure(clientIP, now)
		if errors.Is(err, store.ErrNotFound) {
			return AuthResult{}, genericErr
		}
		return AuthResult{}, apperror.Internal("looking up user", err)
	}

	if u.PasswordHash == "" {
		s.lockout.RecordFailure(clientIP, now)
		return AuthResult{}, genericErr
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		s.lockout.RecordFailure(clientIP, now)
		return AuthResult{}, genericErr
	}

	s.lockout.Clear(clientIP)

	tier, ok := NormalizeTier(u.Tier)
	if !ok {
		tier = TierFree
	}
	return s.mintToken(ctx, &u.ID, tier)
}

// ExternalIdentityLogin verifies an Apple identity token and binds, links, or
// creates a user, per the three-way resolution in the spec.
func (s *Service) ExternalIdentityLogin(ctx context.Context, identityToken, declaredEmail, declaredName string) (AuthResult, error) {
	if s.jwks == nil {
		return AuthResult{}, apperror.Internal("external identity login is not configured", nil)
	}

	subject, claimEmail, err := VerifyAppleIdentityToken(ctx, s.jwks, identityToken, s.appleIssuer, s.appleAudience)
	if err != nil {
		return AuthResult{}, apperror.Unauthenticated("invalid external identity token")
	}

	if u, err := s.store.GetUserByAppleID(ctx, subject); err == nil {
		tier, ok := NormalizeTier(u.Tier)
		if !ok {
			tier = TierFree
		}
		return s.mintToken(ctx, &u.ID, tier)
	} else if !errors.Is(err, store.ErrNotFound) {
		return AuthResult{}, apperror.Internal("looking up external identity", err)
	}

	email := declaredEmail
	if email == "" {
		email = claimEmail
	}

	if email != "" {
		email = normalizeEmail(email)
		existing, err := s.store.GetUserByEmail(ctx, email)
		if err == nil {
			if existing.AppleID != "" && existing.AppleID != subject {
				return AuthResult{}, apperror.Conflict("this email is already linked to a different account")
			}
			if bindErr := s.store.BindAppleID(ctx, existing.ID, subject); bindErr != nil {
				if errors.Is(bindErr, store.ErrConflict) {
					return AuthResult{}, apperror.Conflict("this external identity is already bound to a different account")
				}
				return AuthResult{}, apperror.Internal("binding external identity", bindErr)
			}
			tier, ok := NormalizeTier(existing.Tier)
			if !ok {
				tier = TierFree
			}
			return s.mintToken(ctx, &existing.ID, tier)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return AuthResult{}, apperror.Internal("looking up user by email", err)
		}
	} else {
		email = fmt.Sprintf("%s@placeholder.openclaw.invalid", subject)
	}

	u, err := s.store.CreateUser(ctx, store.User{Email: email, AppleID: subject, Tier: string(TierFree)})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return AuthResult{}, apperror.Conflict("this external identity is already bound to a different account")
		}
		return AuthResult{}, apperror.Internal("creating user", err)
	}

	result, err := s.mintToken(ctx, &u.ID, TierFree)
	result.Created = true
	return result, err
}

// RefreshToken rotates a device token, only within the final refreshWindow of
// its lifetime, rewriting every token-keyed ownership reference atomically.
func (s *Service) RefreshToken(ctx context.Context, oldRaw string) (AuthResult, error) {
	old, err := s.lookupActiveToken(ctx, oldRaw)
	if err != nil {
		return AuthResult{}, err
	}

	if old.ExpiresAt == nil {
		return AuthResult{}, apperror.Forbidden("token has no expiry and cannot be refreshed early")
	}

	now := time.Now().UTC()
	if old.ExpiresAt.Sub(now) > s.refreshWindow {
		return AuthResult{}, apperror.Forbidden("token is not yet within the refresh window")
	}

	tier, ok := NormalizeTier(old.Tier)
	if !ok {
		tier = TierFree
	}
	expiresAt := now.Add(s.tokenTTL)
	raw, hash, prefix := generateDeviceToken()

	next, err := s.store.RotateDeviceToken(ctx, old.ID, store.DeviceToken{
		UserID:      old.UserID,
		TokenHash:   hash,
		TokenPrefix: prefix,
		Tier:        string(tier),
		ExpiresAt:   &expiresAt,
	})
	if err != nil {
		return AuthResult{}, apperror.Internal("rotating device token", err)
	}

	if old.UserID != nil {
		if err := s.store.StampLastRefresh(ctx, *old.UserID, now); err != nil {
			return AuthResult{}, apperror.Internal("stamping last refresh", err)
		}
	}

	return AuthResult{UserID: derefOrEmpty(next.UserID), Token: raw, Tier: tier, ExpiresAt: expiresAt}, nil
}

// RequireUser resolves a raw bearer token to its owning user, enforcing
// expiry and active status.
func (s *Service) RequireUser(ctx context.Context, rawToken string) (store.DeviceToken, store.User, error) {
	tok, err := s.lookupActiveToken(ctx, rawToken)
	if err != nil {
		return store.DeviceToken{}, store.User{}, err
	}

	if tok.UserID == nil {
		return tok, store.User{}, nil
	}

	u, err := s.store.GetUserByID(ctx, *tok.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.DeviceToken{}, store.User{}, apperror.Unauthenticated("token owner no longer exists")
		}
		return store.DeviceToken{}, store.User{}, apperror.Internal("loading token owner", err)
	}
	return tok, u, nil
}

// lookupActiveToken resolves a raw token and enforces the expiry/disabled
// distinction the taxonomy requires: expired tokens are unauthenticated
// ("absent"), disabled tokens are forbidden.
func (s *Service) lookupActiveToken(ctx context.Context, raw string) (store.DeviceToken, error) {
	if !looksLikeDeviceToken(raw) {
		return store.DeviceToken{}, apperror.Unauthenticated("malformed bearer token")
	}

	tok, err := s.store.GetDeviceTokenByHash(ctx, hashToken(raw))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.DeviceToken{}, apperror.Unauthenticated("invalid token")
		}
		return store.DeviceToken{}, apperror.Internal("looking up token", err)
	}

	now := time.Now().UTC()
	if tok.Expired(now) {
		return store.DeviceToken{}, apperror.Unauthenticated("token has expired")
	}
	if tok.Status != "active" {
		return store.DeviceToken{}, apperror.Forbidden("token is disabled")
	}
	return tok, nil
}

// AdminMintToken mints a device token outside the normal register/login/
// refresh flows, for the core's one admin surface. userID may be nil to mint
// a legacy token with no owning user, per the DeviceToken invariant.
func (s *Service) AdminMintToken(ctx context.Context, userID *string, tier Tier) (AuthResult, error) {
	if userID != nil {
		if _, err := s.store.GetUserByID(ctx, *userID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return AuthResult{}, apperror.NotFound("user does not exist")
			}
			return AuthResult{}, apperror.Internal("looking up user", err)
		}
	}
	return s.mintToken(ctx, userID, tier)
}

// AdminChangeTier changes a user's service tier. It does not retroactively
// change the tier of device tokens already minted for that user; a token's
// effective tier is fixed at mint time per the DeviceToken invariant.
func (s *Service) AdminChangeTier(ctx context.Context, userID string, tier Tier) error {
	if err := s.store.UpdateTier(ctx, userID, string(tier)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperror.NotFound("user does not exist")
		}
		return apperror.Internal("updating tier", err)
	}
	return nil
}

func (s *Service) mintToken(ctx context.Context, userID *string, tier Tier) (AuthResult, error) {
	raw, hash, prefix := generateDeviceToken()
	expiresAt := time.Now().UTC().Add(s.tokenTTL)

	tok, err := s.store.CreateDeviceToken(ctx, store.DeviceToken{
		UserID:      userID,
		TokenHash:   hash,
		TokenPrefix: prefix,
		Tier:        string(tier),
		ExpiresAt:   &expiresAt,
	})
	if err != nil {
		return AuthResult{}, apperror.Internal("minting device token", err)
	}

	return AuthResult{
		UserID:    derefOrEmpty(tok.UserID),
		Token:     raw,
		Tier:      tier,
		ExpiresAt: expiresAt,
	}, nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
