package identity

import (
	"context"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// appleClaims are the external-identity JWT claims this proxy cares about.
type appleClaims struct {
	jwt.Claims
	Email string `json:"email"`
}

// VerifyAppleIdentityToken verifies an Apple Sign In identity token against
// the configured issuer, audience list, and cached JWKS, per the spec's
// unverified-header-then-verify flow: inspect kid/alg without trusting the
// signature, resolve the key, then verify signature and registered claims.
func VerifyAppleIdentityToken(ctx context.Context, jwks *JWKSCache, raw, expectedIssuer string, expectedAudiences []string) (subject, email string, err error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return "", "", fmt.Errorf("parsing identity token: %w", err)
	}

	headers := tok.Headers
	if len(headers) == 0 {
		return "", "", fmt.Errorf("identity token has no header")
	}
	header := headers[0]
	if header.Algorithm != string(jose.RS256) {
		return "", "", fmt.Errorf("unexpected algorithm %q", header.Algorithm)
	}
	if header.KeyID == "" {
		return "", "", fmt.Errorf("identity token missing kid")
	}

	key, err := jwks.Key(ctx, header.KeyID)
	if err != nil {
		return "", "", fmt.Errorf("resolving signing key: %w", err)
	}

	var claims appleClaims
	if err := tok.Claims(key, &claims); err != nil {
		return "", "", fmt.Errorf("verifying identity token: %w", err)
	}

	if claims.Issuer != expectedIssuer {
		return "", "", fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}

	if !audienceMatches(claims.Audience, expectedAudiences) {
		return "", "", fmt.Errorf("audience mismatch")
	}

	if claims.Subject == "" {
		return "", "", fmt.Errorf("identity token missing sub")
	}

	return claims.Subject, claims.Email, nil
}

func audienceMatches(got jwt.Audience, allowed []string) bool {
	for _, want := range allowed {
		for _, g := range got {
			if g == want {
				return true
			}
		}
	}
	return false
}
