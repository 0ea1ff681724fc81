package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// tokenPrefix is the opaque bearer credential's wire prefix.
const tokenPrefix = "ocw1_"

// generateDeviceToken creates a random opaque device token, its SHA-256 hash
// for storage, and a short prefix kept alongside the hash for display and
// fast lookup narrowing.
func generateDeviceToken() (raw, hash, displayPrefix string) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	raw = tokenPrefix + hex.EncodeToString(b)
	hash = hashToken(raw)
	displayPrefix = raw[:len(tokenPrefix)+8]
	return
}

// hashToken returns the SHA-256 hex digest of a raw token, used as the
// lookup key so raw tokens are never stored.
func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// looksLikeDeviceToken reports whether s has the expected wire shape. It does
// not verify the token exists; callers still hash and look it up.
func looksLikeDeviceToken(s string) bool {
	return len(s) > len(tokenPrefix) && s[:len(tokenPrefix)] == tokenPrefix
}
