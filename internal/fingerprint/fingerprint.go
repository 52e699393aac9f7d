// Package fingerprint derives the one-way token fingerprints stored in place of device secrets.
package fingerprint

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// Token returns the unpadded base64url SHA-256 digest of the secret.
func Token(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Matches reports whether secret hashes to the stored fingerprint.
func Matches(secret, stored string) bool {
	if stored == "" {
		return false
	}
	computed := Token(secret)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(stored)) == 1
}
