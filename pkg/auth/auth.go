// Package auth issues and verifies the opaque bearer credentials handed to
// agents at registration, and the admin key protecting the admin surface.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// credentialBytes gives 256 bits of entropy, comfortably above the
// 128-bit floor required for agent credentials
const credentialBytes = 32

// GenerateCredential returns a fresh opaque bearer credential. The
// plaintext is handed to the agent exactly once; only its hash is stored.
func GenerateCredential() (string, error) {
	buf := make([]byte, credentialBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate credential: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

// HashCredential returns the hex SHA-256 of a credential. The hash is the
// stored lookup key for authentication; the digest is deterministic so the
// store can index it.
func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HashAdminKey hashes an admin key for at-rest storage in config
func HashAdminKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash admin key: %w", err)
	}
	return string(hash), nil
}

// VerifyAdminKey checks a presented admin key against its bcrypt hash
func VerifyAdminKey(hash, key string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
