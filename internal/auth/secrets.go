// ABOUTME: API key generation, secret digests (BLAKE3) and password hashing (bcrypt)
// ABOUTME: Only digests of API keys, codes and refresh tokens are ever stored

package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyPrefix marks gateway API keys so they can be told apart from JWTs.
const APIKeyPrefix = "tgw_"

// apiKeyDisplayLen is how much of the plaintext is kept for display.
const apiKeyDisplayLen = len(APIKeyPrefix) + 8

// GeneratedAPIKey is a new key. Plaintext is shown to the caller once and
// never stored.
type GeneratedAPIKey struct {
	Plaintext string
	Prefix    string
	Digest    string
}

// GenerateAPIKey creates a random API key.
func GenerateAPIKey() (*GeneratedAPIKey, error) {
	secret, err := RandomSecret(32)
	if err != nil {
		return nil, err
	}
	plaintext := APIKeyPrefix + secret
	return &GeneratedAPIKey{
		Plaintext: plaintext,
		Prefix:    plaintext[:apiKeyDisplayLen],
		Digest:    HashSecret(plaintext),
	}, nil
}

// IsAPIKey reports whether s is shaped like a gateway API key.
func IsAPIKey(s string) bool {
	return strings.HasPrefix(s, APIKeyPrefix) && len(s) > apiKeyDisplayLen
}

// RandomSecret returns n random bytes, base64url encoded without padding.
func RandomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashSecret returns the hex BLAKE3-256 digest used to store and look up
// high-entropy secrets (API keys, authorization codes).
func HashSecret(secret string) string {
	sum := blake3.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// HashPassword hashes a user password with bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", errors.New("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
