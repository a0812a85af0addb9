package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

const base62Chars = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// GenerateKeyID returns a public key identifier of the form
// eco_api_<22 base62 characters>. The identifier is not secret; it is
// what rate limiting and usage attribution key on.
func GenerateKeyID() (string, error) {
	suffix, err := randomBase62(22)
	if err != nil {
		return "", err
	}
	return "eco_api_" + suffix, nil
}

// GenerateSecret returns the secret half of a plain key, shown once at
// creation. The full plain key is "<keyID>.<secret>".
func GenerateSecret() (string, error) {
	return randomBase62(22)
}

func randomBase62(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	out := make([]byte, length)
	for i, v := range b {
		out[i] = base62Chars[int(v)%len(base62Chars)]
	}
	return string(out), nil
}

// HashKey returns the SHA-256 hex digest of a plain key.
func HashKey(plainKey string) string {
	hash := sha256.Sum256([]byte(plainKey))
	return fmt.Sprintf("%x", hash)
}

// KeyPrefix returns the displayable prefix of a plain key.
func KeyPrefix(plainKey string) string {
	if len(plainKey) < 12 {
		return plainKey
	}
	return plainKey[:12]
}
