package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// KeyPrefixLength is the number of characters shown for identification.
	KeyPrefixLength = 8
	// KeyLength is the random byte length of generated keys.
	KeyLength = 32
	// DefaultKeyPrefix marks gateway-issued keys.
	DefaultKeyPrefix = "rmx_"
)

// GenerateAPIKey creates a random key. It returns the full key, shown
// to the caller once, and the hash stored server side.
func GenerateAPIKey() (fullKey, hash string, err error) {
	randomBytes := make([]byte, KeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("generate random bytes: %w", err)
	}

	fullKey = DefaultKeyPrefix + base64.RawURLEncoding.EncodeToString(randomBytes)
	hash = HashKey(fullKey)
	return fullKey, hash, nil
}

// HashKey creates a SHA-256 hash of the API key.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// VerifyKey compares a key against a stored hash in constant time.
func VerifyKey(key, hash string) bool {
	keyHash := HashKey(key)
	return subtle.ConstantTimeCompare([]byte(keyHash), []byte(hash)) == 1
}

// ExtractKeyPrefix returns the identifying prefix of a key.
func ExtractKeyPrefix(key string) string {
	if len(key) <= KeyPrefixLength {
		return key
	}
	return key[:KeyPrefixLength]
}

// ParseAuthHeader extracts the API key from an Authorization header.
// Supports "Bearer <key>" and bare "<key>".
func ParseAuthHeader(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("authorization header is empty")
	}

	if strings.HasPrefix(header, "Bearer ") {
		key := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if key == "" {
			return "", fmt.Errorf("bearer token is empty")
		}
		return key, nil
	}

	return strings.TrimSpace(header), nil
}

// MaskKey returns a loggable form of a key, e.g. "rmx_abcd...wxyz".
func MaskKey(key string) string {
	if len(key) <= 12 {
		return "***"
	}
	return key[:8] + "..." + key[len(key)-4:]
}
