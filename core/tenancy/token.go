package tenancy

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
	tokenPrefix = "tenant:"
	secretBytes = 32
)

// mintSecret returns a fresh URL-safe secret.
func mintSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// TokenString assembles the wire form tenant:{id}:{secret}.
func TokenString(tenantID, secret string) string {
	return tokenPrefix + tenantID + ":" + secret
}

// HashSecret returns the hex SHA-256 of a secret, the only form persisted.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// ParseToken splits a wire token into tenant id and secret. It rejects tokens
// whose id segment fails IDPattern or whose secret segment is empty.
func ParseToken(token string) (tenantID, secret string, ok bool) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return "", "", false
	}
	rest := token[len(tokenPrefix):]
	idx := strings.Index(rest, ":")
	if idx <= 0 {
		return "", "", false
	}
	tenantID = rest[:idx]
	secret = rest[idx+1:]
	if !IDPattern.MatchString(tenantID) || secret == "" {
		return "", "", false
	}
	return tenantID, secret, true
}

// hashEqual compares two hex digests in constant time. Both sides are
// fixed-length SHA-256 hex, so length never leaks.
func hashEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
