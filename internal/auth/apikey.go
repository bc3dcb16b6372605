// Package auth issues and checks operator API keys. Keys look like
// "achan_op_<40 hex chars>"; only their BLAKE3 digest is ever stored.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	apiKeyPrefix = "achan_op_"
	secretBytes  = 20
	digestDomain = "agentchan operator key v1\x00"
)

var ErrMalformedKey = errors.New("malformed operator api key")

func GenerateAPIKey() (string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate random bytes: %w", err)
	}
	return apiKeyPrefix + hex.EncodeToString(raw), nil
}

// CheckFormat rejects strings that could never be a key this package issued.
func CheckFormat(apiKey string) error {
	secret, ok := strings.CutPrefix(apiKey, apiKeyPrefix)
	if !ok || len(secret) != secretBytes*2 {
		return ErrMalformedKey
	}
	if _, err := hex.DecodeString(secret); err != nil {
		return ErrMalformedKey
	}
	return nil
}

func HashAPIKey(apiKey string) string {
	sum := blake3.Sum256([]byte(digestDomain + apiKey))
	return hex.EncodeToString(sum[:])
}

func VerifyAPIKey(rawAPIKey, expectedHash string) bool {
	actual := HashAPIKey(rawAPIKey)
	return subtle.ConstantTimeCompare([]byte(actual), []byte(expectedHash)) == 1
}

// Redact keeps the prefix and four characters of the secret, for logs and
// CLI output.
func Redact(apiKey string) string {
	secret, ok := strings.CutPrefix(apiKey, apiKeyPrefix)
	if !ok || len(secret) < 4 {
		return "[redacted]"
	}
	return apiKeyPrefix + secret[:4] + "..."
}

// BearerToken extracts the credential from an Authorization header. The
// scheme is matched case-insensitively.
func BearerToken(authHeader string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authHeader), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
