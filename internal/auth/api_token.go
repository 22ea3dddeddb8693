package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const apiTokenPrefix = "mbs_"

type APITokenGenerator struct{}

func NewAPITokenGenerator() *APITokenGenerator {
	return &APITokenGenerator{}
}

// GenerateToken creates a new API token and its storage hash.
// Format: mbs_<uuid>_<random_secret>
func (m *APITokenGenerator) GenerateToken() (string, string, error) {
	id := uuid.New()

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate secret: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)

	token := fmt.Sprintf("%s%s_%s", apiTokenPrefix, id.String(), secret)
	return token, m.HashToken(token), nil
}

func (m *APITokenGenerator) HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidateTokenFormat checks prefix and length before any lookup.
func (m *APITokenGenerator) ValidateTokenFormat(token string) bool {
	if len(token) != len(apiTokenPrefix)+36+1+64 {
		return false
	}
	return strings.HasPrefix(token, apiTokenPrefix)
}
