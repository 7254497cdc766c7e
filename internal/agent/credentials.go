package agent

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// CredentialPrefix marks SentinelForge agent keys.
const CredentialPrefix = "snt_"

const credentialBytes = 32

// Credentials issues and verifies agent API keys. Only bcrypt hashes are
// ever stored.
type Credentials struct {
	cost int
}

// NewCredentials creates a credential service. A cost outside bcrypt's
// accepted range falls back to bcrypt.DefaultCost.
func NewCredentials(cost int) *Credentials {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Credentials{cost: cost}
}

// Generate returns a fresh plaintext key and its hash.
func (c *Credentials) Generate() (plaintext, hash string, err error) {
	buf := make([]byte, credentialBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	plaintext = CredentialPrefix + base64.RawURLEncoding.EncodeToString(buf)

	h, err := bcrypt.GenerateFromPassword([]byte(plaintext), c.cost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash credential: %w", err)
	}
	return plaintext, string(h), nil
}

// Verify reports whether plaintext matches hash. Malformed hashes and empty
// input never match.
func (c *Credentials) Verify(plaintext, hash string) bool {
	if plaintext == "" || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
