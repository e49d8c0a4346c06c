package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// IDGenerator mints opaque session ids by feeding fresh random bytes
// through a keyed PRF. Ids are never sequential or guessable, and knowing
// one id gives no purchase on any other.
type IDGenerator struct {
	key []byte
}

// NewIDGenerator creates a generator keyed with the server secret.
func NewIDGenerator(secret string) *IDGenerator {
	return &IDGenerator{key: []byte(secret)}
}

// Generate returns a new 64-character hex session id.
func (g *IDGenerator) Generate() (string, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return "", fmt.Errorf("session: id entropy: %w", err)
	}

	mac := hmac.New(sha256.New, g.key)
	mac.Write(seed)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
