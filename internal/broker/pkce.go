// internal/broker/pkce.go
package broker

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// ChallengeMethod is the only code-challenge transform the broker issues.
const ChallengeMethod = "S256"

func b64url(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

func randToken(n int) string {
	raw := make([]byte, n)
	_, _ = rand.Read(raw)
	return b64url(raw)
}

// newPKCEPair returns a random verifier and its S256 challenge.
func newPKCEPair() (verifier, challenge string) {
	verifier = randToken(32)
	sum := sha256.Sum256([]byte(verifier))
	return verifier, b64url(sum[:])
}
