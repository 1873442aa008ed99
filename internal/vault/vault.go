// internal/vault/vault.go
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"graphgate/pkg/faults"
)

// Envelope is ciphertext bound to the key id that produced it. Stored
// records keep their key id; rotation re-wraps lazily on read.
type Envelope struct {
	KeyID      string `json:"key_id"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Keyring wraps and unwraps credential material with AES-256-GCM. Keys are
// derived from configured secrets by SHA-256. Retired keys stay usable for
// unwrap until their grace deadline so rotation never strands records.
type Keyring struct {
	mu       sync.RWMutex
	active   string
	ciphers  map[string]cipher.AEAD
	retireAt map[string]time.Time
	grace    time.Duration

	now func() time.Time
}

func NewKeyring(activeID string, secrets map[string]string, grace time.Duration) (*Keyring, error) {
	if activeID == "" || secrets[activeID] == "" {
		return nil, fmt.Errorf("vault: active key %q has no material", activeID)
	}
	k := &Keyring{
		active:   activeID,
		ciphers:  map[string]cipher.AEAD{},
		retireAt: map[string]time.Time{},
		grace:    grace,
		now:      time.Now,
	}
	for id, secret := range secrets {
		aead, err := newAEAD(secret)
		if err != nil {
			return nil, fmt.Errorf("vault: key %q: %w", id, err)
		}
		k.ciphers[id] = aead
	}
	return k, nil
}

func newAEAD(secret string) (cipher.AEAD, error) {
	h := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(h[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Wrap encrypts plaintext under the active key.
func (k *Keyring) Wrap(plaintext []byte) (Envelope, error) {
	k.mu.RLock()
	id := k.active
	aead := k.ciphers[id]
	k.mu.RUnlock()
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, faults.New(faults.KeyUnavailable, "nonce generation failed").WithCause(err)
	}
	return Envelope{KeyID: id, Nonce: nonce, Ciphertext: aead.Seal(nil, nonce, plaintext, nil)}, nil
}

// Unwrap decrypts env. Unknown key ids and keys past their retirement grace
// fail with KeyUnavailable; the caller must not fall back to plaintext.
func (k *Keyring) Unwrap(env Envelope) ([]byte, error) {
	k.mu.RLock()
	aead, ok := k.ciphers[env.KeyID]
	retire, retired := k.retireAt[env.KeyID]
	k.mu.RUnlock()
	if !ok {
		return nil, faults.Newf(faults.KeyUnavailable, "unknown key id %q", env.KeyID)
	}
	if retired && k.now().After(retire) {
		return nil, faults.Newf(faults.KeyUnavailable, "key %q retired", env.KeyID)
	}
	plain, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, faults.New(faults.KeyUnavailable, "unwrap failed").WithCause(err)
	}
	return plain, nil
}

// Rotate makes newID the active key and starts the grace clock on the
// previous one. Existing envelopes keep working until re-wrapped on read.
func (k *Keyring) Rotate(newID, secret string) error {
	aead, err := newAEAD(secret)
	if err != nil {
		return fmt.Errorf("vault: key %q: %w", newID, err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if newID != k.active {
		k.retireAt[k.active] = k.now().Add(k.grace)
	}
	k.ciphers[newID] = aead
	k.active = newID
	delete(k.retireAt, newID)
	return nil
}

// NeedsRewrap reports whether env was wrapped under a non-active key.
func (k *Keyring) NeedsRewrap(env Envelope) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return env.KeyID != k.active
}
