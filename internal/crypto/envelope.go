// Package crypto seals secrets at rest and generates the random values used by the
// authorization flow.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/smallbiznis/sfconnect/internal/domain"
)

const (
	ivSize  = 12
	tagSize = 16
)

// Envelope encrypts payloads with AES-256-GCM.
// The sealed form is base64(iv || ciphertext || tag).
type Envelope struct {
	keys *KeyProvider
}

// NewEnvelope binds an envelope to a key provider.
func NewEnvelope(keys *KeyProvider) *Envelope {
	return &Envelope{keys: keys}
}

// Encrypt seals plaintext under a fresh random IV.
func (e *Envelope) Encrypt(plaintext []byte) (string, error) {
	aead, err := e.keys.AEAD()
	if err != nil {
		return "", err
	}
	iv := make([]byte, ivSize, ivSize+len(plaintext)+tagSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	sealed := aead.Seal(iv, iv, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// EncryptString is Encrypt for UTF-8 text.
func (e *Envelope) EncryptString(plaintext string) (string, error) {
	return e.Encrypt([]byte(plaintext))
}

// Decrypt opens a payload produced by Encrypt. Tampered input, a wrong key and
// malformed framing all fail with domain.ErrDecryption.
func (e *Envelope) Decrypt(payload string) ([]byte, error) {
	aead, err := e.keys.AEAD()
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, &domain.DecryptionError{Reason: "invalid base64", Err: err}
	}
	if len(raw) < ivSize+tagSize {
		return nil, &domain.DecryptionError{Reason: "payload too short"}
	}
	plaintext, err := aead.Open(nil, raw[:ivSize], raw[ivSize:], nil)
	if err != nil {
		return nil, &domain.DecryptionError{Reason: "authentication failed", Err: err}
	}
	return plaintext, nil
}

// DecryptString is Decrypt returning text.
func (e *Envelope) DecryptString(payload string) (string, error) {
	plaintext, err := e.Decrypt(payload)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
