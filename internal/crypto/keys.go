package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/smallbiznis/sfconnect/internal/domain"
)

// KeySetting is the environment variable holding the token encryption key.
const KeySetting = "TOKEN_ENCRYPTION_KEY"

// keyHexLength is a 32 byte AES-256 key rendered as hex.
const keyHexLength = 64

// SecretSource returns the current hex-encoded key material.
type SecretSource func() string

// StaticSecret returns a SecretSource that always yields secret.
func StaticSecret(secret string) SecretSource {
	return func() string { return secret }
}

// KeyProvider imports the encryption key once and caches the resulting AEAD.
// The secret is re-read on every call so a rotated value is picked up.
type KeyProvider struct {
	source SecretSource

	mu     sync.RWMutex
	secret string
	aead   cipher.AEAD
}

// NewKeyProvider builds a provider reading key material from source.
func NewKeyProvider(source SecretSource) *KeyProvider {
	if source == nil {
		source = StaticSecret("")
	}
	return &KeyProvider{source: source}
}

// AEAD returns the cached cipher, importing it when the secret changed.
func (p *KeyProvider) AEAD() (cipher.AEAD, error) {
	secret := strings.TrimSpace(p.source())

	p.mu.RLock()
	if p.aead != nil && p.secret == secret {
		aead := p.aead
		p.mu.RUnlock()
		return aead, nil
	}
	p.mu.RUnlock()

	key, err := ParseKey(secret)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	p.mu.Lock()
	p.secret = secret
	p.aead = aead
	p.mu.Unlock()
	return aead, nil
}

// Validate checks the configured secret without touching any payload.
func (p *KeyProvider) Validate() error {
	_, err := p.AEAD()
	return err
}

// ParseKey decodes a 64 character hex secret into a 32 byte key.
func ParseKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, &domain.ConfigurationError{Setting: KeySetting, Reason: "is not set"}
	}
	if len(secret) != keyHexLength {
		return nil, &domain.ConfigurationError{
			Setting: KeySetting,
			Reason:  fmt.Sprintf("must be %d hex characters, got %d", keyHexLength, len(secret)),
		}
	}
	key, err := hex.DecodeString(secret)
	if err != nil {
		return nil, &domain.ConfigurationError{Setting: KeySetting, Reason: "contains non-hex characters"}
	}
	return key, nil
}
