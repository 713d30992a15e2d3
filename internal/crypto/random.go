package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

const (
	// StateBytes is the entropy of an OAuth state token (64 hex characters).
	StateBytes = 32
	// verifierBytes yields a 128 character verifier, the RFC 7636 maximum.
	verifierBytes = 64

	minVerifierLength = 43
	maxVerifierLength = 128
)

// RandomToken returns byteLength CSPRNG bytes rendered as lower-case hex.
func RandomToken(byteLength int) (string, error) {
	if byteLength <= 0 {
		byteLength = StateBytes
	}
	buf := make([]byte, byteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// NewCodeVerifier generates a PKCE code verifier.
func NewCodeVerifier() (string, error) {
	return RandomToken(verifierBytes)
}

// CodeChallenge derives the S256 challenge for verifier.
func CodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ValidCodeVerifier reports whether v satisfies the RFC 7636 length and charset rules.
func ValidCodeVerifier(v string) bool {
	if len(v) < minVerifierLength || len(v) > maxVerifierLength {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}
