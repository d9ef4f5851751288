package cryptox

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2id parameters for deriving a profile key from key material. The
// derivation runs once per process so the cost is paid at startup only.
const (
	iterations  = 3
	memory      = 64 * 1024
	parallelism = 2
	keyLength   = chacha20poly1305.KeySize
)

// sealedPrefix marks values written by a Sealer so plaintext rows from an
// unsealed profile are still readable after sealing is enabled.
const sealedPrefix = "sealed:v1:"

var ErrOpen = errors.New("cryptox: cannot open sealed value")

// Sealer encrypts profile values at rest with XChaCha20-Poly1305.
// The output format is: sealed:v1:base64url([24-byte nonce][ciphertext+tag]).
type Sealer struct {
	key []byte
}

// NewSealer derives a key from material and salt using Argon2id.
func NewSealer(material, salt []byte) (*Sealer, error) {
	if len(material) == 0 {
		return nil, fmt.Errorf("cryptox: empty key material")
	}
	if len(salt) < 8 {
		return nil, fmt.Errorf("cryptox: salt must be at least 8 bytes, got %d", len(salt))
	}

	key := argon2.IDKey(material, salt, iterations, memory, parallelism, keyLength)
	return &Sealer{key: key}, nil
}

// NewSealerFromFile reads key material from path. Trailing newlines are part
// of the material; write the file with the exact bytes you intend to use.
func NewSealerFromFile(path string, salt []byte) (*Sealer, error) {
	material, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile key file: %w", err)
	}
	return NewSealer(material, salt)
}

// Seal encrypts plaintext, binding it to key as associated data so a
// ciphertext cannot be replayed under a different key name.
func (s *Sealer) Seal(key, plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := aead.Seal(nonce, nonce, []byte(plaintext), []byte(key))
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Values without the sealed prefix are returned as-is.
func (s *Sealer) Open(key, value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(value[len(sealedPrefix):])
	if err != nil {
		return "", errors.Join(ErrOpen, err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", ErrOpen
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return "", errors.Join(ErrOpen, err)
	}
	return string(plain), nil
}

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool {
	return len(value) > len(sealedPrefix) && value[:len(sealedPrefix)] == sealedPrefix
}
