package runs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrDecrypt is returned when a stored secret cannot be decrypted.
var ErrDecrypt = errors.New("runs: decrypt secret")

// SecretBox encrypts per-run callback secrets at rest with AES-GCM.
// The key must be 16, 24, or 32 bytes.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox creates a SecretBox from a key.
func NewSecretBox(key []byte) (*SecretBox, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("runs: secret key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("runs: secret cipher: %w", err)
	}
	return &SecretBox{aead: aead}, nil
}

// Seal encrypts a secret. The nonce is prepended to the ciphertext.
func (b *SecretBox) Seal(secret []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("runs: nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, secret, nil), nil
}

// Open decrypts a sealed secret.
func (b *SecretBox) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < b.aead.NonceSize() {
		return nil, ErrDecrypt
	}
	nonce, sealed := ciphertext[:b.aead.NonceSize()], ciphertext[b.aead.NonceSize():]
	secret, err := b.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return secret, nil
}

// NewSecret generates a random 32-byte secret, hex encoded.
func NewSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("runs: generate secret: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
