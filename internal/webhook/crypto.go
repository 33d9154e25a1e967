// Package webhook implements tenant webhook delivery: secret storage,
// request signing, the SSRF guard, and the subscribeAll-driven worker.
package webhook

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

// SecretBox encrypts webhook signing secrets at rest with AES-256-GCM. The
// stored form is base64(nonce + ciphertext); plaintext is handed out only at
// creation or rotation.
type SecretBox struct {
	gcm cipher.AEAD
}

// NewSecretBox builds a SecretBox; key must be exactly 32 bytes.
func NewSecretBox(key []byte) (*SecretBox, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("op=webhook.NewSecretBox: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("op=webhook.NewSecretBox: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("op=webhook.NewSecretBox: %w", err)
	}
	return &SecretBox{gcm: gcm}, nil
}

// Encrypt seals plaintext under a fresh random nonce. Nonce reuse under the
// same key breaks GCM, so one is generated per call.
func (b *SecretBox) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, b.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("op=webhook.Encrypt: nonce: %w", err)
	}
	sealed := b.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (b *SecretBox) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("op=webhook.Decrypt: base64: %w", err)
	}
	ns := b.gcm.NonceSize()
	if len(data) < ns {
		return "", fmt.Errorf("op=webhook.Decrypt: ciphertext shorter than nonce")
	}
	plain, err := b.gcm.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("op=webhook.Decrypt: %w", err)
	}
	return string(plain), nil
}

// NewSecret generates a fresh random signing secret (hex, 32 bytes entropy).
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("op=webhook.NewSecret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
