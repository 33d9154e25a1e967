package webhook

import (
	"bytes"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestSecretBox_RoundTrip(t *testing.T) {
	box, err := NewSecretBox(testKey())
	if err != nil {
		t.Fatalf("new box: %v", err)
	}
	secret, err := NewSecret()
	if err != nil {
		t.Fatalf("new secret: %v", err)
	}
	if len(secret) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(secret))
	}

	ct, err := box.Encrypt(secret)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if ct == secret {
		t.Fatalf("ciphertext must differ from plaintext")
	}
	got, err := box.Decrypt(ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != secret {
		t.Fatalf("round trip mismatch: %q != %q", got, secret)
	}

	// Fresh nonce per call: same plaintext, different ciphertext.
	ct2, err := box.Encrypt(secret)
	if err != nil {
		t.Fatalf("second encrypt: %v", err)
	}
	if ct == ct2 {
		t.Fatalf("nonce reuse: identical ciphertexts")
	}
}

func TestSecretBox_RejectsBadKeyAndCiphertext(t *testing.T) {
	if _, err := NewSecretBox([]byte("short")); err == nil {
		t.Fatalf("expected error for short key")
	}

	box, err := NewSecretBox(testKey())
	if err != nil {
		t.Fatalf("new box: %v", err)
	}
	if _, err := box.Decrypt("not base64!!"); err == nil {
		t.Fatalf("expected error for invalid base64")
	}
	if _, err := box.Decrypt("YWJj"); err == nil {
		t.Fatalf("expected error for truncated ciphertext")
	}

	other, err := NewSecretBox(bytes.Repeat([]byte{0x13}, 32))
	if err != nil {
		t.Fatalf("other box: %v", err)
	}
	ct, err := box.Encrypt("secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := other.Decrypt(ct); err == nil {
		t.Fatalf("wrong key must not open the box")
	}
}
