package sqlengine

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// DefaultDevEncryptionKey is used when no key source is configured, mirroring
// connection.py's DEFAULT_DEV_KEY fallback — persistence works out of the
// box, but production deployments should set SQL_CHAT_ENCRYPTION_KEY.
const DefaultDevEncryptionKey = "dev-only-insecure-default-key-change-me"

// Cipher encrypts and decrypts connection passwords at rest with an AEAD
// derived from a source secret, the Go equivalent of connection.py's
// Fernet-over-sha256(key) construction.
type Cipher struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

// NewCipher derives a chacha20poly1305 key from sha256(keySource).
func NewCipher(keySource string) (*Cipher, error) {
	if keySource == "" {
		keySource = DefaultDevEncryptionKey
	}
	key := sha256.Sum256([]byte(keySource))
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("construct cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt returns a base64-encoded nonce||ciphertext blob.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}
