package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration means the process-wide key is absent or malformed. No
	// vault operation succeeds until it is fixed.
	ErrConfiguration = errors.New("vault: encryption key is not configured")
	// ErrIntegrity means a ciphertext failed authentication: it was tampered
	// with, truncated, or sealed under a different key.
	ErrIntegrity = errors.New("vault: ciphertext failed integrity check")
)

const keySize = 32

// Cipher seals credential blobs with AES-256-GCM. The random nonce is prefixed
// to the sealed bytes and the result is base64 encoded.
type Cipher struct {
	aead    cipher.AEAD
	initErr error
}

// NewCipher parses a base64 encoded 32 byte key. A bad key does not fail
// construction; it is reported by Ready and by every Encrypt/Decrypt call so
// the service can start and readiness can surface the problem.
func NewCipher(encodedKey string) *Cipher {
	encodedKey = strings.TrimSpace(encodedKey)
	if encodedKey == "" {
		return &Cipher{initErr: fmt.Errorf("%w: VAULT_KEY is empty", ErrConfiguration)}
	}
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return &Cipher{initErr: fmt.Errorf("%w: VAULT_KEY is not valid base64", ErrConfiguration)}
	}
	if len(key) != keySize {
		return &Cipher{initErr: fmt.Errorf("%w: VAULT_KEY must decode to %d bytes", ErrConfiguration, keySize)}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return &Cipher{initErr: fmt.Errorf("%w: %v", ErrConfiguration, err)}
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return &Cipher{initErr: fmt.Errorf("%w: %v", ErrConfiguration, err)}
	}
	return &Cipher{aead: aead}
}

// Ready reports whether the key is usable.
func (c *Cipher) Ready() error {
	if c == nil {
		return ErrConfiguration
	}
	return c.initErr
}

// Encrypt seals plaintext. associated is bound to the ciphertext and must be
// supplied again on Decrypt; the vault passes the config id so blobs cannot be
// swapped between rows.
func (c *Cipher) Encrypt(plaintext, associated []byte) (string, error) {
	if err := c.Ready(); err != nil {
		return "", err
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, associated)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. The returned bytes must not
// be logged or placed in error messages.
func (c *Cipher) Decrypt(ciphertext string, associated []byte) ([]byte, error) {
	if err := c.Ready(); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return nil, ErrIntegrity
	}
	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize+c.aead.Overhead() {
		return nil, ErrIntegrity
	}
	plaintext, err := c.aead.Open(nil, data[:nonceSize], data[nonceSize:], associated)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}
