package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyLength = 32
	// MinSaltLength keeps the PBKDF2 salt from weakening the derived key.
	MinSaltLength     = 16
	defaultIterations = 100_000
	minIterations     = 10_000
)

var (
	ErrSaltTooShort        = errors.New("keystore: salt must be at least 16 bytes")
	ErrCiphertextCorrupted = errors.New("keystore: sealed secret is corrupted")
	ErrDecryptionFailed    = errors.New("keystore: sealed secret failed authentication")
)

// Cipher seals sponsor secret seeds with AES-256-GCM. Each ciphertext is
// bound to its account address through the GCM additional data, so a sealed
// secret copied onto another row fails to open.
type Cipher struct {
	aead cipher.AEAD
}

// DeriveCipher derives the AES key from passphrase and salt with PBKDF2-SHA256.
func DeriveCipher(passphrase string, salt []byte, iterations int) (*Cipher, error) {
	if passphrase == "" {
		return nil, errors.New("keystore: passphrase is required")
	}
	if len(salt) < MinSaltLength {
		return nil, ErrSaltTooShort
	}
	if iterations < minIterations {
		iterations = defaultIterations
	}

	key := pbkdf2.Key([]byte(passphrase), salt, iterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keystore: init aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts seed for address and returns base64(nonce || ciphertext).
func (c *Cipher) Seal(address, seed string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("keystore: read nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(seed), []byte(address))
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal for the same address.
func (c *Cipher) Open(address, sealed string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrCiphertextCorrupted
	}
	nonceLen := c.aead.NonceSize()
	if len(raw) < nonceLen {
		return "", ErrCiphertextCorrupted
	}

	plaintext, err := c.aead.Open(nil, raw[:nonceLen], raw[nonceLen:], []byte(address))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}
