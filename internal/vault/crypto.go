// Package vault protects identity credentials at rest and issues the
// self-signed certificate used when the API is served over TLS.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
)

var (
	// ErrDecrypt is returned when a ciphertext cannot be opened with the given key.
	ErrDecrypt = errors.New("decryption failed (wrong key or tampered data)")
	// ErrShortCiphertext is returned when the ciphertext cannot even hold a nonce.
	ErrShortCiphertext = errors.New("ciphertext too short")
	// ErrEmptyKey is returned by ParseKey for an empty master key.
	ErrEmptyKey = errors.New("empty master key")
)

// ParseKey turns the configured master key into a 32-byte AES-256 key.
// A 64-character hex string is used verbatim; anything else is hashed with SHA-256.
func ParseKey(s string) ([]byte, error) {
	if s == "" {
		return nil, ErrEmptyKey
	}
	if len(s) == 64 {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	sum := sha256.Sum256([]byte(s))
	return sum[:], nil
}

// Encrypt seals plaintext with AES-GCM and returns nonce+ciphertext as hex.
func Encrypt(plaintext string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	return hex.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

// Decrypt opens a hex string produced by Encrypt.
func Decrypt(cipherHex string, key []byte) (string, error) {
	ciphertext, err := hex.DecodeString(cipherHex)
	if err != nil {
		return "", err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", ErrShortCiphertext
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
