// Package crypto seals Garage admin tokens before they are handed to a
// session store. The redis store in particular keeps tokens outside the
// process, and an admin token grants full control of the cluster.
//
// Sealing uses AES-256-GCM with the session ID as associated data, so a
// ciphertext copied from one session key to another fails to open.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrKeyLengthInvalid is returned when a raw key is not exactly 32 bytes.
	ErrKeyLengthInvalid = errors.New("crypto: key must be exactly 32 bytes for AES-256")
	// ErrCiphertextCorrupted is returned when the ciphertext fails base64 decoding or is too short to contain a nonce.
	ErrCiphertextCorrupted = errors.New("crypto: ciphertext is corrupted or tampered")
	// ErrDecryptionFailed is returned when GCM authentication fails: wrong key, wrong session, or tampering.
	ErrDecryptionFailed = errors.New("crypto: decryption operation failed")
	// ErrEmptyPassphrase is returned by KeyFromString for a blank configuration value.
	ErrEmptyPassphrase = errors.New("crypto: encryption key must not be empty")
)

// pbkdf2Iterations is applied when the configured key is a passphrase.
const pbkdf2Iterations = 210000

// passphraseSalt is fixed so that every replica derives the same key from the
// same passphrase; the passphrase itself is the secret.
var passphraseSalt = []byte("mechanic/session-token-cipher/v1")

// TokenCipher seals and opens admin tokens.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher creates a cipher from a 32-byte key.
func NewTokenCipher(key []byte) (*TokenCipher, error) {
	if len(key) != 32 {
		return nil, ErrKeyLengthInvalid
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &TokenCipher{aead: aead}, nil
}

// KeyFromString turns the configured session.encryption_key into a 32-byte
// key. Standard base64 of exactly 32 bytes is used as-is; anything else is
// treated as a passphrase and stretched with PBKDF2-SHA256.
func KeyFromString(s string) ([]byte, error) {
	if s == "" {
		return nil, ErrEmptyPassphrase
	}
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil && len(raw) == 32 {
		return raw, nil
	}
	return pbkdf2.Key([]byte(s), passphraseSalt, pbkdf2Iterations, 32, sha256.New), nil
}

// Seal encrypts token for the session identified by sessionID and returns a
// URL-safe base64 string.
func (tc *TokenCipher) Seal(sessionID, token string) (string, error) {
	nonce := make([]byte, tc.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := tc.aead.Seal(nonce, nonce, []byte(token), []byte(sessionID))
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. It fails when sessionID differs from the one used to seal.
func (tc *TokenCipher) Open(sessionID, encoded string) (string, error) {
	ciphertext, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrCiphertextCorrupted
	}

	nonceLen := tc.aead.NonceSize()
	if len(ciphertext) < nonceLen {
		return "", ErrCiphertextCorrupted
	}

	plaintext, err := tc.aead.Open(nil, ciphertext[:nonceLen], ciphertext[nonceLen:], []byte(sessionID))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// GenerateKey creates a cryptographically secure random 32-byte key. It backs
// the session cookie signing secret when none is configured.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
