package auth

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealedPrefix = "v1:"

// ErrUnsealable is returned for stored tokens that can't be decrypted with our key.
var ErrUnsealable = errors.New("auth: stored token cannot be opened")

// TokenSealer encrypts provider tokens before they are written to the accounts
// table. The key is derived from the server secret with HKDF so the JWT key and
// the storage key are never the same bytes.
//
// Format: "v1:" + base64url(nonce || ciphertext), XChaCha20-Poly1305.
// Empty tokens stay empty so "no refresh token" survives a round trip.
type TokenSealer struct {
	aead cipher.AEAD
}

// NewTokenSealer derives the storage key from secret.
func NewTokenSealer(secret string) (*TokenSealer, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: sealing secret must be at least 16 characters")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("nowplaying account tokens v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("auth: deriving sealing key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("auth: creating cipher: %w", err)
	}
	return &TokenSealer{aead: aead}, nil
}

// Seal encrypts plaintext.
func (s *TokenSealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("auth: reading nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal.
func (s *TokenSealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	encoded, ok := strings.CutPrefix(sealed, sealedPrefix)
	if !ok {
		return "", ErrUnsealable
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(raw) < s.aead.NonceSize() {
		return "", ErrUnsealable
	}
	nonce, ct := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	pt, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", ErrUnsealable
	}
	return string(pt), nil
}
