// Package crypt decrypts protected media and content identifiers using
// AES-256-GCM with HKDF-derived keys.
//
// Encrypted identifiers carry the "enc:v1:" prefix so plaintext
// identifiers pass through unchanged.
package crypt

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const identifierPrefix = "enc:v1:"

// hkdfSalt isolates replay-vault key derivation from other uses of the
// same master secret.
var hkdfSalt = []byte("replay-vault-key-derivation")

// deriveAEAD derives an AES-256-GCM AEAD from secret material. The
// purpose string keeps identifier and content keys independent.
func deriveAEAD(secret []byte, purpose string) (cipher.AEAD, error) {
	if len(secret) == 0 {
		return nil, errors.New("crypt: decryption key unavailable")
	}
	reader := hkdf.New(sha256.New, secret, hkdfSalt, []byte(purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("crypt: key derivation failed: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypt: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypt: %w", err)
	}
	return gcm, nil
}

// IdentifierBox decrypts encrypted content identifiers with a master
// secret. Safe for concurrent use.
type IdentifierBox struct {
	gcm cipher.AEAD
}

// NewIdentifierBox derives the identifier key from the master secret.
func NewIdentifierBox(masterSecret []byte) (*IdentifierBox, error) {
	gcm, err := deriveAEAD(masterSecret, "identifier")
	if err != nil {
		return nil, err
	}
	return &IdentifierBox{gcm: gcm}, nil
}

// EncryptIdentifier seals a plaintext identifier into the prefixed wire form.
func (b *IdentifierBox) EncryptIdentifier(plaintext string) (string, error) {
	nonce := make([]byte, b.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypt: generating nonce: %w", err)
	}
	sealed := b.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return identifierPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptIdentifier opens an encrypted identifier. Values without the
// encryption prefix are returned as-is so plaintext identifiers flow
// through the same path.
func (b *IdentifierBox) DecryptIdentifier(_ context.Context, encryptedCID string, _ map[string]string) (string, error) {
	if !strings.HasPrefix(encryptedCID, identifierPrefix) {
		return encryptedCID, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encryptedCID, identifierPrefix))
	if err != nil {
		return "", fmt.Errorf("crypt: invalid identifier encoding: %w", err)
	}
	nonceSize := b.gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("crypt: identifier ciphertext too short")
	}
	plaintext, err := b.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("crypt: identifier decryption failed: %w", err)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether an identifier carries the encryption prefix.
func IsEncrypted(cid string) bool {
	return strings.HasPrefix(cid, identifierPrefix)
}

// ContentDecryptor decrypts fetched media payloads. The per-video key
// material arrives from authentication, so the AEAD is derived per call.
type ContentDecryptor struct{}

// NewContentDecryptor returns a stateless content decryptor.
func NewContentDecryptor() *ContentDecryptor {
	return &ContentDecryptor{}
}

// DecryptContent opens a nonce-prefixed AES-256-GCM payload using
// authentication key material.
func (d *ContentDecryptor) DecryptContent(_ context.Context, cipherBytes, keyMaterial []byte) ([]byte, error) {
	gcm, err := deriveAEAD(keyMaterial, "content")
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(cipherBytes) < nonceSize {
		return nil, errors.New("crypt: content ciphertext too short")
	}
	plaintext, err := gcm.Open(nil, cipherBytes[:nonceSize], cipherBytes[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("crypt: content decryption failed: %w", err)
	}
	return plaintext, nil
}

// EncryptContent seals a payload with key material. Used by tests and
// backfill tooling, never by the serving path.
func (d *ContentDecryptor) EncryptContent(_ context.Context, plaintext, keyMaterial []byte) ([]byte, error) {
	gcm, err := deriveAEAD(keyMaterial, "content")
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypt: generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}
