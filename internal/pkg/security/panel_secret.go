package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// SecretBox encrypts panel admin credentials at rest.
type SecretBox struct {
	key [32]byte
}

// NewSecretBox derives a 32 byte key from secret.
func NewSecretBox(secret string) (*SecretBox, error) {
	if secret == "" {
		return nil, errors.New("secret is required for credential encryption")
	}
	return &SecretBox{key: sha256.Sum256([]byte(secret))}, nil
}

// Seal returns base64(nonce || ciphertext).
func (b *SecretBox) Seal(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	out := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &b.key)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (b *SecretBox) Open(sealed string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return "", errors.New("invalid ciphertext encoding")
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", errors.New("ciphertext too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &b.key)
	if !ok {
		return "", errors.New("ciphertext authentication failed")
	}
	return string(plain), nil
}

// HashAdminKey hashes an admin API key for storage in ADMIN_API_KEY_HASH.
func HashAdminKey(key string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)

	return string(bytes), err
}

// CheckAdminKey compares a presented admin API key with its bcrypt hash.
func CheckAdminKey(key, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key))

	return err == nil
}
