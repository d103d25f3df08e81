// Package fieldcrypt provides authenticated encryption of individual
// sensitive values before they reach durable storage.
package fieldcrypt

import (
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

// ErrDecrypt is returned when a ciphertext is malformed, was tampered with,
// or was sealed under a different key.
var ErrDecrypt = errors.New("fieldcrypt: decryption failed")

const (
	keySize = 32 // AES-256
	version = "v1."
)

// hkdfInfo binds derived keys to field encryption.
var hkdfInfo = []byte("sosd field encryption v1")

var encoding = base64.RawURLEncoding.Strict()

// Codec seals and opens string values with AES-256-GCM. It holds no mutable
// state after New and is safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
}

// New derives the field key from secret and returns a ready Codec.
func New(secret string) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("fieldcrypt: secret is required")
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("fieldcrypt: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: gcm: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("fieldcrypt: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return version + encoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Any integrity failure returns
// an error wrapping ErrDecrypt and an empty string.
func (c *Codec) Decrypt(ciphertext string) (string, error) {
	raw, ok := strings.CutPrefix(ciphertext, version)
	if !ok {
		return "", fmt.Errorf("%w: unknown format", ErrDecrypt)
	}
	sealed, err := encoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrDecrypt, err)
	}
	ns := c.aead.NonceSize()
	if len(sealed) < ns+c.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	plain, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}

// EncryptOptional encrypts *v. A nil value stays nil.
func (c *Codec) EncryptOptional(v *string) (*string, error) {
	if v == nil {
		return nil, nil
	}
	out, err := c.Encrypt(*v)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DecryptOptional decrypts *v. A nil value stays nil.
func (c *Codec) DecryptOptional(v *string) (*string, error) {
	if v == nil {
		return nil, nil
	}
	out, err := c.Decrypt(*v)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
