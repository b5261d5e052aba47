// Package fieldcrypt encrypts, hashes and masks individual sensitive values.
package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// KeySize is the required key length in bytes (AES-256).
	KeySize   = 32
	nonceSize = 12
	tagSize   = 16

	// domainContext is the additional authenticated data of every field.
	domainContext = "healthgate/field/v1"

	encodedPrefix = "v1"
)

var (
	ErrInvalidKey = errors.New("fieldcrypt: key must be 32 bytes")
	ErrDecryption = errors.New("fieldcrypt: decryption failed")
)

// EncryptedField is the unit stored for an encrypted value.
type EncryptedField struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
}

// Encode renders the field as "v1.<nonce>.<ciphertext>.<tag>" in unpadded base64url.
func (f EncryptedField) Encode() string {
	enc := base64.RawURLEncoding
	return strings.Join([]string{
		encodedPrefix,
		enc.EncodeToString(f.Nonce),
		enc.EncodeToString(f.Ciphertext),
		enc.EncodeToString(f.Tag),
	}, ".")
}

// ParseEncryptedField reverses Encode.
func ParseEncryptedField(s string) (EncryptedField, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 || parts[0] != encodedPrefix {
		return EncryptedField{}, fmt.Errorf("%w: malformed encoded field", ErrDecryption)
	}
	enc := base64.RawURLEncoding
	nonce, err := enc.DecodeString(parts[1])
	if err != nil {
		return EncryptedField{}, fmt.Errorf("%w: nonce: %v", ErrDecryption, err)
	}
	ct, err := enc.DecodeString(parts[2])
	if err != nil {
		return EncryptedField{}, fmt.Errorf("%w: ciphertext: %v", ErrDecryption, err)
	}
	tag, err := enc.DecodeString(parts[3])
	if err != nil {
		return EncryptedField{}, fmt.Errorf("%w: tag: %v", ErrDecryption, err)
	}
	return EncryptedField{Ciphertext: ct, Nonce: nonce, Tag: tag}, nil
}

// Cipher performs authenticated encryption of field values with one key.
// It is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a cipher for a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: init aes: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *Cipher) Encrypt(plaintext []byte) (EncryptedField, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return EncryptedField{}, fmt.Errorf("fieldcrypt: generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, plaintext, []byte(domainContext))
	split := len(sealed) - tagSize
	return EncryptedField{
		Ciphertext: sealed[:split:split],
		Nonce:      nonce,
		Tag:        sealed[split:],
	}, nil
}

// Decrypt opens f. Any tampering with ciphertext, nonce or tag, or a
// different key, yields ErrDecryption.
func (c *Cipher) Decrypt(f EncryptedField) ([]byte, error) {
	if len(f.Nonce) != nonceSize || len(f.Tag) != tagSize {
		return nil, fmt.Errorf("%w: malformed field", ErrDecryption)
	}
	sealed := make([]byte, 0, len(f.Ciphertext)+len(f.Tag))
	sealed = append(sealed, f.Ciphertext...)
	sealed = append(sealed, f.Tag...)
	plain, err := c.aead.Open(nil, f.Nonce, sealed, []byte(domainContext))
	if err != nil {
		return nil, ErrDecryption
	}
	return plain, nil
}

// EncryptString encrypts s and returns the encoded storage form.
func (c *Cipher) EncryptString(s string) (string, error) {
	f, err := c.Encrypt([]byte(s))
	if err != nil {
		return "", err
	}
	return f.Encode(), nil
}

// DecryptString decodes and decrypts a value produced by EncryptString.
func (c *Cipher) DecryptString(encoded string) (string, error) {
	f, err := ParseEncryptedField(encoded)
	if err != nil {
		return "", err
	}
	plain, err := c.Decrypt(f)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// ParseKey decodes a base64 (standard or URL, padded or not) or hex key.
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidKey
	}
	decoders := []func(string) ([]byte, error){
		base64.StdEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
		base64.RawURLEncoding.DecodeString,
		hex.DecodeString,
	}
	for _, dec := range decoders {
		if key, err := dec(raw); err == nil && len(key) == KeySize {
			return key, nil
		}
	}
	return nil, ErrInvalidKey
}
