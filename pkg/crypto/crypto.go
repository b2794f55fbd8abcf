// Package crypto provides at-rest encryption for stored group and message
// blobs using HKDF key derivation and AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

const (
	// AESKeySize is the size of AES-256 keys
	AESKeySize = 32

	// NonceSize is the size of AES-GCM nonces
	NonceSize = 12

	// TagSize is the size of AES-GCM authentication tags
	TagSize = 16

	// HKDFSalt is the salt used for HKDF key derivation
	HKDFSalt = "gxsstore-at-rest-v1"
)

var (
	ErrEmptySecret       = errors.New("empty store secret")
	ErrInvalidCiphertext = errors.New("ciphertext too short")
	ErrDecryptionFailed  = errors.New("decryption failed: authentication error")
)

// Sealer encrypts and decrypts column blobs with a key derived from the
// store secret. The associated data binds a blob to the row and column it
// was written to, so blobs cannot be swapped between rows.
type Sealer struct {
	aead cipher.AEAD
}

// DeriveKey derives the AES-256 key for a store from its secret using
// HKDF-SHA512.
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	r := hkdf.New(sha512.New, secret, []byte(HKDFSalt), []byte(purpose))
	key := make([]byte, AESKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errors.Wrap(err, "HKDF key derivation failed")
	}
	return key, nil
}

// NewSealer creates a Sealer from the store secret.
func NewSealer(secret []byte) (*Sealer, error) {
	key, err := DeriveKey(secret, "blob-columns")
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create AES cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GCM")
	}
	return &Sealer{aead: gcm}, nil
}

// Seal encrypts plaintext.
// Returns: nonce (12 bytes) || ciphertext || tag (16 bytes)
func (s *Sealer) Seal(plaintext, ad []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "failed to generate nonce")
	}
	return s.aead.Seal(nonce, nonce, plaintext, ad), nil
}

// Open decrypts a blob produced by Seal with the same associated data.
func (s *Sealer) Open(ciphertext, ad []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize+TagSize {
		return nil, ErrInvalidCiphertext
	}
	plaintext, err := s.aead.Open(nil, ciphertext[:NonceSize], ciphertext[NonceSize:], ad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
