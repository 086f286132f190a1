// Package codec implements the symmetric image-payload encryption shared
// with the dashboard frontend: AES-256-CBC with PKCS#7 padding, carried
// as base64 text.
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the CBC initialization vector length in bytes.
	IVSize = aes.BlockSize

	deriveIterations = 4096
)

// deriveSalt is fixed so both ends derive the same key from a shared
// passphrase. The cipher itself uses a static IV inherited from the
// frontend contract, so a random salt would buy nothing here.
var deriveSalt = []byte("facegate.payload.v1")

// ErrInvalidCiphertext is returned when a payload is not valid base64,
// not a whole number of cipher blocks, or fails padding validation.
// Treated as an authentication failure by callers, never retried.
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// Codec encrypts and decrypts image payloads with a static shared key.
type Codec struct {
	key []byte
	iv  []byte
}

// New creates a Codec from raw key material. The key must be exactly
// KeySize bytes and the IV exactly IVSize bytes.
func New(key, iv []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("codec: key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("codec: iv must be %d bytes, got %d", IVSize, len(iv))
	}
	return &Codec{key: bytes.Clone(key), iv: bytes.Clone(iv)}, nil
}

// NewFromSecret creates a Codec from a passphrase of any length. A
// passphrase that is already KeySize bytes is used verbatim, matching
// the original fixed-key deployment; anything else is stretched with
// PBKDF2-SHA256.
func NewFromSecret(secret string, iv []byte) (*Codec, error) {
	key := []byte(secret)
	if len(key) != KeySize {
		key = pbkdf2.Key(key, deriveSalt, deriveIterations, KeySize, sha256.New)
	}
	return New(key, iv)
}

// Encrypt encrypts plain and returns the base64-encoded ciphertext.
func (c *Codec) Encrypt(plain []byte) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("codec: init cipher: %w", err)
	}

	padded := pad(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.iv).CryptBlocks(out, padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt decodes and decrypts a base64 payload produced by Encrypt (or
// by the frontend's matching implementation). Any malformed input fails
// with ErrInvalidCiphertext; partial recovery is never attempted.
func (c *Codec) Decrypt(payload string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: length %d not a multiple of block size", ErrInvalidCiphertext, len(raw))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("codec: init cipher: %w", err)
	}

	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, c.iv).CryptBlocks(out, raw)

	plain, err := unpad(out, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return plain, nil
}

func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("bad padding length")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("bad padding bytes")
		}
	}
	return data[:len(data)-n], nil
}
