// Package crypto implements authenticated encryption for credential values
// at rest. The at-rest format is AES-256-GCM with the ciphertext and auth tag
// stored as "base64(ciphertext).base64(tag)" and the 12-byte nonce stored
// alongside as base64.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

// ErrMalformedBlob is returned for stored blobs missing the dot separator
// or failing base64 decoding.
var ErrMalformedBlob = errors.New("crypto: malformed encrypted blob")

// Cipher encrypts and decrypts credential values with a process-wide key.
type Cipher struct {
	aead cipher.AEAD
}

// New builds a Cipher from a 64-char hex key (exactly 32 bytes decoded).
func New(hexKey string) (*Cipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce. It returns the stored
// blob ("base64(ct).base64(tag)") and the base64 nonce.
func (c *Cipher) Encrypt(plaintext string) (blob, iv string, err error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", fmt.Errorf("crypto: nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	blob = base64.StdEncoding.EncodeToString(ct) + "." + base64.StdEncoding.EncodeToString(tag)
	iv = base64.StdEncoding.EncodeToString(nonce)
	return blob, iv, nil
}

// Decrypt opens a stored blob with its base64 nonce. Blobs without the dot
// separator are rejected before any decoding.
func (c *Cipher) Decrypt(blob, iv string) (string, error) {
	ctB64, tagB64, found := strings.Cut(blob, ".")
	if !found {
		return "", ErrMalformedBlob
	}

	ct, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return "", ErrMalformedBlob
	}
	tag, err := base64.StdEncoding.DecodeString(tagB64)
	if err != nil {
		return "", ErrMalformedBlob
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil || len(nonce) != nonceSize {
		return "", ErrMalformedBlob
	}

	plaintext, err := c.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decrypt: %w", err)
	}
	return string(plaintext), nil
}
