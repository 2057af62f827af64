// Package encryption seals memory content with AES-256-GCM.
//
// Guarantees:
//   - Keys are derived once per process and never persisted or logged.
//   - Every Seal uses a fresh random nonce.
//   - Open never returns partial plaintext; any failure wraps
//     memory.ErrTamperedOrCorrupted.
//
// Blob layout (version 1):
//
//	version(1) | keyID(8) | nonce(12) | ciphertext || tag(16)
//
// The blob is self-describing: the key fingerprint and nonce travel with
// the ciphertext, so a single record can be decrypted with only the key.
package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/becomeliminal/nim-memory/memory"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	// MinIterations is the lowest accepted PBKDF2 iteration count.
	MinIterations = 100_000

	// DefaultIterations is used when no count is configured.
	DefaultIterations = 210_000

	// SaltSize is the length of salts produced by NewSalt.
	SaltSize = 16

	blobVersion = 1
	keyIDSize   = 8
	headerSize  = 1 + keyIDSize
)

var keyIDLabel = []byte("nim-memory/key-id/v1")

// DeriveKey stretches a passphrase into a 256-bit key with
// PBKDF2-HMAC-SHA256.
func DeriveKey(passphrase string, salt []byte, iterations int) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase is required")
	}
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("salt must be at least %d bytes, got %d", SaltSize, len(salt))
	}
	if iterations < MinIterations {
		return nil, fmt.Errorf("iterations must be at least %d, got %d", MinIterations, iterations)
	}
	return pbkdf2.Key([]byte(passphrase), salt, iterations, KeySize, sha256.New), nil
}

// NewSalt returns a random salt for DeriveKey.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// GenerateKey returns a random base64-encoded 256-bit key suitable for
// DecodeKey.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// DecodeKey parses a base64-encoded 256-bit key.
func DecodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encryption key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// Cipher implements memory.Sealer with AES-256-GCM.
type Cipher struct {
	gcm   cipher.AEAD
	keyID []byte
}

var _ memory.Sealer = (*Cipher)(nil)

// NewCipher creates a Cipher for a 32-byte key. The key slice is not
// retained.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(keyIDLabel)
	return &Cipher{
		gcm:   gcm,
		keyID: mac.Sum(nil)[:keyIDSize],
	}, nil
}

// KeyID returns the hex key fingerprint.
func (c *Cipher) KeyID() string {
	return hex.EncodeToString(c.keyID)
}

// Seal encrypts plaintext and authenticates it together with aad.
func (c *Cipher) Seal(plaintext, aad []byte) ([]byte, error) {
	nonceSize := c.gcm.NonceSize()
	out := make([]byte, headerSize+nonceSize, headerSize+nonceSize+len(plaintext)+c.gcm.Overhead())
	out[0] = blobVersion
	copy(out[1:headerSize], c.keyID)

	nonce := out[headerSize:]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.gcm.Seal(out, nonce, plaintext, c.additionalData(aad)), nil
}

// Open authenticates and decrypts a blob produced by Seal with the same aad.
func (c *Cipher) Open(blob, aad []byte) ([]byte, error) {
	nonceSize := c.gcm.NonceSize()
	if len(blob) < headerSize+nonceSize+c.gcm.Overhead() {
		return nil, fmt.Errorf("%w: blob truncated", memory.ErrTamperedOrCorrupted)
	}
	if blob[0] != blobVersion {
		return nil, fmt.Errorf("%w: unknown blob version %d", memory.ErrTamperedOrCorrupted, blob[0])
	}
	if !bytes.Equal(blob[1:headerSize], c.keyID) {
		return nil, fmt.Errorf("%w: sealed with a different key", memory.ErrTamperedOrCorrupted)
	}

	nonce := blob[headerSize : headerSize+nonceSize]
	plaintext, err := c.gcm.Open(nil, nonce, blob[headerSize+nonceSize:], c.additionalData(aad))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", memory.ErrTamperedOrCorrupted)
	}
	return plaintext, nil
}

// additionalData binds the header to the caller's aad so neither can be
// swapped independently.
func (c *Cipher) additionalData(aad []byte) []byte {
	ad := make([]byte, 0, headerSize+len(aad))
	ad = append(ad, blobVersion)
	ad = append(ad, c.keyID...)
	return append(ad, aad...)
}
