package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrCredentialDecrypt marks credential blobs that cannot be opened: wrong
// key, truncated data, or an unknown version byte. Callers must not include
// blob contents in logs when they see this.
var ErrCredentialDecrypt = errors.New("credential decrypt failed")

// blobVersion prefixes every ciphertext so the key or layout can be rotated
// later without guessing what an old blob contains.
const blobVersion = 0x01

// Encryptor handles AES-256-GCM encryption for api_hash values and Telegram
// session blobs at rest.
type Encryptor struct {
	key []byte
}

// NewEncryptor creates an encryptor from the base64-encoded 32-byte key
// carried in ENCRYPTION_KEY.
func NewEncryptor(encodedKey string) (*Encryptor, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must decode to 32 bytes, got %d", len(key))
	}
	return &Encryptor{key: key}, nil
}

// Encrypt seals plaintext as version || nonce || ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+gcm.NonceSize()+len(plaintext)+gcm.Overhead())
	out = append(out, blobVersion)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt.
func (e *Encryptor) Decrypt(blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(blob) < 1+gcm.NonceSize() {
		return nil, fmt.Errorf("%w: blob too short", ErrCredentialDecrypt)
	}
	if blob[0] != blobVersion {
		return nil, fmt.Errorf("%w: unknown version 0x%02x", ErrCredentialDecrypt, blob[0])
	}

	nonce, ciphertext := blob[1:1+gcm.NonceSize()], blob[1+gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialDecrypt, err)
	}

	return plaintext, nil
}

// EncryptString encrypts a string and returns base64-encoded ciphertext.
// Empty input stays empty so optional columns round-trip as-is.
func (e *Encryptor) EncryptString(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	ciphertext, err := e.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptString decrypts base64-encoded ciphertext produced by EncryptString.
func (e *Encryptor) DecryptString(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: bad base64", ErrCredentialDecrypt)
	}
	plaintext, err := e.Decrypt(blob)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// GenerateKey generates a random 32-byte key for AES-256, base64-encoded
// the way ENCRYPTION_KEY expects it.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
