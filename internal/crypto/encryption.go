// Package crypto provides at-rest encryption for sensitive ledger fields
// (e.g. stored BOLT11 preimages, macaroon blobs) using AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	KeySize   = 32 // AES-256 requires 32 bytes
	NonceSize = 12 // GCM standard nonce size
	SaltSize  = 16 // Salt for key derivation
)

// Encrypt encrypts plaintext using AES-256-GCM.
// Returns base64-encoded: nonce + ciphertext.
func Encrypt(plaintext string, key []byte) (string, error) {
	if len(key) != KeySize {
		return "", errors.New("encryption key must be 32 bytes long")
	}

	aesCipher, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	aesGcm, err := cipher.NewGCM(aesCipher)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := aesGcm.Seal(nil, nonce, []byte(plaintext), nil)
	result := append(nonce, ciphertext...)
	return base64.StdEncoding.EncodeToString(result), nil
}

// Decrypt decrypts AES-256-GCM encrypted data produced by Encrypt.
func Decrypt(ciphertext string, key []byte) (string, error) {
	if len(key) != KeySize {
		return "", errors.New("encryption key must be 32 bytes long")
	}

	decoded, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	if len(decoded) < NonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce := decoded[:NonceSize]
	cipherData := decoded[NonceSize:]

	aesCipher, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	aesGcm, err := cipher.NewGCM(aesCipher)
	if err != nil {
		return "", err
	}

	plaintext, err := aesGcm.Open(nil, nonce, cipherData, nil)
	if err != nil {
		return "", errors.New("decryption failed: invalid key or corrupted data")
	}

	return string(plaintext), nil
}

// GenerateKey generates a random 32-byte encryption key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	_, err := io.ReadFull(rand.Reader, key)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveKey derives a 32-byte encryption key from a master secret and a
// per-record salt using HKDF-SHA256. Unlike a password-hashing KDF
// (Argon2/bcrypt), this assumes the input secret already carries sufficient
// entropy (e.g. a configured master key), matching how the gateway derives
// per-asset or per-session subkeys rather than hashing user passwords.
func DeriveKey(secret string, salt []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(secret), salt, []byte("arkgw-derive-key"))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// RandomSalt returns a fresh random salt suitable for DeriveKey.
func RandomSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}
