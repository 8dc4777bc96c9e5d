// Package wallet provides key material handling for the wallet services:
// encryption of secrets at rest, mnemonic generation and HD key derivation.
package wallet

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// argon2id parameters for deriving the cipher key from the passphrase.
const (
	saltSize     = 16
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var ErrCiphertext = errors.New("malformed or corrupted ciphertext")

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

// Encrypt seals plaintext under a passphrase with XChaCha20-Poly1305 and an
// argon2id-derived key. The output is base64(salt || nonce || ciphertext).
func Encrypt(passphrase string, plaintext []byte) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("cannot read salt: %w", err)
	}

	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt))
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("cannot read nonce: %w", err)
	}

	blob := append(salt, nonce...)
	blob = aead.Seal(blob, nonce, plaintext, nil)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt reverses Encrypt. A wrong passphrase or tampered blob returns
// ErrCiphertext.
func Decrypt(passphrase, encoded string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrCiphertext
	}

	aead, errAead := chacha20poly1305.NewX(deriveKey(passphrase, blobSalt(blob)))
	if errAead != nil {
		return nil, errAead
	}

	if len(blob) < saltSize+aead.NonceSize() {
		return nil, ErrCiphertext
	}

	nonce := blob[saltSize : saltSize+aead.NonceSize()]

	plaintext, err := aead.Open(nil, nonce, blob[saltSize+aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrCiphertext
	}

	return plaintext, nil
}

func blobSalt(blob []byte) []byte {
	if len(blob) < saltSize {
		return make([]byte, saltSize)
	}

	return blob[:saltSize]
}
