// Package crypto implements the token-at-rest primitives for the vault:
// AES-256-GCM encryption with an explicit 16-byte IV stored alongside the
// ciphertext, and SHA-256 fingerprints used for duplicate detection.
//
// The symmetric key is supplied once at boot as a 64-hex-char string. A
// missing or wrong-length key is a fatal configuration error — there is no
// fallback key and no key rotation automation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/bilalesi/auth-vault-sub000/internal/apperr"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	// IVSize is the GCM nonce length. 16 bytes rather than the GCM default
	// of 12 to stay wire-compatible with entries written by earlier
	// deployments of the vault.
	IVSize = 16

	// TagSize is the GCM authentication tag length appended to the ciphertext.
	TagSize = 16
)

// Cipher encrypts and decrypts vault tokens with a single process-wide key.
// It is safe for concurrent use.
type Cipher struct {
	aead func() (cipher.AEAD, error)
	key  []byte
}

// New builds a Cipher from a 64-hex-char key string. The key is validated
// eagerly so a misconfigured deployment fails at startup, not on first use.
func New(hexKey string) (*Cipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: encryption key is not valid hex: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: encryption key must be exactly %d bytes, got %d", KeySize, len(key))
	}

	c := &Cipher{key: make([]byte, KeySize)}
	copy(c.key, key)
	c.aead = c.newAEAD

	// Construct once to surface cipher errors at boot.
	if _, err := c.aead(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cipher) newAEAD() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt encrypts plaintext with a fresh random IV and returns the
// hex-encoded ciphertext (with the auth tag appended) and the hex-encoded IV.
// A new IV is minted on every call — never reused with the same key.
func (c *Cipher) Encrypt(plaintext string) (cipherHex, ivHex string, err error) {
	gcm, err := c.aead()
	if err != nil {
		return "", "", apperr.Wrap(apperr.CodeEncryptionFailed, "cipher construction failed", err)
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", "", apperr.Wrap(apperr.CodeEncryptionFailed, "generating IV", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	return hex.EncodeToString(sealed), hex.EncodeToString(iv), nil
}

// Decrypt reverses Encrypt. Any tampering with the ciphertext, the tag, or
// the IV yields a decryption_failed error — this doubles as the vault's
// tamper signal and is never retried.
func (c *Cipher) Decrypt(cipherHex, ivHex string) (string, error) {
	blob, err := hex.DecodeString(cipherHex)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeDecryptionFailed, "ciphertext is not valid hex", err)
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeDecryptionFailed, "IV is not valid hex", err)
	}
	if len(iv) != IVSize {
		return "", apperr.New(apperr.CodeDecryptionFailed, "IV has wrong length")
	}
	if len(blob) < TagSize {
		return "", apperr.New(apperr.CodeDecryptionFailed, "ciphertext too short to carry auth tag")
	}

	gcm, err := c.aead()
	if err != nil {
		return "", apperr.Wrap(apperr.CodeDecryptionFailed, "cipher construction failed", err)
	}

	plaintext, err := gcm.Open(nil, iv, blob, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeDecryptionFailed, "authentication failed", err)
	}
	return string(plaintext), nil
}

// Hash returns the SHA-256 hex fingerprint of a plaintext token. Used only
// for equality checks between stored entries; the hash never leaves the
// process.
func Hash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
