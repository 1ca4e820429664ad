package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
)

// MasterKeyEnv is consulted when no master key file is configured.
const MasterKeyEnv = "AUTH_MASTER_KEY"

var ErrDecrypt = errors.New("cryptox: decryption failed")

// SecretBox is AES-256-GCM authenticated encryption for secrets at rest
// (MFA secrets, signing keys). Output layout: nonce || ciphertext || tag.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox derives a 256-bit key from keyMaterial with SHA-256.
func NewSecretBox(keyMaterial []byte) (*SecretBox, error) {
	if len(keyMaterial) == 0 {
		return nil, errors.New("cryptox: empty master key")
	}

	key := sha256.Sum256(keyMaterial)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptox: failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptox: failed to create GCM: %w", err)
	}
	return &SecretBox{aead: aead}, nil
}

// LoadMasterKey returns key material from path, then AUTH_MASTER_KEY, then a
// random ephemeral key. ephemeral reports the last case; anything sealed with
// an ephemeral key is unreadable after a restart.
func LoadMasterKey(path string) (key []byte, ephemeral bool, err error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, false, fmt.Errorf("cryptox: failed to read master key file: %w", err)
		}
		data = []byte(strings.TrimSpace(string(data)))
		if len(data) == 0 {
			return nil, false, fmt.Errorf("cryptox: master key file %s is empty", path)
		}
		return data, false, nil
	}

	if env := os.Getenv(MasterKeyEnv); env != "" {
		return []byte(env), false, nil
	}

	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("cryptox: failed to generate ephemeral master key: %w", err)
	}
	return key, true, nil
}

// Seal encrypts plaintext. aad is authenticated but not encrypted; callers
// bind ciphertexts to their owner (e.g. the user id) through it.
func (b *SecretBox) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize(), b.aead.NonceSize()+len(plaintext)+b.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptox: failed to generate nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts data produced by Seal with the same aad.
func (b *SecretBox) Open(sealed, aad []byte) ([]byte, error) {
	ns := b.aead.NonceSize()
	if len(sealed) < ns+b.aead.Overhead() {
		return nil, ErrDecrypt
	}
	out, err := b.aead.Open(nil, sealed[:ns], sealed[ns:], aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return out, nil
}

// SealString is Seal with base64url text output, for TEXT columns.
func (b *SecretBox) SealString(plaintext, aad string) (string, error) {
	sealed, err := b.Seal([]byte(plaintext), []byte(aad))
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// OpenString reverses SealString.
func (b *SecretBox) OpenString(sealed, aad string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrDecrypt
	}
	out, err := b.Open(raw, []byte(aad))
	if err != nil {
		return "", err
	}
	return string(out), nil
}
