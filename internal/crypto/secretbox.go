package crypto

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// SecretBox seals small secrets at rest with XChaCha20-Poly1305 under a key
// derived from the master key via HKDF-SHA256.
type SecretBox struct {
	key  []byte
	info []byte
}

// NewSecretBox derives a purpose-bound key from master; info separates purposes.
func NewSecretBox(master []byte, info string) (*SecretBox, error) {
	if len(master) == 0 {
		return nil, errors.New("crypto: empty master key")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, err
	}
	return &SecretBox{key: key, info: []byte(info)}, nil
}

// Seal encrypts plaintext with a random nonce; output is nonce||ciphertext.
func (b *SecretBox) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, err
	}
	nonce, err := RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, b.info), nil
}

// Open decrypts the output of Seal.
func (b *SecretBox) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("crypto: sealed value too short")
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, err
	}
	nonce := sealed[:chacha20poly1305.NonceSizeX]
	return aead.Open(nil, nonce, sealed[chacha20poly1305.NonceSizeX:], b.info)
}
