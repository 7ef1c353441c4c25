// Package crypto implements the symmetric encryption, hashing and signing
// primitives shared by the token, seal and device components.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// Key material sizes for the token cipher (AES-256-CBC).
const (
	KeySize = 32
	IVSize  = aes.BlockSize
)

var errBadPadding = errors.New("crypto: bad padding")

// Cipher encrypts short strings with AES-256-CBC under a fixed key and IV.
// Equal plaintexts give equal ciphertexts; callers put a nonce in the payload.
type Cipher struct {
	block cipher.Block
	iv    []byte
}

// NewCipher validates key (32 bytes) and iv (16 bytes) and builds a Cipher.
func NewCipher(key, iv string) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("crypto: iv must be %d bytes, got %d", IVSize, len(iv))
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, err
	}
	return &Cipher{block: block, iv: []byte(iv)}, nil
}

// EncryptString returns base64(AES-CBC(PKCS7(plain))).
func (c *Cipher) EncryptString(plain string) (string, error) {
	src := pkcs7Pad([]byte(plain), aes.BlockSize)
	dst := make([]byte, len(src))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(dst, src)
	return base64.StdEncoding.EncodeToString(dst), nil
}

// DecryptString reverses EncryptString.
func (c *Cipher) DecryptString(enc string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("crypto: decode: %w", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", errors.New("crypto: ciphertext is not a whole number of blocks")
	}
	dst := make([]byte, len(raw))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(dst, raw)
	out, err := pkcs7Unpad(dst, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, errBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errBadPadding
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, errBadPadding
		}
	}
	return b[:len(b)-n], nil
}

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}
