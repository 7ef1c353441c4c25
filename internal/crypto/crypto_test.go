package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testKey = "0123456789abcdef0123456789abcdef"
	testIV  = "fedcba9876543210"
)

func TestRandBytes_LengthAndUniqueness(t *testing.T) {
	t.Parallel()

	const n = 64
	a, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes: %v", err)
	}
	if len(a) != n {
		t.Fatalf("len=%d, want=%d", len(a), n)
	}
	b, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes(2): %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("two subsequent RandBytes(%d) are equal", n)
	}
}

func TestNewCipher_KeyAndIVLength(t *testing.T) {
	t.Parallel()

	_, err := NewCipher("short", testIV)
	require.Error(t, err)
	_, err = NewCipher(testKey, "short")
	require.Error(t, err)
	_, err = NewCipher(testKey, testIV)
	require.NoError(t, err)
}

func TestCipher_RoundTrip(t *testing.T) {
	t.Parallel()

	c, err := NewCipher(testKey, testIV)
	require.NoError(t, err)

	for _, plain := range []string{"", "a", strings.Repeat("x", 16), `{"applicationId":7}`} {
		enc, err := c.EncryptString(plain)
		require.NoError(t, err)
		dec, err := c.DecryptString(enc)
		require.NoError(t, err)
		require.Equal(t, plain, dec)
	}
}

func TestCipher_DeterministicUnderFixedIV(t *testing.T) {
	t.Parallel()

	c, err := NewCipher(testKey, testIV)
	require.NoError(t, err)
	a, _ := c.EncryptString("same")
	b, _ := c.EncryptString("same")
	require.Equal(t, a, b)
}

func TestCipher_DecryptGarbage(t *testing.T) {
	t.Parallel()

	c, err := NewCipher(testKey, testIV)
	require.NoError(t, err)

	_, err = c.DecryptString("not base64 !!")
	require.Error(t, err)
	_, err = c.DecryptString("AAAA")
	require.Error(t, err)

	other, err := NewCipher("abcdef0123456789abcdef0123456789", testIV)
	require.NoError(t, err)
	enc, err := other.EncryptString("payload that spans more than one block")
	require.NoError(t, err)
	if dec, err := c.DecryptString(enc); err == nil {
		require.NotEqual(t, "payload that spans more than one block", dec)
	}
}

func TestPKCS7_Unpad_Rejects(t *testing.T) {
	t.Parallel()

	_, err := pkcs7Unpad([]byte{1, 2, 3}, 16)
	require.Error(t, err)

	b := bytes.Repeat([]byte{0}, 16)
	_, err = pkcs7Unpad(b, 16)
	require.Error(t, err)

	b[15] = 2
	b[14] = 3
	_, err = pkcs7Unpad(b, 16)
	require.Error(t, err)
}

func TestHashing(t *testing.T) {
	t.Parallel()

	sum := sha256.Sum256([]byte("hello"))
	want := hex.EncodeToString(sum[:])
	require.Equal(t, want, SHA256Hex([]byte("hello")))

	got, err := HashReader(strings.NewReader("hello"))
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Len(t, got, 64)
}

func TestSignAndVerify(t *testing.T) {
	t.Parallel()

	sig := Sign("secret", "token", "1700000000000", "n-1")
	require.True(t, VerifySignature("secret", sig, "token", "1700000000000", "n-1"))
	require.False(t, VerifySignature("secret", sig, "token", "1700000000001", "n-1"))
	require.False(t, VerifySignature("other", sig, "token", "1700000000000", "n-1"))
	require.False(t, VerifySignature("secret", "", "token", "1700000000000", "n-1"))

	// parts are joined with ':'
	require.Equal(t, Sign("secret", "a:b"), Sign("secret", "a", "b"))
}

func TestSecretBox_RoundTripAndPurposeBinding(t *testing.T) {
	t.Parallel()

	box, err := NewSecretBox([]byte(testKey), "device-token")
	require.NoError(t, err)

	sealed, err := box.Seal([]byte("plain device token"))
	require.NoError(t, err)
	opened, err := box.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, "plain device token", string(opened))

	other, err := NewSecretBox([]byte(testKey), "something-else")
	require.NoError(t, err)
	_, err = other.Open(sealed)
	require.Error(t, err)

	_, err = box.Open([]byte("short"))
	require.Error(t, err)

	_, err = NewSecretBox(nil, "x")
	require.Error(t, err)
}
