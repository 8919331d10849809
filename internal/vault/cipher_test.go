package vault

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(key)
}

func TestCipherRoundTrip(t *testing.T) {
	c := NewCipher(testKey(t))
	require.NoError(t, c.Ready())

	for _, plaintext := range []string{"", "sk_test_123", `{"secret_key":"sk_live_x","webhook_secret":"whsec"}`} {
		sealed, err := c.Encrypt([]byte(plaintext), []byte("cfg-1"))
		require.NoError(t, err)
		opened, err := c.Decrypt(sealed, []byte("cfg-1"))
		require.NoError(t, err)
		require.Equal(t, plaintext, string(opened))
	}
}

func TestCipherNonceIsRandom(t *testing.T) {
	c := NewCipher(testKey(t))
	a, err := c.Encrypt([]byte("same"), nil)
	require.NoError(t, err)
	b, err := c.Encrypt([]byte("same"), nil)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestCipherDetectsTampering(t *testing.T) {
	c := NewCipher(testKey(t))
	sealed, err := c.Encrypt([]byte("secret"), []byte("cfg-1"))
	require.NoError(t, err)
	raw, _ := base64.StdEncoding.DecodeString(sealed)

	for i := range raw {
		tampered := append([]byte(nil), raw...)
		tampered[i] ^= 0x01
		_, err := c.Decrypt(base64.StdEncoding.EncodeToString(tampered), []byte("cfg-1"))
		require.ErrorIs(t, err, ErrIntegrity, "byte %d", i)
	}

	_, err = c.Decrypt(sealed, []byte("cfg-2"))
	require.ErrorIs(t, err, ErrIntegrity)
	_, err = c.Decrypt("not base64!", nil)
	require.ErrorIs(t, err, ErrIntegrity)
	_, err = c.Decrypt(base64.StdEncoding.EncodeToString([]byte("short")), nil)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestCipherRejectsForeignKey(t *testing.T) {
	sealed, err := NewCipher(testKey(t)).Encrypt([]byte("secret"), nil)
	require.NoError(t, err)
	_, err = NewCipher(testKey(t)).Decrypt(sealed, nil)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestCipherFailsClosedWithoutKey(t *testing.T) {
	for _, key := range []string{"", "***", base64.StdEncoding.EncodeToString([]byte("too short"))} {
		c := NewCipher(key)
		require.ErrorIs(t, c.Ready(), ErrConfiguration)
		_, err := c.Encrypt([]byte("secret"), nil)
		require.ErrorIs(t, err, ErrConfiguration)
		_, err = c.Decrypt("anything", nil)
		require.ErrorIs(t, err, ErrConfiguration)
		require.NotErrorIs(t, err, ErrIntegrity)
	}
	var nilCipher *Cipher
	require.ErrorIs(t, nilCipher.Ready(), ErrConfiguration)
}
