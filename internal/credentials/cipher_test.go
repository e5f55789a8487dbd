package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAEADCipher_RequiresSecret(t *testing.T) {
	c, err := NewAEADCipher("")
	require.Error(t, err)
	assert.Nil(t, c)
}

func TestAEADCipher_RoundTrip(t *testing.T) {
	c, err := NewAEADCipher("unit-test-secret")
	require.NoError(t, err)

	sealed, err := c.Encrypt([]byte("ya29.access-token"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "ya29")

	opened, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "ya29.access-token", string(opened))
}

func TestAEADCipher_RandomNonce(t *testing.T) {
	c, err := NewAEADCipher("unit-test-secret")
	require.NoError(t, err)

	a, err := c.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := c.Encrypt([]byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestAEADCipher_DecryptFailures(t *testing.T) {
	c, err := NewAEADCipher("unit-test-secret")
	require.NoError(t, err)
	other, err := NewAEADCipher("another-secret")
	require.NoError(t, err)

	sealed, err := c.Encrypt([]byte("token"))
	require.NoError(t, err)

	t.Run("wrong key", func(t *testing.T) {
		_, err := other.Decrypt(sealed)
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("tampered", func(t *testing.T) {
		tampered := append([]byte(nil), sealed...)
		tampered[len(tampered)-1] ^= 0xff
		_, err := c.Decrypt(tampered)
		assert.ErrorIs(t, err, ErrDecrypt)
	})

	t.Run("too short", func(t *testing.T) {
		_, err := c.Decrypt([]byte("abc"))
		assert.ErrorIs(t, err, ErrDecrypt)
	})
}
