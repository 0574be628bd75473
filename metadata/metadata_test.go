package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCipher([]byte("group-1"))
	require.NoError(t, err)

	plaintext := []byte("general")
	ct, err := c.Encrypt(plaintext)
	require.NoError(t, err)

	pt, err := c.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)
}

func TestEncryptIsRandomized(t *testing.T) {
	c, err := NewCipher([]byte("group-1"))
	require.NoError(t, err)

	a, err := c.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)
	b, err := c.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Equal(t, len(a), len(b))
}

func TestDerivationIsDeterministicAndIsolated(t *testing.T) {
	c1, err := NewCipher([]byte("group-1"))
	require.NoError(t, err)
	c1again, err := NewCipher([]byte("group-1"))
	require.NoError(t, err)
	c2, err := NewCipher([]byte("group-2"))
	require.NoError(t, err)

	assert.Equal(t, c1.key, c1again.key)
	assert.NotEqual(t, c1.key, c2.key)

	// Ciphertext from one group's key must not decrypt under another's.
	ct, err := c1.Encrypt([]byte("secret"))
	require.NoError(t, err)
	_, err = c2.Decrypt(ct)
	assert.Error(t, err)
}

func TestBitFlipFailsAuthentication(t *testing.T) {
	c, err := NewCipher([]byte("group-1"))
	require.NoError(t, err)

	ct, err := c.Encrypt([]byte("channel topic"))
	require.NoError(t, err)

	for i := 0; i < len(ct); i++ {
		mutated := append([]byte(nil), ct...)
		mutated[i] ^= 0x01
		_, err := c.Decrypt(mutated)
		assert.Error(t, err, "bit flip at byte %d must fail", i)
	}
}

func TestDecryptRejectsShortInput(t *testing.T) {
	c, err := NewCipher([]byte("group-1"))
	require.NoError(t, err)
	_, err = c.Decrypt([]byte("short"))
	assert.Error(t, err)
}
