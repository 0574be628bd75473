package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestX25519KeyPair(t *testing.T) {
	t.Run("GenerateKeyPair", func(t *testing.T) {
		kp, err := GenerateX25519KeyPair()
		require.NoError(t, err)
		assert.NotNil(t, kp.PublicKey())
		assert.Len(t, kp.PublicKeyBytes(), 32)
	})

	t.Run("DeriveSharedSecret", func(t *testing.T) {
		a, err := GenerateX25519KeyPair()
		require.NoError(t, err)
		b, err := GenerateX25519KeyPair()
		require.NoError(t, err)

		s1, err := a.DeriveSharedSecret(b.PublicKeyBytes())
		require.NoError(t, err)
		s2, err := b.DeriveSharedSecret(a.PublicKeyBytes())
		require.NoError(t, err)

		assert.Equal(t, s1, s2)
		assert.Len(t, s1, 32)
	})

	t.Run("RoundTripFromPrivateBytes", func(t *testing.T) {
		orig, err := GenerateX25519KeyPair()
		require.NoError(t, err)

		restored, err := X25519KeyPairFromPrivateBytes(orig.PrivateKeyBytes())
		require.NoError(t, err)
		assert.Equal(t, orig.PublicKeyBytes(), restored.PublicKeyBytes())
	})

	t.Run("SignUnsupported", func(t *testing.T) {
		kp, err := GenerateX25519KeyPair()
		require.NoError(t, err)

		_, err = kp.Sign([]byte("x"))
		assert.Error(t, err)
		assert.Error(t, kp.Verify([]byte("x"), []byte("y")))
	})
}
