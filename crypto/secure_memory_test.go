package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWipeKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	require.False(t, isZeroKey(kp.Private), "private key is all zeros before wiping")

	require.NoError(t, WipeKeyPair(kp))
	assert.True(t, isZeroKey(kp.Private), "private key was not wiped")
	assert.False(t, isZeroKey(kp.Public), "public key should be untouched")
}

func TestSecureWipeNil(t *testing.T) {
	assert.ErrorIs(t, SecureWipe(nil), ErrNothingToWipe)
	assert.ErrorIs(t, WipeKeyPair(nil), ErrNothingToWipe)
	assert.NotPanics(t, func() { ZeroBytes(nil) })
}

func TestZeroBytes(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	ZeroBytes(data)
	assert.Equal(t, []byte{0, 0, 0, 0}, data)
}
