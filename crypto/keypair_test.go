package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

func TestGenerateKeyPair(t *testing.T) {
	kp1, err := GenerateKeyPair()
	require.NoError(t, err)
	kp2, err := GenerateKeyPair()
	require.NoError(t, err)

	assert.NotEqual(t, kp1.Private, kp2.Private, "two generated keys should differ")
	assert.False(t, isZeroKey(kp1.Public), "public key should be derived")
}

func TestFromSecretKeyDerivesPublic(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	restored, err := FromSecretKey(kp.Private)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, restored.Public)

	expected, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	require.NoError(t, err)
	assert.Equal(t, expected, restored.Public[:])
}

func TestFromSecretKeyRejectsZero(t *testing.T) {
	_, err := FromSecretKey([32]byte{})
	assert.ErrorIs(t, err, ErrZeroKey)
}

func TestParseKeyHex(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", hex.EncodeToString(kp.Public[:]), false},
		{"not hex", "zz", true},
		{"short", "0102", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ParseKeyHex(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, kp.Public, key)
		})
	}
}
