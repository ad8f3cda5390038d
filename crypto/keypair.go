package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair represents a Curve25519 key pair used as a Noise static key.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// ErrZeroKey is returned for an all-zero secret key.
var ErrZeroKey = errors.New("invalid secret key: all zeros")

// GenerateKeyPair creates a new random Curve25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("failed to read random key material: %w", err)
	}
	defer ZeroBytes(secret[:])

	return FromSecretKey(secret)
}

// FromSecretKey creates a key pair from an existing private key, deriving the
// public half with X25519 against the base point.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, ErrZeroKey
	}

	public, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], public)
	return kp, nil
}

// ParseKeyHex decodes a hex-encoded 32-byte key as found in configuration files.
func ParseKeyHex(s string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("invalid key hex: %w", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("key must be %d bytes, got %d", len(key), len(raw))
	}
	copy(key[:], raw)
	ZeroBytes(raw)
	return key, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
