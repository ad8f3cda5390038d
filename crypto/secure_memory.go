package crypto

import (
	"errors"
	"runtime"
)

// ErrNothingToWipe is returned when a wipe is asked to clear a nil buffer.
var ErrNothingToWipe = errors.New("nothing to wipe")

// SecureWipe zeroes key material in place. The slice stays usable but holds
// no secret afterwards.
func SecureWipe(data []byte) error {
	if data == nil {
		return ErrNothingToWipe
	}
	clear(data)
	// keeps the stores from being elided
	runtime.KeepAlive(data)
	return nil
}

// ZeroBytes clears data and ignores nil.
func ZeroBytes(data []byte) {
	if data != nil {
		_ = SecureWipe(data)
	}
}

// WipeKeyPair clears the private half of kp and leaves the public key.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return ErrNothingToWipe
	}
	return SecureWipe(kp.Private[:])
}
