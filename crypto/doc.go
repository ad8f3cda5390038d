// Package crypto provides the static key material for kagu's transport handshake.
//
// Every node owns one long-term Curve25519 [KeyPair]. The private half is the
// Noise static key; the public half is what a client pins when it wants the
// one round-trip IK handshake instead of XX.
//
//	kp, _ := crypto.GenerateKeyPair()
//	defer crypto.WipeKeyPair(kp)
//
//	// Restore from configuration
//	secret, _ := crypto.ParseKeyHex(cfg.SecretKey)
//	kp, err := crypto.FromSecretKey(secret)
//
// # Secure Memory
//
// [SecureWipe], [ZeroBytes] and [WipeKeyPair] overwrite key material once it
// is no longer needed. Go's garbage collector may still have copied the bytes
// elsewhere, so wiping narrows the exposure window rather than closing it.
package crypto
