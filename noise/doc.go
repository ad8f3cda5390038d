// Package noise provides the Noise Protocol Framework handshakes that open a
// kagu transport session.
//
// The package wraps the flynn/noise library with ChaCha20-Poly1305
// encryption, SHA256 hashing and Curve25519 key exchange.
//
// # Pattern Selection
//
//	Pattern │ When to Use                               │ Messages
//	────────┼───────────────────────────────────────────┼─────────
//	IK      │ client pins the server's static key       │ 2
//	XX      │ client does not know the server's key yet │ 3
//
// Message flow for IK:
//
//	Initiator                              Responder
//	-> e, es, s, ss
//	                                       <- e, ee, se
//
// Message flow for XX:
//
//	Initiator                              Responder
//	-> e
//	                                       <- e, ee, s, es
//	-> s, se
//
// # Usage
//
// A [Handshake] tracks whose turn it is. The transport session writes when
// [Handshake.MyTurn] is true and reads otherwise:
//
//	hs, err := noise.NewHandshake(noise.PatternXX, keys.Private[:], nil, noise.Initiator)
//	msg, complete, err := hs.WriteMessage(nil)
//	// ... send msg, receive reply ...
//	_, complete, err = hs.ReadMessage(reply)
//
// Once complete, [Handshake.GetCipherStates] returns the send and receive
// cipher states. The transport uses their explicit-nonce [noise.Cipher] form,
// with the packet number as nonce, because datagrams can be lost or reordered.
package noise
