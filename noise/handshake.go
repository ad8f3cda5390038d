// Package noise provides the Noise Protocol Framework handshakes used to
// establish kagu transport sessions. It supports the IK pattern, when the
// client already pins the server's static key, and XX otherwise.
package noise

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/bblsh/kagu-sub000/crypto"
	"github.com/flynn/noise"
)

var (
	// ErrHandshakeNotComplete indicates handshake is still in progress
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates handshake is already complete
	ErrHandshakeComplete = errors.New("handshake already complete")
	// ErrNotMyTurn indicates a write or read out of the pattern's message order
	ErrNotMyTurn = errors.New("handshake message out of turn")
	// ErrUnsupportedPattern indicates an unknown handshake pattern identifier
	ErrUnsupportedPattern = errors.New("unsupported handshake pattern")
)

// HandshakeRole defines whether we're initiating or responding to handshake
type HandshakeRole uint8

const (
	// Initiator starts the handshake (the connecting client)
	Initiator HandshakeRole = iota
	// Responder responds to handshake initiation (the accepting side)
	Responder
)

// Pattern identifies a supported Noise handshake pattern on the wire.
type Pattern uint8

const (
	// PatternXX needs no prior key knowledge: -> e, <- e ee s es, -> s se
	PatternXX Pattern = iota + 1
	// PatternIK needs the responder's static key: -> e es s ss, <- e ee se
	PatternIK
)

// String returns the Noise name of the pattern.
func (p Pattern) String() string {
	switch p {
	case PatternXX:
		return "XX"
	case PatternIK:
		return "IK"
	default:
		return fmt.Sprintf("Pattern(%d)", uint8(p))
	}
}

// messageCount is the number of handshake messages the pattern exchanges.
func (p Pattern) messageCount() int {
	switch p {
	case PatternXX:
		return 3
	case PatternIK:
		return 2
	default:
		return 0
	}
}

func (p Pattern) noisePattern() (noise.HandshakePattern, error) {
	switch p {
	case PatternXX:
		return noise.HandshakeXX, nil
	case PatternIK:
		return noise.HandshakeIK, nil
	default:
		return noise.HandshakePattern{}, fmt.Errorf("%w: %d", ErrUnsupportedPattern, uint8(p))
	}
}

// ValidatePattern reports whether a pattern read off the wire is supported.
func ValidatePattern(p Pattern) error {
	if p.messageCount() == 0 {
		return fmt.Errorf("%w: %d", ErrUnsupportedPattern, uint8(p))
	}
	return nil
}

// Handshake drives one side of a Noise handshake. Messages alternate starting
// with the initiator; index 0 is always written by the initiator.
type Handshake struct {
	role        HandshakeRole
	pattern     Pattern
	state       *noise.HandshakeState
	sendCipher  *noise.CipherState
	recvCipher  *noise.CipherState
	complete    bool
	index       int
	localPubKey []byte
}

// NewIKHandshake creates a new IK pattern handshake.
// staticPrivKey is our long-term private key (32 bytes).
// peerPubKey is peer's long-term public key (32 bytes, nil for responder).
func NewIKHandshake(staticPrivKey, peerPubKey []byte, role HandshakeRole) (*Handshake, error) {
	if role == Initiator && len(peerPubKey) != 32 {
		return nil, fmt.Errorf("initiator requires peer public key (32 bytes), got %d", len(peerPubKey))
	}
	return NewHandshake(PatternIK, staticPrivKey, peerPubKey, role)
}

// NewXXHandshake creates a new XX pattern handshake.
// staticPrivKey is our long-term private key (32 bytes).
func NewXXHandshake(staticPrivKey []byte, role HandshakeRole) (*Handshake, error) {
	return NewHandshake(PatternXX, staticPrivKey, nil, role)
}

// NewHandshake creates a handshake for any supported pattern.
func NewHandshake(pattern Pattern, staticPrivKey, peerPubKey []byte, role HandshakeRole) (*Handshake, error) {
	hsPattern, err := pattern.noisePattern()
	if err != nil {
		return nil, err
	}

	if len(staticPrivKey) != 32 {
		return nil, fmt.Errorf("static private key must be 32 bytes, got %d", len(staticPrivKey))
	}

	var privateKeyArray [32]byte
	copy(privateKeyArray[:], staticPrivKey)
	keyPair, err := crypto.FromSecretKey(privateKeyArray)
	crypto.ZeroBytes(privateKeyArray[:])
	if err != nil {
		return nil, fmt.Errorf("failed to derive keypair: %w", err)
	}

	staticKey := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(staticKey.Private, keyPair.Private[:])
	copy(staticKey.Public, keyPair.Public[:])
	crypto.ZeroBytes(keyPair.Private[:])

	config := noise.Config{
		CipherSuite:   noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		Random:        rand.Reader,
		Pattern:       hsPattern,
		Initiator:     role == Initiator,
		StaticKeypair: staticKey,
	}

	if role == Initiator && pattern == PatternIK {
		config.PeerStatic = make([]byte, 32)
		copy(config.PeerStatic, peerPubKey)
	}

	state, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s handshake state: %w", pattern, err)
	}

	return &Handshake{
		role:        role,
		pattern:     pattern,
		state:       state,
		localPubKey: staticKey.Public,
	}, nil
}

// MyTurn reports whether the next handshake message is ours to write.
func (h *Handshake) MyTurn() bool {
	if h.complete {
		return false
	}
	initiatorTurn := h.index%2 == 0
	return initiatorTurn == (h.role == Initiator)
}

// WriteMessage produces the next handshake message.
// Returns the message to send to peer, completion status, and any error.
func (h *Handshake) WriteMessage(payload []byte) ([]byte, bool, error) {
	if h.complete {
		return nil, false, ErrHandshakeComplete
	}
	if !h.MyTurn() {
		return nil, false, ErrNotMyTurn
	}

	message, cs1, cs2, err := h.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, false, fmt.Errorf("%s handshake write failed: %w", h.pattern, err)
	}
	h.index++
	h.finish(cs1, cs2)

	return message, h.complete, nil
}

// ReadMessage consumes the peer's next handshake message.
// Returns the decrypted payload and completion status.
func (h *Handshake) ReadMessage(message []byte) ([]byte, bool, error) {
	if h.complete {
		return nil, false, ErrHandshakeComplete
	}
	if h.MyTurn() {
		return nil, false, ErrNotMyTurn
	}

	payload, cs1, cs2, err := h.state.ReadMessage(nil, message)
	if err != nil {
		return nil, false, fmt.Errorf("%s handshake read failed: %w", h.pattern, err)
	}
	h.index++
	h.finish(cs1, cs2)

	return payload, h.complete, nil
}

// finish stores the split cipher states. cs1 always encrypts
// initiator-to-responder traffic.
func (h *Handshake) finish(cs1, cs2 *noise.CipherState) {
	if cs1 == nil || cs2 == nil {
		return
	}
	if h.role == Initiator {
		h.sendCipher, h.recvCipher = cs1, cs2
	} else {
		h.sendCipher, h.recvCipher = cs2, cs1
	}
	h.complete = true
}

// IsComplete returns true if handshake is finished and cipher states are available.
func (h *Handshake) IsComplete() bool {
	return h.complete
}

// Pattern returns the handshake pattern.
func (h *Handshake) Pattern() Pattern {
	return h.pattern
}

// Role returns which side of the handshake this is.
func (h *Handshake) Role() HandshakeRole {
	return h.role
}

// MessageIndex returns the index of the next message to be written or read.
func (h *Handshake) MessageIndex() int {
	return h.index
}

// MessageCount returns how many messages the pattern exchanges in total.
func (h *Handshake) MessageCount() int {
	return h.pattern.messageCount()
}

// GetCipherStates returns the send and receive cipher states after successful handshake.
func (h *Handshake) GetCipherStates() (*noise.CipherState, *noise.CipherState, error) {
	if !h.complete {
		return nil, nil, ErrHandshakeNotComplete
	}
	return h.sendCipher, h.recvCipher, nil
}

// GetRemoteStaticKey returns the peer's static public key after successful handshake.
func (h *Handshake) GetRemoteStaticKey() ([]byte, error) {
	if !h.complete {
		return nil, ErrHandshakeNotComplete
	}

	remoteKey := h.state.PeerStatic()
	if len(remoteKey) == 0 {
		return nil, fmt.Errorf("remote static key not available")
	}

	key := make([]byte, len(remoteKey))
	copy(key, remoteKey)
	return key, nil
}

// GetLocalStaticKey returns our static public key.
func (h *Handshake) GetLocalStaticKey() []byte {
	key := make([]byte, len(h.localPubKey))
	copy(key, h.localPubKey)
	return key
}
