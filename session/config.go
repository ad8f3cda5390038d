package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/bblsh/kagu-sub000/crypto"
	"github.com/bblsh/kagu-sub000/limits"
)

// MaxPTOCountLimit caps MaxPTOCount so the doubled timeout cannot overflow.
const MaxPTOCountLimit = 16

// Config holds the per-connection transport parameters.
type Config struct {
	// MaxDatagramSize bounds every datagram the session produces.
	MaxDatagramSize int
	// IdleTimeout closes the session when nothing is received for this long.
	// Zero disables it.
	IdleTimeout time.Duration
	// KeepAliveInterval sends a PING after this long without an
	// ack-eliciting send. Zero disables it.
	KeepAliveInterval time.Duration
	// InitialRTT seeds the RTT estimator before the first sample.
	InitialRTT time.Duration
	// MaxPTOCount consecutive retransmission timeouts close the session.
	// At most MaxPTOCountLimit.
	MaxPTOCount int
	// PacingRate in bytes per second. Zero sends everything immediately.
	PacingRate int
	// InitialWindow is the initial congestion window in datagrams.
	InitialWindow int
	// MaxStreamBuffer bounds unsent bytes per stream and how far past its
	// readable prefix a peer may send. Zero disables both limits.
	MaxStreamBuffer int

	// StaticKey is this node's long-term key.
	StaticKey *crypto.KeyPair
	// PeerStaticKey pins the server key on a client and selects Noise IK.
	PeerStaticKey []byte
}

// DefaultConfig returns a Config with the contract defaults. StaticKey must
// still be set.
func DefaultConfig() Config {
	return Config{
		MaxDatagramSize:   limits.MaxDatagramSize,
		IdleTimeout:       limits.DefaultIdleTimeout,
		KeepAliveInterval: limits.DefaultKeepAliveInterval,
		InitialRTT:        100 * time.Millisecond,
		MaxPTOCount:       6,
		InitialWindow:     10,
		MaxStreamBuffer:   4 << 20,
	}
}

// Validate checks the configuration for values the session cannot run with.
func (c *Config) Validate() error {
	if err := limits.ValidateDatagramSize(c.MaxDatagramSize); err != nil {
		return err
	}
	if c.StaticKey == nil {
		return errors.New("static key is required")
	}
	if len(c.PeerStaticKey) != 0 && len(c.PeerStaticKey) != 32 {
		return fmt.Errorf("peer static key must be 32 bytes, got %d", len(c.PeerStaticKey))
	}
	if c.InitialRTT <= 0 {
		return fmt.Errorf("initial RTT must be positive, got %v", c.InitialRTT)
	}
	if c.MaxPTOCount < 1 || c.MaxPTOCount > MaxPTOCountLimit {
		return fmt.Errorf("max PTO count must be between 1 and %d, got %d", MaxPTOCountLimit, c.MaxPTOCount)
	}
	if c.InitialWindow < 2 {
		return fmt.Errorf("initial window must be at least 2 datagrams, got %d", c.InitialWindow)
	}
	if c.PacingRate < 0 || c.IdleTimeout < 0 || c.KeepAliveInterval < 0 || c.MaxStreamBuffer < 0 {
		return errors.New("negative transport parameter")
	}
	return nil
}
