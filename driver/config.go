package driver

import (
	"errors"
	"fmt"
	"time"

	"github.com/bblsh/kagu-sub000/av"
	"github.com/bblsh/kagu-sub000/limits"
	"github.com/bblsh/kagu-sub000/session"
	"github.com/bblsh/kagu-sub000/transport"
)

// Config configures a Driver.
type Config struct {
	// MaxDatagramSize sizes the receive buffer.
	MaxDatagramSize int
	// TickInterval is the housekeeping period: requests, outbound queue,
	// captured audio and session flushes.
	TickInterval time.Duration
	// MaxRecvBatch bounds datagrams read per readable event.
	MaxRecvBatch int
	// MaxSendBatch bounds outbound envelopes taken per tick.
	MaxSendBatch int
	// QueueSize bounds every collaborator channel.
	QueueSize int
	// AcceptInbound creates sessions for unknown peers that start a handshake.
	AcceptInbound bool

	// Session is the template for every connection.
	Session session.Config
	// Clock defaults to the real clock.
	Clock transport.TimeProvider
	// Metrics defaults to an unregistered set.
	Metrics *Metrics
	// Audio receives KindAudio messages and supplies captured frames.
	// Nil passes audio messages through to Received.
	Audio *av.Pipeline
	// LocalUserID stamps outbound audio.
	LocalUserID uint32
}

// DefaultConfig returns a Config with the contract defaults. Session.StaticKey
// must still be set.
func DefaultConfig() Config {
	return Config{
		MaxDatagramSize: limits.MaxDatagramSize,
		TickInterval:    limits.DefaultTickInterval,
		MaxRecvBatch:    64,
		MaxSendBatch:    64,
		QueueSize:       256,
		Session:         session.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := limits.ValidateDatagramSize(c.MaxDatagramSize); err != nil {
		return err
	}
	if c.Session.MaxDatagramSize > c.MaxDatagramSize {
		return fmt.Errorf("session datagram size %d exceeds driver limit %d", c.Session.MaxDatagramSize, c.MaxDatagramSize)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %v", c.TickInterval)
	}
	if c.MaxRecvBatch < 1 || c.MaxSendBatch < 1 || c.QueueSize < 1 {
		return errors.New("batch and queue sizes must be positive")
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	return nil
}
