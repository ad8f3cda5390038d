// Package limits provides centralized size and timing limits for the kagu core.
// This ensures consistent validation across the transport, framing and audio layers.
package limits

import (
	"errors"
	"fmt"
	"time"
)

const (
	// MaxDatagramSize is the maximum UDP payload (IPv6 minimum MTU minus IP/UDP headers)
	MaxDatagramSize = 1232

	// MinDatagramSize is the smallest datagram size a session can be configured with
	MinDatagramSize = 256

	// AEADOverhead is the Poly1305 tag added to every protected packet
	AEADOverhead = 16

	// FramingHeaderSize is the width of the length prefix on framed streams
	FramingHeaderSize = 2

	// MaxFramedMessage is the largest body a FramingHeaderSize prefix can describe
	MaxFramedMessage = 1<<(8*FramingHeaderSize) - 1

	// AudioSampleRate is the mixing sample rate in Hz
	AudioSampleRate = 48000

	// AudioFrameSamples is the number of mono samples mixed per tick (10ms @ 48kHz)
	AudioFrameSamples = 480

	// AudioTickInterval is the playback period of one mixed frame
	AudioTickInterval = 10 * time.Millisecond

	// DefaultIdleTimeout closes a session that has received nothing for this long
	DefaultIdleTimeout = 30 * time.Second

	// DefaultKeepAliveInterval is how long a session may stay silent before it pings
	DefaultKeepAliveInterval = 5 * time.Second

	// DefaultTickInterval bounds the driver's housekeeping latency
	DefaultTickInterval = 5 * time.Millisecond
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateDatagram checks an outbound datagram before it reaches the socket.
func ValidateDatagram(datagram []byte, maxSize int) error {
	if len(datagram) == 0 {
		return ErrMessageEmpty
	}
	if len(datagram) > maxSize {
		return fmt.Errorf("%w: datagram size %d exceeds limit %d", ErrMessageTooLarge, len(datagram), maxSize)
	}
	return nil
}

// ValidateFramedPayload checks that a serialized message fits behind a
// FramingHeaderSize length prefix. Empty payloads are valid.
func ValidateFramedPayload(payload []byte) error {
	if len(payload) > MaxFramedMessage {
		return fmt.Errorf("%w: framed payload size %d exceeds limit %d", ErrMessageTooLarge, len(payload), MaxFramedMessage)
	}
	return nil
}

// ValidateDatagramSize checks a configured datagram size.
func ValidateDatagramSize(size int) error {
	if size < MinDatagramSize || size > MaxDatagramSize {
		return fmt.Errorf("datagram size %d outside [%d, %d]", size, MinDatagramSize, MaxDatagramSize)
	}
	return nil
}
