package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed is returned by every operation on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrUnknownStream indicates a stream id that is not reliable or background
	ErrUnknownStream = errors.New("unknown stream")
	// ErrSendBufferFull indicates a stream write beyond MaxStreamBuffer
	ErrSendBufferFull = errors.New("stream send buffer full")
	// ErrRecvWindowExceeded indicates peer stream data beyond MaxStreamBuffer
	ErrRecvWindowExceeded = errors.New("stream receive window exceeded")
	// ErrDatagramTooLarge indicates a real-time unit that cannot fit one packet
	ErrDatagramTooLarge = errors.New("datagram too large")
	// ErrIdleTimeout is the close error after IdleTimeout without traffic
	ErrIdleTimeout = errors.New("idle timeout")
	// ErrRetransmissionExhausted is the close error after MaxPTOCount retransmission timeouts
	ErrRetransmissionExhausted = errors.New("retransmission exhausted")
)

// ErrorCode is carried by CLOSE frames.
type ErrorCode uint64

const (
	CodeNoError ErrorCode = iota
	CodeInternal
	CodeProtocolViolation
	CodeHandshakeFailed
	CodeApplication
)

func (c ErrorCode) String() string {
	switch c {
	case CodeNoError:
		return "no error"
	case CodeInternal:
		return "internal error"
	case CodeProtocolViolation:
		return "protocol violation"
	case CodeHandshakeFailed:
		return "handshake failed"
	case CodeApplication:
		return "application error"
	default:
		return fmt.Sprintf("ErrorCode(%d)", uint64(c))
	}
}

// TransportError is a connection-scoped failure. It closes one session and
// never the driver.
type TransportError struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *TransportError) Error() string {
	msg := e.Code.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// CloseReason tells collaborators why a session ended.
type CloseReason uint8

const (
	ReasonNone CloseReason = iota
	// ReasonLocal is a Close call on this side
	ReasonLocal
	// ReasonPeer is a CLOSE frame from the peer
	ReasonPeer
	// ReasonTimeout is idle timeout or retransmission exhaustion
	ReasonTimeout
	// ReasonError is a handshake failure or protocol violation
	ReasonError
)

func (r CloseReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonLocal:
		return "local close"
	case ReasonPeer:
		return "peer close"
	case ReasonTimeout:
		return "timeout"
	case ReasonError:
		return "error"
	default:
		return fmt.Sprintf("CloseReason(%d)", uint8(r))
	}
}
