package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrWouldBlock signals that a non-blocking socket operation could not
	// proceed now. The driver moves on to its next scheduled event.
	ErrWouldBlock = errors.New("operation would block")

	// ErrTruncated indicates an inbound datagram larger than the receive buffer
	ErrTruncated = errors.New("datagram truncated")

	// ErrSocketClosed indicates the socket has been closed
	ErrSocketClosed = errors.New("socket closed")

	// ErrShortPacket indicates a datagram too short to hold a packet header
	ErrShortPacket = errors.New("packet too short")

	// ErrUnknownPacketType indicates a datagram with an unrecognised type byte
	ErrUnknownPacketType = errors.New("unknown packet type")

	// ErrMalformedFrame indicates a protected payload that does not parse as frames
	ErrMalformedFrame = errors.New("malformed frame")
)

// SendErrorKind classifies a failed datagram send.
type SendErrorKind uint8

const (
	// SendSizeMismatch means the datagram was oversized or only partly written
	SendSizeMismatch SendErrorKind = iota + 1
	// SendWouldBlock means the socket buffer is full right now
	SendWouldBlock
	// SendOther is any other, transport-fatal, failure
	SendOther
)

func (k SendErrorKind) String() string {
	switch k {
	case SendSizeMismatch:
		return "size mismatch"
	case SendWouldBlock:
		return "would block"
	default:
		return "other"
	}
}

// SendError represents a failed send with the destination for context.
type SendError struct {
	Kind SendErrorKind
	Addr string
	Err  error
}

func (e *SendError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("send %s (%s): %v", e.Addr, e.Kind, e.Err)
	}
	return fmt.Sprintf("send (%s): %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrWouldBlock) match a SendWouldBlock error.
func (e *SendError) Is(target error) bool {
	return target == ErrWouldBlock && e.Kind == SendWouldBlock
}

// RecvErrorKind classifies a failed datagram receive.
type RecvErrorKind uint8

const (
	// RecvWouldBlock means no datagram is queued
	RecvWouldBlock RecvErrorKind = iota + 1
	// RecvOther is any other, transport-fatal, failure
	RecvOther
	// RecvTruncated means a datagram was read but did not fit the buffer
	RecvTruncated
)

func (k RecvErrorKind) String() string {
	switch k {
	case RecvWouldBlock:
		return "would block"
	case RecvTruncated:
		return "truncated"
	default:
		return "other"
	}
}

// RecvError represents a failed receive.
type RecvError struct {
	Kind RecvErrorKind
	Err  error
}

func (e *RecvError) Error() string {
	return fmt.Sprintf("recv (%s): %v", e.Kind, e.Err)
}

func (e *RecvError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrWouldBlock and ErrTruncated by kind.
func (e *RecvError) Is(target error) bool {
	switch target {
	case ErrWouldBlock:
		return e.Kind == RecvWouldBlock
	case ErrTruncated:
		return e.Kind == RecvTruncated
	}
	return false
}

func newSendError(kind SendErrorKind, addr string, err error) *SendError {
	return &SendError{Kind: kind, Addr: addr, Err: err}
}

func newRecvError(kind RecvErrorKind, err error) *RecvError {
	return &RecvError{Kind: kind, Err: err}
}
