package transport

import (
	"net"
	"time"
)

// DatagramWriter is the send half of a PacketSocket. Sessions flush through it.
type DatagramWriter interface {
	// Send writes one datagram without blocking.
	Send(b []byte, dst net.Addr) error
}

// PacketSocket is a non-blocking datagram socket with readiness notification.
// All methods except PollReadable return immediately; PollReadable may sleep
// up to its timeout.
type PacketSocket interface {
	DatagramWriter

	// Recv reads one datagram into buf, returning ErrWouldBlock when none is
	// queued and ErrTruncated, with the source, when it did not fit buf.
	Recv(buf []byte) (int, net.Addr, error)

	// PollReadable waits up to timeout for a datagram to become readable.
	// A zero timeout checks without sleeping.
	PollReadable(timeout time.Duration) (bool, error)

	// LocalAddr returns the bound address.
	LocalAddr() net.Addr

	// Close releases the socket.
	Close() error
}
