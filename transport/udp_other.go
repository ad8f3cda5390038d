//go:build !unix

package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// recvPollWait is how long Recv waits when nothing is stashed. Go's deadlines
// cannot express a zero-wait read.
const recvPollWait = time.Millisecond

// UDPSocket emulates the non-blocking socket with read deadlines on
// platforms without poll(2). PollReadable stashes the datagram it waited for
// so that the following Recv returns it.
type UDPSocket struct {
	conn        *net.UDPConn
	maxDatagram int

	stash     []byte
	stashN    int
	stashAddr net.Addr
	hasStash  bool
}

// Bind opens a UDP socket on address and returns it with the bound address.
func Bind(address string, maxDatagram int) (*UDPSocket, *net.UDPAddr, error) {
	laddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve %s: %w", address, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, nil, fmt.Errorf("bind %s: %w", address, err)
	}

	bound := conn.LocalAddr().(*net.UDPAddr)
	logrus.WithFields(logrus.Fields{
		"function":   "Bind",
		"local_addr": bound.String(),
	}).Info("Bound UDP socket (deadline emulation)")

	return &UDPSocket{
		conn:        conn,
		maxDatagram: maxDatagram,
		stash:       make([]byte, maxDatagram+1),
	}, bound, nil
}

// Send writes one datagram.
func (s *UDPSocket) Send(b []byte, dst net.Addr) error {
	addr := ""
	if dst != nil {
		addr = dst.String()
	}
	if len(b) > s.maxDatagram {
		return newSendError(SendSizeMismatch, addr,
			fmt.Errorf("datagram of %d bytes exceeds %d", len(b), s.maxDatagram))
	}
	n, err := s.conn.WriteTo(b, dst)
	if err != nil {
		return newSendError(SendOther, addr, err)
	}
	if n != len(b) {
		return newSendError(SendSizeMismatch, addr, fmt.Errorf("wrote %d of %d bytes", n, len(b)))
	}
	return nil
}

// Recv returns the stashed datagram or reads one with a short deadline. The
// stash is one byte larger than any accepted datagram so that truncation
// shows up as an overlong read.
func (s *UDPSocket) Recv(buf []byte) (int, net.Addr, error) {
	if !s.hasStash {
		if err := s.conn.SetReadDeadline(time.Now().Add(recvPollWait)); err != nil {
			return 0, nil, newRecvError(RecvOther, err)
		}
		n, addr, err := s.conn.ReadFrom(s.stash)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return 0, nil, newRecvError(RecvWouldBlock, ErrWouldBlock)
			}
			return 0, nil, newRecvError(RecvOther, err)
		}
		s.stashN, s.stashAddr = n, addr
	}
	s.hasStash = false

	n := copy(buf, s.stash[:s.stashN])
	if s.stashN > n {
		return n, s.stashAddr, newRecvError(RecvTruncated, ErrTruncated)
	}
	return n, s.stashAddr, nil
}

// PollReadable waits up to timeout for a datagram and stashes it.
func (s *UDPSocket) PollReadable(timeout time.Duration) (bool, error) {
	if s.hasStash {
		return true, nil
	}
	if timeout < recvPollWait {
		timeout = recvPollWait
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return false, newRecvError(RecvOther, err)
	}
	n, addr, err := s.conn.ReadFrom(s.stash)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return false, nil
		}
		return false, newRecvError(RecvOther, err)
	}
	s.stashN, s.stashAddr, s.hasStash = n, addr, true
	return true, nil
}

// LocalAddr returns the local address the socket is bound to.
func (s *UDPSocket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close shuts down the socket.
func (s *UDPSocket) Close() error {
	return s.conn.Close()
}
