//go:build unix

package transport

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// UDPSocket is a non-blocking UDP socket. Reads and writes go straight to the
// file descriptor with MSG_DONTWAIT; readiness is level-triggered poll(2).
type UDPSocket struct {
	conn        *net.UDPConn
	raw         syscall.RawConn
	maxDatagram int
	inet6       bool
}

// Bind opens a UDP socket on address and returns it with the bound address,
// which carries the real port when address asked for port 0.
func Bind(address string, maxDatagram int) (*UDPSocket, *net.UDPAddr, error) {
	laddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve %s: %w", address, err)
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, nil, fmt.Errorf("bind %s: %w", address, err)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("raw socket %s: %w", address, err)
	}

	var (
		sa      unix.Sockaddr
		nameErr error
	)
	if err := raw.Control(func(fd uintptr) {
		sa, nameErr = unix.Getsockname(int(fd))
	}); err != nil || nameErr != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("getsockname %s: %w", address, errors.Join(err, nameErr))
	}
	_, inet6 := sa.(*unix.SockaddrInet6)

	sock := &UDPSocket{
		conn:        conn,
		raw:         raw,
		maxDatagram: maxDatagram,
		inet6:       inet6,
	}
	bound := conn.LocalAddr().(*net.UDPAddr)

	logrus.WithFields(logrus.Fields{
		"function":     "Bind",
		"local_addr":   bound.String(),
		"inet6":        inet6,
		"max_datagram": maxDatagram,
	}).Info("Bound UDP socket")

	return sock, bound, nil
}

// Send writes one datagram without blocking.
func (s *UDPSocket) Send(b []byte, dst net.Addr) error {
	addr := ""
	if dst != nil {
		addr = dst.String()
	}
	if len(b) > s.maxDatagram {
		return newSendError(SendSizeMismatch, addr,
			fmt.Errorf("datagram of %d bytes exceeds %d", len(b), s.maxDatagram))
	}

	udpAddr, ok := dst.(*net.UDPAddr)
	if !ok {
		return newSendError(SendOther, addr, fmt.Errorf("unsupported address type %T", dst))
	}

	sa, err := s.sockaddr(udpAddr)
	if err != nil {
		return newSendError(SendOther, addr, err)
	}

	var sendErr error
	if err := s.raw.Write(func(fd uintptr) bool {
		sendErr = unix.Sendto(int(fd), b, unix.MSG_DONTWAIT, sa)
		return true
	}); err != nil {
		return newSendError(SendOther, addr, err)
	}

	switch {
	case sendErr == nil:
		return nil
	case errors.Is(sendErr, unix.EAGAIN), errors.Is(sendErr, unix.EWOULDBLOCK),
		errors.Is(sendErr, unix.ENOBUFS), errors.Is(sendErr, unix.EINTR):
		return newSendError(SendWouldBlock, addr, ErrWouldBlock)
	case errors.Is(sendErr, unix.EMSGSIZE):
		return newSendError(SendSizeMismatch, addr, sendErr)
	case errors.Is(sendErr, unix.ECONNREFUSED), errors.Is(sendErr, unix.EHOSTUNREACH),
		errors.Is(sendErr, unix.ENETUNREACH):
		// unreachable peers are a per-connection matter; loss recovery and
		// idle timeout deal with them
		logrus.WithFields(logrus.Fields{
			"function": "UDPSocket.Send",
			"dest":     addr,
			"error":    sendErr.Error(),
		}).Debug("Datagram dropped by the network stack")
		return nil
	default:
		return newSendError(SendOther, addr, sendErr)
	}
}

// Recv reads one datagram into buf. A datagram longer than buf is consumed
// and reported as RecvTruncated together with its source.
func (s *UDPSocket) Recv(buf []byte) (int, net.Addr, error) {
	var (
		n       int
		flags   int
		from    unix.Sockaddr
		recvErr error
	)
	if err := s.raw.Read(func(fd uintptr) bool {
		n, _, flags, from, recvErr = unix.Recvmsg(int(fd), buf, nil, unix.MSG_DONTWAIT)
		return true
	}); err != nil {
		return 0, nil, newRecvError(RecvOther, err)
	}

	switch {
	case recvErr == nil:
	case errors.Is(recvErr, unix.EAGAIN), errors.Is(recvErr, unix.EWOULDBLOCK),
		errors.Is(recvErr, unix.EINTR), errors.Is(recvErr, unix.ECONNREFUSED):
		return 0, nil, newRecvError(RecvWouldBlock, ErrWouldBlock)
	default:
		return 0, nil, newRecvError(RecvOther, recvErr)
	}

	addr := sockaddrToUDP(from)
	if addr == nil {
		return 0, nil, newRecvError(RecvWouldBlock, ErrWouldBlock)
	}
	if flags&unix.MSG_TRUNC != 0 {
		return n, addr, newRecvError(RecvTruncated, ErrTruncated)
	}
	return n, addr, nil
}

// PollReadable waits up to timeout for the socket to become readable.
// Timeouts are rounded up to whole milliseconds; a negative timeout waits forever.
func (s *UDPSocket) PollReadable(timeout time.Duration) (bool, error) {
	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	var (
		ready   bool
		pollErr error
	)
	if err := s.raw.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, ms)
		if err != nil {
			if !errors.Is(err, unix.EINTR) {
				pollErr = err
			}
			return
		}
		ready = n > 0 && fds[0].Revents&(unix.POLLIN|unix.POLLERR) != 0
	}); err != nil {
		return false, newRecvError(RecvOther, err)
	}
	if pollErr != nil {
		return false, newRecvError(RecvOther, pollErr)
	}
	return ready, nil
}

// LocalAddr returns the local address the socket is bound to.
func (s *UDPSocket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close shuts down the socket.
func (s *UDPSocket) Close() error {
	return s.conn.Close()
}

// sockaddr converts a destination to the socket's address family, mapping
// IPv4 destinations into ::ffff:0:0/96 on dual-stack IPv6 sockets.
func (s *UDPSocket) sockaddr(a *net.UDPAddr) (unix.Sockaddr, error) {
	if !s.inet6 {
		ip4 := a.IP.To4()
		if ip4 == nil {
			return nil, fmt.Errorf("cannot reach %s from an IPv4 socket", a)
		}
		sa := &unix.SockaddrInet4{Port: a.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}

	ip16 := a.IP.To16()
	if ip16 == nil {
		return nil, fmt.Errorf("invalid destination address %s", a)
	}
	sa := &unix.SockaddrInet6{Port: a.Port}
	copy(sa.Addr[:], ip16)
	if a.Zone != "" {
		if ifi, err := net.InterfaceByName(a.Zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa, nil
}

// sockaddrToUDP converts a received source address, reporting v4-mapped
// sources as plain IPv4.
func sockaddrToUDP(sa unix.Sockaddr) *net.UDPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: net.IPv4(sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3]).To4(), Port: sa.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, sa.Addr[:])
		if ip4 := ip.To4(); ip4 != nil {
			ip = ip4
		}
		return &net.UDPAddr{IP: ip, Port: sa.Port}
	default:
		return nil
	}
}
