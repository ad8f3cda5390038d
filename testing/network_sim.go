package testing

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bblsh/kagu-sub000/transport"
	"github.com/sirupsen/logrus"
)

// DropFunc decides whether the simulated network loses a datagram.
type DropFunc func(from, to string, datagram []byte) bool

// DeliveryRecord represents a datagram send event for test verification.
type DeliveryRecord struct {
	From      string
	To        string
	Size      int
	Delivered bool
}

// SimulatedNetwork is an in-memory datagram network. Sockets bound on it
// implement transport.PacketSocket and deliver to each other instantly
// unless the drop function says otherwise.
type SimulatedNetwork struct {
	mu          sync.Mutex
	sockets     map[string]*SimulatedSocket
	deliveryLog []DeliveryRecord
	drop        DropFunc
	maxDatagram int
}

// NewSimulatedNetwork creates an empty network. Datagrams above maxDatagram
// bytes fail with a size mismatch.
func NewSimulatedNetwork(maxDatagram int) *SimulatedNetwork {
	logrus.WithFields(logrus.Fields{
		"function":     "NewSimulatedNetwork",
		"max_datagram": maxDatagram,
	}).Debug("Creating simulated network")

	return &SimulatedNetwork{
		sockets:     make(map[string]*SimulatedSocket),
		maxDatagram: maxDatagram,
	}
}

// SetDropFunc installs a loss filter. Nil delivers everything.
func (n *SimulatedNetwork) SetDropFunc(drop DropFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = drop
}

// Bind opens a socket at address, which must be a host:port not yet in use.
func (n *SimulatedNetwork) Bind(address string) (*SimulatedSocket, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", address, err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.sockets[addr.String()]; ok {
		return nil, fmt.Errorf("address %s already bound", addr)
	}
	s := &SimulatedSocket{
		network: n,
		addr:    addr,
		notify:  make(chan struct{}, 1),
	}
	n.sockets[addr.String()] = s
	return s, nil
}

// GetDeliveryLog returns a copy of every send so far.
func (n *SimulatedNetwork) GetDeliveryLog() []DeliveryRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]DeliveryRecord, len(n.deliveryLog))
	copy(out, n.deliveryLog)
	return out
}

// ClearDeliveryLog forgets past sends.
func (n *SimulatedNetwork) ClearDeliveryLog() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveryLog = n.deliveryLog[:0]
}

func (n *SimulatedNetwork) deliver(from *SimulatedSocket, b []byte, dst net.Addr) error {
	if dst == nil {
		return &transport.SendError{Kind: transport.SendOther, Err: errors.New("nil destination")}
	}
	to := dst.String()
	if n.maxDatagram > 0 && len(b) > n.maxDatagram {
		return &transport.SendError{
			Kind: transport.SendSizeMismatch,
			Addr: to,
			Err:  fmt.Errorf("datagram of %d bytes exceeds %d", len(b), n.maxDatagram),
		}
	}

	n.mu.Lock()
	target, ok := n.sockets[to]
	delivered := ok && (n.drop == nil || !n.drop(from.addr.String(), to, b))
	n.deliveryLog = append(n.deliveryLog, DeliveryRecord{
		From:      from.addr.String(),
		To:        to,
		Size:      len(b),
		Delivered: delivered,
	})
	n.mu.Unlock()

	if delivered {
		target.enqueue(append([]byte(nil), b...), from.addr)
	}
	return nil
}

func (n *SimulatedNetwork) unbind(s *SimulatedSocket) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sockets[s.addr.String()] == s {
		delete(n.sockets, s.addr.String())
	}
}

type inbound struct {
	data []byte
	from net.Addr
}

// SimulatedSocket is one endpoint of a SimulatedNetwork.
type SimulatedSocket struct {
	network *SimulatedNetwork
	addr    *net.UDPAddr

	mu     sync.Mutex
	queue  []inbound
	closed bool
	notify chan struct{}
}

func (s *SimulatedSocket) enqueue(b []byte, from net.Addr) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, inbound{data: b, from: from})
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Send delivers b to dst. Unknown destinations are silently lost like UDP.
func (s *SimulatedSocket) Send(b []byte, dst net.Addr) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return &transport.SendError{Kind: transport.SendOther, Err: transport.ErrSocketClosed}
	}
	return s.network.deliver(s, b, dst)
}

// Recv pops the oldest queued datagram.
func (s *SimulatedSocket) Recv(buf []byte) (int, net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, nil, &transport.RecvError{Kind: transport.RecvOther, Err: transport.ErrSocketClosed}
	}
	if len(s.queue) == 0 {
		return 0, nil, &transport.RecvError{Kind: transport.RecvWouldBlock, Err: transport.ErrWouldBlock}
	}
	in := s.queue[0]
	s.queue[0] = inbound{}
	s.queue = s.queue[1:]
	n := copy(buf, in.data)
	if n < len(in.data) {
		return n, in.from, &transport.RecvError{Kind: transport.RecvTruncated, Err: transport.ErrTruncated}
	}
	return n, in.from, nil
}

// PollReadable waits up to timeout for a queued datagram.
func (s *SimulatedSocket) PollReadable(timeout time.Duration) (bool, error) {
	if ready, err := s.readable(); ready || err != nil || timeout == 0 {
		return ready, err
	}

	var expire <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expire = timer.C
	}
	for {
		select {
		case <-s.notify:
			if ready, err := s.readable(); ready || err != nil {
				return ready, err
			}
		case <-expire:
			return s.readable()
		}
	}
}

func (s *SimulatedSocket) readable() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, transport.ErrSocketClosed
	}
	return len(s.queue) > 0, nil
}

// Pending returns the number of queued datagrams.
func (s *SimulatedSocket) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// LocalAddr returns the bound address.
func (s *SimulatedSocket) LocalAddr() net.Addr {
	return s.addr
}

// Close unbinds the socket and wakes a pending PollReadable.
func (s *SimulatedSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	s.network.unbind(s)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

var _ transport.PacketSocket = (*SimulatedSocket)(nil)
