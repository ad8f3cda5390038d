// Package session implements one peer's connection: the Noise handshake,
// packet protection, the reliable and background streams, real-time
// datagrams, acknowledgements, loss recovery, congestion control and pacing.
//
// A Session performs no I/O and reads no clock. The driver feeds it inbound
// datagrams with RecvDatagram, flushes it with SendPending, and fires its
// timer with OnTimeout once TimeoutDeadline has passed.
package session

import (
	"errors"
	"fmt"
	"net"
	"time"

	flynn "github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/bblsh/kagu-sub000/limits"
	"github.com/bblsh/kagu-sub000/noise"
	"github.com/bblsh/kagu-sub000/transport"
)

// State is the connection lifecycle: Connecting, Established, Closed.
type State uint8

const (
	StateConnecting State = iota
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// maxQueuedDatagrams bounds real-time units waiting in either direction.
// The oldest unit is dropped first.
const maxQueuedDatagrams = 256

// Stats is a snapshot of a session's counters.
type Stats struct {
	PacketsSent      uint64
	PacketsReceived  uint64
	PacketsLost      uint64
	PacketsDropped   uint64
	BytesInFlight    int
	CongestionWindow int
	SmoothedRTT      time.Duration
	PTOCount         int
}

// Session is one peer connection. It is not safe for concurrent use.
type Session struct {
	id     transport.ConnectionID
	local  net.Addr
	remote net.Addr
	cfg    Config
	client bool

	state       State
	established bool
	closeReason CloseReason
	closeErr    error

	hs                   *noise.Handshake
	lastHandshake        []byte
	handshakePending     bool
	completedByWrite     bool
	handshakeDonePending bool
	sendAEAD             flynn.Cipher
	recvAEAD             flynn.Cipher
	peerStatic           []byte

	nextPacketNumber uint64
	history          receiveHistory
	ackPending       bool
	pingPending      bool
	closeFrame       *transport.CloseFrame
	closeSent        bool
	pendingReason    CloseReason
	pendingErr       error

	send         [numStreams]*sendStream
	recv         [numStreams]*recvStream
	datagramsOut [][]byte
	datagramsIn  [][]byte

	sent                 map[uint64]*sentPacket
	largestAcked         uint64
	anyAcked             bool
	rtt                  rttEstimator
	cc                   *congestionController
	pacer                *pacer
	ptoCount             int
	lastAckElicitingSent time.Time
	lastHandshakeSent    time.Time
	lastRecv             time.Time
	created              time.Time

	stats   Stats
	scratch []byte
}

func newSession(id transport.ConnectionID, local, remote net.Addr, cfg Config, client bool, now time.Time) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	s := &Session{
		id:       id,
		local:    local,
		remote:   remote,
		cfg:      cfg,
		client:   client,
		sent:     make(map[uint64]*sentPacket),
		rtt:      newRTTEstimator(cfg.InitialRTT),
		cc:       newCongestionController(cfg.MaxDatagramSize, cfg.InitialWindow),
		pacer:    newPacer(cfg.PacingRate, cfg.MaxDatagramSize),
		lastRecv: now,
		created:  now,
		scratch:  make([]byte, 0, cfg.MaxDatagramSize),
	}
	for i := range s.send {
		s.send[i] = &sendStream{id: StreamID(i)}
		s.recv[i] = newRecvStream(cfg.MaxStreamBuffer)
	}
	return s, nil
}

// NewClient starts an outbound connection and queues its first handshake
// message. Noise IK is used when cfg.PeerStaticKey is set, XX otherwise.
func NewClient(id transport.ConnectionID, local, remote net.Addr, cfg Config, now time.Time) (*Session, error) {
	s, err := newSession(id, local, remote, cfg, true, now)
	if err != nil {
		return nil, err
	}

	pattern := noise.PatternXX
	if len(cfg.PeerStaticKey) == 32 {
		pattern = noise.PatternIK
	}
	s.hs, err = noise.NewHandshake(pattern, cfg.StaticKey.Private[:], cfg.PeerStaticKey, noise.Initiator)
	if err != nil {
		return nil, fmt.Errorf("client handshake: %w", err)
	}
	if err := s.writeHandshake(now); err != nil {
		return nil, fmt.Errorf("client handshake: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewClient",
		"conn_id":  id.String(),
		"remote":   remote.String(),
		"pattern":  pattern.String(),
	}).Info("Connecting")
	return s, nil
}

// NewServer accepts an inbound connection whose first handshake packet used
// pattern. The packet itself is then fed with RecvDatagram.
func NewServer(id transport.ConnectionID, local, remote net.Addr, pattern noise.Pattern, cfg Config, now time.Time) (*Session, error) {
	if err := noise.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	cfg.PeerStaticKey = nil
	s, err := newSession(id, local, remote, cfg, false, now)
	if err != nil {
		return nil, err
	}
	s.hs, err = noise.NewHandshake(pattern, cfg.StaticKey.Private[:], nil, noise.Responder)
	if err != nil {
		return nil, fmt.Errorf("server handshake: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewServer",
		"conn_id":  id.String(),
		"remote":   remote.String(),
		"pattern":  pattern.String(),
	}).Info("Accepting connection")
	return s, nil
}

func (s *Session) ID() transport.ConnectionID { return s.id }
func (s *Session) LocalAddr() net.Addr        { return s.local }
func (s *Session) RemoteAddr() net.Addr       { return s.remote }
func (s *Session) State() State               { return s.state }
func (s *Session) IsEstablished() bool        { return s.state == StateEstablished }
func (s *Session) IsClosed() bool             { return s.state == StateClosed }

// HasEstablished reports whether the handshake has completed at least once.
// It stays true after the session closes.
func (s *Session) HasEstablished() bool { return s.established }

// CloseReason returns why the session closed and the error behind it, if any.
func (s *Session) CloseReason() (CloseReason, error) {
	return s.closeReason, s.closeErr
}

// PeerStaticKey returns the authenticated static key of the peer once the
// handshake has revealed it.
func (s *Session) PeerStaticKey() []byte {
	return s.peerStatic
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	st := s.stats
	st.BytesInFlight = s.cc.bytesInFlight
	st.CongestionWindow = s.cc.window
	st.SmoothedRTT = s.rtt.smoothed
	st.PTOCount = s.ptoCount
	return st
}

// maxPayload is the plaintext budget of one protected packet.
func (s *Session) maxPayload() int {
	return s.cfg.MaxDatagramSize - transport.ProtectedHeaderSize - limits.AEADOverhead
}

// MaxDatagramPayload is the largest unit SendDatagram accepts.
func (s *Session) MaxDatagramPayload() int {
	return s.maxPayload() - 1 - 2
}

// Write appends p to a reliable or background stream.
func (s *Session) Write(stream StreamID, p []byte) error {
	if s.state == StateClosed || s.closeFrame != nil {
		return ErrSessionClosed
	}
	if !stream.Framed() {
		return fmt.Errorf("%w: %s", ErrUnknownStream, stream)
	}
	st := s.send[stream]
	if s.cfg.MaxStreamBuffer > 0 && st.buffered()+len(p) > s.cfg.MaxStreamBuffer {
		return fmt.Errorf("%w: %s", ErrSendBufferFull, stream)
	}
	st.pending = append(st.pending, p...)
	return nil
}

// SendDatagram queues one real-time unit.
func (s *Session) SendDatagram(p []byte) error {
	if s.state == StateClosed || s.closeFrame != nil {
		return ErrSessionClosed
	}
	if len(p) > s.MaxDatagramPayload() {
		return fmt.Errorf("%w: %d > %d", ErrDatagramTooLarge, len(p), s.MaxDatagramPayload())
	}
	if len(s.datagramsOut) >= maxQueuedDatagrams {
		s.datagramsOut = s.datagramsOut[1:]
	}
	s.datagramsOut = append(s.datagramsOut, append([]byte(nil), p...))
	return nil
}

// ReadExact returns exactly n contiguous bytes from a stream, or false when
// fewer are available. Partial reads are never returned.
func (s *Session) ReadExact(stream StreamID, n int) ([]byte, bool) {
	if !stream.Framed() {
		return nil, false
	}
	return s.recv[stream].readExact(n)
}

// Buffered returns the number of readable bytes on a stream.
func (s *Session) Buffered(stream StreamID) int {
	if !stream.Framed() {
		return 0
	}
	return len(s.recv[stream].ready)
}

// PopDatagram returns the next received real-time unit.
func (s *Session) PopDatagram() ([]byte, bool) {
	if len(s.datagramsIn) == 0 {
		return nil, false
	}
	d := s.datagramsIn[0]
	s.datagramsIn[0] = nil
	s.datagramsIn = s.datagramsIn[1:]
	return d, true
}

// Close queues a CLOSE frame. The next SendPending flushes it and the session
// becomes Closed with ReasonLocal. A session without keys closes at once.
func (s *Session) Close(code ErrorCode, reason string) error {
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if s.closeFrame != nil {
		return nil
	}
	var err error
	if code != CodeNoError {
		err = &TransportError{Code: code, Reason: reason}
	}
	s.queueClose(code, reason, ReasonLocal, err)
	return nil
}

func (s *Session) queueClose(code ErrorCode, reason string, why CloseReason, err error) {
	if s.sendAEAD == nil {
		s.markClosed(why, err)
		return
	}
	s.closeFrame = &transport.CloseFrame{Code: uint64(code), Reason: reason}
	s.pendingReason = why
	s.pendingErr = err
}

func (s *Session) setEstablished() {
	if s.state != StateConnecting {
		return
	}
	s.state = StateEstablished
	s.established = true

	logrus.WithFields(logrus.Fields{
		"function": "Session.setEstablished",
		"conn_id":  s.id.String(),
		"remote":   s.remote.String(),
		"client":   s.client,
	}).Info("Connection established")
}

func (s *Session) markClosed(reason CloseReason, err error) {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.closeReason = reason
	s.closeErr = err
	s.handshakePending = false

	for _, p := range s.sent {
		s.cc.onDiscarded(p)
	}
	s.sent = make(map[uint64]*sentPacket)

	fields := logrus.Fields{
		"function": "Session.markClosed",
		"conn_id":  s.id.String(),
		"remote":   s.remote.String(),
		"reason":   reason.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	logrus.WithFields(fields).Info("Connection closed")
}

// RecvDatagram feeds one inbound datagram. Undecryptable, duplicate and
// misdirected packets are dropped silently. A returned error means the
// datagram closed the session; callers follow up with SendPending.
func (s *Session) RecvDatagram(b []byte, src net.Addr, now time.Time) error {
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	hdr, body, err := transport.ParseHeader(b)
	if err != nil {
		s.logDrop(err.Error())
		return nil
	}
	if hdr.ConnID != s.id {
		s.logDrop("connection id mismatch")
		return nil
	}

	switch hdr.Type {
	case transport.PacketHandshake:
		return s.handleHandshake(hdr, body, now)
	case transport.PacketProtected:
		return s.handleProtected(hdr, b[:transport.ProtectedHeaderSize], body, src, now)
	default:
		return nil
	}
}

func (s *Session) handleProtected(hdr transport.Header, ad, body []byte, src net.Addr, now time.Time) error {
	if s.recvAEAD == nil {
		s.logDrop("protected packet before keys")
		return nil
	}
	plaintext, err := s.recvAEAD.Decrypt(nil, hdr.PacketNumber, ad, body)
	if err != nil {
		s.logDrop("decryption failed")
		return nil
	}
	if !s.history.record(hdr.PacketNumber, now) {
		s.logDrop("duplicate packet")
		return nil
	}

	s.stats.PacketsReceived++
	s.lastRecv = now
	if src != nil && src.String() != s.remote.String() {
		logrus.WithFields(logrus.Fields{
			"function": "Session.handleProtected",
			"conn_id":  s.id.String(),
			"old":      s.remote.String(),
			"new":      src.String(),
		}).Info("Peer address changed")
		s.remote = src
	}

	if s.completedByWrite && s.state == StateConnecting {
		s.lastHandshake = nil
		s.handshakePending = false
		s.ptoCount = 0
		s.setEstablished()
	}

	frames, err := transport.ParseFrames(plaintext)
	if err != nil {
		terr := &TransportError{Code: CodeProtocolViolation, Reason: "malformed frames", Err: err}
		s.queueClose(CodeProtocolViolation, "malformed frames", ReasonError, terr)
		return fmt.Errorf("conn %s: %w", s.id, terr)
	}

	for _, f := range frames {
		if transport.IsAckEliciting(f) {
			s.ackPending = true
		}
		switch f := f.(type) {
		case *transport.AckFrame:
			s.onAck(f, now)
		case *transport.StreamFrame:
			if f.StreamID >= numStreams {
				terr := &TransportError{Code: CodeProtocolViolation, Reason: "unknown stream"}
				s.queueClose(CodeProtocolViolation, "unknown stream", ReasonError, terr)
				return fmt.Errorf("conn %s: %w", s.id, terr)
			}
			if err := s.recv[f.StreamID].push(f.Offset, f.Data); err != nil {
				terr := &TransportError{Code: CodeProtocolViolation, Reason: "stream window exceeded", Err: err}
				s.queueClose(CodeProtocolViolation, "stream window exceeded", ReasonError, terr)
				return fmt.Errorf("conn %s: %w", s.id, terr)
			}
		case *transport.DatagramFrame:
			if len(s.datagramsIn) >= maxQueuedDatagrams {
				s.datagramsIn = s.datagramsIn[1:]
			}
			s.datagramsIn = append(s.datagramsIn, f.Data)
		case *transport.CloseFrame:
			var cerr error
			if ErrorCode(f.Code) != CodeNoError {
				cerr = &TransportError{Code: ErrorCode(f.Code), Reason: f.Reason}
			}
			s.markClosed(ReasonPeer, cerr)
			return nil
		case *transport.HandshakeDoneFrame, *transport.PingFrame, *transport.PaddingFrame:
		}
	}
	return nil
}

func (s *Session) logDrop(why string) {
	s.stats.PacketsDropped++
	logrus.WithFields(logrus.Fields{
		"function": "Session.RecvDatagram",
		"conn_id":  s.id.String(),
		"reason":   why,
	}).Debug("Dropped packet")
}

// SendPending produces datagrams until nothing more can be sent now. Each is
// written to w at once when the pacer allows it, or pushed into sched with
// its not-before instant. A would-block write is pushed into sched too. Any
// other write error is transport-fatal and returned as is.
func (s *Session) SendPending(now time.Time, w transport.DatagramWriter, sched *transport.Scheduler) (int, error) {
	if s.state == StateClosed {
		return 0, ErrSessionClosed
	}
	sends := 0
	for s.state != StateClosed {
		dgram, ok := s.nextDatagram(now)
		if !ok {
			break
		}

		if delay := s.pacer.delay(now, len(dgram)); delay > 0 {
			sched.Push(&transport.DelayedSend{
				Payload:   dgram,
				Length:    len(dgram),
				Dest:      s.remote,
				NotBefore: now.Add(delay),
			})
		} else if err := w.Send(dgram, s.remote); err != nil {
			if !errors.Is(err, transport.ErrWouldBlock) {
				return sends, err
			}
			sched.Push(&transport.DelayedSend{
				Payload:   dgram,
				Length:    len(dgram),
				Dest:      s.remote,
				NotBefore: now,
			})
		} else {
			sends++
		}

		if s.closeFrame != nil && s.closeSent {
			s.markClosed(s.pendingReason, s.pendingErr)
		}
	}
	return sends, nil
}

// nextDatagram assembles the next outbound datagram, if any.
func (s *Session) nextDatagram(now time.Time) ([]byte, bool) {
	if s.handshakePending && s.lastHandshake != nil {
		s.handshakePending = false
		s.lastHandshakeSent = now
		return append([]byte(nil), s.lastHandshake...), true
	}
	if s.sendAEAD == nil {
		return nil, false
	}

	budget := s.maxPayload()
	frames := s.scratch[:0]
	pkt := &sentPacket{number: s.nextPacketNumber, sentTime: now}

	if s.ackPending && s.history.any {
		ack := s.history.ackFrame(now)
		frames = ack.Append(frames)
		s.ackPending = false
	}

	if s.closeFrame != nil {
		frames = s.closeFrame.Append(frames)
		s.closeSent = true
		return s.seal(frames, pkt), true
	}

	forced := s.pingPending
	if forced || s.cc.canSend() {
		if s.handshakeDonePending {
			frames = (&transport.HandshakeDoneFrame{}).Append(frames)
			s.handshakeDonePending = false
			pkt.handshakeDone = true
			pkt.ackEliciting = true
		}
		if s.pingPending {
			frames = (&transport.PingFrame{}).Append(frames)
			s.pingPending = false
			pkt.ackEliciting = true
		}
		for len(s.datagramsOut) > 0 {
			f := &transport.DatagramFrame{Data: s.datagramsOut[0]}
			if len(frames)+f.Len() > budget {
				break
			}
			frames = f.Append(frames)
			s.datagramsOut[0] = nil
			s.datagramsOut = s.datagramsOut[1:]
			pkt.ackEliciting = true
		}
		for _, st := range s.send {
			for st.hasData() {
				f := st.popFrame(budget - len(frames))
				if f == nil {
					break
				}
				frames = f.Append(frames)
				pkt.streamFrames = append(pkt.streamFrames, f)
				pkt.ackEliciting = true
			}
		}
	}

	if len(frames) == 0 {
		return nil, false
	}
	return s.seal(frames, pkt), true
}

// seal protects one packet payload and records it for recovery.
func (s *Session) seal(payload []byte, pkt *sentPacket) []byte {
	hdr := transport.Header{
		Type:         transport.PacketProtected,
		ConnID:       s.id,
		PacketNumber: s.nextPacketNumber,
	}
	s.nextPacketNumber++

	out := hdr.Append(make([]byte, 0, transport.ProtectedHeaderSize+len(payload)+limits.AEADOverhead))
	out = s.sendAEAD.Encrypt(out, hdr.PacketNumber, out[:transport.ProtectedHeaderSize], payload)

	pkt.size = len(out)
	s.stats.PacketsSent++
	if pkt.ackEliciting {
		s.sent[pkt.number] = pkt
		s.cc.onSent(pkt.size)
		s.lastAckElicitingSent = pkt.sentTime
	}
	return out
}

// onAck processes an ACK frame: RTT sample, acked packets, loss detection.
func (s *Session) onAck(f *transport.AckFrame, now time.Time) {
	if largest, ok := s.sent[f.Largest]; ok {
		s.rtt.update(now.Sub(largest.sentTime), f.Delay)
	}
	if !s.anyAcked || f.Largest > s.largestAcked {
		s.largestAcked = f.Largest
		s.anyAcked = true
	}

	acked := false
	for pn, p := range s.sent {
		if f.Acks(pn) {
			delete(s.sent, pn)
			s.cc.onAcked(p)
			acked = true
		}
	}
	if acked {
		s.ptoCount = 0
	}
	s.detectLoss(now)
}

// detectLoss declares packets lost by packet or time threshold and requeues
// their retransmittable frames.
func (s *Session) detectLoss(now time.Time) {
	if !s.anyAcked {
		return
	}
	lossDelay := s.rtt.lossDelay()
	for pn, p := range s.sent {
		if pn >= s.largestAcked {
			continue
		}
		if s.largestAcked-pn >= packetThreshold || !now.Before(p.sentTime.Add(lossDelay)) {
			delete(s.sent, pn)
			s.cc.onLost(p, now)
			s.requeue(p)
			s.stats.PacketsLost++
		}
	}
}

func (s *Session) requeue(p *sentPacket) {
	for _, f := range p.streamFrames {
		s.send[f.StreamID].requeue(f)
	}
	if p.handshakeDone {
		s.handshakeDonePending = true
	}
}

// lossTime is the earliest instant a time-threshold loss can be declared.
func (s *Session) lossTime() (time.Time, bool) {
	if !s.anyAcked {
		return time.Time{}, false
	}
	var earliest time.Time
	found := false
	lossDelay := s.rtt.lossDelay()
	for pn, p := range s.sent {
		if pn >= s.largestAcked {
			continue
		}
		t := p.sentTime.Add(lossDelay)
		if !found || t.Before(earliest) {
			earliest, found = t, true
		}
	}
	return earliest, found
}

// ptoDeadline is armed while a handshake message or an ack-eliciting packet
// is outstanding.
func (s *Session) ptoDeadline() (time.Time, bool) {
	var base time.Time
	switch {
	case s.state == StateConnecting && s.lastHandshake != nil:
		base = s.lastHandshakeSent
		if s.sendAEAD != nil && s.lastAckElicitingSent.After(base) {
			base = s.lastAckElicitingSent
		}
	case len(s.sent) > 0:
		base = s.lastAckElicitingSent
	default:
		return time.Time{}, false
	}
	if base.IsZero() {
		return time.Time{}, false
	}
	backoff := min(s.ptoCount, MaxPTOCountLimit)
	return base.Add(s.rtt.pto() << backoff), true
}

func (s *Session) idleDeadline() (time.Time, bool) {
	if s.cfg.IdleTimeout <= 0 {
		return time.Time{}, false
	}
	return s.lastRecv.Add(s.cfg.IdleTimeout), true
}

func (s *Session) keepAliveDeadline() (time.Time, bool) {
	if s.cfg.KeepAliveInterval <= 0 || s.state != StateEstablished || s.pingPending {
		return time.Time{}, false
	}
	base := s.lastAckElicitingSent
	if base.IsZero() {
		base = s.created
	}
	return base.Add(s.cfg.KeepAliveInterval), true
}

// TimeoutDeadline returns the earliest instant OnTimeout has work to do.
func (s *Session) TimeoutDeadline() (time.Time, bool) {
	if s.state == StateClosed {
		return time.Time{}, false
	}
	var (
		deadline time.Time
		found    bool
	)
	for _, get := range []func() (time.Time, bool){s.idleDeadline, s.lossTime, s.ptoDeadline, s.keepAliveDeadline} {
		if t, ok := get(); ok && (!found || t.Before(deadline)) {
			deadline, found = t, true
		}
	}
	return deadline, found
}

// OnTimeout runs every timer that is due at now. The session may close;
// callers re-check IsClosed afterwards.
func (s *Session) OnTimeout(now time.Time) {
	if s.state == StateClosed {
		return
	}

	if t, ok := s.idleDeadline(); ok && !now.Before(t) {
		s.markClosed(ReasonTimeout, ErrIdleTimeout)
		return
	}

	if t, ok := s.lossTime(); ok && !now.Before(t) {
		s.detectLoss(now)
	}

	if t, ok := s.ptoDeadline(); ok && !now.Before(t) {
		s.ptoCount++
		if s.ptoCount > s.cfg.MaxPTOCount {
			s.markClosed(ReasonTimeout, ErrRetransmissionExhausted)
			return
		}
		logrus.WithFields(logrus.Fields{
			"function":  "Session.OnTimeout",
			"conn_id":   s.id.String(),
			"pto_count": s.ptoCount,
		}).Debug("Retransmission timeout")

		if s.lastHandshake != nil && s.state == StateConnecting {
			s.handshakePending = true
			s.lastHandshakeSent = now
		}
		if s.sendAEAD != nil && len(s.sent) > 0 {
			for pn, p := range s.sent {
				delete(s.sent, pn)
				s.cc.onDiscarded(p)
				s.requeue(p)
			}
			s.pingPending = true
		}
	}

	if t, ok := s.keepAliveDeadline(); ok && !now.Before(t) {
		s.pingPending = true
	}
}
