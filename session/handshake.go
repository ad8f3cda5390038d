package session

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bblsh/kagu-sub000/noise"
	"github.com/bblsh/kagu-sub000/transport"
)

// writeHandshake produces our next handshake message and arms it for sending.
func (s *Session) writeHandshake(now time.Time) error {
	index := s.hs.MessageIndex()
	msg, complete, err := s.hs.WriteMessage(nil)
	if err != nil {
		return err
	}

	hdr := transport.Header{
		Type:    transport.PacketHandshake,
		ConnID:  s.id,
		Pattern: uint8(s.hs.Pattern()),
		Index:   uint8(index),
	}
	pkt := hdr.Append(make([]byte, 0, hdr.Len()+len(msg)))
	s.lastHandshake = append(pkt, msg...)
	s.handshakePending = true

	if complete {
		// the peer confirms by sending any protected packet
		s.completedByWrite = true
		return s.installKeys()
	}
	return nil
}

// handleHandshake processes one handshake packet.
func (s *Session) handleHandshake(hdr transport.Header, body []byte, now time.Time) error {
	if noise.Pattern(hdr.Pattern) != s.hs.Pattern() {
		s.logDrop("handshake pattern mismatch")
		return nil
	}
	s.lastRecv = now
	index := int(hdr.Index)

	if s.hs.IsComplete() || index < s.hs.MessageIndex() {
		switch {
		case s.completedByWrite && s.state == StateConnecting:
			s.handshakePending = true
		case !s.hs.IsComplete() && s.lastHandshake != nil:
			s.handshakePending = true
		case s.state == StateEstablished && !s.completedByWrite:
			s.handshakeDonePending = true
		}
		return nil
	}
	if index > s.hs.MessageIndex() || s.hs.MyTurn() {
		s.logDrop("handshake message out of order")
		return nil
	}

	if _, complete, err := s.hs.ReadMessage(body); err != nil {
		return s.failHandshake(err)
	} else if complete {
		if err := s.installKeys(); err != nil {
			return s.failHandshake(err)
		}
		s.ptoCount = 0
		s.handshakeDonePending = true
		s.lastHandshake = nil
		s.handshakePending = false
		s.setEstablished()
		return nil
	}

	s.ptoCount = 0
	if err := s.writeHandshake(now); err != nil {
		return s.failHandshake(err)
	}
	return nil
}

// installKeys switches to the split cipher states.
func (s *Session) installKeys() error {
	send, recv, err := s.hs.GetCipherStates()
	if err != nil {
		return err
	}
	s.sendAEAD = send.Cipher()
	s.recvAEAD = recv.Cipher()
	if peer, err := s.hs.GetRemoteStaticKey(); err == nil {
		s.peerStatic = peer
	}
	return nil
}

// failHandshake closes a connecting session without notifying the peer.
func (s *Session) failHandshake(err error) error {
	terr := &TransportError{Code: CodeHandshakeFailed, Err: err}
	logrus.WithFields(logrus.Fields{
		"function": "Session.failHandshake",
		"conn_id":  s.id.String(),
		"remote":   s.remote.String(),
		"pattern":  s.hs.Pattern().String(),
		"error":    err.Error(),
	}).Warn("Handshake failed")
	s.markClosed(ReasonError, terr)
	return fmt.Errorf("conn %s: %w", s.id, terr)
}
