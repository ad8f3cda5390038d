package transport

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// PacketType is the first byte of every datagram.
type PacketType byte

const (
	// PacketHandshake carries one Noise handshake message in the clear.
	PacketHandshake PacketType = 1
	// PacketProtected carries AEAD-sealed frames.
	PacketProtected PacketType = 2
)

func (t PacketType) String() string {
	switch t {
	case PacketHandshake:
		return "handshake"
	case PacketProtected:
		return "protected"
	default:
		return fmt.Sprintf("PacketType(%d)", byte(t))
	}
}

const (
	// HandshakeHeaderSize is type, connection id, pattern and message index.
	HandshakeHeaderSize = 1 + 8 + 1 + 1
	// ProtectedHeaderSize is type, connection id and packet number.
	ProtectedHeaderSize = 1 + 8 + 8
)

// ConnectionID names one connection on the wire. The connecting side picks
// it and both directions carry the same value. Zero is never assigned.
type ConnectionID uint64

func (c ConnectionID) String() string {
	return fmt.Sprintf("%016x", uint64(c))
}

// NewConnectionID returns a random non-zero connection id.
func NewConnectionID() (ConnectionID, error) {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("connection id: %w", err)
		}
		if id := ConnectionID(binary.BigEndian.Uint64(b[:])); id != 0 {
			return id, nil
		}
	}
}

// Header is the cleartext prefix of a datagram. Pattern and Index are only
// meaningful for handshake packets, PacketNumber only for protected ones.
type Header struct {
	Type         PacketType
	ConnID       ConnectionID
	Pattern      uint8
	Index        uint8
	PacketNumber uint64
}

// Len returns the encoded header size.
func (h *Header) Len() int {
	if h.Type == PacketHandshake {
		return HandshakeHeaderSize
	}
	return ProtectedHeaderSize
}

// Append encodes the header onto b.
func (h *Header) Append(b []byte) []byte {
	b = append(b, byte(h.Type))
	b = binary.BigEndian.AppendUint64(b, uint64(h.ConnID))
	if h.Type == PacketHandshake {
		return append(b, h.Pattern, h.Index)
	}
	return binary.BigEndian.AppendUint64(b, h.PacketNumber)
}

// ParseHeader splits a datagram into its header and the remaining payload.
// For protected packets the returned header bytes are the AEAD associated data.
func ParseHeader(b []byte) (Header, []byte, error) {
	var h Header
	if len(b) < 1 {
		return h, nil, ErrShortPacket
	}
	h.Type = PacketType(b[0])

	switch h.Type {
	case PacketHandshake:
		if len(b) < HandshakeHeaderSize {
			return h, nil, ErrShortPacket
		}
		h.ConnID = ConnectionID(binary.BigEndian.Uint64(b[1:9]))
		h.Pattern = b[9]
		h.Index = b[10]
		return h, b[HandshakeHeaderSize:], nil
	case PacketProtected:
		if len(b) < ProtectedHeaderSize {
			return h, nil, ErrShortPacket
		}
		h.ConnID = ConnectionID(binary.BigEndian.Uint64(b[1:9]))
		h.PacketNumber = binary.BigEndian.Uint64(b[9:17])
		return h, b[ProtectedHeaderSize:], nil
	default:
		return h, nil, fmt.Errorf("%w: %d", ErrUnknownPacketType, b[0])
	}
}

// PeekConnectionID reads the connection id without validating the rest.
func PeekConnectionID(b []byte) (ConnectionID, bool) {
	if len(b) < 9 {
		return 0, false
	}
	return ConnectionID(binary.BigEndian.Uint64(b[1:9])), true
}
