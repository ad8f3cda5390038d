// Package framing delimits application messages on session streams.
//
// Reliable and background streams carry a 2-byte little-endian length
// prefix before every body; the header is never elided, even for an empty
// body. The real-time stream carries bare bodies, one per datagram.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bblsh/kagu-sub000/limits"
	"github.com/bblsh/kagu-sub000/messaging"
	"github.com/bblsh/kagu-sub000/session"
)

// HeaderSize is the width of the length prefix.
const HeaderSize = limits.FramingHeaderSize

// MaxPayload is the largest body a header can describe.
const MaxPayload = limits.MaxFramedMessage

// ErrPayloadTooLarge is returned for bodies that do not fit a header.
// Large bodies such as file contents must be chunked before framing.
var ErrPayloadTooLarge = errors.New("framed payload too large")

// AppendFrame appends a length-prefixed payload to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return dst, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), MaxPayload)
	}
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(payload)))
	return append(dst, payload...), nil
}

// EncodeMessage serializes m for stream: framed on reliable and background,
// bare on real-time.
func EncodeMessage(m *messaging.Message, stream session.StreamID) ([]byte, error) {
	if !stream.Framed() {
		return messaging.Marshal(m)
	}
	body, err := messaging.Marshal(m)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, HeaderSize+len(body))
	return AppendFrame(out, body)
}

// DecodeMessage deserializes one payload produced by a Reader or read off
// the real-time stream.
func DecodeMessage(payload []byte) (*messaging.Message, error) {
	return messaging.Unmarshal(payload)
}

// ChunkSource hands out exactly n bytes or nothing. Sessions implement it
// per stream; partial chunks are never returned.
type ChunkSource interface {
	ReadExact(n int) ([]byte, bool)
}

// State is where a Reader is within the current frame.
type State uint8

const (
	AwaitingHeader State = iota
	AwaitingBody
)

func (s State) String() string {
	if s == AwaitingHeader {
		return "awaiting header"
	}
	return "awaiting body"
}

// Reader is the read side of one framed stream. It alternates between
// requesting a header and requesting the body it announces; its state
// survives across calls so a frame may arrive over many driver iterations.
type Reader struct {
	state State
	want  int
}

// NewReader returns a reader awaiting its first header.
func NewReader() *Reader {
	return &Reader{}
}

// State returns the current state and, while awaiting a body, its length.
func (r *Reader) State() (State, int) {
	return r.state, r.want
}

// Next returns the next complete payload, or false when src does not hold
// the chunk currently needed.
func (r *Reader) Next(src ChunkSource) ([]byte, bool) {
	for {
		switch r.state {
		case AwaitingHeader:
			hdr, ok := src.ReadExact(HeaderSize)
			if !ok {
				return nil, false
			}
			r.want = int(binary.LittleEndian.Uint16(hdr))
			r.state = AwaitingBody
		case AwaitingBody:
			body, ok := src.ReadExact(r.want)
			if !ok {
				return nil, false
			}
			r.state, r.want = AwaitingHeader, 0
			return body, true
		}
	}
}

// StreamSource adapts one stream of a session to ChunkSource.
type StreamSource struct {
	Session *session.Session
	Stream  session.StreamID
}

// ReadExact reads from the session stream.
func (s StreamSource) ReadExact(n int) ([]byte, bool) {
	return s.Session.ReadExact(s.Stream, n)
}
