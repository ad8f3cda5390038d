package transport

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/quic-go/quic-go/quicvarint"
)

// FrameType is the varint tag preceding every frame.
type FrameType uint64

const (
	FramePadding       FrameType = 0x00
	FramePing          FrameType = 0x01
	FrameAck           FrameType = 0x02
	FrameStream        FrameType = 0x03
	FrameDatagram      FrameType = 0x04
	FrameClose         FrameType = 0x05
	FrameHandshakeDone FrameType = 0x06
)

// Frame is one element of a protected packet payload.
type Frame interface {
	Type() FrameType
	// Append encodes the frame, tag included, onto b.
	Append(b []byte) []byte
	// Len is the encoded size.
	Len() int
}

// PaddingFrame is Length zero bytes.
type PaddingFrame struct {
	Length int
}

func (f *PaddingFrame) Type() FrameType { return FramePadding }
func (f *PaddingFrame) Len() int        { return f.Length }
func (f *PaddingFrame) Append(b []byte) []byte {
	return append(b, make([]byte, f.Length)...)
}

// PingFrame elicits an acknowledgement and nothing else.
type PingFrame struct{}

func (f *PingFrame) Type() FrameType        { return FramePing }
func (f *PingFrame) Len() int               { return 1 }
func (f *PingFrame) Append(b []byte) []byte { return quicvarint.Append(b, uint64(FramePing)) }

// AckFrame acknowledges Largest and, for bit i of Mask, packet Largest-1-i.
type AckFrame struct {
	Largest uint64
	Mask    uint32
	Delay   time.Duration
}

func (f *AckFrame) Type() FrameType { return FrameAck }

func (f *AckFrame) Len() int {
	return 1 + quicvarint.Len(f.Largest) + quicvarint.Len(uint64(f.Mask)) +
		quicvarint.Len(uint64(f.Delay/time.Microsecond))
}

func (f *AckFrame) Append(b []byte) []byte {
	b = quicvarint.Append(b, uint64(FrameAck))
	b = quicvarint.Append(b, f.Largest)
	b = quicvarint.Append(b, uint64(f.Mask))
	return quicvarint.Append(b, uint64(f.Delay/time.Microsecond))
}

// Acks reports whether pn is covered by the frame.
func (f *AckFrame) Acks(pn uint64) bool {
	if pn == f.Largest {
		return true
	}
	if pn > f.Largest || f.Largest-pn > 32 {
		return false
	}
	return f.Mask&(1<<(f.Largest-pn-1)) != 0
}

// StreamFrame carries Data at Offset of a reliable stream.
type StreamFrame struct {
	StreamID uint64
	Offset   uint64
	Data     []byte
}

func (f *StreamFrame) Type() FrameType { return FrameStream }

func (f *StreamFrame) Len() int {
	return 1 + quicvarint.Len(f.StreamID) + quicvarint.Len(f.Offset) +
		quicvarint.Len(uint64(len(f.Data))) + len(f.Data)
}

func (f *StreamFrame) Append(b []byte) []byte {
	b = quicvarint.Append(b, uint64(FrameStream))
	b = quicvarint.Append(b, f.StreamID)
	b = quicvarint.Append(b, f.Offset)
	b = quicvarint.Append(b, uint64(len(f.Data)))
	return append(b, f.Data...)
}

// StreamFrameOverhead is the worst-case size of a stream frame without data,
// given data up to maxLen bytes.
func StreamFrameOverhead(streamID, offset uint64, maxLen int) int {
	return 1 + quicvarint.Len(streamID) + quicvarint.Len(offset) + quicvarint.Len(uint64(maxLen))
}

// DatagramFrame carries one unreliable unit.
type DatagramFrame struct {
	Data []byte
}

func (f *DatagramFrame) Type() FrameType { return FrameDatagram }

func (f *DatagramFrame) Len() int {
	return 1 + quicvarint.Len(uint64(len(f.Data))) + len(f.Data)
}

func (f *DatagramFrame) Append(b []byte) []byte {
	b = quicvarint.Append(b, uint64(FrameDatagram))
	b = quicvarint.Append(b, uint64(len(f.Data)))
	return append(b, f.Data...)
}

// CloseFrame terminates the connection.
type CloseFrame struct {
	Code   uint64
	Reason string
}

func (f *CloseFrame) Type() FrameType { return FrameClose }

func (f *CloseFrame) Len() int {
	return 1 + quicvarint.Len(f.Code) + quicvarint.Len(uint64(len(f.Reason))) + len(f.Reason)
}

func (f *CloseFrame) Append(b []byte) []byte {
	b = quicvarint.Append(b, uint64(FrameClose))
	b = quicvarint.Append(b, f.Code)
	b = quicvarint.Append(b, uint64(len(f.Reason)))
	return append(b, f.Reason...)
}

// HandshakeDoneFrame confirms the handshake to the peer that wrote the last
// handshake message.
type HandshakeDoneFrame struct{}

func (f *HandshakeDoneFrame) Type() FrameType { return FrameHandshakeDone }
func (f *HandshakeDoneFrame) Len() int        { return 1 }
func (f *HandshakeDoneFrame) Append(b []byte) []byte {
	return quicvarint.Append(b, uint64(FrameHandshakeDone))
}

// IsAckEliciting reports whether receiving f obliges the peer to acknowledge.
func IsAckEliciting(f Frame) bool {
	switch f.Type() {
	case FrameAck, FramePadding, FrameClose:
		return false
	default:
		return true
	}
}

// ParseFrames decodes every frame of a decrypted payload. Runs of padding
// are collapsed into one PaddingFrame.
func ParseFrames(payload []byte) ([]Frame, error) {
	r := bytes.NewReader(payload)
	var frames []Frame

	for r.Len() > 0 {
		tag, err := quicvarint.Read(r)
		if err != nil {
			return nil, fmt.Errorf("%w: frame type: %v", ErrMalformedFrame, err)
		}

		switch FrameType(tag) {
		case FramePadding:
			n := 1
			for r.Len() > 0 {
				c, _ := r.ReadByte()
				if c != 0 {
					_ = r.UnreadByte()
					break
				}
				n++
			}
			frames = append(frames, &PaddingFrame{Length: n})
		case FramePing:
			frames = append(frames, &PingFrame{})
		case FrameHandshakeDone:
			frames = append(frames, &HandshakeDoneFrame{})
		case FrameAck:
			f, err := parseAck(r)
			if err != nil {
				return nil, err
			}
			frames = append(frames, f)
		case FrameStream:
			f, err := parseStream(r)
			if err != nil {
				return nil, err
			}
			frames = append(frames, f)
		case FrameDatagram:
			data, err := readBytes(r)
			if err != nil {
				return nil, err
			}
			frames = append(frames, &DatagramFrame{Data: data})
		case FrameClose:
			code, err := readVarint(r)
			if err != nil {
				return nil, err
			}
			reason, err := readBytes(r)
			if err != nil {
				return nil, err
			}
			frames = append(frames, &CloseFrame{Code: code, Reason: string(reason)})
		default:
			return nil, fmt.Errorf("%w: unknown frame type 0x%x", ErrMalformedFrame, tag)
		}
	}
	return frames, nil
}

func parseAck(r *bytes.Reader) (*AckFrame, error) {
	largest, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	mask, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	if mask > 0xffffffff {
		return nil, fmt.Errorf("%w: ack mask overflow", ErrMalformedFrame)
	}
	delay, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	return &AckFrame{
		Largest: largest,
		Mask:    uint32(mask),
		Delay:   time.Duration(delay) * time.Microsecond,
	}, nil
}

func parseStream(r *bytes.Reader) (*StreamFrame, error) {
	id, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	offset, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	data, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	return &StreamFrame{StreamID: id, Offset: offset, Data: data}, nil
}

func readVarint(r *bytes.Reader) (uint64, error) {
	v, err := quicvarint.Read(r)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return v, nil
}

// readBytes reads a varint length and that many bytes. The result aliases
// nothing: it is a fresh copy.
func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: length %d exceeds remaining %d", ErrMalformedFrame, n, r.Len())
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return data, nil
}
