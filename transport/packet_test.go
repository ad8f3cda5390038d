package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		header Header
		body   []byte
	}{
		{
			name:   "handshake",
			header: Header{Type: PacketHandshake, ConnID: 0xdeadbeef, Pattern: 2, Index: 1},
			body:   []byte("noise"),
		},
		{
			name:   "protected",
			header: Header{Type: PacketProtected, ConnID: 42, PacketNumber: 1 << 40},
			body:   []byte{0xaa, 0xbb},
		},
		{
			name:   "protected empty body",
			header: Header{Type: PacketProtected, ConnID: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.header.Append(nil)
			assert.Len(t, b, tt.header.Len())
			b = append(b, tt.body...)

			got, body, err := ParseHeader(b)
			require.NoError(t, err)
			assert.Equal(t, tt.header, got)
			assert.Equal(t, len(tt.body), len(body))

			id, ok := PeekConnectionID(b)
			require.True(t, ok)
			assert.Equal(t, tt.header.ConnID, id)
		})
	}
}

func TestParseHeaderErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrShortPacket},
		{"short handshake", []byte{1, 0, 0, 0}, ErrShortPacket},
		{"short protected", append([]byte{2}, make([]byte, 12)...), ErrShortPacket},
		{"unknown type", []byte{9, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, ErrUnknownPacketType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseHeader(tt.data)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestNewConnectionIDNonZero(t *testing.T) {
	seen := make(map[ConnectionID]bool)
	for i := 0; i < 64; i++ {
		id, err := NewConnectionID()
		require.NoError(t, err)
		assert.NotZero(t, id)
		seen[id] = true
	}
	assert.Greater(t, len(seen), 60)
}

func TestFramesRoundTrip(t *testing.T) {
	frames := []Frame{
		&PingFrame{},
		&AckFrame{Largest: 1000, Mask: 0b1011, Delay: 1500 * time.Microsecond},
		&StreamFrame{StreamID: 1, Offset: 70000, Data: []byte("hello")},
		&StreamFrame{StreamID: 0, Offset: 0, Data: []byte{}},
		&DatagramFrame{Data: []byte{1, 2, 3}},
		&HandshakeDoneFrame{},
		&CloseFrame{Code: 3, Reason: "bye"},
		&PaddingFrame{Length: 4},
	}

	var payload []byte
	total := 0
	for _, f := range frames {
		payload = f.Append(payload)
		total += f.Len()
	}
	assert.Len(t, payload, total)

	parsed, err := ParseFrames(payload)
	require.NoError(t, err)
	require.Len(t, parsed, len(frames))
	for i := range frames {
		assert.Equal(t, frames[i], parsed[i], "frame %d", i)
	}
}

func TestParseFramesMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"unknown tag", []byte{0x3f}},
		{"truncated stream", (&StreamFrame{StreamID: 0, Data: []byte("abcdef")}).Append(nil)[:5]},
		{"truncated ack", []byte{byte(FrameAck)}},
		{"datagram length overrun", []byte{byte(FrameDatagram), 10, 1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFrames(tt.data)
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestAckFrameAcks(t *testing.T) {
	ack := &AckFrame{Largest: 10, Mask: 0b101}
	assert.True(t, ack.Acks(10))
	assert.True(t, ack.Acks(9))
	assert.False(t, ack.Acks(8))
	assert.True(t, ack.Acks(7))
	assert.False(t, ack.Acks(11))
	assert.False(t, ack.Acks(0))
}

func TestIsAckEliciting(t *testing.T) {
	assert.True(t, IsAckEliciting(&PingFrame{}))
	assert.True(t, IsAckEliciting(&StreamFrame{}))
	assert.True(t, IsAckEliciting(&DatagramFrame{}))
	assert.False(t, IsAckEliciting(&AckFrame{}))
	assert.False(t, IsAckEliciting(&PaddingFrame{Length: 1}))
	assert.False(t, IsAckEliciting(&CloseFrame{}))
}
