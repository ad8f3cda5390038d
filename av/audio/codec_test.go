package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPCMCodecRoundTrip(t *testing.T) {
	pcm := []int16{0, 1, -1, 32767, -32768, 1000}
	var c PCMCodec

	data, err := c.Encode(pcm)
	require.NoError(t, err)
	assert.Len(t, data, 2*len(pcm))
	assert.Equal(t, []byte{0x01, 0x00}, data[2:4])

	got, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, pcm, got)
}

func TestPCMCodecOddLength(t *testing.T) {
	_, err := PCMCodec{}.Decode([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrOddPCM)
}

func TestPayloadDispatch(t *testing.T) {
	set := NewDecoderSet(48000)

	payload, err := EncodePayload(PCMCodec{}, []int16{5, -5})
	require.NoError(t, err)
	assert.Equal(t, byte(CodecPCM), payload[0])

	pcm, err := set.DecodePayload(payload)
	require.NoError(t, err)
	assert.Equal(t, []int16{5, -5}, pcm)

	tests := []struct {
		name    string
		payload []byte
		want    error
	}{
		{"empty", nil, ErrEmptyPayload},
		{"unknown codec", []byte{0x7f, 1, 2}, ErrUnknownCodec},
		{"opus without packet", []byte{byte(CodecOpus)}, ErrEmptyPayload},
		{"odd pcm", []byte{byte(CodecPCM), 1}, ErrOddPCM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := set.DecodePayload(tt.payload)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOpusFrameDuration(t *testing.T) {
	tests := []struct {
		config byte
		want   time.Duration
	}{
		{0, 10 * time.Millisecond},
		{1, 20 * time.Millisecond},
		{3, 60 * time.Millisecond},
		{13, 20 * time.Millisecond},
		{16, 2500 * time.Microsecond},
		{31, 20 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, opusFrameDuration(tt.config<<3), "config %d", tt.config)
	}
}

func TestCodecIDString(t *testing.T) {
	assert.Equal(t, "pcm", CodecPCM.String())
	assert.Equal(t, "opus", CodecOpus.String())
	assert.Equal(t, "CodecID(9)", CodecID(9).String())
}
