package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/pion/opus"
	"github.com/sirupsen/logrus"
)

// CodecID is the first byte of every audio payload.
type CodecID uint8

const (
	// CodecPCM is little-endian signed 16-bit mono.
	CodecPCM CodecID = 1
	// CodecOpus is one Opus packet.
	CodecOpus CodecID = 2
)

func (c CodecID) String() string {
	switch c {
	case CodecPCM:
		return "pcm"
	case CodecOpus:
		return "opus"
	default:
		return fmt.Sprintf("CodecID(%d)", uint8(c))
	}
}

var (
	// ErrEmptyPayload indicates an audio payload without a codec byte
	ErrEmptyPayload = errors.New("empty audio payload")
	// ErrUnknownCodec indicates a codec byte with no decoder
	ErrUnknownCodec = errors.New("unknown audio codec")
	// ErrOddPCM indicates PCM data that is not a whole number of samples
	ErrOddPCM = errors.New("pcm data has odd length")
)

// Encoder turns one captured frame into codec data.
type Encoder interface {
	Codec() CodecID
	Encode(pcm []int16) ([]byte, error)
}

// Decoder turns codec data into mono samples at the mixing rate.
type Decoder interface {
	Decode(data []byte) ([]int16, error)
}

// PCMCodec passes samples through as little-endian bytes.
type PCMCodec struct{}

// Codec returns CodecPCM.
func (PCMCodec) Codec() CodecID { return CodecPCM }

// Encode serializes samples.
func (PCMCodec) Encode(pcm []int16) ([]byte, error) {
	out := make([]byte, 2*len(pcm))
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out, nil
}

// Decode deserializes samples.
func (PCMCodec) Decode(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, ErrOddPCM
	}
	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return pcm, nil
}

// maxOpusFrame is 60ms at 48kHz stereo, the largest single Opus frame.
const maxOpusFrame = 48000 * 60 / 1000 * 2

// OpusDecoder decodes Opus packets with pion/opus and resamples the result
// to the mixing rate. Decoders are stateful; keep one per remote speaker.
type OpusDecoder struct {
	decoder    *opus.Decoder
	outputRate uint32
	buf        []byte
	resamplers map[uint32]*Resampler
}

// NewOpusDecoder creates a decoder producing samples at outputRate.
func NewOpusDecoder(outputRate uint32) *OpusDecoder {
	decoder := opus.NewDecoder()
	return &OpusDecoder{
		decoder:    &decoder,
		outputRate: outputRate,
		buf:        make([]byte, 2*maxOpusFrame),
		resamplers: make(map[uint32]*Resampler),
	}
}

// Decode decodes one packet to mono samples at the output rate.
func (d *OpusDecoder) Decode(data []byte) ([]int16, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	bandwidth, isStereo, err := d.decoder.Decode(data, d.buf)
	if err != nil {
		return nil, fmt.Errorf("opus decode failed: %w", err)
	}

	rate := uint32(bandwidth.SampleRate())
	channels := 1
	if isStereo {
		channels = 2
	}
	samples := int(int64(rate) * int64(opusFrameDuration(data[0])) / int64(time.Second))
	if max := len(d.buf) / 2 / channels; samples > max || samples <= 0 {
		samples = max
	}

	pcm := make([]int16, samples)
	for i := range pcm {
		if channels == 1 {
			pcm[i] = int16(binary.LittleEndian.Uint16(d.buf[2*i:]))
			continue
		}
		l := int32(int16(binary.LittleEndian.Uint16(d.buf[4*i:])))
		r := int32(int16(binary.LittleEndian.Uint16(d.buf[4*i+2:])))
		pcm[i] = int16((l + r) / 2)
	}

	if rate == d.outputRate {
		return pcm, nil
	}
	rs, ok := d.resamplers[rate]
	if !ok {
		rs, err = NewResampler(ResamplerConfig{InputRate: rate, OutputRate: d.outputRate, Channels: 1})
		if err != nil {
			return nil, err
		}
		d.resamplers[rate] = rs
	}
	return rs.Resample(pcm)
}

// opusFrameDuration reads the frame duration from an Opus TOC byte.
func opusFrameDuration(toc byte) time.Duration {
	config := toc >> 3
	switch {
	case config < 12: // SILK: 10, 20, 40, 60 ms
		return []time.Duration{10, 20, 40, 60}[config%4] * time.Millisecond
	case config < 16: // hybrid: 10, 20 ms
		return []time.Duration{10, 20}[config%2] * time.Millisecond
	default: // CELT: 2.5, 5, 10, 20 ms
		return []time.Duration{2500, 5000, 10000, 20000}[config%4] * time.Microsecond
	}
}

// EncodePayload produces [codec][codec data] for one frame.
func EncodePayload(enc Encoder, pcm []int16) ([]byte, error) {
	data, err := enc.Encode(pcm)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(data))
	out = append(out, byte(enc.Codec()))
	return append(out, data...), nil
}

// DecoderSet decodes payloads of any known codec for one speaker.
type DecoderSet struct {
	pcm  PCMCodec
	opus *OpusDecoder
}

// NewDecoderSet creates decoders producing samples at sampleRate.
func NewDecoderSet(sampleRate uint32) *DecoderSet {
	return &DecoderSet{opus: NewOpusDecoder(sampleRate)}
}

// DecodePayload dispatches on the codec byte.
func (s *DecoderSet) DecodePayload(payload []byte) ([]int16, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	codec, data := CodecID(payload[0]), payload[1:]
	switch codec {
	case CodecPCM:
		return s.pcm.Decode(data)
	case CodecOpus:
		return s.opus.Decode(data)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "DecoderSet.DecodePayload",
			"codec":    codec.String(),
		}).Debug("Unknown audio codec")
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, uint8(codec))
	}
}
