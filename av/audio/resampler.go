package audio

import (
	"fmt"
)

// Resampler converts mono or interleaved stereo PCM between sample rates by
// linear interpolation. The fractional read position carries across calls
// so consecutive chunks stay on the same output grid.
type Resampler struct {
	inputRate  uint32
	outputRate uint32
	channels   int
	position   float64
}

// ResamplerConfig holds configuration for creating a resampler.
type ResamplerConfig struct {
	InputRate  uint32
	OutputRate uint32
	Channels   int
}

// NewResampler creates a resampler for the given rates.
func NewResampler(config ResamplerConfig) (*Resampler, error) {
	if config.InputRate == 0 || config.OutputRate == 0 {
		return nil, fmt.Errorf("invalid sample rates: input=%d, output=%d", config.InputRate, config.OutputRate)
	}
	if config.Channels < 1 || config.Channels > 2 {
		return nil, fmt.Errorf("unsupported channel count: %d (must be 1 or 2)", config.Channels)
	}
	return &Resampler{
		inputRate:  config.InputRate,
		outputRate: config.OutputRate,
		channels:   config.Channels,
	}, nil
}

// Resample converts one chunk. Input must be aligned to the channel count.
func (r *Resampler) Resample(input []int16) ([]int16, error) {
	if len(input) == 0 {
		return nil, fmt.Errorf("empty input samples")
	}
	if len(input)%r.channels != 0 {
		return nil, fmt.Errorf("input samples (%d) not aligned to channel count (%d)", len(input), r.channels)
	}
	if r.inputRate == r.outputRate {
		out := make([]int16, len(input))
		copy(out, input)
		return out, nil
	}

	frames := len(input) / r.channels
	step := float64(r.inputRate) / float64(r.outputRate)
	outFrames := int(float64(frames)/step + 0.5)
	out := make([]int16, 0, outFrames*r.channels)

	for ; r.position < float64(frames); r.position += step {
		idx := int(r.position)
		frac := r.position - float64(idx)
		for ch := 0; ch < r.channels; ch++ {
			out = append(out, r.interpolate(input, idx, frac, ch, frames))
		}
	}

	r.position -= float64(frames)
	return out, nil
}

// interpolate blends frame idx with idx+1, holding the final frame.
func (r *Resampler) interpolate(input []int16, idx int, frac float64, ch, frames int) int16 {
	a := input[idx*r.channels+ch]
	b := a
	if idx+1 < frames {
		b = input[(idx+1)*r.channels+ch]
	}
	return int16(float64(a)*(1-frac) + float64(b)*frac)
}

// Reset forgets the carried state.
func (r *Resampler) Reset() {
	r.position = 0
}

// InputRate returns the configured input sample rate.
func (r *Resampler) InputRate() uint32 {
	return r.inputRate
}

// OutputRate returns the configured output sample rate.
func (r *Resampler) OutputRate() uint32 {
	return r.outputRate
}
