package av

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bblsh/kagu-sub000/av/audio"
	"github.com/bblsh/kagu-sub000/limits"
	"github.com/sirupsen/logrus"
)

// Config configures a Pipeline.
type Config struct {
	// FrameSamples is the mixed and captured frame length.
	FrameSamples int
	// SampleRate is the mixing rate decoders resample to.
	SampleRate uint32
	// QueueSize bounds each hand-off channel.
	QueueSize int
	// Encoder encodes captured frames. Nil selects PCM.
	Encoder audio.Encoder
}

// DefaultConfig returns 10ms mono frames at 48kHz.
func DefaultConfig() Config {
	return Config{
		FrameSamples: limits.AudioFrameSamples,
		SampleRate:   limits.AudioSampleRate,
		QueueSize:    64,
	}
}

// handoff is one decoded frame crossing from the network goroutine to the
// audio goroutine.
type handoff struct {
	userID uint32
	frame  []int16
}

// Pipeline connects the network goroutine with the audio goroutine through
// bounded channels. Neither side ever blocks on the other: a full frame
// channel drops the frame. Leave requests travel on their own channel and
// are held on the network side while it is full, so they are never lost.
//
// Deliver, UserLeft, NextCaptured and Encode belong to the network side.
// PlaybackTick and Capture belong to the audio side. Each side must call
// its methods from a single goroutine.
type Pipeline struct {
	cfg Config

	inbound  chan handoff
	leaves   chan uint32
	captured chan []int16

	// network side
	decoders   map[uint32]*audio.DecoderSet
	encoder    audio.Encoder
	leftQueued []uint32

	// audio side
	mixer *audio.Mixer

	dropped atomic.Uint64
}

// NewPipeline creates a pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.FrameSamples <= 0 || cfg.SampleRate == 0 || cfg.QueueSize <= 0 {
		return nil, ErrInvalidConfig
	}
	enc := cfg.Encoder
	if enc == nil {
		enc = audio.PCMCodec{}
	}

	logrus.WithFields(logrus.Fields{
		"function":      "NewPipeline",
		"frame_samples": cfg.FrameSamples,
		"sample_rate":   cfg.SampleRate,
		"queue_size":    cfg.QueueSize,
		"codec":         enc.Codec().String(),
	}).Info("Creating audio pipeline")

	return &Pipeline{
		cfg:      cfg,
		inbound:  make(chan handoff, cfg.QueueSize),
		leaves:   make(chan uint32, cfg.QueueSize),
		captured: make(chan []int16, cfg.QueueSize),
		decoders: make(map[uint32]*audio.DecoderSet),
		encoder:  enc,
		mixer:    audio.NewMixer(cfg.FrameSamples),
	}, nil
}

// FrameSamples returns the frame length.
func (p *Pipeline) FrameSamples() int {
	return p.cfg.FrameSamples
}

// Deliver decodes a payload from userID and hands the frame to the audio
// side. A payload that fails to decode becomes one frame of silence so the
// speaker's timing is kept. It returns false when the frame was dropped.
func (p *Pipeline) Deliver(userID uint32, payload []byte) bool {
	p.flushLeaves()
	dec, ok := p.decoders[userID]
	if !ok {
		dec = audio.NewDecoderSet(p.cfg.SampleRate)
		p.decoders[userID] = dec
	}

	frame, err := dec.DecodePayload(payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Pipeline.Deliver",
			"user_id":  userID,
			"error":    err.Error(),
		}).Debug("Audio decode failed, substituting silence")
		frame = make([]int16, p.cfg.FrameSamples)
	}

	return p.handoff(handoff{userID: userID, frame: frame})
}

// UserLeft drops the speaker's decoder and asks the audio side to clear its
// jitter buffer. The next PlaybackTick clears it, along with any frames of
// that speaker still in flight. When the leave channel is full the request
// waits on the network side and is retried by the next network-side call.
func (p *Pipeline) UserLeft(userID uint32) {
	delete(p.decoders, userID)
	p.leftQueued = append(p.leftQueued, userID)
	p.flushLeaves()
}

// PendingLeaves returns how many leave requests are waiting for room.
func (p *Pipeline) PendingLeaves() int {
	return len(p.leftQueued)
}

func (p *Pipeline) flushLeaves() {
	for len(p.leftQueued) > 0 {
		select {
		case p.leaves <- p.leftQueued[0]:
			p.leftQueued = p.leftQueued[1:]
		default:
			logrus.WithFields(logrus.Fields{
				"function": "Pipeline.flushLeaves",
				"queued":   len(p.leftQueued),
			}).Debug("Leave channel full, retrying later")
			return
		}
	}
	p.leftQueued = nil
}

func (p *Pipeline) handoff(h handoff) bool {
	select {
	case p.inbound <- h:
		return true
	default:
		p.dropped.Add(1)
		logrus.WithFields(logrus.Fields{
			"function": "Pipeline.handoff",
			"user_id":  h.userID,
		}).Debug("Audio hand-off full, dropping")
		return false
	}
}

// NextCaptured returns the oldest captured frame, if any. The driver calls
// it every tick, which also retries queued leave requests.
func (p *Pipeline) NextCaptured() ([]int16, bool) {
	p.flushLeaves()
	select {
	case pcm := <-p.captured:
		return pcm, true
	default:
		return nil, false
	}
}

// Encode produces the wire payload for a captured frame.
func (p *Pipeline) Encode(pcm []int16) ([]byte, error) {
	return audio.EncodePayload(p.encoder, pcm)
}

// PlaybackTick applies every pending frame and then every leave request to
// the mixer, and mixes one frame. The returned slice is reused by the next
// call.
func (p *Pipeline) PlaybackTick() []int16 {
	p.drainInbound(false)
	p.drainLeaves(false)
	return p.mixer.Tick()
}

// Capture copies a captured frame and hands it to the network side. It
// returns false when the frame was dropped.
func (p *Pipeline) Capture(pcm []int16) bool {
	frame := make([]int16, len(pcm))
	copy(frame, pcm)
	select {
	case p.captured <- frame:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Dropped returns how many units either side has dropped.
func (p *Pipeline) Dropped() uint64 {
	return p.dropped.Load()
}

func (p *Pipeline) drainInbound(discard bool) {
	for {
		select {
		case h := <-p.inbound:
			if !discard {
				p.mixer.Push(h.userID, h.frame)
			}
		default:
			return
		}
	}
}

func (p *Pipeline) drainLeaves(discard bool) {
	for {
		select {
		case id := <-p.leaves:
			if !discard {
				p.mixer.Clear(id)
			}
		default:
			return
		}
	}
}

// reset discards pending hand-offs and every jitter buffer.
func (p *Pipeline) reset() {
	p.drainInbound(true)
	p.drainLeaves(true)
	p.mixer = audio.NewMixer(p.cfg.FrameSamples)
}

// RunPlayback ticks the pipeline every interval and passes each mixed frame
// to sink until ctx is done. It is the audio goroutine for headless nodes.
// Buffered audio is discarded on return.
func RunPlayback(ctx context.Context, p *Pipeline, interval time.Duration, sink func([]int16)) error {
	if interval <= 0 {
		interval = limits.AudioTickInterval
	}

	logrus.WithFields(logrus.Fields{
		"function": "RunPlayback",
		"interval": interval.String(),
	}).Info("Starting audio playback loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer p.reset()

	for {
		select {
		case <-ctx.Done():
			logrus.WithFields(logrus.Fields{
				"function": "RunPlayback",
			}).Info("Audio playback loop stopped")
			return nil
		case <-ticker.C:
			frame := p.PlaybackTick()
			if sink != nil {
				sink(frame)
			}
		}
	}
}
