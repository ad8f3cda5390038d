package av

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bblsh/kagu-sub000/av/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPipeline(t *testing.T, queue int) *Pipeline {
	t.Helper()
	p, err := NewPipeline(Config{FrameSamples: 4, SampleRate: 48000, QueueSize: queue})
	require.NoError(t, err)
	return p
}

func pcmPayload(t *testing.T, samples ...int16) []byte {
	t.Helper()
	b, err := audio.EncodePayload(audio.PCMCodec{}, samples)
	require.NoError(t, err)
	return b
}

func TestNewPipelineValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero frame", Config{SampleRate: 48000, QueueSize: 1}},
		{"zero rate", Config{FrameSamples: 480, QueueSize: 1}},
		{"zero queue", Config{FrameSamples: 480, SampleRate: 48000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPipeline(tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	p, err := NewPipeline(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 480, p.FrameSamples())
}

func TestPipelineDeliverAndMix(t *testing.T) {
	p := testPipeline(t, 8)

	require.True(t, p.Deliver(1, pcmPayload(t, 1, 2, 3, 4)))
	require.True(t, p.Deliver(1, pcmPayload(t, 0, 0, 0, 0)))
	require.True(t, p.Deliver(2, pcmPayload(t, 10, 10, 10, 10)))
	require.True(t, p.Deliver(2, pcmPayload(t, 0, 0, 0, 0)))

	assert.Equal(t, []int16{11, 12, 13, 14}, p.PlaybackTick())
	assert.Equal(t, []int16{0, 0, 0, 0}, p.PlaybackTick())
}

func TestPipelineDecodeFailureIsSilence(t *testing.T) {
	p := testPipeline(t, 8)

	require.True(t, p.Deliver(5, []byte{0x7f, 1, 2}))
	require.True(t, p.Deliver(5, pcmPayload(t, 9, 9, 9, 9)))
	require.True(t, p.Deliver(5, pcmPayload(t, 0, 0, 0, 0)))

	assert.Equal(t, []int16{0, 0, 0, 0}, p.PlaybackTick())
	assert.Equal(t, []int16{9, 9, 9, 9}, p.PlaybackTick())
}

func TestPipelineDropsWhenFull(t *testing.T) {
	p := testPipeline(t, 2)

	assert.True(t, p.Deliver(1, pcmPayload(t, 1, 1, 1, 1)))
	assert.True(t, p.Deliver(1, pcmPayload(t, 1, 1, 1, 1)))
	assert.False(t, p.Deliver(1, pcmPayload(t, 1, 1, 1, 1)))
	assert.Equal(t, uint64(1), p.Dropped())

	assert.True(t, p.Capture([]int16{1}))
	assert.True(t, p.Capture([]int16{2}))
	assert.False(t, p.Capture([]int16{3}))
	assert.Equal(t, uint64(2), p.Dropped())
}

func TestPipelineUserLeftClears(t *testing.T) {
	p := testPipeline(t, 8)

	p.Deliver(3, pcmPayload(t, 7, 7, 7, 7))
	p.Deliver(3, pcmPayload(t, 7, 7, 7, 7))
	p.Deliver(3, pcmPayload(t, 7, 7, 7, 7))
	p.UserLeft(3)

	assert.Equal(t, []int16{0, 0, 0, 0}, p.PlaybackTick())
	assert.Empty(t, p.mixer.Speakers())
	assert.NotContains(t, p.decoders, uint32(3))
}

func TestPipelineUserLeftWhenFramesFull(t *testing.T) {
	p := testPipeline(t, 2)

	assert.True(t, p.Deliver(7, pcmPayload(t, 1, 1, 1, 1)))
	assert.True(t, p.Deliver(7, pcmPayload(t, 1, 1, 1, 1)))
	assert.False(t, p.Deliver(7, pcmPayload(t, 1, 1, 1, 1)))
	p.UserLeft(7)
	assert.Zero(t, p.PendingLeaves())

	p.PlaybackTick()
	assert.Zero(t, p.mixer.Buffered(7))
	assert.Empty(t, p.mixer.Speakers())
}

func TestPipelineUserLeftRetriedWhenLeavesFull(t *testing.T) {
	p := testPipeline(t, 1)

	require.True(t, p.Deliver(2, pcmPayload(t, 5, 5, 5, 5)))
	p.UserLeft(1)
	p.UserLeft(2)
	assert.Equal(t, 1, p.PendingLeaves())

	p.PlaybackTick()
	assert.Equal(t, 1, p.mixer.Buffered(2), "second leave has not crossed yet")

	_, ok := p.NextCaptured()
	assert.False(t, ok)
	assert.Zero(t, p.PendingLeaves())

	p.PlaybackTick()
	assert.Zero(t, p.mixer.Buffered(2))
	assert.Empty(t, p.mixer.Speakers())
	assert.Zero(t, p.Dropped())
}

func TestPipelineCaptureRoundTrip(t *testing.T) {
	p := testPipeline(t, 4)

	_, ok := p.NextCaptured()
	assert.False(t, ok)

	src := []int16{4, 5, 6, 7}
	require.True(t, p.Capture(src))
	src[0] = 0

	pcm, ok := p.NextCaptured()
	require.True(t, ok)
	assert.Equal(t, []int16{4, 5, 6, 7}, pcm)

	payload, err := p.Encode(pcm)
	require.NoError(t, err)
	assert.Equal(t, byte(audio.CodecPCM), payload[0])

	q := testPipeline(t, 4)
	q.Deliver(8, payload)
	q.Deliver(8, payload)
	assert.Equal(t, pcm, q.PlaybackTick())
}

func TestRunPlaybackStops(t *testing.T) {
	p := testPipeline(t, 8)
	p.Deliver(1, pcmPayload(t, 1, 1, 1, 1))
	p.Deliver(1, pcmPayload(t, 1, 1, 1, 1))
	p.Deliver(1, pcmPayload(t, 1, 1, 1, 1))

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	ticks := 0
	done := make(chan error, 1)
	go func() {
		done <- RunPlayback(ctx, p, time.Millisecond, func(frame []int16) {
			mu.Lock()
			ticks++
			mu.Unlock()
			assert.Len(t, frame, 4)
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ticks >= 3
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunPlayback did not return")
	}
	assert.Empty(t, p.mixer.Speakers())
}
