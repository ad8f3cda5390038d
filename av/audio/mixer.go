package audio

import (
	"sort"
)

// Lookahead is how many frames a speaker keeps queued before playback.
// A buffer is playable only while it holds more than Lookahead frames.
const Lookahead = 1

// jitterBuffer is one speaker's FIFO of decoded frames. The backing array
// is rewound once drained so a returning speaker reuses it.
type jitterBuffer struct {
	frames [][]int16
	head   int
}

func (b *jitterBuffer) len() int {
	return len(b.frames) - b.head
}

func (b *jitterBuffer) push(f []int16) {
	if b.head > 0 && b.head >= len(b.frames)/2 {
		n := copy(b.frames, b.frames[b.head:])
		clear(b.frames[n:])
		b.frames = b.frames[:n]
		b.head = 0
	}
	b.frames = append(b.frames, f)
}

func (b *jitterBuffer) pop() []int16 {
	f := b.frames[b.head]
	b.frames[b.head] = nil
	b.head++
	if b.head == len(b.frames) {
		b.frames = b.frames[:0]
		b.head = 0
	}
	return f
}

// Mixer holds one jitter buffer per remote speaker and mixes one fixed-size
// frame per tick. Frames are summed, not averaged, with int16 wrap-around:
// loud simultaneous speakers overflow.
//
// A Mixer belongs to the playback goroutine and is not safe for concurrent
// use. Feed it through Pipeline when frames come from the network.
type Mixer struct {
	frameSamples int
	buffers      map[uint32]*jitterBuffer
	out          []int16
}

// NewMixer creates a mixer producing frames of frameSamples samples.
func NewMixer(frameSamples int) *Mixer {
	return &Mixer{
		frameSamples: frameSamples,
		buffers:      make(map[uint32]*jitterBuffer),
		out:          make([]int16, frameSamples),
	}
}

// FrameSamples returns the mixed frame length.
func (m *Mixer) FrameSamples() int {
	return m.frameSamples
}

// Push appends a frame to the speaker's buffer, creating the buffer on first
// use. A frame of the right length is kept as is and must not be modified
// afterwards; other lengths are copied, zero-padded or truncated.
func (m *Mixer) Push(userID uint32, frame []int16) {
	if len(frame) != m.frameSamples {
		fixed := make([]int16, m.frameSamples)
		copy(fixed, frame)
		frame = fixed
	}
	b, ok := m.buffers[userID]
	if !ok {
		b = &jitterBuffer{}
		m.buffers[userID] = b
	}
	b.push(frame)
}

// Tick mixes one frame. The returned slice is reused by the next Tick.
func (m *Mixer) Tick() []int16 {
	m.TickInto(m.out)
	return m.out
}

// TickInto mixes one frame into dst, which must hold FrameSamples samples.
// Speakers with at most Lookahead frames queued contribute silence.
func (m *Mixer) TickInto(dst []int16) {
	dst = dst[:m.frameSamples]
	for i := range dst {
		dst[i] = 0
	}
	for _, b := range m.buffers {
		if b.len() <= Lookahead {
			continue
		}
		frame := b.pop()
		for i, s := range frame {
			dst[i] += s
		}
	}
}

// Clear drops a speaker's buffer. Call it when the user leaves; the mixer
// never evicts buffers on its own.
func (m *Mixer) Clear(userID uint32) {
	delete(m.buffers, userID)
}

// Buffered returns the number of frames queued for a speaker.
func (m *Mixer) Buffered(userID uint32) int {
	if b, ok := m.buffers[userID]; ok {
		return b.len()
	}
	return 0
}

// Speakers returns every user id with a buffer, empty buffers included.
func (m *Mixer) Speakers() []uint32 {
	ids := make([]uint32, 0, len(m.buffers))
	for id := range m.buffers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
