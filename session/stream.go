package session

import (
	"fmt"

	"github.com/bblsh/kagu-sub000/transport"
)

// StreamID selects one of the session's three channels.
type StreamID uint64

const (
	// StreamReliable is ordered and retransmitted; scheduled first.
	StreamReliable StreamID = 0
	// StreamBackground is ordered and retransmitted; scheduled after reliable.
	StreamBackground StreamID = 1
	// StreamRealtime is unreliable; each write is one datagram frame.
	StreamRealtime StreamID = 2
)

const numStreams = 2

func (id StreamID) String() string {
	switch id {
	case StreamReliable:
		return "reliable"
	case StreamBackground:
		return "background"
	case StreamRealtime:
		return "realtime"
	default:
		return fmt.Sprintf("StreamID(%d)", uint64(id))
	}
}

// Framed reports whether the stream carries length-prefixed messages.
func (id StreamID) Framed() bool {
	return id == StreamReliable || id == StreamBackground
}

// sendStream holds unsent bytes and frames waiting for retransmission.
type sendStream struct {
	id         StreamID
	nextOffset uint64
	pending    []byte
	retransmit []*transport.StreamFrame
}

func (s *sendStream) hasData() bool {
	return len(s.pending) > 0 || len(s.retransmit) > 0
}

// buffered counts bytes not yet handed to a packet, retransmissions included.
func (s *sendStream) buffered() int {
	n := len(s.pending)
	for _, f := range s.retransmit {
		n += len(f.Data)
	}
	return n
}

// popFrame takes up to budget bytes of frame, retransmissions first.
// It returns nil when nothing fits.
func (s *sendStream) popFrame(budget int) *transport.StreamFrame {
	if len(s.retransmit) > 0 {
		f := s.retransmit[0]
		room := budget - transport.StreamFrameOverhead(uint64(s.id), f.Offset, len(f.Data))
		if room <= 0 {
			return nil
		}
		if room >= len(f.Data) {
			s.retransmit = s.retransmit[1:]
			return f
		}
		head := &transport.StreamFrame{StreamID: f.StreamID, Offset: f.Offset, Data: f.Data[:room]}
		s.retransmit[0] = &transport.StreamFrame{
			StreamID: f.StreamID,
			Offset:   f.Offset + uint64(room),
			Data:     f.Data[room:],
		}
		return head
	}

	if len(s.pending) == 0 {
		return nil
	}
	room := budget - transport.StreamFrameOverhead(uint64(s.id), s.nextOffset, len(s.pending))
	if room <= 0 {
		return nil
	}
	if room > len(s.pending) {
		room = len(s.pending)
	}
	data := make([]byte, room)
	copy(data, s.pending)
	s.pending = s.pending[room:]
	f := &transport.StreamFrame{StreamID: uint64(s.id), Offset: s.nextOffset, Data: data}
	s.nextOffset += uint64(room)
	return f
}

// requeue schedules a lost frame for retransmission.
func (s *sendStream) requeue(f *transport.StreamFrame) {
	s.retransmit = append(s.retransmit, f)
}

// recvStream reassembles stream data by offset. Only the contiguous prefix
// is readable. A non-zero limit bounds how far past the readable prefix a
// frame may reach, and so the bytes held out of order.
type recvStream struct {
	next    uint64
	ready   []byte
	pending map[uint64][]byte
	held    int
	limit   int
}

func newRecvStream(limit int) *recvStream {
	return &recvStream{pending: make(map[uint64][]byte), limit: limit}
}

// push accepts one frame's data. Duplicates and overlaps are trimmed. Data
// ending beyond the receive window is rejected with ErrRecvWindowExceeded.
func (r *recvStream) push(offset uint64, data []byte) error {
	end := offset + uint64(len(data))
	if end < offset {
		return fmt.Errorf("%w: offset %d overflows", ErrRecvWindowExceeded, offset)
	}
	if end <= r.next {
		return nil
	}
	if r.limit > 0 && end-r.next > uint64(r.limit) {
		return fmt.Errorf("%w: frame ends %d bytes past offset %d, window %d",
			ErrRecvWindowExceeded, end-r.next, r.next, r.limit)
	}
	if offset > r.next {
		prev, ok := r.pending[offset]
		if ok && len(prev) >= len(data) {
			return nil
		}
		grow := len(data) - len(prev)
		if r.limit > 0 && r.held+grow > r.limit {
			return fmt.Errorf("%w: %d bytes held out of order, window %d",
				ErrRecvWindowExceeded, r.held+grow, r.limit)
		}
		r.pending[offset] = data
		r.held += grow
		return nil
	}
	r.ready = append(r.ready, data[r.next-offset:]...)
	r.next = end

	for progressed := true; progressed && len(r.pending) > 0; {
		progressed = false
		for off, chunk := range r.pending {
			if off > r.next {
				continue
			}
			delete(r.pending, off)
			r.held -= len(chunk)
			if chunkEnd := off + uint64(len(chunk)); chunkEnd > r.next {
				r.ready = append(r.ready, chunk[r.next-off:]...)
				r.next = chunkEnd
			}
			progressed = true
		}
	}
	return nil
}

// readExact returns exactly n bytes or nothing.
func (r *recvStream) readExact(n int) ([]byte, bool) {
	if n < 0 || len(r.ready) < n {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, r.ready)
	r.ready = r.ready[n:]
	if len(r.ready) == 0 {
		r.ready = nil
	}
	return out, true
}
