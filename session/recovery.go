package session

import (
	"time"

	"github.com/bblsh/kagu-sub000/transport"
)

const (
	// packetThreshold declares a packet lost once this many later packets are acked.
	packetThreshold = 3
	// timeThresholdNum/timeThresholdDen is the 9/8 RTT time threshold.
	timeThresholdNum = 9
	timeThresholdDen = 8
	// granularity is the smallest timer the recovery logic arms.
	granularity = time.Millisecond
)

// sentPacket remembers what a protected packet carried until it is acked or
// declared lost.
type sentPacket struct {
	number        uint64
	sentTime      time.Time
	size          int
	ackEliciting  bool
	streamFrames  []*transport.StreamFrame
	handshakeDone bool
}

// rttEstimator follows the smoothed RTT rules of QUIC loss recovery.
type rttEstimator struct {
	latest   time.Duration
	smoothed time.Duration
	variance time.Duration
	min      time.Duration
	sampled  bool
}

func newRTTEstimator(initial time.Duration) rttEstimator {
	return rttEstimator{smoothed: initial, variance: initial / 2}
}

func (r *rttEstimator) update(sample, ackDelay time.Duration) {
	r.latest = sample
	if !r.sampled {
		r.sampled = true
		r.min = sample
		r.smoothed = sample
		r.variance = sample / 2
		return
	}
	if sample < r.min {
		r.min = sample
	}
	adjusted := sample
	if sample-r.min > ackDelay {
		adjusted = sample - ackDelay
	}
	diff := r.smoothed - adjusted
	if diff < 0 {
		diff = -diff
	}
	r.variance = (3*r.variance + diff) / 4
	r.smoothed = (7*r.smoothed + adjusted) / 8
}

// pto is the base retransmission timeout before backoff.
func (r *rttEstimator) pto() time.Duration {
	v := 4 * r.variance
	if v < granularity {
		v = granularity
	}
	return r.smoothed + v
}

// lossDelay is the time threshold after which an unacked packet older than
// the largest acked one is lost.
func (r *rttEstimator) lossDelay() time.Duration {
	base := r.smoothed
	if r.latest > base {
		base = r.latest
	}
	d := base * timeThresholdNum / timeThresholdDen
	if d < granularity {
		d = granularity
	}
	return d
}

// receiveHistory tracks received packet numbers for duplicate suppression and
// ACK generation: the largest number plus a bitmap of the 32 before it.
type receiveHistory struct {
	largest     uint64
	mask        uint32
	any         bool
	largestTime time.Time
}

// record notes pn and reports false for duplicates or packets too old to
// tell apart from duplicates.
func (h *receiveHistory) record(pn uint64, now time.Time) bool {
	if !h.any {
		h.any = true
		h.largest, h.mask, h.largestTime = pn, 0, now
		return true
	}
	switch {
	case pn > h.largest:
		shift := pn - h.largest
		if shift > 32 {
			h.mask = 0
		} else {
			h.mask = h.mask<<shift | 1<<(shift-1)
		}
		h.largest, h.largestTime = pn, now
		return true
	case pn == h.largest:
		return false
	default:
		d := h.largest - pn
		if d > 32 {
			return false
		}
		bit := uint32(1) << (d - 1)
		if h.mask&bit != 0 {
			return false
		}
		h.mask |= bit
		return true
	}
}

func (h *receiveHistory) ackFrame(now time.Time) *transport.AckFrame {
	return &transport.AckFrame{
		Largest: h.largest,
		Mask:    h.mask,
		Delay:   now.Sub(h.largestTime),
	}
}
