package session

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

const pacerBurstDatagrams = 10

// congestionController is a Reno-style window: slow start, then additive
// increase, halved at most once per round trip on loss.
type congestionController struct {
	maxDatagram   int
	window        int
	minWindow     int
	ssthresh      int
	bytesInFlight int
	recoveryStart time.Time
}

func newCongestionController(maxDatagram, initialWindow int) *congestionController {
	return &congestionController{
		maxDatagram: maxDatagram,
		window:      initialWindow * maxDatagram,
		minWindow:   2 * maxDatagram,
		ssthresh:    math.MaxInt,
	}
}

// canSend reports whether another full datagram fits in the window.
func (c *congestionController) canSend() bool {
	return c.bytesInFlight+c.maxDatagram <= c.window
}

func (c *congestionController) onSent(size int) {
	c.bytesInFlight += size
}

func (c *congestionController) onAcked(p *sentPacket) {
	c.removeInFlight(p.size)
	if !p.sentTime.After(c.recoveryStart) {
		return
	}
	if c.window < c.ssthresh {
		c.window += p.size
		return
	}
	c.window += c.maxDatagram * p.size / c.window
}

func (c *congestionController) onLost(p *sentPacket, now time.Time) {
	c.removeInFlight(p.size)
	if !p.sentTime.After(c.recoveryStart) {
		return
	}
	c.recoveryStart = now
	c.window /= 2
	if c.window < c.minWindow {
		c.window = c.minWindow
	}
	c.ssthresh = c.window
}

// onDiscarded removes a packet from flight without a congestion signal.
func (c *congestionController) onDiscarded(p *sentPacket) {
	c.removeInFlight(p.size)
}

func (c *congestionController) removeInFlight(size int) {
	c.bytesInFlight -= size
	if c.bytesInFlight < 0 {
		c.bytesInFlight = 0
	}
}

// pacer spreads datagrams over time with a token bucket measured in bytes.
type pacer struct {
	limiter *rate.Limiter
}

// newPacer returns nil for a zero rate, which disables pacing.
func newPacer(bytesPerSecond, maxDatagram int) *pacer {
	if bytesPerSecond <= 0 {
		return nil
	}
	return &pacer{limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), pacerBurstDatagrams*maxDatagram)}
}

// delay reserves size bytes and returns how long the datagram must wait.
func (p *pacer) delay(now time.Time, size int) time.Duration {
	if p == nil {
		return 0
	}
	r := p.limiter.ReserveN(now, size)
	if !r.OK() {
		return 0
	}
	return r.DelayFrom(now)
}
