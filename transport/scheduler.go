package transport

import (
	"container/heap"
	"net"
	"time"
)

// DelayedSend is an outbound datagram that must not leave before NotBefore.
type DelayedSend struct {
	Payload   []byte
	Length    int
	Dest      net.Addr
	NotBefore time.Time
}

// Bytes returns the portion of Payload that is actually sent.
func (d *DelayedSend) Bytes() []byte {
	return d.Payload[:d.Length]
}

// sendHeap orders entries by ascending NotBefore.
type sendHeap []*DelayedSend

func (h sendHeap) Len() int           { return len(h) }
func (h sendHeap) Less(i, j int) bool { return h[i].NotBefore.Before(h[j].NotBefore) }
func (h sendHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *sendHeap) Push(x any) {
	*h = append(*h, x.(*DelayedSend))
}

func (h *sendHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Scheduler is a min-priority queue of delayed sends keyed by NotBefore.
// It is owned by the driver goroutine and is not safe for concurrent use.
type Scheduler struct {
	entries sendHeap
}

// NewScheduler returns an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Push queues a datagram.
func (s *Scheduler) Push(d *DelayedSend) {
	heap.Push(&s.entries, d)
}

// Peek returns the earliest entry without removing it.
func (s *Scheduler) Peek() (*DelayedSend, bool) {
	if len(s.entries) == 0 {
		return nil, false
	}
	return s.entries[0], true
}

// PopDue removes and returns the earliest entry if it is due at now.
func (s *Scheduler) PopDue(now time.Time) (*DelayedSend, bool) {
	head, ok := s.Peek()
	if !ok || now.Before(head.NotBefore) {
		return nil, false
	}
	return heap.Pop(&s.entries).(*DelayedSend), true
}

// NextDue reports the earliest NotBefore instant.
func (s *Scheduler) NextDue() (time.Time, bool) {
	head, ok := s.Peek()
	if !ok {
		return time.Time{}, false
	}
	return head.NotBefore, true
}

// Len returns the number of queued entries.
func (s *Scheduler) Len() int {
	return len(s.entries)
}

// Drain empties the scheduler and returns every entry in NotBefore order,
// due or not. Used on shutdown.
func (s *Scheduler) Drain() []*DelayedSend {
	out := make([]*DelayedSend, 0, len(s.entries))
	for len(s.entries) > 0 {
		out = append(out, heap.Pop(&s.entries).(*DelayedSend))
	}
	return out
}
