// Package driver runs the event loop that owns every session on one socket.
//
// A single goroutine waits on the nearest of three deadlines (the delayed-send
// scheduler's head, the earliest session timer, and the housekeeping tick)
// or on the socket becoming readable. Each iteration services exactly one
// category. When several are due at once the priority is delayed send, then
// timeout, then tick. Collaborators talk to the loop only through bounded
// channels; the loop never blocks on them.
package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bblsh/kagu-sub000/av"
	"github.com/bblsh/kagu-sub000/framing"
	"github.com/bblsh/kagu-sub000/messaging"
	"github.com/bblsh/kagu-sub000/noise"
	"github.com/bblsh/kagu-sub000/session"
	"github.com/bblsh/kagu-sub000/transport"
)

var (
	// ErrQueueFull is returned when a bounded request or outbound queue is full.
	ErrQueueFull = errors.New("driver queue full")
	// ErrStopped is returned for requests made after the loop has exited.
	ErrStopped = errors.New("driver stopped")
)

// wouldBlockBackoff delays a retry after the socket refused a write.
const wouldBlockBackoff = time.Millisecond

// backlogFactor times QueueSize bounds the undelivered backlog per channel.
const backlogFactor = 16

var framedStreams = [...]session.StreamID{session.StreamReliable, session.StreamBackground}

type requestKind uint8

const (
	requestConnect requestKind = iota + 1
	requestDisconnect
)

type request struct {
	kind requestKind
	id   transport.ConnectionID
	addr net.Addr
}

// conn is one arena entry.
type conn struct {
	sess      *session.Session
	readers   [len(framedStreams)]*framing.Reader
	announced bool
}

func newConn(sess *session.Session) *conn {
	c := &conn{sess: sess}
	for i := range c.readers {
		c.readers[i] = framing.NewReader()
	}
	return c
}

// Driver owns a socket, a delayed-send scheduler and the session arena.
// Everything except the channel accessors and the request methods belongs
// to the goroutine running Run.
type Driver struct {
	cfg     Config
	sock    transport.PacketSocket
	clock   transport.TimeProvider
	metrics *Metrics
	audio   *av.Pipeline

	sched    *transport.Scheduler
	conns    map[transport.ConnectionID]*conn
	nextTick time.Time
	audioSeq uint64
	recvBuf  []byte

	outgoing chan messaging.Envelope
	received chan messaging.Envelope
	events   chan Event
	requests chan request

	recvBacklog  []messaging.Envelope
	eventBacklog []Event

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a driver for sock. Nothing runs until Run.
func New(sock transport.PacketSocket, cfg Config) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid driver config: %w", err)
	}
	clock := transport.DefaultTimeProvider(cfg.Clock)
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	d := &Driver{
		cfg:      cfg,
		sock:     sock,
		clock:    clock,
		metrics:  metrics,
		audio:    cfg.Audio,
		sched:    transport.NewScheduler(),
		conns:    make(map[transport.ConnectionID]*conn),
		nextTick: clock.Now(),
		recvBuf:  make([]byte, cfg.MaxDatagramSize),
		outgoing: make(chan messaging.Envelope, cfg.QueueSize),
		received: make(chan messaging.Envelope, cfg.QueueSize),
		events:   make(chan Event, cfg.QueueSize),
		requests: make(chan request, cfg.QueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	logrus.WithFields(logrus.Fields{
		"function":       "driver.New",
		"local_addr":     sock.LocalAddr().String(),
		"tick_interval":  cfg.TickInterval.String(),
		"accept_inbound": cfg.AcceptInbound,
		"audio":          cfg.Audio != nil,
	}).Info("Driver created")
	return d, nil
}

// LocalAddr returns the socket address.
func (d *Driver) LocalAddr() net.Addr { return d.sock.LocalAddr() }

// Outgoing is the bounded queue of envelopes to send.
func (d *Driver) Outgoing() chan<- messaging.Envelope { return d.outgoing }

// Received delivers decoded inbound messages. It is closed when Run returns.
func (d *Driver) Received() <-chan messaging.Envelope { return d.received }

// Events delivers connection lifecycle events. It is closed when Run returns.
func (d *Driver) Events() <-chan Event { return d.events }

// Done is closed when Run has returned.
func (d *Driver) Done() <-chan struct{} { return d.done }

// Send queues env without blocking.
func (d *Driver) Send(env messaging.Envelope) error {
	select {
	case <-d.done:
		return ErrStopped
	default:
	}
	select {
	case d.outgoing <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

// Connect asks the loop to dial address and returns the new connection's id.
// The session is created on the next tick.
func (d *Driver) Connect(address string) (transport.ConnectionID, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", address, err)
	}
	id, err := transport.NewConnectionID()
	if err != nil {
		return 0, err
	}
	if err := d.request(request{kind: requestConnect, id: id, addr: addr}); err != nil {
		return 0, err
	}
	return id, nil
}

// Disconnect asks the loop to close a connection gracefully.
func (d *Driver) Disconnect(id transport.ConnectionID) error {
	return d.request(request{kind: requestDisconnect, id: id})
}

func (d *Driver) request(r request) error {
	select {
	case <-d.done:
		return ErrStopped
	default:
	}
	select {
	case d.requests <- r:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop asks Run to shut down at the top of its next iteration.
func (d *Driver) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// Run is the event loop. It returns nil after a graceful shutdown, requested
// with Stop or by cancelling ctx, and the wrapped error when the socket fails.
func (d *Driver) Run(ctx context.Context) error {
	defer close(d.done)

	logrus.WithFields(logrus.Fields{
		"function":   "Driver.Run",
		"local_addr": d.sock.LocalAddr().String(),
	}).Info("Event loop started")

	for {
		select {
		case <-ctx.Done():
			d.shutdown(d.clock.Now())
			return nil
		case <-d.stop:
			d.shutdown(d.clock.Now())
			return nil
		default:
		}

		if _, err := d.step(d.clock.Now()); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Driver.Run",
				"error":    err.Error(),
			}).Error("Socket failed, stopping event loop")
			d.abort(err)
			return fmt.Errorf("driver: %w", err)
		}
	}
}

// step runs one iteration at now and reports what it serviced.
func (d *Driver) step(now time.Time) (eventKind, error) {
	d.flushBacklog()

	var (
		nearest time.Time
		kind    eventKind
		err     error
	)
	consider := func(t time.Time) {
		if nearest.IsZero() || t.Before(nearest) {
			nearest = t
		}
	}

	schedDue, hasSched := d.sched.NextDue()
	timeoutDue, hasTimeout := d.nextTimeout()
	switch {
	case hasSched && !now.Before(schedDue):
		kind, err = eventDelayedSend, d.serviceDelayedSends(now)
	case hasTimeout && !now.Before(timeoutDue):
		kind, err = eventTimeout, d.serviceTimeouts(now)
	case !now.Before(d.nextTick):
		kind, err = eventTick, d.serviceTick(now)
	}
	if kind != eventIdle {
		d.metrics.recordEvent(kind)
		return kind, err
	}

	if hasSched {
		consider(schedDue)
	}
	if hasTimeout {
		consider(timeoutDue)
	}
	consider(d.nextTick)

	ready, err := d.sock.PollReadable(nearest.Sub(now))
	if err != nil {
		return eventIdle, err
	}
	if !ready {
		return eventIdle, nil
	}
	d.metrics.recordEvent(eventReadable)
	return eventReadable, d.receive(d.clock.Now())
}

func (d *Driver) nextTimeout() (time.Time, bool) {
	var (
		earliest time.Time
		found    bool
	)
	for _, c := range d.conns {
		if t, ok := c.sess.TimeoutDeadline(); ok && (!found || t.Before(earliest)) {
			earliest, found = t, true
		}
	}
	return earliest, found
}

func (d *Driver) serviceDelayedSends(now time.Time) error {
	for {
		ds, ok := d.sched.PopDue(now)
		if !ok {
			return nil
		}
		err := d.sock.Send(ds.Bytes(), ds.Dest)
		switch {
		case err == nil:
			d.metrics.DelayedSends.Inc()
			d.metrics.DatagramsSent.Inc()
		case errors.Is(err, transport.ErrWouldBlock):
			ds.NotBefore = now.Add(wouldBlockBackoff)
			d.sched.Push(ds)
			return nil
		case isSizeMismatch(err):
			logrus.WithFields(logrus.Fields{
				"function": "Driver.serviceDelayedSends",
				"dest":     ds.Dest.String(),
				"error":    err.Error(),
			}).Warn("Dropping delayed datagram")
		default:
			return err
		}
	}
}

func (d *Driver) serviceTimeouts(now time.Time) error {
	for _, c := range d.conns {
		t, ok := c.sess.TimeoutDeadline()
		if !ok || now.Before(t) {
			continue
		}
		d.metrics.TimeoutsFired.Inc()
		c.sess.OnTimeout(now)
		if err := d.flush(c, now); err != nil {
			return err
		}
		d.settle(c)
	}
	return nil
}

func (d *Driver) serviceTick(now time.Time) error {
	d.nextTick = now.Add(d.cfg.TickInterval)

	d.processRequests(now)
	d.drainOutgoing()
	d.drainCaptured()

	for _, c := range d.conns {
		if err := d.flush(c, now); err != nil {
			return err
		}
		d.settle(c)
	}
	return nil
}

func (d *Driver) processRequests(now time.Time) {
	for {
		select {
		case r := <-d.requests:
			switch r.kind {
			case requestConnect:
				d.connect(r.id, r.addr, now)
			case requestDisconnect:
				if c, ok := d.conns[r.id]; ok {
					_ = c.sess.Close(session.CodeNoError, "disconnect")
				}
			}
		default:
			return
		}
	}
}

func (d *Driver) connect(id transport.ConnectionID, addr net.Addr, now time.Time) {
	sess, err := session.NewClient(id, d.sock.LocalAddr(), addr, d.cfg.Session, now)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Driver.connect",
			"remote":   addr.String(),
			"error":    err.Error(),
		}).Warn("Failed to start connection")
		d.pushEvent(Event{Kind: EventEnded, Conn: id, Remote: addr, Reason: session.ReasonError, Err: err})
		return
	}
	d.add(sess)
}

func (d *Driver) add(sess *session.Session) *conn {
	c := newConn(sess)
	d.conns[sess.ID()] = c
	d.metrics.SessionsTotal.Inc()
	d.metrics.LiveSessions.Set(float64(len(d.conns)))
	return c
}

func (d *Driver) drainOutgoing() {
	for i := 0; i < d.cfg.MaxSendBatch; i++ {
		select {
		case env := <-d.outgoing:
			d.dispatch(env)
		default:
			return
		}
	}
}

func (d *Driver) drainCaptured() {
	if d.audio == nil {
		return
	}
	for {
		pcm, ok := d.audio.NextCaptured()
		if !ok {
			return
		}
		payload, err := d.audio.Encode(pcm)
		if err != nil {
			d.metrics.RecordDrop("audio_encode")
			continue
		}
		msg := messaging.NewAudio(d.cfg.LocalUserID, d.audioSeq, payload)
		d.audioSeq++
		d.dispatch(messaging.Envelope{Stream: session.StreamRealtime, Message: msg})
	}
}

// dispatch encodes env once and queues it on its target sessions. A
// broadcast goes to every established connection.
func (d *Driver) dispatch(env messaging.Envelope) {
	if env.Message == nil {
		d.metrics.RecordDrop("empty")
		return
	}
	payload, err := framing.EncodeMessage(env.Message, env.Stream)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Driver.dispatch",
			"kind":     env.Message.Kind.String(),
			"error":    err.Error(),
		}).Warn("Dropping unencodable message")
		d.metrics.RecordDrop("encode")
		return
	}

	if env.Broadcast() {
		for _, c := range d.conns {
			if c.sess.IsEstablished() {
				d.queue(c, env.Stream, payload)
			}
		}
		return
	}
	c, ok := d.conns[env.Conn]
	if !ok {
		d.metrics.RecordDrop("unknown_connection")
		return
	}
	d.queue(c, env.Stream, payload)
}

func (d *Driver) queue(c *conn, stream session.StreamID, payload []byte) {
	var err error
	if stream.Framed() {
		err = c.sess.Write(stream, payload)
	} else {
		err = c.sess.SendDatagram(payload)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Driver.queue",
			"conn_id":  c.sess.ID().String(),
			"stream":   stream.String(),
			"error":    err.Error(),
		}).Debug("Message not queued")
		d.metrics.RecordDrop("session")
		return
	}
	d.metrics.MessagesOut.Inc()
}

func (d *Driver) receive(now time.Time) error {
	for i := 0; i < d.cfg.MaxRecvBatch; i++ {
		n, src, err := d.sock.Recv(d.recvBuf)
		if err != nil {
			switch {
			case errors.Is(err, transport.ErrWouldBlock):
				return nil
			case errors.Is(err, transport.ErrTruncated):
				logrus.WithFields(logrus.Fields{
					"function": "Driver.receive",
					"src":      src.String(),
					"buffer":   len(d.recvBuf),
				}).Debug("Dropped oversize datagram")
				d.metrics.DatagramsDropped.Inc()
				continue
			}
			return err
		}
		d.metrics.DatagramsReceived.Inc()
		if err := d.handleDatagram(d.recvBuf[:n], src, now); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) handleDatagram(b []byte, src net.Addr, now time.Time) error {
	id, ok := transport.PeekConnectionID(b)
	if !ok {
		d.metrics.DatagramsDropped.Inc()
		return nil
	}
	c, ok := d.conns[id]
	if !ok {
		if c, ok = d.accept(id, b, src, now); !ok {
			d.metrics.DatagramsDropped.Inc()
			return nil
		}
	}

	if err := c.sess.RecvDatagram(b, src, now); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Driver.handleDatagram",
			"conn_id":  id.String(),
			"error":    err.Error(),
		}).Warn("Connection error")
	}
	d.pump(c)
	if err := d.flush(c, now); err != nil {
		return err
	}
	d.settle(c)
	return nil
}

// accept creates a server session for a first handshake message from an
// unknown connection id.
func (d *Driver) accept(id transport.ConnectionID, b []byte, src net.Addr, now time.Time) (*conn, bool) {
	if !d.cfg.AcceptInbound {
		return nil, false
	}
	hdr, _, err := transport.ParseHeader(b)
	if err != nil || hdr.Type != transport.PacketHandshake || hdr.Index != 0 {
		return nil, false
	}
	sess, err := session.NewServer(id, d.sock.LocalAddr(), src, noise.Pattern(hdr.Pattern), d.cfg.Session, now)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Driver.accept",
			"conn_id":  id.String(),
			"remote":   src.String(),
			"error":    err.Error(),
		}).Warn("Rejected inbound connection")
		return nil, false
	}
	return d.add(sess), true
}

// pump hands every complete message on c to its consumer: framed streams in
// priority order, then real-time units.
func (d *Driver) pump(c *conn) {
	for i, stream := range framedStreams {
		src := framing.StreamSource{Session: c.sess, Stream: stream}
		for {
			payload, ok := c.readers[i].Next(src)
			if !ok {
				break
			}
			msg, err := framing.DecodeMessage(payload)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Driver.pump",
					"conn_id":  c.sess.ID().String(),
					"stream":   stream.String(),
					"error":    err.Error(),
				}).Warn("Malformed framed message, closing connection")
				d.metrics.RecordDrop("malformed")
				_ = c.sess.Close(session.CodeProtocolViolation, "malformed message")
				return
			}
			d.deliver(c, stream, msg)
		}
	}

	for {
		unit, ok := c.sess.PopDatagram()
		if !ok {
			return
		}
		msg, err := framing.DecodeMessage(unit)
		if err != nil {
			d.metrics.RecordDrop("malformed_realtime")
			continue
		}
		d.deliver(c, session.StreamRealtime, msg)
	}
}

func (d *Driver) deliver(c *conn, stream session.StreamID, msg *messaging.Message) {
	d.metrics.MessagesIn.Inc()
	if d.audio != nil {
		switch msg.Kind {
		case messaging.KindAudio:
			if !d.audio.Deliver(msg.UserID, msg.Payload) {
				d.metrics.RecordDrop("audio_full")
			}
			return
		case messaging.KindUserLeft:
			d.audio.UserLeft(msg.UserID)
		}
	}
	d.pushReceived(messaging.Envelope{Conn: c.sess.ID(), Stream: stream, Message: msg})
}

// flush sends whatever c has pending. Only transport-fatal errors are returned.
func (d *Driver) flush(c *conn, now time.Time) error {
	if c.sess.IsClosed() {
		return nil
	}
	n, err := c.sess.SendPending(now, d.sock, d.sched)
	d.metrics.DatagramsSent.Add(float64(n))
	switch {
	case err == nil, errors.Is(err, session.ErrSessionClosed):
		return nil
	case isSizeMismatch(err):
		logrus.WithFields(logrus.Fields{
			"function": "Driver.flush",
			"conn_id":  c.sess.ID().String(),
			"error":    err.Error(),
		}).Warn("Datagram rejected by socket")
		return nil
	default:
		return err
	}
}

// settle emits lifecycle events for c and removes it once closed.
func (d *Driver) settle(c *conn) {
	if !c.announced && c.sess.HasEstablished() {
		c.announced = true
		d.pushEvent(Event{
			Kind:        EventEstablished,
			Conn:        c.sess.ID(),
			Remote:      c.sess.RemoteAddr(),
			PeerKey:     c.sess.PeerStaticKey(),
			Established: true,
		})
	}
	if c.sess.IsClosed() {
		reason, err := c.sess.CloseReason()
		d.end(c, reason, err)
	}
}

func (d *Driver) end(c *conn, reason session.CloseReason, err error) {
	id := c.sess.ID()
	if _, ok := d.conns[id]; !ok {
		return
	}
	delete(d.conns, id)
	d.metrics.LiveSessions.Set(float64(len(d.conns)))
	d.pushEvent(Event{
		Kind:        EventEnded,
		Conn:        id,
		Remote:      c.sess.RemoteAddr(),
		PeerKey:     c.sess.PeerStaticKey(),
		Reason:      reason,
		Err:         err,
		Established: c.sess.HasEstablished(),
	})
}

// shutdown closes every session, flushes their CLOSE frames and the whole
// scheduler without waiting for pacing, and closes the collaborator channels.
func (d *Driver) shutdown(now time.Time) {
	logrus.WithFields(logrus.Fields{
		"function": "Driver.shutdown",
		"sessions": len(d.conns),
		"delayed":  d.sched.Len(),
	}).Info("Shutting down event loop")

	for _, c := range d.conns {
		_ = c.sess.Close(session.CodeNoError, "shutdown")
		if err := d.flush(c, now); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Driver.shutdown",
				"conn_id":  c.sess.ID().String(),
				"error":    err.Error(),
			}).Warn("Failed to flush close")
		}
		reason, err := c.sess.CloseReason()
		d.end(c, reason, err)
	}

	for _, ds := range d.sched.Drain() {
		if err := d.sock.Send(ds.Bytes(), ds.Dest); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Driver.shutdown",
				"dest":     ds.Dest.String(),
				"error":    err.Error(),
			}).Debug("Dropped datagram during shutdown")
			continue
		}
		d.metrics.DatagramsSent.Inc()
	}
	d.finish()
}

// abort ends every session after a fatal socket error.
func (d *Driver) abort(err error) {
	for _, c := range d.conns {
		d.end(c, session.ReasonError, err)
	}
	d.sched.Drain()
	d.finish()
}

func (d *Driver) finish() {
	d.flushBacklog()
	if n := len(d.recvBacklog) + len(d.eventBacklog); n > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "Driver.finish",
			"discarded": n,
		}).Warn("Collaborators did not drain, discarding backlog")
	}
	close(d.received)
	close(d.events)
}

func (d *Driver) pushReceived(env messaging.Envelope) {
	var dropped bool
	d.recvBacklog, dropped = enqueue(d.received, d.recvBacklog, env, backlogFactor*d.cfg.QueueSize)
	if dropped {
		d.metrics.RecordDrop("backlog")
	}
}

func (d *Driver) pushEvent(ev Event) {
	logrus.WithFields(logrus.Fields{
		"function": "Driver.pushEvent",
		"event":    ev.Kind.String(),
		"conn_id":  ev.Conn.String(),
		"reason":   ev.Reason.String(),
	}).Debug("Connection event")

	var dropped bool
	d.eventBacklog, dropped = enqueue(d.events, d.eventBacklog, ev, backlogFactor*d.cfg.QueueSize)
	if dropped {
		d.metrics.RecordDrop("event_backlog")
	}
}

func (d *Driver) flushBacklog() {
	d.recvBacklog = flushQueue(d.received, d.recvBacklog)
	d.eventBacklog = flushQueue(d.events, d.eventBacklog)
}

// enqueue delivers v on ch without blocking, or appends it to backlog. Order
// is preserved: nothing bypasses a non-empty backlog. The oldest entry is
// dropped when backlog is at max.
func enqueue[T any](ch chan T, backlog []T, v T, max int) ([]T, bool) {
	if len(backlog) == 0 {
		select {
		case ch <- v:
			return backlog, false
		default:
		}
	}
	dropped := false
	if len(backlog) >= max {
		backlog = backlog[1:]
		dropped = true
	}
	return append(backlog, v), dropped
}

func flushQueue[T any](ch chan T, backlog []T) []T {
	for len(backlog) > 0 {
		select {
		case ch <- backlog[0]:
			var zero T
			backlog[0] = zero
			backlog = backlog[1:]
		default:
			return backlog
		}
	}
	return nil
}

func isSizeMismatch(err error) bool {
	var sendErr *transport.SendError
	return errors.As(err, &sendErr) && sendErr.Kind == transport.SendSizeMismatch
}
