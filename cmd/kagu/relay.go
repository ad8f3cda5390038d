package main

import (
	"github.com/sirupsen/logrus"

	"github.com/bblsh/kagu-sub000/driver"
	"github.com/bblsh/kagu-sub000/messaging"
	"github.com/bblsh/kagu-sub000/session"
	"github.com/bblsh/kagu-sub000/transport"
)

// sender is the part of a node the relay writes to.
type sender interface {
	Send(conn transport.ConnectionID, stream session.StreamID, msg *messaging.Message) error
}

// relay fans every message a client sends out to the other established
// clients and announces users as they join and leave.
type relay struct {
	out   sender
	conns map[transport.ConnectionID]uint32 // connection -> user, 0 until Hello
}

func newRelay(out sender) *relay {
	return &relay{out: out, conns: make(map[transport.ConnectionID]uint32)}
}

func (r *relay) handleEvent(ev driver.Event) {
	switch ev.Kind {
	case driver.EventEstablished:
		r.conns[ev.Conn] = 0
	case driver.EventEnded:
		userID, ok := r.conns[ev.Conn]
		if !ok {
			return
		}
		delete(r.conns, ev.Conn)
		if userID != 0 {
			r.fanOut(ev.Conn, session.StreamReliable, &messaging.Message{Kind: messaging.KindUserLeft, UserID: userID})
		}
	}
}

func (r *relay) handleMessage(env messaging.Envelope) {
	if _, ok := r.conns[env.Conn]; !ok {
		return
	}
	msg := env.Message

	switch msg.Kind {
	case messaging.KindHello:
		r.conns[env.Conn] = msg.UserID
		r.fanOut(env.Conn, session.StreamReliable, &messaging.Message{Kind: messaging.KindUserJoined, UserID: msg.UserID})
		// Introduce the users already present to the newcomer.
		for conn, userID := range r.conns {
			if conn != env.Conn && userID != 0 {
				r.send(env.Conn, session.StreamReliable, &messaging.Message{Kind: messaging.KindUserJoined, UserID: userID})
			}
		}
	case messaging.KindKeepAlive:
	default:
		r.fanOut(env.Conn, env.Stream, msg)
	}
}

func (r *relay) fanOut(from transport.ConnectionID, stream session.StreamID, msg *messaging.Message) {
	for conn := range r.conns {
		if conn != from {
			r.send(conn, stream, msg)
		}
	}
}

func (r *relay) send(conn transport.ConnectionID, stream session.StreamID, msg *messaging.Message) {
	if err := r.out.Send(conn, stream, msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "relay.send",
			"conn_id":  conn.String(),
			"kind":     msg.Kind.String(),
			"error":    err.Error(),
		}).Warn("Dropped relayed message")
	}
}
