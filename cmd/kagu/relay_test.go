package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bblsh/kagu-sub000/driver"
	"github.com/bblsh/kagu-sub000/messaging"
	"github.com/bblsh/kagu-sub000/session"
	"github.com/bblsh/kagu-sub000/transport"
)

type sent struct {
	conn   transport.ConnectionID
	stream session.StreamID
	msg    *messaging.Message
}

type recorder struct {
	sent []sent
	err  error
}

func (r *recorder) Send(conn transport.ConnectionID, stream session.StreamID, msg *messaging.Message) error {
	r.sent = append(r.sent, sent{conn, stream, msg})
	return r.err
}

func (r *recorder) to(conn transport.ConnectionID) []sent {
	var out []sent
	for _, s := range r.sent {
		if s.conn == conn {
			out = append(out, s)
		}
	}
	return out
}

func established(r *relay, ids ...transport.ConnectionID) {
	for _, id := range ids {
		r.handleEvent(driver.Event{Kind: driver.EventEstablished, Conn: id})
	}
}

func hello(r *relay, conn transport.ConnectionID, userID uint32) {
	r.handleMessage(messaging.Envelope{
		Conn:    conn,
		Stream:  session.StreamReliable,
		Message: &messaging.Message{Kind: messaging.KindHello, UserID: userID},
	})
}

func TestRelayFansOutToOthers(t *testing.T) {
	rec := &recorder{}
	r := newRelay(rec)
	established(r, 1, 2, 3)

	text := messaging.NewText(10, 1, 1, "hi")
	r.handleMessage(messaging.Envelope{Conn: 1, Stream: session.StreamBackground, Message: text})

	assert.Len(t, rec.sent, 2)
	assert.Empty(t, rec.to(1))
	for _, id := range []transport.ConnectionID{2, 3} {
		got := rec.to(id)
		if assert.Len(t, got, 1) {
			assert.Equal(t, session.StreamBackground, got[0].stream)
			assert.Same(t, text, got[0].msg)
		}
	}
}

func TestRelayAnnouncesUsers(t *testing.T) {
	rec := &recorder{}
	r := newRelay(rec)
	established(r, 1, 2)

	hello(r, 1, 10)
	got := rec.to(2)
	if assert.Len(t, got, 1) {
		assert.Equal(t, messaging.KindUserJoined, got[0].msg.Kind)
		assert.Equal(t, uint32(10), got[0].msg.UserID)
	}
	assert.Empty(t, rec.to(1))

	rec.sent = nil
	hello(r, 2, 20)
	got = rec.to(1)
	if assert.Len(t, got, 1) {
		assert.Equal(t, uint32(20), got[0].msg.UserID)
	}
	got = rec.to(2)
	if assert.Len(t, got, 1, "newcomer learns who is present") {
		assert.Equal(t, uint32(10), got[0].msg.UserID)
	}

	rec.sent = nil
	r.handleEvent(driver.Event{Kind: driver.EventEnded, Conn: 1})
	got = rec.to(2)
	if assert.Len(t, got, 1) {
		assert.Equal(t, messaging.KindUserLeft, got[0].msg.Kind)
		assert.Equal(t, uint32(10), got[0].msg.UserID)
	}
}

func TestRelayIgnores(t *testing.T) {
	tests := []struct {
		name string
		env  messaging.Envelope
	}{
		{"unknown connection", messaging.Envelope{Conn: 9, Message: messaging.NewText(1, 0, 0, "x")}},
		{"keep alive", messaging.Envelope{Conn: 1, Message: &messaging.Message{Kind: messaging.KindKeepAlive}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			r := newRelay(rec)
			established(r, 1, 2)
			r.handleMessage(tt.env)
			assert.Empty(t, rec.sent)
		})
	}
}

func TestRelayEndBeforeHello(t *testing.T) {
	rec := &recorder{}
	r := newRelay(rec)
	established(r, 1, 2)
	r.handleEvent(driver.Event{Kind: driver.EventEnded, Conn: 1})
	r.handleEvent(driver.Event{Kind: driver.EventEnded, Conn: 7})
	assert.Empty(t, rec.sent)
	assert.Len(t, r.conns, 1)
}

func TestRelaySendErrorDoesNotStop(t *testing.T) {
	rec := &recorder{err: assert.AnError}
	r := newRelay(rec)
	established(r, 1, 2, 3)
	r.handleMessage(messaging.Envelope{Conn: 1, Message: messaging.NewText(1, 0, 0, "x")})
	assert.Len(t, rec.sent, 2)
}

func TestFormatMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  *messaging.Message
		want string
		ok   bool
	}{
		{"text", messaging.NewText(3, 1, 2, "hello"), "[1/2] user 3: hello", true},
		{"joined", &messaging.Message{Kind: messaging.KindUserJoined, UserID: 4}, "* user 4 joined", true},
		{"left", &messaging.Message{Kind: messaging.KindUserLeft, UserID: 4}, "* user 4 left", true},
		{"audio", messaging.NewAudio(4, 1, []byte{1}), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := formatMessage(tt.msg)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
