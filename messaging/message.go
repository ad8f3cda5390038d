package messaging

import (
	"errors"
	"fmt"

	"github.com/bblsh/kagu-sub000/session"
	"github.com/bblsh/kagu-sub000/transport"
)

// Kind discriminates application messages.
type Kind uint8

const (
	// KindHello introduces a user on a new connection.
	KindHello Kind = iota + 1
	// KindText is a chat line for a realm channel.
	KindText
	// KindAudio carries one encoded audio frame, usually on the real-time stream.
	KindAudio
	// KindUserJoined announces a user to the rest of a realm.
	KindUserJoined
	// KindUserLeft tells receivers to drop a user's state, audio buffers included.
	KindUserLeft
	// KindDisconnecting precedes a graceful close.
	KindDisconnecting
	// KindFileChunk is one upstream-chunked piece of a file body.
	KindFileChunk
	// KindKeepAlive is an application-level liveness check.
	KindKeepAlive

	kindEnd
)

var kindNames = map[Kind]string{
	KindHello:         "hello",
	KindText:          "text",
	KindAudio:         "audio",
	KindUserJoined:    "user_joined",
	KindUserLeft:      "user_left",
	KindDisconnecting: "disconnecting",
	KindFileChunk:     "file_chunk",
	KindKeepAlive:     "keep_alive",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k > 0 && k < kindEnd
}

// ErrMalformed is returned for bodies that do not decode to a valid message.
var ErrMalformed = errors.New("malformed message")

// Message is the opaque typed unit exchanged with collaborators. Fields that
// a kind does not use stay zero and are not encoded.
type Message struct {
	Kind      Kind
	UserID    uint32
	RealmID   uint32
	ChannelID uint32
	Seq       uint64
	Text      string
	Payload   []byte
}

// NewText creates a text message for a channel.
func NewText(userID, realmID, channelID uint32, text string) *Message {
	return &Message{
		Kind:      KindText,
		UserID:    userID,
		RealmID:   realmID,
		ChannelID: channelID,
		Text:      text,
	}
}

// NewAudio wraps an encoded audio payload.
func NewAudio(userID uint32, seq uint64, payload []byte) *Message {
	return &Message{Kind: KindAudio, UserID: userID, Seq: seq, Payload: payload}
}

// Envelope pairs a message with the connection and stream it travels on.
// An outbound envelope with Conn zero goes to every established connection.
type Envelope struct {
	Conn    transport.ConnectionID
	Stream  session.StreamID
	Message *Message
}

// Broadcast reports whether the envelope targets every connection.
func (e Envelope) Broadcast() bool {
	return e.Conn == 0
}
