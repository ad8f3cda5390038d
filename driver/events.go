package driver

import (
	"fmt"
	"net"

	"github.com/bblsh/kagu-sub000/session"
	"github.com/bblsh/kagu-sub000/transport"
)

// EventKind identifies a connection lifecycle event.
type EventKind uint8

const (
	// EventEstablished fires once per connection when its handshake completes.
	EventEstablished EventKind = iota + 1
	// EventEnded fires once per connection when it is removed.
	EventEnded
)

func (k EventKind) String() string {
	switch k {
	case EventEstablished:
		return "established"
	case EventEnded:
		return "ended"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event reports a connection lifecycle change to collaborators.
type Event struct {
	Kind    EventKind
	Conn    transport.ConnectionID
	Remote  net.Addr
	PeerKey []byte

	// Set on EventEnded.
	Reason session.CloseReason
	Err    error
	// Established is false when the connection ended before its handshake
	// completed.
	Established bool
}

// eventKind is the category an event loop iteration serviced.
type eventKind uint8

const (
	eventIdle eventKind = iota
	eventDelayedSend
	eventTimeout
	eventTick
	eventReadable
)

func (k eventKind) String() string {
	switch k {
	case eventDelayedSend:
		return "delayed_send"
	case eventTimeout:
		return "timeout"
	case eventTick:
		return "tick"
	case eventReadable:
		return "readable"
	default:
		return "idle"
	}
}
