// Package transport provides the datagram layer of kagu: a non-blocking UDP
// socket with readiness polling, the delayed-send scheduler used for pacing,
// and the wire format of packets and frames exchanged by sessions.
//
// # Packet Socket
//
// Bind opens a socket whose operations never block. Send and Recv report
// ErrWouldBlock (matched with errors.Is against SendError and RecvError)
// instead of waiting; the caller moves on to its next scheduled event.
// PollReadable is the only call that sleeps, for at most its timeout:
//
//	sock, bound, err := transport.Bind("0.0.0.0:0", limits.MaxDatagramSize)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ready, err := sock.PollReadable(5 * time.Millisecond)
//
// On unix platforms the socket is driven through poll(2) and
// sendto/recvfrom with MSG_DONTWAIT. Elsewhere it is emulated with read
// deadlines.
//
// # Delayed-Send Scheduler
//
// Scheduler is a min-heap of DelayedSend entries ordered by NotBefore.
// PopDue never returns an entry before it is due; Drain returns everything
// regardless, for shutdown.
//
// # Wire format
//
// Every datagram starts with a PacketType and the 64-bit ConnectionID:
//
//	handshake: [1][conn id u64][pattern u8][index u8][noise message]
//	protected: [2][conn id u64][packet number u64][AEAD ciphertext]
//
// A protected payload is a sequence of frames tagged and length-encoded with
// QUIC variable-length integers. See ParseFrames.
package transport
