// Package kagu is the transport-and-mixing core of a real-time group chat
// and voice application.
//
// A node owns one UDP socket and runs a single event loop over every
// connection on it. Collaborators (realm and channel management, storage,
// the UI) exchange typed messages with the node through bounded channels;
// voice audio crosses to the audio goroutine through av.Pipeline.
//
// # Getting Started
//
//	options := kagu.NewOptions()
//	options.ListenAddr = "0.0.0.0:5150"
//	options.AcceptInbound = true
//
//	node, err := kagu.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Kill()
//	node.Start()
//
//	for ev := range node.Events() {
//	    fmt.Println(ev.Kind, ev.Conn)
//	}
//
// # Streams
//
// Every connection carries three streams:
//
//   - session.StreamReliable: ordered, retransmitted, length-prefixed messages
//   - session.StreamBackground: like reliable, scheduled after it
//   - session.StreamRealtime: unreliable datagrams for audio
//
// # Shutdown
//
// Kill closes every connection with a CLOSE frame, flushes all delayed
// sends immediately, and waits for the event loop to exit before releasing
// the socket.
package kagu
