// Package testing provides an in-memory datagram network for deterministic
// tests of the session driver and everything above it.
//
// A SimulatedNetwork hands out sockets that satisfy transport.PacketSocket.
// Datagrams are delivered instantly, recorded in a delivery log, and can be
// dropped selectively:
//
//	net := testing.NewSimulatedNetwork(1232)
//	a, _ := net.Bind("127.0.0.1:1000")
//	b, _ := net.Bind("127.0.0.1:2000")
//	net.SetDropFunc(func(from, to string, d []byte) bool { return d[0] == 2 })
//
// Importers usually alias the package, since its name collides with the
// standard library's.
package testing
