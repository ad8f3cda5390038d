// Package limits provides the contract constants shared by the transport,
// framing and audio layers, along with the validators that enforce them.
//
// # Size Hierarchy
//
//   - MaxDatagramSize (1232 bytes): the largest UDP payload the transport
//     produces or accepts. 1232 keeps a datagram inside the IPv6 minimum MTU
//     of 1280 after the IPv6 and UDP headers.
//
//   - AEADOverhead (16 bytes): the authentication tag appended to every
//     protected packet by the ChaCha20-Poly1305 cipher.
//
//   - FramingHeaderSize (2 bytes): the length prefix carried in front of every
//     message on the reliable and background streams.
//
//   - MaxFramedMessage (65535 bytes): the largest message body a 2-byte prefix
//     can describe. Larger payloads (file bodies) must be chunked upstream.
//
// # Audio
//
// Audio is mixed in fixed frames of AudioFrameSamples mono samples at
// AudioSampleRate, which is one AudioTickInterval of sound (10ms at 48kHz).
//
// # Validation Functions
//
//	if err := limits.ValidateDatagram(pkt, limits.MaxDatagramSize); err != nil {
//	    // the transport produced an oversized datagram
//	}
//
//	if err := limits.ValidateFramedPayload(body); err != nil {
//	    // the body needs chunking before it can be framed
//	}
//
// All of these values are defaults for configuration. The driver reads them
// from its Config so that deployments can lower the datagram size on paths
// with a smaller MTU.
package limits
