// Package av moves voice audio between the network goroutine and the audio
// goroutine.
//
// The network side decodes inbound payloads and captures outbound frames;
// the audio side mixes one frame per playback tick. The two meet only in
// Pipeline's bounded channels:
//
//	p, _ := av.NewPipeline(av.DefaultConfig())
//
//	// network goroutine
//	p.Deliver(userID, payload)
//	if pcm, ok := p.NextCaptured(); ok {
//	    data, _ := p.Encode(pcm)
//	    // send data on the real-time stream
//	}
//
//	// audio goroutine, every 10ms
//	speaker.Write(p.PlaybackTick())
//	p.Capture(microphone.Read())
//
// Nothing blocks across the boundary. When a channel is full the unit is
// dropped and counted, which shows up as a short gap in the audio instead
// of a stalled event loop.
//
// RunPlayback drives the audio side from a ticker for nodes without a sound
// device.
package av
