// Package audio holds the playback side of voice channels: per-speaker
// jitter buffers, the mixer that sums them into one frame per tick, and the
// codecs that turn network payloads into mixable frames.
//
// Every audio payload starts with a codec byte:
//
//	[CodecPCM ][little-endian int16 samples]
//	[CodecOpus][one Opus packet]
//
// Decoded frames are mono at the mixing rate. A speaker's buffer must hold
// more than Lookahead frames before it contributes to a tick, which trades
// one frame of latency for resistance to arrival jitter. Mixing is a plain
// wrapping sum; there is no clamping or normalization.
//
//	m := audio.NewMixer(480)
//	m.Push(7, frameA)
//	m.Push(7, frameB)
//	out := m.Tick() // frameA
//
// Mixer is single-goroutine. The av package wraps it with bounded channels
// for use across the network and audio goroutines.
package audio
