package audio

import "time"

// AudioFrame is a raw slice of PCM captured from an input device or file,
// before it has been normalised to the streaming ingestion format. Frames may
// carry any sample rate or channel count; use [FormatConverter] to bring them
// to [StreamFormat] and [ChunkFromFrame] to hand them to the streaming service.
type AudioFrame struct {
	// PCM audio data, 16-bit signed little-endian, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for most capture devices).
	SampleRate int

	// Channels is the number of interleaved channels, 1 for mono.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}
