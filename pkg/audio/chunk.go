// Package audio defines the audio value types shared by the streaming pipeline
// and the helpers that bring captured PCM into the ingestion format.
//
// The ingestion format for transcription is fixed: 16-bit signed little-endian
// mono samples at 24 kHz, raw bytes without any container. A [Chunk] is the
// immutable unit that travels from the capture source through the bounded
// streaming buffer to the realtime connection.
//
// This package lives under pkg/ because capture adapters outside this module
// are expected to construct chunks and frames.
package audio

import (
	"bytes"
	"encoding/base64"
	"time"
)

const (
	// StreamSampleRate is the only sample rate accepted for streaming (Hz).
	StreamSampleRate = 24000

	// StreamChannels is the only channel count accepted for streaming.
	StreamChannels = 1

	// BytesPerSample is the width of one PCM16 sample.
	BytesPerSample = 2
)

// StreamFormat is the ingestion format expected by the transcription endpoint.
var StreamFormat = Format{SampleRate: StreamSampleRate, Channels: StreamChannels}

// Chunk is one immutable slice of raw PCM audio plus its capture metadata.
//
// The payload is copied on construction and never exposed for mutation, so a
// Chunk can be handed between goroutines without further synchronisation.
// Format validity is not enforced here; see [Chunk.Validate].
type Chunk struct {
	data       []byte
	timestamp  time.Duration
	sampleRate int
	channels   int
}

// FromPCM constructs a chunk from 24 kHz mono PCM16 bytes captured at
// timestamp (relative to stream start).
func FromPCM(pcm []byte, timestamp time.Duration) Chunk {
	return NewChunk(pcm, timestamp, StreamSampleRate, StreamChannels)
}

// NewChunk constructs a chunk with an explicit format. It does not validate;
// a chunk in the wrong format is rejected when it is queued for streaming.
func NewChunk(pcm []byte, timestamp time.Duration, sampleRate, channels int) Chunk {
	return Chunk{
		data:       bytes.Clone(pcm),
		timestamp:  timestamp,
		sampleRate: sampleRate,
		channels:   channels,
	}
}

// ChunkFromFrame converts a captured frame into a chunk, preserving the
// frame's format as-is.
func ChunkFromFrame(frame AudioFrame) Chunk {
	return NewChunk(frame.Data, frame.Timestamp, frame.SampleRate, frame.Channels)
}

// Data returns a copy of the raw PCM payload.
func (c Chunk) Data() []byte { return bytes.Clone(c.data) }

// Len is the payload length in bytes.
func (c Chunk) Len() int { return len(c.data) }

// Timestamp is the capture offset from stream start.
func (c Chunk) Timestamp() time.Duration { return c.timestamp }

// SampleRate is the sample rate in Hz.
func (c Chunk) SampleRate() int { return c.sampleRate }

// Channels is the channel count.
func (c Chunk) Channels() int { return c.channels }

// SampleCount is the number of 16-bit samples in the payload.
func (c Chunk) SampleCount() int { return len(c.data) / BytesPerSample }

// Duration is the playback length of the chunk. It is zero when the sample
// rate is not positive.
func (c Chunk) Duration() time.Duration {
	if c.sampleRate <= 0 {
		return 0
	}
	return time.Duration(c.SampleCount()) * time.Second / time.Duration(c.sampleRate)
}

// Base64 returns the standard base64 encoding of the payload, the form in
// which audio is handed to the realtime connection.
func (c Chunk) Base64() string {
	return base64.StdEncoding.EncodeToString(c.data)
}
