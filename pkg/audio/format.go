package audio

import (
	"errors"
	"fmt"
)

// ErrInvalidFormat is returned when a chunk does not match the streaming
// ingestion format. Validation errors wrap it with the offending detail.
var ErrInvalidFormat = errors.New("invalid audio format")

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "24000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Validate checks the chunk against the streaming ingestion format: 24 kHz,
// mono, and a non-empty payload of whole 16-bit samples. The returned error
// wraps [ErrInvalidFormat].
func (c Chunk) Validate() error {
	switch {
	case c.sampleRate != StreamSampleRate:
		return fmt.Errorf("%w: sample rate %d Hz, want %d Hz", ErrInvalidFormat, c.sampleRate, StreamSampleRate)
	case c.channels != StreamChannels:
		return fmt.Errorf("%w: %d channels, want %d", ErrInvalidFormat, c.channels, StreamChannels)
	case len(c.data) == 0:
		return fmt.Errorf("%w: empty payload", ErrInvalidFormat)
	case len(c.data)%BytesPerSample != 0:
		return fmt.Errorf("%w: odd payload length %d", ErrInvalidFormat, len(c.data))
	}
	return nil
}
