package stream

import (
	"errors"

	"github.com/MrWong99/intervox/pkg/audio"
)

var (
	// ErrStreamClosed is returned when a chunk is queued while the service is
	// not streaming.
	ErrStreamClosed = errors.New("stream: not streaming")

	// ErrBackpressure is returned when the buffer is full. The offered chunk
	// is dropped; the caller decides whether to slow down or discard audio.
	ErrBackpressure = errors.New("stream: buffer full")

	// ErrInvalidAudioFormat is returned for chunks that do not match the
	// 24 kHz mono PCM16 ingestion format. It is the same value as
	// [audio.ErrInvalidFormat].
	ErrInvalidAudioFormat = audio.ErrInvalidFormat
)
