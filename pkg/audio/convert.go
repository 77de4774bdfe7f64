package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter brings captured frames to [StreamFormat]. Interleaved
// multi-channel input is averaged down to mono first, then resampled to
// 24 kHz by linear interpolation. The first format change and the first
// dropped frame are logged once each.
//
// The zero value is ready to use. Create one per capture stream.
type FormatConverter struct {
	announced sync.Once
	warnedBad sync.Once
}

// Convert returns frame in [StreamFormat]. A frame already in that format is
// returned as is, sharing its Data. Frames with a non-positive rate or channel
// count, or whose payload is not a whole number of sample frames, yield an
// error wrapping [ErrInvalidFormat].
func (c *FormatConverter) Convert(frame AudioFrame) (AudioFrame, error) {
	if err := checkFrame(frame); err != nil {
		c.warnedBad.Do(func() {
			slog.Warn("audio converter: dropping malformed frame", "err", err)
		})
		return AudioFrame{}, err
	}
	if frame.SampleRate == StreamSampleRate && frame.Channels == StreamChannels {
		return frame, nil
	}

	c.announced.Do(func() {
		slog.Info("audio converter: capture format differs from stream format",
			"from", Format{SampleRate: frame.SampleRate, Channels: frame.Channels}.String(),
			"to", StreamFormat.String(),
		)
	})

	// Downmix before resampling so the resampler sees one channel.
	pcm := Downmix(frame.Data, frame.Channels)
	pcm = Resample(pcm, frame.SampleRate, StreamSampleRate)

	return AudioFrame{
		Data:       pcm,
		SampleRate: StreamSampleRate,
		Channels:   StreamChannels,
		Timestamp:  frame.Timestamp,
	}, nil
}

func checkFrame(frame AudioFrame) error {
	if frame.SampleRate <= 0 || frame.Channels <= 0 {
		return fmt.Errorf("%w: capture format %d Hz, %d channels", ErrInvalidFormat, frame.SampleRate, frame.Channels)
	}
	if stride := frame.Channels * BytesPerSample; len(frame.Data)%stride != 0 {
		return fmt.Errorf("%w: %d bytes is not a whole number of %d-channel frames",
			ErrInvalidFormat, len(frame.Data), frame.Channels)
	}
	return nil
}

// ChunkStream converts every frame read from in to [StreamFormat] and emits
// it as a [Chunk]. Malformed or empty frames are dropped. The returned
// channel is closed when in closes.
func ChunkStream(in <-chan AudioFrame) <-chan Chunk {
	out := make(chan Chunk, cap(in))
	go func() {
		defer close(out)
		var conv FormatConverter
		for frame := range in {
			converted, err := conv.Convert(frame)
			if err != nil || len(converted.Data) == 0 {
				continue
			}
			out <- ChunkFromFrame(converted)
		}
	}()
	return out
}

// sampleAt decodes the little-endian int16 sample at index i of pcm.
func sampleAt(pcm []byte, i int) int32 {
	return int32(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
}

func putSample(pcm []byte, i int, v int32) {
	pcm[2*i] = byte(v)
	pcm[2*i+1] = byte(v >> 8)
}

// Downmix averages each interleaved frame of channels samples into a single
// mono sample. Mono input is returned unchanged; a trailing partial frame is
// ignored.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / (channels * BytesPerSample)
	out := make([]byte, frames*BytesPerSample)
	for f := range frames {
		var sum int32
		for ch := range channels {
			sum += sampleAt(pcm, f*channels+ch)
		}
		putSample(out, f, sum/int32(channels))
	}
	return out
}

// Resample converts mono PCM16 from srcRate to dstRate with linear
// interpolation. Source positions are tracked as exact fractions of dstRate,
// so no drift accumulates across a frame. The input is returned unchanged
// when either rate is not positive or the rates match.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return nil
	}
	m := int(int64(n) * int64(dstRate) / int64(srcRate))
	out := make([]byte, m*BytesPerSample)
	for i := range m {
		// Output sample i sits at src position pos/dstRate.
		pos := int64(i) * int64(srcRate)
		idx := int(pos / int64(dstRate))
		rem := pos % int64(dstRate)

		s0 := sampleAt(pcm, idx)
		s1 := s0
		if idx+1 < n {
			s1 = sampleAt(pcm, idx+1)
		}
		v := int64(s0) + (int64(s1-s0)*rem)/int64(dstRate)
		putSample(out, i, int32(v))
	}
	return out
}

// formatString renders a rate and channel count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	switch channels {
	case 1:
		return fmt.Sprintf("%dHz mono", rate)
	case 2:
		return fmt.Sprintf("%dHz stereo", rate)
	default:
		return fmt.Sprintf("%dHz %dch", rate, channels)
	}
}
