package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrUnsupportedWAV is returned by [NewWAVSource] for files that are not
// uncompressed 16-bit PCM.
var ErrUnsupportedWAV = errors.New("unsupported WAV encoding")

// Source reads PCM16 audio from a byte stream and cuts it into fixed-duration
// [AudioFrame] values. It is the file/stdin stand-in for a live capture device.
// A Source is not safe for concurrent use.
type Source struct {
	r          io.Reader
	format     Format
	frameBytes int
	frameDur   time.Duration
	offset     time.Duration
}

// NewRawSource wraps r, which must carry headerless PCM16 in format f.
func NewRawSource(r io.Reader, f Format, frameDuration time.Duration) (*Source, error) {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("audio: invalid source format %s", f)
	}
	if frameDuration <= 0 {
		return nil, errors.New("audio: frame duration must be positive")
	}
	samples := int(int64(f.SampleRate) * int64(frameDuration) / int64(time.Second))
	if samples == 0 {
		samples = 1
	}
	return &Source{
		r:          r,
		format:     f,
		frameBytes: samples * f.Channels * BytesPerSample,
		frameDur:   frameDuration,
	}, nil
}

// NewWAVSource parses the RIFF/WAVE header from r and returns a source
// positioned at the start of the data chunk.
func NewWAVSource(r io.Reader, frameDuration time.Duration) (*Source, error) {
	f, err := readWAVHeader(r)
	if err != nil {
		return nil, err
	}
	return NewRawSource(r, f, frameDuration)
}

// Format reports the format of the frames produced by the source.
func (s *Source) Format() Format { return s.format }

// Next returns the next frame. The final frame may be shorter than the
// configured duration. It returns io.EOF once the stream is exhausted.
func (s *Source) Next() (AudioFrame, error) {
	buf := make([]byte, s.frameBytes)
	n, err := io.ReadFull(s.r, buf)
	if n == 0 {
		if err == nil || errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return AudioFrame{}, err
	}
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return AudioFrame{}, err
	}
	// Keep whole sample frames only.
	align := s.format.Channels * BytesPerSample
	n -= n % align
	if n == 0 {
		return AudioFrame{}, io.EOF
	}

	frame := AudioFrame{
		Data:       buf[:n],
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Timestamp:  s.offset,
	}
	samples := n / align
	s.offset += time.Duration(samples) * time.Second / time.Duration(s.format.SampleRate)
	return frame, nil
}

// Stream sends frames to out until the source is exhausted or ctx is done.
// When pace is true, frames are released at capture speed (one frame per
// frame duration) to emulate a live device. out is not closed.
func (s *Source) Stream(ctx context.Context, out chan<- AudioFrame, pace bool) error {
	var tick <-chan time.Time
	if pace {
		ticker := time.NewTicker(s.frameDur)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		frame, err := s.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("audio: read source: %w", err)
		}
		select {
		case out <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
		if tick != nil {
			select {
			case <-tick:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// readWAVHeader walks the RIFF chunks up to and including the "data" chunk
// header, leaving r positioned at the first PCM byte.
func readWAVHeader(r io.Reader) (Format, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return Format{}, fmt.Errorf("audio: WAV too short to be a RIFF file: %w", err)
	}
	if string(riff[0:4]) != "RIFF" {
		return Format{}, errors.New("audio: WAV missing RIFF header")
	}
	if string(riff[8:12]) != "WAVE" {
		return Format{}, errors.New("audio: WAV missing WAVE identifier")
	}

	var (
		f        Format
		foundFmt bool
		hdr      [8]byte
	)
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return Format{}, fmt.Errorf("audio: WAV missing data chunk: %w", err)
		}
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, fmt.Errorf("audio: WAV fmt chunk too short (%d bytes)", size)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return Format{}, fmt.Errorf("audio: read WAV fmt chunk: %w", err)
			}
			encoding := binary.LittleEndian.Uint16(body[0:2])
			bits := binary.LittleEndian.Uint16(body[14:16])
			if encoding != 1 || bits != 16 {
				return Format{}, fmt.Errorf("%w: format tag %d, %d bits", ErrUnsupportedWAV, encoding, bits)
			}
			f.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			foundFmt = true
			if size%2 != 0 {
				if _, err := io.CopyN(io.Discard, r, 1); err != nil {
					return Format{}, err
				}
			}
		case "data":
			if !foundFmt {
				return Format{}, errors.New("audio: WAV data chunk precedes fmt chunk")
			}
			return f, nil
		default:
			// Chunks are word-aligned.
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return Format{}, fmt.Errorf("audio: skip WAV %q chunk: %w", id, err)
			}
		}
	}
}
