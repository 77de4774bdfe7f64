package audio_test

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/intervox/pkg/audio"
)

func TestFromPCM_DerivedValues(t *testing.T) {
	c := audio.FromPCM(make([]byte, 4800), 0)

	if c.SampleCount() != 2400 {
		t.Errorf("SampleCount = %d, want 2400", c.SampleCount())
	}
	if c.Duration() != 100*time.Millisecond {
		t.Errorf("Duration = %v, want 100ms", c.Duration())
	}
	if c.SampleRate() != 24000 || c.Channels() != 1 {
		t.Errorf("format = %dHz %dch, want 24000Hz 1ch", c.SampleRate(), c.Channels())
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestChunk_IsImmutable(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	c := audio.FromPCM(pcm, time.Second)

	pcm[0] = 99
	if got := c.Data()[0]; got != 1 {
		t.Errorf("chunk observed caller mutation: data[0] = %d", got)
	}

	out := c.Data()
	out[1] = 99
	if got := c.Data()[1]; got != 2 {
		t.Errorf("chunk observed mutation of returned copy: data[1] = %d", got)
	}
}

func TestChunk_Base64RoundTrip(t *testing.T) {
	pcm := []byte{0x00, 0x80, 0xff, 0x7f, 0x01, 0x02}
	c := audio.FromPCM(pcm, 0)

	decoded, err := base64.StdEncoding.DecodeString(c.Base64())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(decoded) != string(pcm) {
		t.Errorf("round trip = %v, want %v", decoded, pcm)
	}
}

func TestChunk_Validate(t *testing.T) {
	tests := []struct {
		name    string
		chunk   audio.Chunk
		wantErr bool
	}{
		{name: "valid", chunk: audio.FromPCM([]byte{0, 0}, 0)},
		{name: "wrong sample rate", chunk: audio.NewChunk([]byte{0, 0}, 0, 16000, 1), wantErr: true},
		{name: "stereo", chunk: audio.NewChunk([]byte{0, 0, 0, 0}, 0, 24000, 2), wantErr: true},
		{name: "empty payload", chunk: audio.FromPCM(nil, 0), wantErr: true},
		{name: "odd payload", chunk: audio.FromPCM([]byte{0, 0, 0}, 0), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.chunk.Validate()
			if tt.wantErr {
				if !errors.Is(err, audio.ErrInvalidFormat) {
					t.Errorf("err = %v, want ErrInvalidFormat", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestChunk_DurationZeroRate(t *testing.T) {
	if d := audio.NewChunk([]byte{0, 0}, 0, 0, 1).Duration(); d != 0 {
		t.Errorf("Duration = %v, want 0", d)
	}
}
