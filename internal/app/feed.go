package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/intervox/internal/stream"
	"github.com/MrWong99/intervox/pkg/audio"
)

// feed reads the capture source, converts every frame to the stream format
// and queues it. Chunks refused with backpressure are dropped, as a live
// capture device cannot wait. feed returns when the source is exhausted.
func (a *App) feed(ctx context.Context) error {
	frames := make(chan audio.AudioFrame, 8)
	errc := make(chan error, 1)
	go func() {
		defer close(frames)
		errc <- a.source.Stream(ctx, frames, a.cfg.Capture.RealtimePacing)
	}()

	var queued, dropped int
	for chunk := range audio.ChunkStream(frames) {
		err := a.service.QueueAudioChunk(chunk)
		switch {
		case err == nil:
			queued++
		case errors.Is(err, stream.ErrBackpressure):
			dropped++
			slog.Debug("capture chunk dropped", "reason", "backpressure", "timestamp", chunk.Timestamp())
		case errors.Is(err, stream.ErrStreamClosed):
			dropped++
			slog.Debug("capture chunk dropped", "reason", "not streaming", "timestamp", chunk.Timestamp())
		default:
			dropped++
			slog.Warn("capture chunk rejected", "err", err, "timestamp", chunk.Timestamp())
		}
	}

	if err := <-errc; err != nil {
		return fmt.Errorf("app: capture: %w", err)
	}
	slog.Info("capture finished", "queued", queued, "dropped", dropped)
	return nil
}

// drain waits until every queued chunk has been sent, the supervisor has
// given up, or ctx is done.
func (a *App) drain(ctx context.Context) {
	t := time.NewTicker(drainPollInterval)
	defer t.Stop()
	for {
		if a.service.BufferUtilization() == 0 {
			return
		}
		if a.supervisor.Exhausted() {
			slog.Warn("giving up on unsent audio", "buffer_utilization", a.service.BufferUtilization())
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
