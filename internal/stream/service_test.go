package stream_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/intervox/internal/observe"
	"github.com/MrWong99/intervox/internal/resilience"
	"github.com/MrWong99/intervox/internal/stream"
	"github.com/MrWong99/intervox/internal/stream/mock"
	"github.com/MrWong99/intervox/pkg/audio"
)

// pcm returns n bytes of PCM filled with b.
func pcm(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func fastRecovery(base, maxDelay time.Duration) stream.Option {
	return stream.WithRecovery(resilience.NewRecovery(resilience.RecoveryConfig{
		BaseDelay: base,
		MaxDelay:  maxDelay,
	}))
}

// newService builds a service with no rate limit and millisecond backoff.
func newService(t *testing.T, conn stream.Connection, opts ...stream.Option) *stream.Service {
	t.Helper()
	base := []stream.Option{
		stream.WithRateLimiter(stream.NewRateLimiter(0)),
		fastRecovery(time.Millisecond, 4*time.Millisecond),
	}
	svc := stream.New(conn, append(base, opts...)...)
	t.Cleanup(svc.StopStreaming)
	return svc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestService_Lifecycle(t *testing.T) {
	t.Parallel()

	svc := newService(t, &mock.Connection{})
	if got := svc.State(); got != stream.StateIdle {
		t.Fatalf("initial state = %v, want idle", got)
	}

	svc.StartStreaming()
	svc.StartStreaming()
	if got := svc.State(); got != stream.StateStreaming {
		t.Fatalf("state after start = %v, want streaming", got)
	}

	svc.StopStreaming()
	svc.StopStreaming()
	if got := svc.State(); got != stream.StateStopped {
		t.Fatalf("state after stop = %v, want stopped", got)
	}

	svc.StartStreaming()
	if got := svc.State(); got != stream.StateStreaming {
		t.Fatalf("state after restart = %v, want streaming", got)
	}
}

func TestQueueAudioChunk_NotStreaming(t *testing.T) {
	t.Parallel()

	svc := newService(t, &mock.Connection{})
	chunk := audio.FromPCM(pcm(480, 1), 0)

	if err := svc.QueueAudioChunk(chunk); !errors.Is(err, stream.ErrStreamClosed) {
		t.Errorf("queue before start: err = %v, want ErrStreamClosed", err)
	}

	svc.StartStreaming()
	svc.StopStreaming()
	if err := svc.QueueAudioChunk(chunk); !errors.Is(err, stream.ErrStreamClosed) {
		t.Errorf("queue after stop: err = %v, want ErrStreamClosed", err)
	}
	if got := svc.Statistics().ChunksQueued; got != 0 {
		t.Errorf("ChunksQueued = %d, want 0", got)
	}
}

func TestQueueAudioChunk_InvalidFormat(t *testing.T) {
	t.Parallel()

	bad := []struct {
		name  string
		chunk audio.Chunk
	}{
		{"wrong sample rate", audio.NewChunk(pcm(480, 1), 0, 48000, 1)},
		{"stereo", audio.NewChunk(pcm(480, 1), 0, 24000, 2)},
		{"empty payload", audio.FromPCM(nil, 0)},
		{"odd length", audio.FromPCM(pcm(481, 1), 0)},
	}

	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := newService(t, &mock.Connection{})

			err := svc.QueueAudioChunk(tt.chunk)
			if !errors.Is(err, stream.ErrInvalidAudioFormat) {
				t.Errorf("idle: err = %v, want ErrInvalidAudioFormat", err)
			}
			if !errors.Is(err, stream.ErrStreamClosed) {
				t.Errorf("idle: err = %v, want ErrStreamClosed as well", err)
			}

			svc.StartStreaming()
			err = svc.QueueAudioChunk(tt.chunk)
			if !errors.Is(err, stream.ErrInvalidAudioFormat) {
				t.Errorf("streaming: err = %v, want ErrInvalidAudioFormat", err)
			}
			if errors.Is(err, stream.ErrStreamClosed) {
				t.Errorf("streaming: err = %v, must not be ErrStreamClosed", err)
			}
			if got := svc.Statistics().ChunksQueued; got != 0 {
				t.Errorf("ChunksQueued = %d, want 0", got)
			}
		})
	}
}

func TestQueueAudioChunk_Backpressure(t *testing.T) {
	t.Parallel()

	conn := &mock.Connection{}
	started := conn.Hold()
	svc := newService(t, conn)
	svc.StartStreaming()

	for i := range 99 {
		if err := svc.QueueAudioChunk(audio.FromPCM(pcm(4800, byte(i)), 0)); err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
	}
	if err := svc.QueueAudioChunk(audio.FromPCM(pcm(4800, 99), 0)); err != nil {
		t.Fatalf("100th chunk: %v", err)
	}

	<-started // head is in flight but still occupies the buffer
	if got := svc.BufferUtilization(); got != 1.0 {
		t.Fatalf("BufferUtilization = %v, want 1.0", got)
	}

	err := svc.QueueAudioChunk(audio.FromPCM(pcm(4800, 100), 0))
	if !errors.Is(err, stream.ErrBackpressure) {
		t.Fatalf("101st chunk: err = %v, want ErrBackpressure", err)
	}
	_ = svc.QueueAudioChunk(audio.FromPCM(pcm(4800, 101), 0))

	stats := svc.Statistics()
	if stats.BackpressureEvents != 2 {
		t.Errorf("BackpressureEvents = %d, want 2", stats.BackpressureEvents)
	}
	if stats.ChunksQueued != 100 {
		t.Errorf("ChunksQueued = %d, want 100", stats.ChunksQueued)
	}
	if stats.BufferUtilization != 1.0 {
		t.Errorf("snapshot BufferUtilization = %v, want 1.0", stats.BufferUtilization)
	}

	svc.StopStreaming()
	if got := svc.BufferUtilization(); got != 0 {
		t.Errorf("BufferUtilization after stop = %v, want 0", got)
	}
	if err := svc.QueueAudioChunk(audio.FromPCM(pcm(4800, 1), 0)); !errors.Is(err, stream.ErrStreamClosed) {
		t.Errorf("queue after stop: err = %v, want ErrStreamClosed", err)
	}

	// The send that was in flight at stop completes afterwards; it must not
	// be counted.
	conn.Release()
	waitFor(t, "held send to complete", func() bool { return len(conn.Payloads()) == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := svc.Statistics().ChunksSent; got != 0 {
		t.Errorf("ChunksSent after post-stop completion = %d, want 0", got)
	}
}

func TestService_SendsInFIFOOrder(t *testing.T) {
	t.Parallel()

	conn := &mock.Connection{}
	svc := newService(t, conn)
	svc.StartStreaming()

	const n = 20
	for i := range n {
		chunk := audio.FromPCM(pcm(480, byte(i)), time.Duration(i)*10*time.Millisecond)
		if err := svc.QueueAudioChunk(chunk); err != nil {
			t.Fatalf("queue %d: %v", i, err)
		}
	}

	waitFor(t, "all chunks sent", func() bool { return len(conn.Payloads()) == n })

	for i, p := range conn.Payloads() {
		raw, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			t.Fatalf("payload %d: decode: %v", i, err)
		}
		if !bytes.Equal(raw, pcm(480, byte(i))) {
			t.Fatalf("payload %d out of order: first byte %d", i, raw[0])
		}
	}

	waitFor(t, "statistics", func() bool { return svc.Statistics().ChunksSent == n })
	stats := svc.Statistics()
	if stats.TotalBytesSent != n*480 {
		t.Errorf("TotalBytesSent = %d, want %d", stats.TotalBytesSent, n*480)
	}
	if stats.SuccessRate() != 1 {
		t.Errorf("SuccessRate = %v, want 1", stats.SuccessRate())
	}
	if stats.SendErrors != 0 {
		t.Errorf("SendErrors = %d, want 0", stats.SendErrors)
	}
	if stats.BufferUtilization != 0 {
		t.Errorf("BufferUtilization = %v, want 0", stats.BufferUtilization)
	}
}

func TestService_RetriesSameChunk(t *testing.T) {
	t.Parallel()

	conn := &mock.Connection{}
	conn.FailNext(3)
	svc := newService(t, conn)
	svc.StartStreaming()

	for i := range 2 {
		if err := svc.QueueAudioChunk(audio.FromPCM(pcm(480, byte(i+1)), 0)); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, "both chunks sent", func() bool { return len(conn.Payloads()) == 2 })

	got := conn.Payloads()
	if got[0] != audio.FromPCM(pcm(480, 1), 0).Base64() {
		t.Error("first delivered payload is not the first queued chunk")
	}
	if got[1] != audio.FromPCM(pcm(480, 2), 0).Base64() {
		t.Error("second delivered payload is not the second queued chunk")
	}

	waitFor(t, "statistics", func() bool { return svc.Statistics().ChunksSent == 2 })
	stats := svc.Statistics()
	if stats.SendErrors != 3 {
		t.Errorf("SendErrors = %d, want 3", stats.SendErrors)
	}
	if conn.Attempts() != 5 {
		t.Errorf("Attempts = %d, want 5", conn.Attempts())
	}
	if svc.Stalled() {
		t.Error("service stalled after recoverable failures")
	}
}

func TestService_StallsAfterFiveFailures(t *testing.T) {
	t.Parallel()

	conn := &mock.Connection{}
	conn.SetError(mock.ErrSend)

	stalled := make(chan stream.Statistics, 1)
	svc := newService(t, conn, stream.WithOnStall(func(s stream.Statistics) { stalled <- s }))
	svc.StartStreaming()

	if err := svc.QueueAudioChunk(audio.FromPCM(pcm(480, 7), 0)); err != nil {
		t.Fatal(err)
	}

	var snap stream.Statistics
	select {
	case snap = <-stalled:
	case <-time.After(3 * time.Second):
		t.Fatal("consumer did not stall")
	}

	if snap.SendErrors != 5 {
		t.Errorf("SendErrors at stall = %d, want 5", snap.SendErrors)
	}
	if !svc.Stalled() {
		t.Error("Stalled() = false after stall")
	}
	if svc.State() != stream.StateStreaming {
		t.Errorf("State = %v, want streaming while stalled", svc.State())
	}

	// No further attempts while stalled.
	time.Sleep(20 * time.Millisecond)
	if got := conn.Attempts(); got != 5 {
		t.Errorf("Attempts = %d, want 5", got)
	}
	// Producer still succeeds; the chunk is kept for the resumed consumer.
	if err := svc.QueueAudioChunk(audio.FromPCM(pcm(480, 8), 0)); err != nil {
		t.Fatalf("queue while stalled: %v", err)
	}

	conn.SetError(nil)
	svc.StartStreaming()

	waitFor(t, "resumed delivery", func() bool { return len(conn.Payloads()) == 2 })
	if conn.Payloads()[0] != audio.FromPCM(pcm(480, 7), 0).Base64() {
		t.Error("resumed consumer did not send the stalled chunk first")
	}
	if svc.Stalled() {
		t.Error("Stalled() = true after resume")
	}
}

func TestService_StopCancelsBackoff(t *testing.T) {
	t.Parallel()

	conn := &mock.Connection{}
	conn.SetError(mock.ErrSend)
	svc := newService(t, conn, fastRecovery(time.Hour, time.Hour))
	svc.StartStreaming()

	if err := svc.QueueAudioChunk(audio.FromPCM(pcm(480, 1), 0)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first failed attempt", func() bool { return svc.Statistics().SendErrors == 1 })

	done := make(chan struct{})
	go func() {
		svc.StopStreaming()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StopStreaming blocked on backoff")
	}

	// A restarted consumer must not inherit the hour-long backoff.
	conn.SetError(nil)
	svc.StartStreaming()
	if err := svc.QueueAudioChunk(audio.FromPCM(pcm(480, 2), 0)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "delivery after restart", func() bool { return len(conn.Payloads()) == 1 })
	if got := conn.Attempts(); got != 2 {
		t.Errorf("Attempts = %d, want 2", got)
	}
}

func TestService_RestartWaitsForInFlightSend(t *testing.T) {
	t.Parallel()

	conn := &mock.Connection{}
	started := conn.Hold()
	svc := newService(t, conn)
	svc.StartStreaming()

	if err := svc.QueueAudioChunk(audio.FromPCM(pcm(480, 1), 0)); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("first send never started")
	}

	svc.StopStreaming()
	svc.StartStreaming()
	if err := svc.QueueAudioChunk(audio.FromPCM(pcm(480, 2), 0)); err != nil {
		t.Fatal(err)
	}

	// The first send is still blocked; the new consumer must not start
	// another one on the same connection.
	select {
	case <-started:
		t.Fatal("second send started while the first was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	if got := conn.Attempts(); got != 1 {
		t.Fatalf("Attempts while held = %d, want 1", got)
	}

	conn.Release()
	waitFor(t, "delivery after release", func() bool { return svc.Statistics().ChunksSent == 1 })
	if got := conn.Attempts(); got != 2 {
		t.Errorf("Attempts = %d, want 2", got)
	}
	want := audio.FromPCM(pcm(480, 2), 0).Base64()
	if payloads := conn.Payloads(); len(payloads) != 2 || payloads[1] != want {
		t.Errorf("second payload is not the chunk queued after restart")
	}
}

func TestService_StopCancelsRateLimitWait(t *testing.T) {
	t.Parallel()

	conn := &mock.Connection{}
	svc := newService(t, conn, stream.WithRateLimiter(stream.NewRateLimiter(0.01)))
	svc.StartStreaming()

	for i := range 2 {
		if err := svc.QueueAudioChunk(audio.FromPCM(pcm(480, byte(i)), 0)); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "first send", func() bool { return len(conn.Payloads()) == 1 })

	svc.StopStreaming()
	if got := svc.BufferUtilization(); got != 0 {
		t.Errorf("BufferUtilization = %v, want 0", got)
	}
	time.Sleep(20 * time.Millisecond)
	if got := conn.Attempts(); got != 1 {
		t.Errorf("Attempts = %d, want 1", got)
	}
}

func TestService_RestartPreservesStatistics(t *testing.T) {
	t.Parallel()

	conn := &mock.Connection{}
	svc := newService(t, conn)

	svc.StartStreaming()
	for range 3 {
		if err := svc.QueueAudioChunk(audio.FromPCM(pcm(480, 1), 0)); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "first batch", func() bool { return svc.Statistics().ChunksSent == 3 })
	svc.StopStreaming()

	svc.StartStreaming()
	for range 2 {
		if err := svc.QueueAudioChunk(audio.FromPCM(pcm(480, 2), 0)); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "second batch", func() bool { return svc.Statistics().ChunksSent == 5 })

	if got := svc.Statistics().ChunksQueued; got != 5 {
		t.Errorf("ChunksQueued = %d, want 5", got)
	}
}

type slowConn struct{ delay time.Duration }

func (c slowConn) SendAudio(context.Context, string) error {
	time.Sleep(c.delay)
	return nil
}

func TestService_AverageLatencyAndThroughput(t *testing.T) {
	t.Parallel()

	svc := newService(t, slowConn{delay: 5 * time.Millisecond})
	svc.StartStreaming()
	for range 3 {
		if err := svc.QueueAudioChunk(audio.FromPCM(pcm(4800, 1), 0)); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "sends", func() bool { return svc.Statistics().ChunksSent == 3 })

	stats := svc.Statistics()
	if stats.AverageLatency < 5*time.Millisecond {
		t.Errorf("AverageLatency = %v, want >= 5ms", stats.AverageLatency)
	}
	want := float64(stats.TotalBytesSent) / (3 * stats.AverageLatency.Seconds())
	if got := stats.Throughput(); got != want {
		t.Errorf("Throughput = %v, want %v", got, want)
	}
}

type timeoutConn struct{ deadlineSeen atomic.Bool }

func (c *timeoutConn) SendAudio(ctx context.Context, _ string) error {
	if _, ok := ctx.Deadline(); ok {
		c.deadlineSeen.Store(true)
	}
	return nil
}

func TestService_SendHasTimeout(t *testing.T) {
	t.Parallel()

	conn := &timeoutConn{}
	svc := newService(t, conn, stream.WithSendTimeout(time.Second))
	svc.StartStreaming()
	if err := svc.QueueAudioChunk(audio.FromPCM(pcm(480, 1), 0)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "send", func() bool { return svc.Statistics().ChunksSent == 1 })
	if !conn.deadlineSeen.Load() {
		t.Error("send context has no deadline")
	}
}

func TestService_Metrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	conn := &mock.Connection{}
	started := conn.Hold()
	svc := newService(t, conn, stream.WithMetrics(m), stream.WithBufferCapacity(2))
	svc.StartStreaming()

	for i := range 3 {
		_ = svc.QueueAudioChunk(audio.FromPCM(pcm(480, byte(i)), 0))
	}
	<-started
	conn.Release()
	waitFor(t, "sends", func() bool { return svc.Statistics().ChunksSent == 2 })

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if s, ok := met.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					sums[met.Name] += dp.Value
				}
			}
		}
	}

	want := map[string]int64{
		"intervox.stream.chunks_queued":       2,
		"intervox.stream.backpressure_events": 1,
		"intervox.stream.chunks_sent":         2,
		"intervox.stream.bytes_sent":          960,
		"intervox.stream.buffered_chunks":     0,
		"intervox.active_streams":             1,
	}
	for name, v := range want {
		if sums[name] != v {
			t.Errorf("%s = %d, want %d", name, sums[name], v)
		}
	}
}
