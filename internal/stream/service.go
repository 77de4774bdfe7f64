// Package stream implements the realtime audio streaming pipeline: a bounded
// FIFO buffer fed by a capture producer and drained by a single consumer
// goroutine that rate-limits, base64-encodes, and sends each chunk over a
// [Connection].
//
// Enqueue failures ([ErrStreamClosed], [ErrInvalidAudioFormat],
// [ErrBackpressure]) are returned synchronously to the producer. Send failures
// never reach the producer: they are counted in [Statistics] and drive a
// [resilience.Recovery] policy that retries the same chunk with exponential
// backoff and halts the consumer (a "stall") once the consecutive failure
// ceiling is reached. A stalled service resumes on the next
// [Service.StartStreaming].
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/intervox/internal/observe"
	"github.com/MrWong99/intervox/internal/resilience"
	"github.com/MrWong99/intervox/pkg/audio"
)

// DefaultBufferCapacity is the maximum number of unsent chunks held by a
// [Service].
const DefaultBufferCapacity = 100

// DefaultSendTimeout bounds a single [Connection.SendAudio] call.
const DefaultSendTimeout = 5 * time.Second

// Connection is the outbound side of the pipeline. SendAudio hands one
// base64-encoded PCM chunk to the transport; a nil error means the bytes were
// accepted.
type Connection interface {
	SendAudio(ctx context.Context, audioBase64 string) error
}

// State is the lifecycle state of a [Service].
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateStopped
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Option configures a [Service].
type Option func(*Service)

// WithBufferCapacity sets the maximum number of buffered chunks. Values below
// 1 are ignored.
func WithBufferCapacity(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithRateLimiter replaces the default 50 ops/s limiter. Keeping a reference
// to the limiter allows the rate to be changed at runtime.
func WithRateLimiter(l *RateLimiter) Option {
	return func(s *Service) {
		if l != nil {
			s.limiter = l
		}
	}
}

// WithRecovery replaces the default recovery policy.
func WithRecovery(r *resilience.Recovery) Option {
	return func(s *Service) {
		if r != nil {
			s.recovery = r
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithSendTimeout bounds each send. Values below 1ns are ignored.
func WithSendTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.sendTimeout = d
		}
	}
}

// WithOnStall registers fn to be called from the consumer goroutine when it
// halts after too many consecutive send failures. fn must not block.
func WithOnStall(fn func(Statistics)) Option {
	return func(s *Service) { s.onStall = fn }
}

// Service is the streaming orchestrator. It owns the buffer and statistics;
// all mutation happens under mu, either from QueueAudioChunk (producer side)
// or from the consumer goroutine (send side).
//
// All methods are safe for concurrent use.
type Service struct {
	conn        Connection
	limiter     *RateLimiter
	recovery    *resilience.Recovery
	metrics     *observe.Metrics
	capacity    int
	sendTimeout time.Duration
	onStall     func(Statistics)

	mu      sync.Mutex
	state   State
	stalled bool
	buf     []audio.Chunk
	stats   counters

	// gen identifies the current consumer. Every start, resume and stop
	// bumps it, so a consumer from an earlier generation (for example one
	// whose send was still in flight at stop) can no longer touch state.
	gen    uint64
	cancel context.CancelFunc
	wake   chan struct{}

	// inflight is closed when the most recently started send returns. A new
	// consumer waits on it before its first send, so at most one send is
	// ever in progress on conn even though stop does not wait.
	inflight chan struct{}
}

// New creates an idle service that sends through conn.
func New(conn Connection, opts ...Option) *Service {
	s := &Service{
		conn:        conn,
		capacity:    DefaultBufferCapacity,
		sendTimeout: DefaultSendTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	if s.limiter == nil {
		s.limiter = NewRateLimiter(DefaultMaxOpsPerSecond)
	}
	if s.recovery == nil {
		s.recovery = resilience.NewRecovery(resilience.RecoveryConfig{})
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.buf = make([]audio.Chunk, 0, s.capacity)
	return s
}

// QueueAudioChunk appends chunk to the tail of the buffer. It never blocks.
//
// Checks run in order: the service must be streaming ([ErrStreamClosed]), the
// chunk must be valid ([ErrInvalidAudioFormat]) and the buffer must have room
// ([ErrBackpressure], the chunk is dropped). A malformed chunk offered to a
// service that is not streaming yields an error matching both sentinels.
func (s *Service) QueueAudioChunk(chunk audio.Chunk) error {
	formatErr := chunk.Validate()

	s.mu.Lock()
	if s.state != StateStreaming {
		s.mu.Unlock()
		if formatErr != nil {
			return errors.Join(ErrStreamClosed, formatErr)
		}
		return ErrStreamClosed
	}
	if formatErr != nil {
		s.mu.Unlock()
		return formatErr
	}
	if len(s.buf) >= s.capacity {
		s.stats.backpressureEvents++
		s.mu.Unlock()
		s.metrics.BackpressureEvents.Add(context.Background(), 1)
		slog.Debug("audio chunk dropped", "reason", "backpressure", "capacity", s.capacity)
		return fmt.Errorf("%w: %d chunks buffered", ErrBackpressure, s.capacity)
	}
	s.buf = append(s.buf, chunk)
	s.stats.chunksQueued++
	wake := s.wake
	s.mu.Unlock()

	select {
	case wake <- struct{}{}:
	default:
	}
	ctx := context.Background()
	s.metrics.ChunksQueued.Add(ctx, 1)
	s.metrics.BufferedChunks.Add(ctx, 1)
	return nil
}

// StartStreaming moves the service into the streaming state and starts the
// consumer. Statistics are preserved across restarts.
//
// Calling it while streaming is a no-op, except when the consumer has
// stalled: then the recovery policy is reset and a new consumer resumes
// draining the buffer, which is left intact.
func (s *Service) StartStreaming() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == StateStreaming && !s.stalled:
		return
	case s.state == StateStreaming:
		slog.Info("resuming stalled audio stream", "buffered", len(s.buf))
	default:
		slog.Info("audio streaming started", "from", s.state.String())
		s.metrics.ActiveStreams.Add(context.Background(), 1)
	}

	s.state = StateStreaming
	s.stalled = false
	s.recovery.Reset()
	s.launchLocked()
}

// StopStreaming moves the service into the stopped state, cancels any pending
// rate-limit or backoff wait and discards every buffered chunk. It does not
// wait for an in-flight send; that send's completion is ignored.
func (s *Service) StopStreaming() {
	s.mu.Lock()
	if s.state != StateStreaming {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	s.stalled = false
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	dropped := len(s.buf)
	clear(s.buf)
	s.buf = s.buf[:0]
	s.mu.Unlock()

	ctx := context.Background()
	s.metrics.ActiveStreams.Add(ctx, -1)
	s.metrics.BufferedChunks.Add(ctx, -int64(dropped))
	slog.Info("audio streaming stopped", "discarded_chunks", dropped)
}

// Statistics returns a snapshot of the service counters.
func (s *Service) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.snapshot(len(s.buf), s.capacity)
}

// BufferUtilization is the fraction of buffer capacity currently in use.
func (s *Service) BufferUtilization() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(len(s.buf)) / float64(s.capacity)
}

// State returns the lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stalled reports whether the consumer halted after reaching the consecutive
// failure ceiling. It is cleared by StartStreaming and StopStreaming.
func (s *Service) Stalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stalled
}

// Capacity returns the maximum number of buffered chunks.
func (s *Service) Capacity() int { return s.capacity }

// launchLocked starts a consumer for a new generation. s.mu must be held.
func (s *Service) launchLocked() {
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wake = make(chan struct{}, 1)
	go s.consume(ctx, s.gen, s.wake, s.inflight)
}

// outcome is what the consumer does after a send completes.
type outcome int

const (
	outcomeStale outcome = iota // generation changed; exit without touching state
	outcomeSent                 // head popped; continue
	outcomeRetry                // keep head, back off, retry
	outcomeStall                // failure ceiling reached; exit
)

func (s *Service) consume(ctx context.Context, gen uint64, wake <-chan struct{}, prev <-chan struct{}) {
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}
	for {
		if !s.pending(gen) {
			if s.isStale(gen) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-wake:
				continue
			}
		}

		if err := s.limiter.WaitIfNeeded(ctx); err != nil {
			return
		}

		chunk, done, ok := s.beginSend(gen)
		if !ok {
			continue
		}
		start := time.Now()
		err := s.send(ctx, chunk)
		latency := time.Since(start)
		close(done)

		switch s.complete(gen, chunk, latency, err) {
		case outcomeStale:
			return
		case outcomeSent:
		case outcomeRetry:
			delay := s.recovery.RetryDelay()
			slog.Warn("audio send failed, retrying",
				"err", err,
				"failures", s.recovery.ConsecutiveFailures(),
				"retry_in", delay,
			)
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		case outcomeStall:
			s.metrics.Stalls.Add(context.Background(), 1)
			if s.onStall != nil {
				s.onStall(s.Statistics())
			}
			return
		}
	}
}

// pending reports whether gen is current and has a buffered chunk to send.
func (s *Service) pending(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen && len(s.buf) > 0
}

// beginSend re-reads the head chunk for gen and registers a new in-flight
// send. Both happen under s.mu so that a consumer launched afterwards always
// sees this send in s.inflight.
func (s *Service) beginSend(gen uint64) (audio.Chunk, chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || len(s.buf) == 0 {
		return audio.Chunk{}, nil, false
	}
	done := make(chan struct{})
	s.inflight = done
	return s.buf[0], done, true
}

func (s *Service) isStale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != gen
}

// send encodes and transmits one chunk. The send gets its own timeout context
// detached from the consumer's cancellation: stopping the service must not
// abort a write half-way through on the transport.
func (s *Service) send(ctx context.Context, chunk audio.Chunk) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.sendTimeout)
	defer cancel()

	sendCtx, span := observe.StartSpan(sendCtx, "stream.send_audio")
	start := time.Now()
	err := s.conn.SendAudio(sendCtx, chunk.Base64())
	s.metrics.RecordSend(sendCtx, chunk.Len(), time.Since(start).Seconds(), err)
	if err != nil {
		observe.Logger(sendCtx).Debug("audio send error", "err", err, "bytes", chunk.Len())
	}
	observe.EndSpan(span, err,
		attribute.Int("audio.bytes", chunk.Len()),
		attribute.Int64("audio.timestamp_ms", chunk.Timestamp().Milliseconds()),
	)
	return err
}

// complete applies the result of a send to the buffer, statistics and
// recovery policy.
func (s *Service) complete(gen uint64, chunk audio.Chunk, latency time.Duration, err error) outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		return outcomeStale
	}
	if err == nil {
		s.buf[0] = audio.Chunk{}
		s.buf = s.buf[1:]
		s.stats.recordSent(chunk.Len(), latency)
		s.recovery.Reset()
		s.metrics.BufferedChunks.Add(context.Background(), -1)
		return outcomeSent
	}

	s.stats.sendErrors++
	if s.recovery.ShouldContinueAfterError(err) {
		return outcomeRetry
	}
	s.stalled = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	slog.Error("audio stream stalled",
		"err", err,
		"buffered", len(s.buf),
		"send_errors", s.stats.sendErrors,
	)
	return outcomeStall
}
