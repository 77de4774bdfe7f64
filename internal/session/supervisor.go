// Package session supervises one streaming session: it watches for consumer
// stalls and transport disconnects, brings the pipeline back with
// exponential backoff, and periodically records statistics snapshots.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/intervox/internal/observe"
	"github.com/MrWong99/intervox/internal/statsstore"
	"github.com/MrWong99/intervox/internal/stream"
)

// Default supervision parameters.
const (
	defaultMaxRetries       = 10
	defaultBackoff          = 1 * time.Second
	defaultMaxBackoff       = 30 * time.Second
	defaultSnapshotInterval = 30 * time.Second
	defaultMaxIncidents     = 5
	defaultIncidentWindow   = time.Minute
	finalSnapshotTimeout    = 5 * time.Second
)

// Streamer is the part of [stream.Service] the supervisor drives.
type Streamer interface {
	StartStreaming()
	Statistics() stream.Statistics
}

// Transport is the reconnectable connection behind the streamer.
type Transport interface {
	Redial(ctx context.Context) error
	Connected() bool
}

// SupervisorConfig configures a [Supervisor].
type SupervisorConfig struct {
	// Service is the supervised streaming service. Required.
	Service Streamer

	// Transport is redialled when it reports disconnected. Required.
	Transport Transport

	// Store receives statistics snapshots. May be nil, in which case
	// snapshots are only logged.
	Store statsstore.Store

	// Metrics receives recovery counts. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// SessionID identifies the session in snapshots. Default: a new UUID.
	SessionID uuid.UUID

	// MaxRetries is the number of recovery attempts per incident.
	// Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial wait between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the wait. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// SnapshotInterval is the period of interval snapshots. Defaults to 30s
	// if zero; negative disables them.
	SnapshotInterval time.Duration

	// MaxIncidents is the number of incidents the supervisor will try to
	// recover within IncidentWindow. One more marks the session exhausted,
	// so an endpoint that accepts dials but fails every write cannot keep
	// the session flapping. Defaults to 5 if zero.
	MaxIncidents int

	// IncidentWindow is the sliding window MaxIncidents applies to.
	// Defaults to 1m if zero.
	IncidentWindow time.Duration
}

// Supervisor recovers a streaming session from stalls and disconnects.
// Incidents are reported through [Supervisor.NotifyStall] and
// [Supervisor.NotifyDisconnect] and handled one at a time by [Supervisor.Run].
//
// All methods are safe for concurrent use.
type Supervisor struct {
	service    Streamer
	transport  Transport
	store      statsstore.Store
	metrics    *observe.Metrics
	sessionID  uuid.UUID
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	interval   time.Duration

	maxIncidents int
	window       time.Duration
	now          func() time.Time

	// recent holds the times of incidents inside the window. Only Run
	// touches it.
	recent []time.Time

	incidents chan string
	done      chan struct{}
	stopOnce  sync.Once

	mu         sync.Mutex
	recovering bool
	exhausted  bool
}

// NewSupervisor creates a [Supervisor] with the given configuration.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	s := &Supervisor{
		service:      cfg.Service,
		transport:    cfg.Transport,
		store:        cfg.Store,
		metrics:      cfg.Metrics,
		sessionID:    cfg.SessionID,
		maxRetries:   cfg.MaxRetries,
		backoff:      cfg.Backoff,
		maxBackoff:   cfg.MaxBackoff,
		interval:     cfg.SnapshotInterval,
		maxIncidents: cfg.MaxIncidents,
		window:       cfg.IncidentWindow,
		now:          time.Now,
		incidents:    make(chan string, 1),
		done:         make(chan struct{}),
	}
	if s.maxRetries <= 0 {
		s.maxRetries = defaultMaxRetries
	}
	if s.backoff <= 0 {
		s.backoff = defaultBackoff
	}
	if s.maxBackoff <= 0 {
		s.maxBackoff = defaultMaxBackoff
	}
	if s.maxBackoff < s.backoff {
		s.maxBackoff = s.backoff
	}
	if s.maxIncidents <= 0 {
		s.maxIncidents = defaultMaxIncidents
	}
	if s.window <= 0 {
		s.window = defaultIncidentWindow
	}
	if s.interval == 0 {
		s.interval = defaultSnapshotInterval
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.sessionID == uuid.Nil {
		s.sessionID = uuid.New()
	}
	return s
}

// SessionID returns the ID under which snapshots are recorded.
func (s *Supervisor) SessionID() uuid.UUID { return s.sessionID }

// NotifyStall reports that the consumer halted. Its signature matches
// [stream.WithOnStall]; it never blocks.
func (s *Supervisor) NotifyStall(stats stream.Statistics) {
	slog.Warn("stream stalled",
		"session_id", s.sessionID,
		"send_errors", stats.SendErrors,
		"buffer_utilization", stats.BufferUtilization,
	)
	s.notify(statsstore.ReasonStall)
}

// NotifyDisconnect reports that the transport dropped. It never blocks.
func (s *Supervisor) NotifyDisconnect(err error) {
	slog.Warn("transport disconnected", "session_id", s.sessionID, "err", err)
	s.notify(statsstore.ReasonDisconnect)
}

func (s *Supervisor) notify(reason string) {
	select {
	case s.incidents <- reason:
	default:
		// An incident is already pending; one recovery covers both.
	}
}

// Recovering reports whether a recovery is in progress.
func (s *Supervisor) Recovering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recovering
}

// Exhausted reports whether the supervisor gave up: the last recovery ran out
// of retries, or incidents arrived faster than MaxIncidents per
// IncidentWindow.
func (s *Supervisor) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

// Run handles incidents and records snapshots until ctx is cancelled or
// [Supervisor.Stop] is called. A final snapshot is recorded on return.
func (s *Supervisor) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if s.interval > 0 {
		t := time.NewTicker(s.interval)
		defer t.Stop()
		tick = t.C
	}
	defer func() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalSnapshotTimeout)
		defer cancel()
		s.snapshot(fctx, statsstore.ReasonFinal)
	}()

	slog.Info("session supervisor started", "session_id", s.sessionID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case reason := <-s.incidents:
			if s.admit() {
				s.recover(ctx, reason)
			} else {
				s.giveUp(ctx, reason)
			}
		case <-tick:
			s.snapshot(ctx, statsstore.ReasonInterval)
		}
	}
}

// Stop ends [Supervisor.Run]. Safe to call multiple times.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// recover redials the transport if needed and restarts streaming, retrying
// with exponential backoff.
func (s *Supervisor) recover(ctx context.Context, reason string) {
	s.setState(true, false)
	defer func() {
		s.mu.Lock()
		s.recovering = false
		s.mu.Unlock()
	}()

	s.snapshot(ctx, reason)
	currentBackoff := s.backoff

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		slog.Info("attempting stream recovery",
			"session_id", s.sessionID,
			"reason", reason,
			"attempt", attempt,
			"max_retries", s.maxRetries,
		)

		var err error
		if !s.transport.Connected() {
			err = s.transport.Redial(ctx)
		}
		s.metrics.RecordRecovery(ctx, err)
		if err == nil {
			s.service.StartStreaming()
			slog.Info("stream recovered", "session_id", s.sessionID, "attempt", attempt)
			s.snapshot(ctx, statsstore.ReasonRecovery)
			return
		}

		slog.Warn("stream recovery attempt failed",
			"session_id", s.sessionID,
			"attempt", attempt,
			"backoff", currentBackoff,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-time.After(currentBackoff):
		}

		currentBackoff *= 2
		if currentBackoff > s.maxBackoff {
			currentBackoff = s.maxBackoff
		}
	}

	s.setState(false, true)
	slog.Error("stream recovery failed after max retries",
		"session_id", s.sessionID,
		"max_retries", s.maxRetries,
	)
}

// admit records an incident and reports whether it still fits the
// incident budget.
func (s *Supervisor) admit() bool {
	now := s.now()
	cutoff := now.Add(-s.window)
	kept := s.recent[:0]
	for _, t := range s.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.recent = append(kept, now)
	return len(s.recent) <= s.maxIncidents
}

// giveUp marks the session exhausted without attempting recovery.
func (s *Supervisor) giveUp(ctx context.Context, reason string) {
	if !s.Exhausted() {
		slog.Error("stream keeps failing, giving up",
			"session_id", s.sessionID,
			"reason", reason,
			"incidents", len(s.recent),
			"window", s.window,
		)
		s.snapshot(ctx, reason)
	}
	s.setState(false, true)
}

func (s *Supervisor) setState(recovering, exhausted bool) {
	s.mu.Lock()
	s.recovering = recovering
	s.exhausted = exhausted
	s.mu.Unlock()
}

// snapshot logs the current statistics and records them to the store.
func (s *Supervisor) snapshot(ctx context.Context, reason string) {
	st := s.service.Statistics()
	slog.Info("stream statistics",
		"session_id", s.sessionID,
		"reason", reason,
		"chunks_queued", st.ChunksQueued,
		"chunks_sent", st.ChunksSent,
		"total_bytes_sent", st.TotalBytesSent,
		"backpressure_events", st.BackpressureEvents,
		"send_errors", st.SendErrors,
		"average_latency", st.AverageLatency,
		"success_rate", st.SuccessRate(),
		"buffer_utilization", st.BufferUtilization,
	)
	if s.store == nil {
		return
	}
	err := s.store.Record(ctx, statsstore.Snapshot{
		SessionID: s.sessionID,
		Reason:    reason,
		Stats:     st,
	})
	if err != nil {
		slog.Warn("failed to record statistics snapshot", "session_id", s.sessionID, "err", err)
	}
}
