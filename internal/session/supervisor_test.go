package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/intervox/internal/statsstore"
	"github.com/MrWong99/intervox/internal/stream"
)

type fakeStreamer struct {
	mu     sync.Mutex
	starts int
	stats  stream.Statistics
}

func (f *fakeStreamer) StartStreaming() {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
}

func (f *fakeStreamer) Statistics() stream.Statistics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeStreamer) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	failures  int // Redial fails this many times before succeeding
	redials   int
}

func (f *fakeTransport) Redial(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redials++
	if f.failures > 0 {
		f.failures--
		return errors.New("dial refused")
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Redials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.redials
}

func startSupervisor(t *testing.T, cfg SupervisorConfig) *Supervisor {
	t.Helper()
	if cfg.Backoff == 0 {
		cfg.Backoff = time.Millisecond
	}
	if cfg.SnapshotInterval == 0 {
		cfg.SnapshotInterval = -1
	}
	s := NewSupervisor(cfg)
	done := make(chan struct{})
	go func() {
		_ = s.Run(context.Background())
		close(done)
	}()
	t.Cleanup(func() {
		s.Stop()
		<-done
	})
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func reasons(t *testing.T, store *statsstore.MemoryStore, id uuid.UUID) []string {
	t.Helper()
	snaps, err := store.List(context.Background(), id, 0)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]string, 0, len(snaps))
	for i := len(snaps) - 1; i >= 0; i-- {
		out = append(out, snaps[i].Reason)
	}
	return out
}

func TestSupervisor_Defaults(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(SupervisorConfig{Service: &fakeStreamer{}, Transport: &fakeTransport{}})
	if s.maxRetries != 10 {
		t.Errorf("maxRetries = %d, want 10", s.maxRetries)
	}
	if s.backoff != time.Second || s.maxBackoff != 30*time.Second {
		t.Errorf("backoff = %v..%v, want 1s..30s", s.backoff, s.maxBackoff)
	}
	if s.interval != 30*time.Second {
		t.Errorf("interval = %v, want 30s", s.interval)
	}
	if s.SessionID() == uuid.Nil {
		t.Error("SessionID not generated")
	}
}

func TestSupervisor_ResumesStallWithoutRedial(t *testing.T) {
	t.Parallel()

	svc := &fakeStreamer{}
	tr := &fakeTransport{connected: true}
	store := statsstore.NewMemoryStore()
	s := startSupervisor(t, SupervisorConfig{Service: svc, Transport: tr, Store: store})

	s.NotifyStall(stream.Statistics{SendErrors: 5})

	eventually(t, "restart", func() bool { return svc.Starts() == 1 })
	if tr.Redials() != 0 {
		t.Errorf("Redials = %d, want 0 for a connected transport", tr.Redials())
	}
	eventually(t, "recovery snapshot", func() bool {
		r := reasons(t, store, s.SessionID())
		return len(r) == 2 && r[0] == statsstore.ReasonStall && r[1] == statsstore.ReasonRecovery
	})
}

func TestSupervisor_RedialsWithBackoff(t *testing.T) {
	t.Parallel()

	svc := &fakeStreamer{}
	tr := &fakeTransport{failures: 2}
	s := startSupervisor(t, SupervisorConfig{Service: svc, Transport: tr})

	s.NotifyDisconnect(errors.New("eof"))

	eventually(t, "restart", func() bool { return svc.Starts() == 1 })
	if got := tr.Redials(); got != 3 {
		t.Errorf("Redials = %d, want 3", got)
	}
	if s.Exhausted() {
		t.Error("Exhausted() = true after successful recovery")
	}
}

func TestSupervisor_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	svc := &fakeStreamer{}
	tr := &fakeTransport{failures: 100}
	s := startSupervisor(t, SupervisorConfig{Service: svc, Transport: tr, MaxRetries: 3})

	s.NotifyDisconnect(errors.New("eof"))

	eventually(t, "exhaustion", s.Exhausted)
	if got := tr.Redials(); got != 3 {
		t.Errorf("Redials = %d, want 3", got)
	}
	if svc.Starts() != 0 {
		t.Error("streaming restarted although every redial failed")
	}
	if s.Recovering() {
		t.Error("Recovering() = true after giving up")
	}
}

func TestSupervisor_NotifyNeverBlocks(t *testing.T) {
	t.Parallel()

	// Not running: the incident queue fills after one notification.
	s := NewSupervisor(SupervisorConfig{Service: &fakeStreamer{}, Transport: &fakeTransport{}})
	done := make(chan struct{})
	go func() {
		for range 10 {
			s.NotifyStall(stream.Statistics{})
			s.NotifyDisconnect(nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notifications blocked")
	}
}

func TestSupervisor_Snapshots(t *testing.T) {
	t.Parallel()

	svc := &fakeStreamer{stats: stream.Statistics{ChunksQueued: 4, ChunksSent: 3}}
	store := statsstore.NewMemoryStore()
	s := NewSupervisor(SupervisorConfig{
		Service:          svc,
		Transport:        &fakeTransport{connected: true},
		Store:            store,
		SnapshotInterval: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	eventually(t, "interval snapshots", func() bool { return len(reasons(t, store, s.SessionID())) >= 2 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	r := reasons(t, store, s.SessionID())
	if r[0] != statsstore.ReasonInterval {
		t.Errorf("first reason = %q, want interval", r[0])
	}
	if r[len(r)-1] != statsstore.ReasonFinal {
		t.Errorf("last reason = %q, want final", r[len(r)-1])
	}
	latest, _ := store.Latest(context.Background(), s.SessionID())
	if latest.Stats.ChunksSent != 3 {
		t.Errorf("latest ChunksSent = %d, want 3", latest.Stats.ChunksSent)
	}
}

func TestSupervisor_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(SupervisorConfig{
		Service:          &fakeStreamer{},
		Transport:        &fakeTransport{},
		SnapshotInterval: -1,
	})
	done := make(chan struct{})
	go func() {
		_ = s.Run(context.Background())
		close(done)
	}()
	s.Stop()
	s.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

// flappingStreamer reports a new stall every time streaming restarts, like
// an endpoint that accepts dials but rejects every write.
type flappingStreamer struct {
	fakeStreamer
	sup *Supervisor
}

func (f *flappingStreamer) StartStreaming() {
	f.fakeStreamer.StartStreaming()
	go f.sup.NotifyStall(stream.Statistics{SendErrors: 5})
}

func TestSupervisor_GivesUpOnRepeatedIncidents(t *testing.T) {
	t.Parallel()

	svc := &flappingStreamer{}
	store := statsstore.NewMemoryStore()
	s := NewSupervisor(SupervisorConfig{
		Service:          svc,
		Transport:        &fakeTransport{connected: true},
		Store:            store,
		Backoff:          time.Millisecond,
		SnapshotInterval: -1,
		MaxIncidents:     3,
	})
	svc.sup = s

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	s.NotifyStall(stream.Statistics{SendErrors: 5})

	eventually(t, "exhaustion", s.Exhausted)
	// Give a stray restart time to show up.
	time.Sleep(20 * time.Millisecond)
	if got := svc.Starts(); got != 3 {
		t.Errorf("Starts = %d, want 3 recoveries before giving up", got)
	}
	if s.Recovering() {
		t.Error("Recovering() = true after giving up")
	}
	r := reasons(t, store, s.SessionID())
	if last := r[len(r)-1]; last != statsstore.ReasonStall {
		t.Errorf("last snapshot reason = %q, want the stall that exhausted the budget", last)
	}
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSupervisor_IncidentWindowSlides(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	svc := &fakeStreamer{}
	s := NewSupervisor(SupervisorConfig{
		Service:          svc,
		Transport:        &fakeTransport{connected: true},
		Backoff:          time.Millisecond,
		SnapshotInterval: -1,
		MaxIncidents:     1,
		IncidentWindow:   time.Minute,
	})
	s.now = clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	s.NotifyStall(stream.Statistics{})
	eventually(t, "first recovery", func() bool { return svc.Starts() == 1 })

	clock.Advance(10 * time.Second)
	s.NotifyDisconnect(errors.New("eof"))
	eventually(t, "exhaustion inside the window", s.Exhausted)
	if svc.Starts() != 1 {
		t.Errorf("Starts = %d, want 1 after the budget ran out", svc.Starts())
	}

	clock.Advance(2 * time.Minute)
	s.NotifyStall(stream.Statistics{})
	eventually(t, "recovery after the window", func() bool { return svc.Starts() == 2 })
	eventually(t, "exhaustion cleared", func() bool { return !s.Exhausted() })
}

func TestSupervisor_IncidentDefaults(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(SupervisorConfig{Service: &fakeStreamer{}, Transport: &fakeTransport{}})
	if s.maxIncidents != 5 || s.window != time.Minute {
		t.Errorf("incident budget = %d per %v, want 5 per 1m", s.maxIncidents, s.window)
	}
}
