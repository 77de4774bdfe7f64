// Package app wires all intervox subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run streams the configured input until it is exhausted or the
// context ends, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithTransport,
// WithStore, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/intervox/internal/config"
	"github.com/MrWong99/intervox/internal/observe"
	"github.com/MrWong99/intervox/internal/resilience"
	"github.com/MrWong99/intervox/internal/session"
	"github.com/MrWong99/intervox/internal/statsstore"
	"github.com/MrWong99/intervox/internal/stream"
	"github.com/MrWong99/intervox/pkg/audio"
	"github.com/MrWong99/intervox/pkg/realtime"
)

const (
	serverShutdownTimeout = 5 * time.Second
	drainPollInterval     = 50 * time.Millisecond
)

// Transport is the outbound connection the service streams to. The realtime
// client satisfies it.
type Transport interface {
	stream.Connection
	session.Transport
	Close() error
}

// App owns all subsystem lifetimes and orchestrates the streaming pipeline.
type App struct {
	cfg *config.Config

	// Subsystems: initialised in New, torn down in Shutdown.
	levelVar   *slog.LevelVar
	metrics    *observe.Metrics
	gatherer   prometheus.Gatherer
	store      statsstore.Store
	transport  Transport
	limiter    *stream.RateLimiter
	service    *stream.Service
	supervisor *session.Supervisor
	handler    http.Handler
	source     *audio.Source

	// ready is closed once the HTTP listener is bound; addr is valid after.
	ready chan struct{}
	addr  net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithTransport injects a transport instead of dialling the configured
// realtime endpoints. The transport is expected to be connected already.
func WithTransport(t Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithStore injects a snapshot store instead of creating one from config.
func WithStore(s statsstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets the registry served on /metrics. It should match the
// Registerer passed to [observe.InitProvider]. Default:
// prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithLevelVar lets hot reload adjust the level of the caller's log handler.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithSource sets the capture source streamed by Run. Without a source, Run
// serves HTTP and supervises the session until its context ends.
func WithSource(src *audio.Source) Option {
	return func(a *App) { a.source = src }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It connects the
// snapshot store and the realtime transport synchronously, so a
// misconfigured endpoint or database fails here rather than in Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:   cfg,
		ready: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}
	if a.levelVar == nil {
		a.levelVar = new(slog.LevelVar)
		a.levelVar.Set(LogLevel(cfg.Server.LogLevel))
	}

	// ── 1. Snapshot store ────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Streaming service ─────────────────────────────────────────────
	// The transport and the supervisor are referenced through closures
	// because each of the three needs the others.
	a.limiter = stream.NewRateLimiter(cfg.Stream.MaxOpsPerSecond)
	recovery := resilience.NewRecovery(resilience.RecoveryConfig{
		MaxConsecutiveFailures: cfg.Stream.Recovery.MaxConsecutiveFailures,
		BaseDelay:              cfg.Stream.Recovery.BaseDelay,
		MaxDelay:               cfg.Stream.Recovery.MaxDelay,
	})
	a.service = stream.New(connFunc(func(ctx context.Context, payload string) error {
		return a.transport.SendAudio(ctx, payload)
	}),
		stream.WithBufferCapacity(cfg.Stream.BufferCapacity),
		stream.WithRateLimiter(a.limiter),
		stream.WithRecovery(recovery),
		stream.WithMetrics(a.metrics),
		stream.WithSendTimeout(cfg.Stream.SendTimeout),
		stream.WithOnStall(func(st stream.Statistics) { a.supervisor.NotifyStall(st) }),
	)

	// ── 3. Supervisor ────────────────────────────────────────────────────
	a.supervisor = session.NewSupervisor(session.SupervisorConfig{
		Service:          a.service,
		Transport:        transportFunc{a},
		Store:            a.store,
		Metrics:          a.metrics,
		MaxRetries:       cfg.Supervisor.MaxRetries,
		Backoff:          cfg.Supervisor.Backoff,
		MaxBackoff:       cfg.Supervisor.MaxBackoff,
		SnapshotInterval: cfg.Supervisor.SnapshotInterval,
		MaxIncidents:     cfg.Supervisor.MaxIncidents,
		IncidentWindow:   cfg.Supervisor.IncidentWindow,
	})

	// ── 4. Realtime transport ────────────────────────────────────────────
	if err := a.initTransport(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init transport: %w", err)
	}

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.handler = a.routes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects PostgreSQL when a DSN is configured and falls back to
// an in-memory store otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		a.store = statsstore.NewMemoryStore()
		slog.Info("snapshot store ready", "backend", "memory")
		return nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	pg := statsstore.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return err
	}
	a.store = pg
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	slog.Info("snapshot store ready", "backend", "postgres")
	return nil
}

// initTransport dials the configured realtime endpoints unless a transport
// was injected.
func (a *App) initTransport(ctx context.Context) error {
	if a.transport != nil {
		return nil
	}
	rc := a.cfg.Realtime
	endpoints := make([]realtime.Endpoint, 0, len(rc.Endpoints))
	for _, ep := range rc.Endpoints {
		endpoints = append(endpoints, realtime.Endpoint{Name: ep.Name, URL: ep.URL})
	}
	client, err := realtime.Dial(ctx, realtime.Config{
		Endpoints:    endpoints,
		APIKey:       rc.APIKey,
		Model:        rc.Model,
		Language:     rc.Language,
		OnDisconnect: a.supervisor.NotifyDisconnect,
	})
	if err != nil {
		return err
	}
	a.transport = client
	slog.Info("realtime transport connected", "endpoint", client.Endpoint())
	return nil
}

// connFunc adapts a function to [stream.Connection].
type connFunc func(ctx context.Context, audioBase64 string) error

func (f connFunc) SendAudio(ctx context.Context, audioBase64 string) error {
	return f(ctx, audioBase64)
}

// transportFunc defers to the App's transport, which is only known after the
// supervisor has been built.
type transportFunc struct{ a *App }

func (t transportFunc) Redial(ctx context.Context) error { return t.a.transport.Redial(ctx) }
func (t transportFunc) Connected() bool                  { return t.a.transport.Connected() }

// ─── Accessors ───────────────────────────────────────────────────────────────

// Service returns the streaming service.
func (a *App) Service() *stream.Service { return a.service }

// Supervisor returns the session supervisor.
func (a *App) Supervisor() *session.Supervisor { return a.supervisor }

// Store returns the snapshot store.
func (a *App) Store() statsstore.Store { return a.store }

// Handler returns the HTTP handler serving health, metrics and stats routes.
func (a *App) Handler() http.Handler { return a.handler }

// Addr blocks until the HTTP listener is bound or ctx is done and returns
// its address.
func (a *App) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-a.ready:
		return a.addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts streaming and blocks until the capture source has been fully
// sent, the session gives up recovering, or ctx is cancelled. Without a
// source it blocks until ctx is cancelled. Streaming is stopped on return.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	a.addr = ln.Addr()
	close(a.ready)
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.service.StartStreaming()
	defer a.service.StopStreaming()

	g, gctx := errgroup.WithContext(ctx)

	// ── HTTP server ──────────────────────────────────────────────────────
	g.Go(func() error {
		slog.Info("http server listening", "addr", a.addr.String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.WithoutCancel(gctx), serverShutdownTimeout)
		defer scancel()
		return srv.Shutdown(sctx)
	})

	// ── Supervisor ───────────────────────────────────────────────────────
	g.Go(func() error {
		return a.supervisor.Run(gctx)
	})

	// ── Capture feed ─────────────────────────────────────────────────────
	if a.source != nil {
		g.Go(func() error {
			if err := a.feed(gctx); err != nil {
				return err
			}
			a.drain(gctx)
			cancel()
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops streaming and tears down all subsystems in reverse-init
// order. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers)+1)

		a.supervisor.Stop()
		a.service.StopStreaming()

		// Disconnect the transport first.
		if err := a.transport.Close(); err != nil {
			slog.Warn("transport close error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for _, closer := range a.closers {
		_ = closer()
	}
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the live-reloadable parts of a changed config and logs
// the settings that need a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged {
		a.levelVar.Set(LogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RateChanged {
		a.limiter.SetRate(d.NewMaxOpsPerSecond)
		slog.Info("send rate changed", "max_ops_per_second", d.NewMaxOpsPerSecond)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "keys", d.RestartRequired)
	}
}

// LogLevel maps a config level to its slog equivalent. Unknown values map to
// Info.
func LogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
