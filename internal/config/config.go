// Package config provides the configuration schema and loader for the
// intervox streaming daemon, plus a polling watcher for hot reload.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// APIKeyEnv is consulted when realtime.api_key is empty.
const APIKeyEnv = "INTERVOX_API_KEY"

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr             = ":8080"
	DefaultBufferCapacity         = 100
	DefaultMaxOpsPerSecond        = 50
	DefaultSendTimeout            = 5 * time.Second
	DefaultMaxConsecutiveFailures = 5
	DefaultRecoveryBaseDelay      = 100 * time.Millisecond
	DefaultRecoveryMaxDelay       = 1600 * time.Millisecond
	DefaultSupervisorMaxRetries   = 10
	DefaultSupervisorBackoff      = time.Second
	DefaultSupervisorMaxBackoff   = 30 * time.Second
	DefaultSnapshotInterval       = 30 * time.Second
	DefaultMaxIncidents           = 5
	DefaultIncidentWindow         = time.Minute
	DefaultChunkDuration          = 100 * time.Millisecond
	DefaultRealtimeModel          = "gpt-4o-transcribe"
)

// Config is the root configuration, typically loaded from YAML with [Load].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Stream     StreamConfig     `yaml:"stream"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Storage    StorageConfig    `yaml:"storage"`
	Capture    CaptureConfig    `yaml:"capture"`
}

// ServerConfig holds the HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr serves /healthz, /readyz, /metrics and /v1/stats.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// StreamConfig tunes the streaming buffer and consumer.
type StreamConfig struct {
	// BufferCapacity is the maximum number of queued, unsent chunks.
	BufferCapacity int `yaml:"buffer_capacity"`

	// MaxOpsPerSecond caps sends per second. Hot-reloadable.
	MaxOpsPerSecond float64 `yaml:"max_ops_per_second"`

	// SendTimeout bounds a single send.
	SendTimeout time.Duration `yaml:"send_timeout"`

	Recovery RecoveryConfig `yaml:"recovery"`
}

// RecoveryConfig controls retry of failed sends.
type RecoveryConfig struct {
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	BaseDelay              time.Duration `yaml:"base_delay"`
	MaxDelay               time.Duration `yaml:"max_delay"`
}

// RealtimeConfig configures the transcription endpoint connection.
type RealtimeConfig struct {
	// Endpoints are tried in order; the first is the primary.
	Endpoints []EndpointConfig `yaml:"endpoints"`

	// APIKey authenticates against the endpoints. Falls back to the
	// INTERVOX_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

// EndpointConfig is one realtime WebSocket endpoint.
type EndpointConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// SupervisorConfig controls stall and disconnect recovery.
type SupervisorConfig struct {
	MaxRetries       int           `yaml:"max_retries"`
	Backoff          time.Duration `yaml:"backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`

	// MaxIncidents stalls or disconnects within IncidentWindow are
	// recovered; the next one ends the session.
	MaxIncidents   int           `yaml:"max_incidents"`
	IncidentWindow time.Duration `yaml:"incident_window"`
}

// StorageConfig selects where statistics snapshots are persisted.
type StorageConfig struct {
	// PostgresDSN enables the PostgreSQL snapshot store. When empty,
	// snapshots are kept in memory.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// CaptureConfig controls how input audio is cut into chunks.
type CaptureConfig struct {
	// ChunkDuration is the length of each captured chunk.
	ChunkDuration time.Duration `yaml:"chunk_duration"`

	// RealtimePacing delivers file input at playback speed instead of as
	// fast as it can be read.
	RealtimePacing bool `yaml:"realtime_pacing"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)

	setDefault(&cfg.Stream.BufferCapacity, DefaultBufferCapacity)
	setDefault(&cfg.Stream.MaxOpsPerSecond, DefaultMaxOpsPerSecond)
	setDefault(&cfg.Stream.SendTimeout, DefaultSendTimeout)
	setDefault(&cfg.Stream.Recovery.MaxConsecutiveFailures, DefaultMaxConsecutiveFailures)
	setDefault(&cfg.Stream.Recovery.BaseDelay, DefaultRecoveryBaseDelay)
	setDefault(&cfg.Stream.Recovery.MaxDelay, DefaultRecoveryMaxDelay)

	setDefault(&cfg.Realtime.Model, DefaultRealtimeModel)
	for i := range cfg.Realtime.Endpoints {
		setDefault(&cfg.Realtime.Endpoints[i].Name, cfg.Realtime.Endpoints[i].URL)
	}

	setDefault(&cfg.Supervisor.MaxRetries, DefaultSupervisorMaxRetries)
	setDefault(&cfg.Supervisor.Backoff, DefaultSupervisorBackoff)
	setDefault(&cfg.Supervisor.MaxBackoff, DefaultSupervisorMaxBackoff)
	setDefault(&cfg.Supervisor.SnapshotInterval, DefaultSnapshotInterval)
	setDefault(&cfg.Supervisor.MaxIncidents, DefaultMaxIncidents)
	setDefault(&cfg.Supervisor.IncidentWindow, DefaultIncidentWindow)

	setDefault(&cfg.Capture.ChunkDuration, DefaultChunkDuration)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}
