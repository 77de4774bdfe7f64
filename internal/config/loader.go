package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"
)

// Chunk durations outside this range are rejected.
const (
	minChunkDuration = 10 * time.Millisecond
	maxChunkDuration = time.Second
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and the
// API key environment fallback, and validates the result. Unknown keys are
// rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if cfg.Realtime.APIKey == "" {
		cfg.Realtime.APIKey = os.Getenv(APIKeyEnv)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every problem found.
func Validate(cfg *Config) error {
	var errs []error
	addf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		addf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}

	st := cfg.Stream
	if st.BufferCapacity < 1 {
		addf("stream.buffer_capacity must be at least 1, got %d", st.BufferCapacity)
	}
	if st.MaxOpsPerSecond < 0 {
		addf("stream.max_ops_per_second must not be negative, got %g", st.MaxOpsPerSecond)
	}
	if st.SendTimeout < 0 {
		addf("stream.send_timeout must not be negative, got %s", st.SendTimeout)
	}
	if st.Recovery.MaxConsecutiveFailures < 1 {
		addf("stream.recovery.max_consecutive_failures must be at least 1, got %d", st.Recovery.MaxConsecutiveFailures)
	}
	if st.Recovery.BaseDelay < 0 || st.Recovery.MaxDelay < 0 {
		addf("stream.recovery delays must not be negative")
	} else if st.Recovery.MaxDelay < st.Recovery.BaseDelay {
		addf("stream.recovery.max_delay %s is below base_delay %s", st.Recovery.MaxDelay, st.Recovery.BaseDelay)
	}

	if len(cfg.Realtime.Endpoints) == 0 {
		addf("realtime.endpoints requires at least one endpoint")
	}
	seen := make(map[string]int, len(cfg.Realtime.Endpoints))
	remote := false
	for i, ep := range cfg.Realtime.Endpoints {
		prefix := fmt.Sprintf("realtime.endpoints[%d]", i)
		if ep.URL == "" {
			addf("%s.url is required", prefix)
			continue
		}
		u, err := url.Parse(ep.URL)
		if err != nil {
			addf("%s.url: %w", prefix, err)
			continue
		}
		switch u.Scheme {
		case "wss":
			remote = true
		case "ws":
		default:
			addf("%s.url scheme %q is invalid; valid values: ws, wss", prefix, u.Scheme)
		}
		if prev, ok := seen[ep.Name]; ok {
			addf("%s.name %q is a duplicate of realtime.endpoints[%d]", prefix, ep.Name, prev)
		}
		seen[ep.Name] = i
	}
	if remote && cfg.Realtime.APIKey == "" {
		slog.Warn("realtime.api_key is empty; secure endpoints will likely reject the connection",
			"env", APIKeyEnv,
		)
	}

	sv := cfg.Supervisor
	if sv.MaxRetries < 0 {
		addf("supervisor.max_retries must not be negative, got %d", sv.MaxRetries)
	}
	if sv.Backoff < 0 || sv.MaxBackoff < 0 {
		addf("supervisor backoff values must not be negative")
	}
	if sv.MaxIncidents < 0 || sv.IncidentWindow < 0 {
		addf("supervisor.max_incidents and supervisor.incident_window must not be negative")
	}

	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		if _, err := pgxpool.ParseConfig(dsn); err != nil {
			addf("storage.postgres_dsn: %w", err)
		}
	}

	if d := cfg.Capture.ChunkDuration; d < minChunkDuration || d > maxChunkDuration {
		addf("capture.chunk_duration %s is out of range [%s, %s]", d, minChunkDuration, maxChunkDuration)
	}

	return errors.Join(errs...)
}
