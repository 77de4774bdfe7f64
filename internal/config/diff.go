package config

import "slices"

// ConfigDiff describes what changed between two configs. Only the log level
// and the send rate are applied live; every other change is reported in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	RateChanged        bool
	NewMaxOpsPerSecond float64

	// RestartRequired lists the keys of changed settings that only take
	// effect after a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.RateChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Stream.MaxOpsPerSecond != new.Stream.MaxOpsPerSecond {
		d.RateChanged = true
		d.NewMaxOpsPerSecond = new.Stream.MaxOpsPerSecond
	}

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("stream.buffer_capacity", old.Stream.BufferCapacity != new.Stream.BufferCapacity)
	restart("stream.send_timeout", old.Stream.SendTimeout != new.Stream.SendTimeout)
	restart("stream.recovery", old.Stream.Recovery != new.Stream.Recovery)
	restart("realtime.endpoints", !slices.Equal(old.Realtime.Endpoints, new.Realtime.Endpoints))
	restart("realtime.api_key", old.Realtime.APIKey != new.Realtime.APIKey)
	restart("realtime.model", old.Realtime.Model != new.Realtime.Model)
	restart("realtime.language", old.Realtime.Language != new.Realtime.Language)
	restart("supervisor", old.Supervisor != new.Supervisor)
	restart("storage.postgres_dsn", old.Storage.PostgresDSN != new.Storage.PostgresDSN)
	restart("capture", old.Capture != new.Capture)

	return d
}
