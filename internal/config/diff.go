package config

import "reflect"

// ConfigDiff describes what changed between two configs. The log level is
// the only setting applied without a restart; every other changed section
// is listed in RestartRequired so the operator can be told.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel
	// RestartRequired names the top-level sections whose values changed
	// but only take effect on the next start.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	if !reflect.DeepEqual(old.Server, new.Server) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Speech != new.Speech {
		d.RestartRequired = append(d.RestartRequired, "speech")
	}
	if old.Memory != new.Memory {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}
	if old.Pipeline != new.Pipeline {
		d.RestartRequired = append(d.RestartRequired, "pipeline")
	}
	if old.Connection != new.Connection {
		d.RestartRequired = append(d.RestartRequired, "connection")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Screen != new.Screen {
		d.RestartRequired = append(d.RestartRequired, "screen")
	}

	return d
}
