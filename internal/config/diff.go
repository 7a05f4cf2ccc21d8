package config

import "slices"

// ConfigDiff describes what changed between two configs and how far the
// change can be applied without a restart.
type ConfigDiff struct {
	// LogLevelChanged is true when server.log_level differs.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ExtractChanged is true when any extraction threshold, conversion
	// setting or VAD parameter differs. Running extractors pick it up via
	// UpdateConfig.
	ExtractChanged bool

	// SelectorChanged is true when any upload gate setting differs. Running
	// selectors pick it up via UpdateConfig.
	SelectorChanged bool

	// SessionChanged is true when the audio or buffer sections or the
	// session cap differ. These apply to sessions opened after the reload.
	SessionChanged bool

	// RestartRequired lists changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// Changed reports whether d describes any difference at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ExtractChanged || d.SelectorChanged ||
		d.SessionChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new and reports the differences.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ExtractChanged = old.Extract != new.Extract || old.VAD != new.VAD
	d.SelectorChanged = old.Selector != new.Selector
	d.SessionChanged = old.Audio != new.Audio || old.Buffer != new.Buffer ||
		old.Server.MaxSessions != new.Server.MaxSessions

	if old.Server.ListenAddr != new.Server.ListenAddr || !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.VAD, b.VAD) &&
		entryEqual(a.Converter, b.Converter) &&
		slices.EqualFunc(a.Upload, b.Upload, entryEqual)
}

func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		w, ok := b.Options[k]
		if !ok || !optionEqual(v, w) {
			return false
		}
	}
	return true
}

// optionEqual compares decoded YAML scalars. Nested values never compare
// equal, which errs on the side of reporting a change.
func optionEqual(a, b any) bool {
	switch a.(type) {
	case string, bool, int, int64, float64, nil:
		return a == b
	}
	return false
}
