package config

import (
	"reflect"
)

// ConfigDiff describes what changed between two configs. Only the log level
// is applied live; the other flags tell the operator which subsystems pick
// up the change on the next capture session or restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ProvidersChanged bool
	CaptureChanged   bool
	SinksChanged     bool
	ProfilesChanged  bool
	FilterChanged    bool

	// RestartRequired is set when the server section other than the log
	// level changed.
	RestartRequired bool
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ProvidersChanged || d.CaptureChanged ||
		d.SinksChanged || d.ProfilesChanged || d.FilterChanged || d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	d.RestartRequired = !reflect.DeepEqual(oldServer, newServer) || old.Paths != new.Paths

	d.ProvidersChanged = !reflect.DeepEqual(old.Providers, new.Providers)
	d.CaptureChanged = old.Capture != new.Capture
	d.SinksChanged = !reflect.DeepEqual(old.Sinks, new.Sinks)
	d.ProfilesChanged = old.Profiles != new.Profiles
	d.FilterChanged = !reflect.DeepEqual(old.Filter, new.Filter)

	return d
}
