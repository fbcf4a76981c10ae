// Package startup parses the process entry modifiers used by desktop
// shortcuts and kiosk launchers:
//
//	captionist run -save:"C:\captions\settings.json" -autostart:true -show_error
//
// Keys are case-insensitive. The --key=value spelling is accepted as well.
// Arguments that are not modifiers are returned untouched.
package startup

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Options is the parsed modifier set.
type Options struct {
	// SettingsPath is the settings document to preload, empty when not given.
	SettingsPath string

	// Autostart requests capture to begin once the model path validates.
	Autostart bool

	// ShowError surfaces engine and import failures at error level instead
	// of debug.
	ShowError bool
}

var modifierRE = regexp.MustCompile(`(?i)^-(save|autostart|show_error)(?:\s*:\s*(?:"([^"]+)"|'([^']+)'|(\S+)))?$`)

// Parse extracts modifiers from args and returns the remaining arguments in
// their original order. Later modifiers override earlier ones.
func Parse(args []string) (Options, []string) {
	var opts Options
	var rest []string
	for _, a := range args {
		if m := modifierRE.FindStringSubmatch(a); m != nil {
			val := m[2] + m[3] + m[4]
			opts.set(strings.ToLower(m[1]), val, val != "")
			continue
		}
		if k, v, ok := strings.Cut(strings.TrimPrefix(a, "--"), "="); ok && strings.HasPrefix(a, "--") {
			if opts.set(strings.ToLower(k), v, true) {
				continue
			}
		}
		rest = append(rest, a)
	}
	return opts, rest
}

// set applies one modifier and reports whether key was recognised.
func (o *Options) set(key, val string, hasVal bool) bool {
	switch key {
	case "save":
		if hasVal {
			o.SettingsPath = expandHome(val)
		}
	case "autostart":
		o.Autostart = !hasVal || ParseBool(val)
	case "show_error":
		o.ShowError = !hasVal || ParseBool(val)
	default:
		return false
	}
	return true
}

// ParseBool reports whether s is one of 1, true, yes, y or on, ignoring case
// and surrounding space. Anything else is false.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimLeft(p[1:], `/\`))
}

// ResolvePath locates a relative settings path. It tries the executable's
// directory first, then the working directory, and returns the first
// candidate that exists. When none exists the path is returned relative to
// the working directory. Absolute paths are returned unchanged.
func ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	var candidates []string
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), p))
	}
	cwd, err := os.Getwd()
	if err == nil {
		candidates = append(candidates, filepath.Join(cwd, p))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	if cwd != "" {
		return filepath.Join(cwd, p)
	}
	return p
}
