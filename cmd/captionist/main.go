// Command captionist is a live captioning station: it captures audio,
// recognizes speech, redacts restricted words and delivers captions to the
// display, files, a serial caption encoder, NATS and websocket viewers.
//
// Usage:
//
//	captionist [-save:PATH] [-autostart[:BOOL]] [-show_error[:BOOL]] [command]
//
// The dash modifiers are accepted anywhere on the command line for
// compatibility with existing launchers. Commands:
//
//	run      - start the captioning server (default)
//	profile  - manage voice profiles
//	vocab    - manage the custom vocabulary
//	redact   - preview restricted-word redaction
//	export   - export a transcript as text or SRT
//	devices  - list capture devices and serial ports
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/captionist/internal/config"
	"github.com/MrWong99/captionist/internal/startup"
)

var (
	configPath string
	modifiers  startup.Options
)

var rootCmd = &cobra.Command{
	Use:           "captionist",
	Short:         "Live captioning station",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServer,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	rootCmd.AddCommand(runCmd, profileCmd, vocabCmd, redactCmd, exportCmd, devicesCmd)
}

func main() {
	var rest []string
	modifiers, rest = startup.Parse(os.Args[1:])
	rootCmd.SetArgs(rest)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "captionist:", err)
		os.Exit(1)
	}
}

// loadConfig reads the deployment config. A missing file yields the
// defaults unless --config was given explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		slog.Debug("no config file, using defaults", "path", configPath)
		return config.Default(), nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", configPath)
	}
	return nil, err
}

// settingsPath is the -save modifier or the config's settings path.
func settingsPath(cfg *config.Config) string {
	if modifiers.SettingsPath != "" {
		return modifiers.SettingsPath
	}
	return cfg.Paths.Settings
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
