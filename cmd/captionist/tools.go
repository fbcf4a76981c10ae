package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/captionist/internal/redact"
	"github.com/MrWong99/captionist/internal/settings"
	"github.com/MrWong99/captionist/internal/sink"
	"github.com/MrWong99/captionist/internal/storage/postgres"
	"github.com/MrWong99/captionist/pkg/audio/portaudio"
)

var (
	previewMode        string
	previewReplacement string
	previewMask        string

	exportOut     string
	exportSession string
	exportSearch  string
)

// ── redact ────────────────────────────────────────────────────────────────────

var redactCmd = &cobra.Command{
	Use:   "redact",
	Short: "Restricted-word redaction tools",
}

var redactPreviewCmd = &cobra.Command{
	Use:   "preview TEXT",
	Short: "Show how TEXT would be redacted",
	Long: `Show how TEXT would be redacted with the restricted words of the
settings document. Flags override the stored policy for this preview only.

Examples:
  captionist redact preview "well darn it"
  captionist redact preview --mode keep_first --mask '#' "well darn it"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := settings.Load(settingsPath(cfg))
		if err != nil {
			return err
		}
		words := redact.NewWordSet()
		if st.BadWords != "" {
			if words, err = redact.LoadWordSet(st.BadWords); err != nil {
				return err
			}
		}
		mode, repl, mask := st.BleepMode, st.BleepCustomText, st.BleepMaskChar
		if previewMode != "" {
			mode = previewMode
		}
		if previewReplacement != "" {
			repl = previewReplacement
		}
		if previewMask != "" {
			mask = previewMask
		}
		rcfg, err := redact.ParseConfig(mode, repl, mask)
		if err != nil {
			return err
		}
		fmt.Println(redact.Preview(strings.Join(args, " "), words, rcfg))
		return nil
	},
}

// ── export ────────────────────────────────────────────────────────────────────

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a transcript",
	Long: `Export a transcript as plain text or SubRip captions.

The transcript is read from the file given as argument (one caption per
line, as written by the transcript file sink) or, with --session or
--search, from the postgres transcript archive.`,
}

var exportTextCmd = &cobra.Command{
	Use:   "txt [TRANSCRIPT]",
	Short: "Export as plain text",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lines, err := transcriptLines(cmd, args)
		if err != nil {
			return err
		}
		entries := make([]sink.Entry, 0, len(lines))
		for _, ln := range lines {
			entries = append(entries, sink.Entry{Text: ln, Final: true})
		}
		return writeExport(func(w io.Writer) error { return sink.ExportText(w, entries) })
	},
}

var exportSRTCmd = &cobra.Command{
	Use:   "srt [TRANSCRIPT]",
	Short: "Export as SubRip captions",
	Long: `Export as SubRip captions. Each line becomes one caption lasting
srt_caption_duration seconds from the settings document.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := settings.Load(settingsPath(cfg))
		if err != nil {
			return err
		}
		lines, err := transcriptLines(cmd, args)
		if err != nil {
			return err
		}
		return writeExport(func(w io.Writer) error { return sink.ExportSRT(w, lines, st.SRTDuration()) })
	},
}

// transcriptLines reads the lines to export from a file or the archive.
func transcriptLines(cmd *cobra.Command, args []string) ([]string, error) {
	if exportSession == "" && exportSearch == "" {
		if len(args) == 0 {
			return nil, errors.New("give a transcript file or --session/--search")
		}
		f, err := os.Open(args[0])
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return sink.ReadLines(f)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.Sinks.PostgresDSN == "" {
		return nil, errors.New("the transcript archive needs sinks.postgres_dsn")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	extractor, err := newExtractor(cfg)
	if err != nil {
		return nil, err
	}
	store, err := postgres.NewStore(ctx, cfg.Sinks.PostgresDSN, extractor.Dimensions())
	if err != nil {
		return nil, err
	}
	defer store.Close()

	var entries []sink.Entry
	if exportSession != "" {
		entries, err = store.Archive().Session(ctx, exportSession)
	} else {
		entries, err = store.Archive().Search(ctx, exportSearch, 1000)
	}
	if err != nil {
		return nil, err
	}
	return sink.Lines(entries), nil
}

func writeExport(render func(io.Writer) error) error {
	if exportOut == "" || exportOut == "-" {
		return render(os.Stdout)
	}
	f, err := os.Create(exportOut)
	if err != nil {
		return err
	}
	if err := render(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ── devices ───────────────────────────────────────────────────────────────────

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List capture devices and serial ports",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

		devs, err := portaudio.Devices()
		if err != nil {
			fmt.Fprintln(os.Stderr, "audio devices unavailable:", err)
		}
		fmt.Fprintln(tw, "AUDIO DEVICE\tNAME\tCHANNELS")
		for _, d := range devs {
			fmt.Fprintf(tw, "%s\t%s\t%d\n", d.ID, d.Name, d.MaxInputChannels)
		}
		fmt.Fprintln(tw)

		ports, err := sink.ListPorts()
		if err != nil {
			fmt.Fprintln(os.Stderr, "serial ports unavailable:", err)
		}
		fmt.Fprintln(tw, "SERIAL PORT\tPRODUCT\tUSB")
		for _, p := range ports {
			usb := ""
			if p.IsUSB {
				usb = p.VID + ":" + p.PID
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Name, p.Product, usb)
		}
		return tw.Flush()
	},
}

func init() {
	redactPreviewCmd.Flags().StringVar(&previewMode, "mode", "", "redaction mode: "+modeList())
	redactPreviewCmd.Flags().StringVar(&previewReplacement, "replacement", "", "replacement text for fixed mode")
	redactPreviewCmd.Flags().StringVar(&previewMask, "mask", "", "mask character for keep_* modes")
	redactCmd.AddCommand(redactPreviewCmd)

	exportCmd.PersistentFlags().StringVarP(&exportOut, "out", "o", "", "output file (default stdout)")
	exportCmd.PersistentFlags().StringVar(&exportSession, "session", "", "export this session from the archive")
	exportCmd.PersistentFlags().StringVar(&exportSearch, "search", "", "export archived captions matching this text")
	exportCmd.AddCommand(exportTextCmd, exportSRTCmd)
}

func modeList() string {
	var names []string
	for _, m := range redact.Modes() {
		names = append(names, string(m))
	}
	return strings.Join(names, ", ")
}
