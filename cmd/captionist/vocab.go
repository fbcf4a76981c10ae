package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrWong99/captionist/internal/settings"
	"github.com/MrWong99/captionist/internal/vocab"
)

var vocabCmd = &cobra.Command{
	Use:   "vocab",
	Short: "Manage the custom vocabulary",
	Long: `Manage the custom vocabulary.

Vocabulary words bias the recognizer and correct phonetically similar
mishearings in finals. Each word may carry a pronunciation hint and WAV
samples.`,
}

var vocabListCmd = &cobra.Command{
	Use:   "list",
	Short: "List vocabulary words",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, _, err := openVocab(cmd)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "WORD\tPRONUNCIATION\tSAMPLES")
		for _, e := range m.Entries() {
			fmt.Fprintf(tw, "%s\t%s\t%d\n", e.Word, e.Pronunciation, len(e.Samples))
		}
		return tw.Flush()
	},
}

var vocabSetCmd = &cobra.Command{
	Use:   "set WORD [PRONUNCIATION]",
	Short: "Add a word or change its pronunciation",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, err := openVocab(cmd)
		if err != nil {
			return err
		}
		var pron string
		if len(args) == 2 {
			pron = args[1]
		}
		return m.Set(args[0], pron)
	},
}

var vocabRemoveCmd = &cobra.Command{
	Use:   "remove WORD",
	Short: "Remove a word and its samples",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, err := openVocab(cmd)
		if err != nil {
			return err
		}
		return m.Remove(args[0])
	},
}

var vocabAddSampleCmd = &cobra.Command{
	Use:   "add-sample WORD CLIP.wav",
	Short: "Attach a WAV sample to a word",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, err := openVocab(cmd)
		if err != nil {
			return err
		}
		name, err := m.AddSample(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Println("stored", m.SamplePath(args[0], name))
		return nil
	},
}

var vocabSamplesCmd = &cobra.Command{
	Use:   "samples WORD",
	Short: "List the samples of a word",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, err := openVocab(cmd)
		if err != nil {
			return err
		}
		e, err := m.Get(args[0])
		if err != nil {
			return err
		}
		for _, name := range e.Samples {
			fmt.Println(m.SamplePath(e.Word, name))
		}
		return nil
	},
}

var vocabRemoveSampleCmd = &cobra.Command{
	Use:   "remove-sample WORD FILENAME",
	Short: "Delete one sample of a word",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, err := openVocab(cmd)
		if err != nil {
			return err
		}
		removed, err := m.RemoveSample(args[0], args[1])
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("no sample %q for %q", args[1], args[0])
		}
		return nil
	},
}

var vocabExportLexiconCmd = &cobra.Command{
	Use:   "export-lexicon",
	Short: "Print the vocabulary as a recognizer lexicon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, _, err := openVocab(cmd)
		if err != nil {
			return err
		}
		fmt.Println(strings.Join(m.ExportLexicon(), "\n"))
		return nil
	},
}

var vocabEmbedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Copy the vocabulary and its samples into the settings document",
	Long: `Copy the vocabulary and its samples into the settings document, so
the settings file alone recreates the vocabulary on another machine.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, st, err := openVocab(cmd)
		if err != nil {
			return err
		}
		if err := st.CaptureVocab(m); err != nil {
			return err
		}
		if err := st.Save(st.Path()); err != nil {
			return err
		}
		fmt.Printf("embedded %d words into %s\n", len(st.CustomVocab), st.Path())
		return nil
	},
}

func init() {
	vocabCmd.AddCommand(vocabListCmd, vocabSetCmd, vocabRemoveCmd,
		vocabAddSampleCmd, vocabSamplesCmd, vocabRemoveSampleCmd,
		vocabExportLexiconCmd, vocabEmbedCmd)
}

// openVocab opens the vocabulary document together with the settings that
// locate its sample directory.
func openVocab(cmd *cobra.Command) (*vocab.Manager, *settings.Settings, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	st, err := settings.Load(settingsPath(cfg))
	if err != nil {
		return nil, nil, err
	}
	var opts []vocab.Option
	if dir := st.CustomVocabDataDir; dir != "" {
		opts = append(opts, vocab.WithDataDir(dir))
	}
	m, err := vocab.Open(cfg.Paths.Vocab, opts...)
	if err != nil {
		return nil, nil, err
	}
	for _, c := range m.Conflicts() {
		fmt.Fprintln(os.Stderr, "warning:", c)
	}
	return m, st, nil
}
