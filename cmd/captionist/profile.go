package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/captionist/internal/app"
	"github.com/MrWong99/captionist/internal/config"
	"github.com/MrWong99/captionist/internal/profile"
	"github.com/MrWong99/captionist/pkg/audio"
	"github.com/MrWong99/captionist/pkg/audio/wavfile"
	"github.com/MrWong99/captionist/pkg/provider/embeddings"
)

var (
	profileReplace bool
	profileTopK    int
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage voice profiles",
	Long: `Manage voice profiles.

A profile is a named set of speaker embeddings extracted from WAV clips.
With profile_matching enabled in the settings, finals are prefixed with the
best matching profile name.`,
}

var profileCreateCmd = &cobra.Command{
	Use:   "create NAME CLIP.wav...",
	Short: "Create a profile from one or more clips",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProfiles(cmd, func(ctx context.Context, env *profileEnv) error {
			embs, err := env.extract(ctx, args[1:])
			if err != nil {
				return err
			}
			p, err := env.store.Create(ctx, args[0], embs, args[1:])
			if err != nil {
				return err
			}
			fmt.Printf("created %q with %d samples (%d dims)\n", p.Name, len(p.Embeddings), p.Dimensions())
			return nil
		})
	},
}

var profileAddCmd = &cobra.Command{
	Use:   "add NAME CLIP.wav...",
	Short: "Add clips to a profile",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProfiles(cmd, func(ctx context.Context, env *profileEnv) error {
			embs, err := env.extract(ctx, args[1:])
			if err != nil {
				return err
			}
			p, err := env.store.AddSamples(ctx, args[0], embs, args[1:], profileReplace)
			if err != nil {
				return err
			}
			fmt.Printf("%q now has %d samples\n", p.Name, len(p.Embeddings))
			return nil
		})
	},
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withProfiles(cmd, func(ctx context.Context, env *profileEnv) error {
			list, err := env.store.List(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSAMPLES\tDIMS\tUPDATED\tSOURCES")
			for _, s := range list {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n",
					s.Name, s.Samples, s.Dimensions, s.UpdatedAt.Local().Format(time.DateTime), strings.Join(s.Sources, ", "))
			}
			return tw.Flush()
		})
	},
}

var profileMatchCmd = &cobra.Command{
	Use:   "match CLIP.wav",
	Short: "Score a clip against every profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProfiles(cmd, func(ctx context.Context, env *profileEnv) error {
			embs, err := env.extract(ctx, args)
			if err != nil {
				return err
			}
			matches, err := profile.NewMatcher(env.store).Match(ctx, embs[0], profileTopK)
			if err != nil {
				return err
			}
			if len(matches) == 0 {
				fmt.Println("no profiles")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RANK\tNAME\tSCORE")
			for i, m := range matches {
				fmt.Fprintf(tw, "%d\t%s\t%.3f\n", i+1, m.Name, m.Score)
			}
			return tw.Flush()
		})
	},
}

var profileRenameCmd = &cobra.Command{
	Use:   "rename OLD NEW",
	Short: "Rename a profile",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProfiles(cmd, func(ctx context.Context, env *profileEnv) error {
			return env.store.Rename(ctx, args[0], args[1])
		})
	},
}

var profileDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProfiles(cmd, func(ctx context.Context, env *profileEnv) error {
			return env.store.Delete(ctx, args[0])
		})
	},
}

func init() {
	profileAddCmd.Flags().BoolVar(&profileReplace, "replace", false, "replace all existing samples")
	profileMatchCmd.Flags().IntVarP(&profileTopK, "top", "k", 3, "number of matches to show")
	profileCmd.AddCommand(profileCreateCmd, profileAddCmd, profileListCmd, profileMatchCmd, profileRenameCmd, profileDeleteCmd)
}

// profileEnv is the store and extractor a profile command works with.
type profileEnv struct {
	store     profile.Store
	extractor embeddings.Extractor
}

func withProfiles(cmd *cobra.Command, fn func(context.Context, *profileEnv) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	extractor, err := newExtractor(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()
	stores, err := app.OpenStores(ctx, cfg, extractor.Dimensions())
	if err != nil {
		return err
	}
	defer stores.Close()

	return fn(ctx, &profileEnv{store: stores.Profiles, extractor: extractor})
}

func newExtractor(cfg *config.Config) (embeddings.Extractor, error) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	ps, err := buildProviders(cfg, reg)
	if err != nil {
		return nil, err
	}
	if ps.Embeddings == nil {
		return nil, errors.New("no embedding extractor configured")
	}
	return ps.Embeddings, nil
}

// extract returns one embedding per WAV clip.
func (e *profileEnv) extract(ctx context.Context, paths []string) ([][]float32, error) {
	out := make([][]float32, 0, len(paths))
	for _, p := range paths {
		clip, err := wavfile.Read(p)
		if err != nil {
			return nil, err
		}
		vec, err := e.extractor.Extract(ctx, clip.PCM, audio.Format{SampleRate: clip.SampleRate, Channels: clip.Channels})
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", p, err)
		}
		out = append(out, vec)
	}
	return out, nil
}
