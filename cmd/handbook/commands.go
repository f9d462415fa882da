package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"handbookcore/internal/config"
	"handbookcore/internal/overlay"
	"handbookcore/internal/view"
	"handbookcore/pkg/domain"
	"handbookcore/pkg/species"
)

type rootOptions struct {
	configPath string
	trace      bool
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "handbook",
		Short:         "Browse the care handbook and manage local species profiles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&opts.configPath, "config", "handbook.yaml", "path to YAML config")
	root.PersistentFlags().BoolVar(&opts.trace, "trace", false, "write JSON trace spans to stderr")

	root.AddCommand(
		newListCmd(opts),
		newShowCmd(opts),
		newAddCmd(opts),
		newEditCmd(opts),
		newRemoveCmd(opts),
		newResetCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

// withApp opens the application for one command and closes it afterwards.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(*app) error) (err error) {
	a, err := openApp(cmd.Context(), opts.configPath, opts.trace, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(a)
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var q view.Query
	var localOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List profiles (catalog merged with local profiles)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(a *app) error {
				entries, err := a.svc.ListAnnotated(cmd.Context())
				if err != nil {
					return err
				}
				profiles := make([]domain.Profile, 0, len(entries))
				origins := make(map[string]view.Origin, len(entries))
				for _, e := range entries {
					if localOnly && e.Origin == view.OriginBuiltin {
						continue
					}
					profiles = append(profiles, e.Profile)
					origins[e.Profile.ID] = e.Origin
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tORIGIN\tGROUP\tNAME")
				for _, p := range view.Filter(profiles, q) {
					var group, name string
					_, _ = p.DecodeField("group", &group)
					_, _ = p.DecodeField("commonName", &name)
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ID, origins[p.ID], group, name)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&q.Group, "group", "", "only profiles in this group")
	cmd.Flags().StringVar(&q.Tag, "tag", "", "only profiles carrying this tag")
	cmd.Flags().StringVar(&q.Text, "search", "", "match id, common or scientific name")
	cmd.Flags().BoolVar(&localOnly, "local", false, "only local profiles and overrides")
	return cmd
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one profile as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				entry, err := a.svc.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				b, err := domain.Encode(entry.Profile, "  ")
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "# origin: %s\n%s\n", entry.Origin, b)
				return nil
			})
		},
	}
}

func newAddCmd(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or replace a local profile from a JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := readInput(cmd, file)
			if err != nil {
				return err
			}
			p, err := parseProfile(data, time.Now())
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(a *app) error {
				saved, err := a.svc.Create(cmd.Context(), p)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", saved.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "profile JSON file, - for stdin")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readInput(cmd *cobra.Command, file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(file)
}

// parseProfile decodes and validates a species profile while keeping every
// field of the input. Missing timestamps are stamped with now.
func parseProfile(data []byte, now time.Time) (domain.Profile, error) {
	var p domain.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	sp, err := species.FromProfile(p)
	if err != nil {
		return domain.Profile{}, err
	}
	if err := sp.Validate(); err != nil {
		return domain.Profile{}, err
	}
	stamp := now.UTC().Format(overlay.TimestampLayout)
	if p.CreatedAt == "" {
		p.CreatedAt = stamp
	}
	if p.UpdatedAt == "" {
		p.UpdatedAt = stamp
	}
	return p, nil
}

func newEditCmd(opts *rootOptions) *cobra.Command {
	var sets, strs []string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Patch fields of a profile and save it locally",
		Example: `  handbook edit pogona_vitticeps --set 'tags=["favorit"]' --set venomous=false
  handbook edit pogona_vitticeps --set-string commonName=true`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parsePatch(sets, strs)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(a *app) error {
				saved, err := a.svc.EditAndSave(cmd.Context(), args[0], patch)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %s at %s\n", saved.ID, saved.UpdatedAt)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil,
		"field=value; a value that parses as JSON is stored as JSON (true, 12 and null included, null removes the field), anything else as a string")
	cmd.Flags().StringArrayVar(&strs, "set-string", nil, "field=value; value is always stored as a string")
	return cmd
}

// parsePatch turns field=value pairs into a patch. Values from sets are taken
// as JSON when they parse as JSON and as strings otherwise. Values from strs
// are always strings. A later pair for the same field wins.
func parsePatch(sets, strs []string) (domain.Patch, error) {
	if len(sets)+len(strs) == 0 {
		return nil, fmt.Errorf("nothing to change, use --set or --set-string field=value")
	}
	patch := make(domain.Patch, len(sets)+len(strs))
	add := func(flag, s string, literal bool) error {
		field, value, ok := strings.Cut(s, "=")
		field = strings.TrimSpace(field)
		if !ok || field == "" {
			return fmt.Errorf("invalid --%s %q, want field=value", flag, s)
		}
		raw := json.RawMessage(value)
		if literal || !json.Valid(raw) {
			b, err := domain.Encode(value, "")
			if err != nil {
				return err
			}
			raw = b
		}
		patch[field] = raw
		return nil
	}
	for _, s := range sets {
		if err := add("set", s, false); err != nil {
			return nil, err
		}
	}
	for _, s := range strs {
		if err := add("set-string", s, true); err != nil {
			return nil, err
		}
	}
	return patch, nil
}

func newRemoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a local profile or override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(a *app) error {
				removed, err := a.svc.Remove(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if removed {
					fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "no local profile %s\n", args[0])
				}
				return nil
			})
		},
	}
}

func newResetCmd(opts *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every local profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("reset deletes all local profiles, pass --yes to confirm")
			}
			return withApp(cmd, opts, func(a *app) error {
				if err := a.svc.ResetAll(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "local profiles cleared")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadDotEnv(); err != nil {
				return err
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			b, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
}
