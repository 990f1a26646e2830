package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"podthumb/internal/artifact"
	"podthumb/internal/manifest"
	"podthumb/internal/services"
)

func newManifestCommand(ctx *commandContext) *cobra.Command {
	manifestCmd := &cobra.Command{
		Use:   "manifest",
		Short: "Inspect stage manifests",
	}
	manifestCmd.AddCommand(newManifestShowCommand(ctx))
	manifestCmd.AddCommand(newManifestHistoryCommand(ctx))
	return manifestCmd
}

func withManifests(ctx *commandContext, fn func(manifest.Store) error) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	store, err := manifest.Open(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func newManifestShowCommand(ctx *commandContext) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "show [stage]",
		Short: "Show the latest manifest of a stage, or list stages",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManifests(ctx, func(store manifest.Store) error {
				out := cmd.OutOrStdout()
				if len(args) == 0 {
					stages, err := store.Stages(cmd.Context())
					if err != nil {
						return err
					}
					if ctx.jsonOutput() {
						return writeJSON(cmd, stages)
					}
					if len(stages) == 0 {
						fmt.Fprintln(out, "No manifests recorded")
						return nil
					}
					for _, stage := range stages {
						fmt.Fprintln(out, stage)
					}
					return nil
				}
				m, found, err := store.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !found {
					return services.Wrap(services.ErrNotFound, args[0], "manifest show", "no manifest recorded", nil)
				}
				if kind = strings.TrimSpace(kind); kind != "" {
					m.Entries = m.OfKind(kind)
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, m)
				}
				printManifest(out, m)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Only show entries of this kind")
	return cmd
}

func newManifestHistoryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "history <stage>",
		Short: "List every manifest version of a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManifests(ctx, func(store manifest.Store) error {
				history, err := store.History(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, history)
				}
				out := cmd.OutOrStdout()
				if len(history) == 0 {
					fmt.Fprintf(out, "No %s manifests recorded\n", args[0])
					return nil
				}
				rows := make([][]string, 0, len(history))
				for _, m := range history {
					counts := m.Count()
					rows = append(rows, []string{
						fmt.Sprintf("%d", m.Version),
						m.RunID,
						m.CreatedAt.Local().Format(time.DateTime),
						fmt.Sprintf("%d", len(m.Entries)),
						fmt.Sprintf("%d", counts[artifact.OriginCache]),
						fmt.Sprintf("%d", counts[artifact.OriginFresh]),
					})
				}
				printTable(out,
					[]string{"Version", "Run", "Created", "Entries", "Cached", "Fresh"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignRight},
				)
				return nil
			})
		},
	}
}

func printManifest(out io.Writer, m manifest.Manifest) {
	fmt.Fprintf(out, "Stage:   %s\n", m.Stage)
	fmt.Fprintf(out, "Version: %d\n", m.Version)
	fmt.Fprintf(out, "Run:     %s\n", m.RunID)
	fmt.Fprintf(out, "Created: %s\n", m.CreatedAt.Local().Format(time.DateTime))
	if len(m.Entries) == 0 {
		fmt.Fprintln(out, "Entries: none")
		return
	}
	rows := make([][]string, 0, len(m.Entries))
	for _, e := range m.Entries {
		origin := string(e.Origin)
		if origin == "" {
			origin = "-"
		}
		fp := e.Fingerprint
		if len(fp) > 12 {
			fp = fp[:12]
		}
		rows = append(rows, []string{e.Kind, e.ID, fp, origin})
	}
	printTable(out, []string{"Kind", "ID", "Fingerprint", "Origin"}, rows, nil)
}
