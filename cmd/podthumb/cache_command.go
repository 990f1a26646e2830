package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"podthumb/internal/cache"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the stage cache",
	}

	cacheCmd.AddCommand(newCacheStatsCommand(ctx))
	cacheCmd.AddCommand(newCachePruneCommand(ctx))

	return cacheCmd
}

func openCache(ctx *commandContext) (*cache.FileStore, int64, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, 0, err
	}
	logger, err := ctx.logger("cli-cache")
	if err != nil {
		return nil, 0, err
	}
	store, err := cache.NewFileStore(cfg.Paths.CacheDir, logger)
	if err != nil {
		return nil, 0, err
	}
	return store, int64(cfg.Cache.MaxGiB) << 30, nil
}

func newCacheStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show stage cache usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, maxBytes, err := openCache(ctx)
			if err != nil {
				return err
			}
			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, stats)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Root:    %s\n", store.Root())
			fmt.Fprintf(out, "Entries: %d\n", stats.Entries)
			fmt.Fprintf(out, "Size:    %s / %s\n", humanBytes(stats.TotalBytes), humanBytes(maxBytes))
			fmt.Fprintf(out, "Disk:    %s free (%.1f%%)\n", humanBytes(int64(stats.FreeBytes)), stats.FreeRatio*100)
			printCacheEntries(out, stats.EntrySummaries)
			return nil
		},
	}
}

func printCacheEntries(out io.Writer, entries []cache.EntrySummary) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "Cached entries: none")
		return
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		created := "unknown"
		if !e.CreatedAt.IsZero() {
			created = e.CreatedAt.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{e.Stage, e.Fingerprint[:min(12, len(e.Fingerprint))], fmt.Sprintf("%d", e.Outputs), humanBytes(e.SizeBytes), created})
	}
	printTable(out,
		[]string{"Stage", "Fingerprint", "Outputs", "Size", "Created"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
}

func newCachePruneCommand(ctx *commandContext) *cobra.Command {
	var maxGiB int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove the oldest cache entries beyond the size limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, maxBytes, err := openCache(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-gib") {
				maxBytes = int64(maxGiB) << 30
			}
			res, err := store.Prune(cmd.Context(), maxBytes)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, res)
			}
			out := cmd.OutOrStdout()
			if res.Removed == 0 {
				fmt.Fprintln(out, "No cache entries pruned")
				return nil
			}
			fmt.Fprintf(out, "Pruned %d entries, freed %s (now %s / %s)\n", res.Removed, humanBytes(res.FreedBytes), humanBytes(res.Remaining), humanBytes(maxBytes))
			if res.Skipped > 0 {
				fmt.Fprintf(out, "Skipped %d entries held by a running stage\n", res.Skipped)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxGiB, "max-gib", 0, "Size limit in GiB (default from config)")
	return cmd
}
