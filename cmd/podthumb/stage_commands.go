package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"podthumb/internal/pipeline"
)

func newSampleCommand(ctx *commandContext) *cobra.Command {
	var at []float64

	cmd := &cobra.Command{
		Use:   "sample <video>",
		Short: "Extract frames from a video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(rt *pipeline.Runtime) error {
				res, err := rt.Sample(cmd.Context(), args[0], at)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, res)
				}
				out := cmd.OutOrStdout()
				rows := make([][]string, 0, len(res.Frames))
				for _, f := range res.Frames {
					rows = append(rows, []string{f.ID, fmt.Sprintf("%.3f", f.Timestamp), f.Path})
				}
				printTable(out, []string{"Frame", "Timestamp", "Path"}, rows, []columnAlignment{alignLeft, alignRight, alignLeft})
				fmt.Fprintf(out, "%d frames (%s), %d timestamps skipped\n", len(res.Frames), res.Origin, len(res.Skipped))
				return nil
			})
		},
	}
	cmd.Flags().Float64SliceVar(&at, "at", nil, "Explicit sample timestamps in seconds")
	return cmd
}

func newDetectCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Detect faces in the sampled frames",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(rt *pipeline.Runtime) error {
				res, err := rt.Detect(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d detections (%d frames from cache, %d failed)\n",
					len(res.Detections), res.FromCache, len(res.Failed))
				return nil
			})
		},
	}
}

func newSpeakersCommand(ctx *commandContext) *cobra.Command {
	var hintsPath string

	cmd := &cobra.Command{
		Use:   "speakers",
		Short: "Cluster detected faces into speakers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			hints, err := loadHints(cfg, hintsPath)
			if err != nil {
				return err
			}
			return ctx.withRuntime(cmd, func(rt *pipeline.Runtime) error {
				res, err := rt.Cluster(cmd.Context(), hints)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, res)
				}
				out := cmd.OutOrStdout()
				printSpeakers(out, res.Speakers)
				fmt.Fprintf(out, "%d detections discarded as noise\n", len(res.Discarded))
				for _, match := range res.Unmatched {
					fmt.Fprintf(out, "Hint %q matched no speaker\n", match)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&hintsPath, "hints", "", "Speaker hints YAML file (default from config)")
	return cmd
}

func newHeadshotsCommand(ctx *commandContext) *cobra.Command {
	var hintsPath string

	cmd := &cobra.Command{
		Use:   "headshots",
		Short: "Generate a studio headshot per speaker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			hints, err := loadHints(cfg, hintsPath)
			if err != nil {
				return err
			}
			return ctx.withRuntime(cmd, func(rt *pipeline.Runtime) error {
				records, runErr := rt.Headshots(cmd.Context(), hints)
				if _, partial := pipeline.AsPartialFailure(runErr); runErr != nil && !partial {
					return runErr
				}
				if ctx.jsonOutput() {
					if err := writeJSON(cmd, records); err != nil {
						return err
					}
					return runErr
				}
				printHeadshots(cmd.OutOrStdout(), records)
				return runErr
			})
		},
	}
	cmd.Flags().StringVar(&hintsPath, "hints", "", "Speaker hints YAML file (default from config)")
	return cmd
}

func newComposeCommand(ctx *commandContext) *cobra.Command {
	var compose composeFlags

	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Compose the thumbnail from the latest headshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(rt *pipeline.Runtime) error {
				thumb, err := rt.Compose(cmd.Context(), compose.request())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, thumb)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Thumbnail: %s (%s)\n", thumb.Path, thumb.Origin)
				return nil
			})
		},
	}
	compose.register(cmd)
	return cmd
}
