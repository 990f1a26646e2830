package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"podthumb/internal/artifact"
	"podthumb/internal/config"
	"podthumb/internal/pipeline"
	"podthumb/internal/speakers"
)

type composeFlags struct {
	text       string
	template   string
	background string
	style      string
}

func (f *composeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.text, "text", "t", "", "Title text rendered on the thumbnail")
	cmd.Flags().StringVar(&f.template, "template", "", "Composition template (default from config)")
	cmd.Flags().StringVar(&f.background, "background", "", "Optional background image")
	cmd.Flags().StringVar(&f.style, "style", "", "Optional style reference image")
}

func (f *composeFlags) request() pipeline.ComposeRequest {
	return pipeline.ComposeRequest{
		Text:           f.text,
		Template:       f.template,
		Background:     f.background,
		StyleReference: f.style,
	}
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var compose composeFlags
	var hintsPath string
	var at []float64

	cmd := &cobra.Command{
		Use:   "run <video>",
		Short: "Run every stage and compose a thumbnail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(compose.text) == "" {
				return fmt.Errorf("--text is required")
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			hints, err := loadHints(cfg, hintsPath)
			if err != nil {
				return err
			}
			return ctx.withRuntime(cmd, func(rt *pipeline.Runtime) error {
				c := compose.request()
				res, runErr := rt.Run(cmd.Context(), pipeline.Request{
					Video:          args[0],
					Hints:          hints,
					Text:           c.Text,
					Template:       c.Template,
					Background:     c.Background,
					StyleReference: c.StyleReference,
					Timestamps:     at,
				})
				if runErr != nil && res.RunID == "" {
					return runErr
				}
				if ctx.jsonOutput() {
					if err := writeJSON(cmd, res); err != nil {
						return err
					}
					return runErr
				}
				printRunResult(cmd.OutOrStdout(), res)
				return runErr
			})
		},
	}

	compose.register(cmd)
	cmd.Flags().StringVar(&hintsPath, "hints", "", "Speaker hints YAML file (default from config)")
	cmd.Flags().Float64SliceVar(&at, "at", nil, "Explicit sample timestamps in seconds (overrides uniform sampling)")
	return cmd
}

func loadHints(cfg *config.Config, flagPath string) (speakers.Hints, error) {
	path := strings.TrimSpace(flagPath)
	if path == "" {
		path = cfg.Clustering.HintsPath
	}
	if path == "" {
		return speakers.Hints{}, nil
	}
	expanded, err := config.ExpandPath(path)
	if err != nil {
		return speakers.Hints{}, fmt.Errorf("resolve hints path: %w", err)
	}
	return speakers.LoadHints(expanded)
}

func printRunResult(out io.Writer, res pipeline.Result) {
	fmt.Fprintf(out, "Run:        %s\n", res.RunID)
	fmt.Fprintf(out, "Video:      %s\n", res.Video.Path)
	fmt.Fprintf(out, "Frames:     %d\n", res.Frames)
	fmt.Fprintf(out, "Detections: %d\n", res.Detections)
	if len(res.Speakers) > 0 {
		printSpeakers(out, res.Speakers)
	}
	if len(res.Headshots) > 0 {
		printHeadshots(out, res.Headshots)
	}
	if res.Thumbnail != nil {
		fmt.Fprintf(out, "Thumbnail:  %s (%s)\n", res.Thumbnail.Path, res.Thumbnail.Origin)
	} else {
		fmt.Fprintln(out, "Thumbnail:  not composed")
	}
}

func printSpeakers(out io.Writer, list []artifact.SpeakerIdentity) {
	rows := make([][]string, 0, len(list))
	for _, s := range list {
		name := s.Name
		if name == "" {
			name = "-"
		}
		rows = append(rows, []string{
			s.Label,
			s.ID,
			name,
			string(s.Role),
			fmt.Sprintf("%d", len(s.Members)),
			fmt.Sprintf("%.1fs", s.FirstSeen),
			yesNo(s.LowConfidence),
		})
	}
	printTable(out,
		[]string{"Label", "ID", "Name", "Role", "Faces", "First Seen", "Low Confidence"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
}

func printHeadshots(out io.Writer, list []artifact.HeadshotRecord) {
	rows := make([][]string, 0, len(list))
	for _, h := range list {
		rows = append(rows, []string{h.Label, h.Primary(), string(h.Origin), fmt.Sprintf("%d", len(h.References))})
	}
	printTable(out,
		[]string{"Speaker", "Headshot", "Origin", "References"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
	)
}
