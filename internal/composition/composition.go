// Package composition composes the final thumbnail from speaker headshots, the
// title text and an optional background and style reference.
package composition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"podthumb/internal/artifact"
	"podthumb/internal/cache"
	"podthumb/internal/config"
	"podthumb/internal/fingerprint"
	"podthumb/internal/imagegen"
	"podthumb/internal/logging"
	"podthumb/internal/manifest"
	"podthumb/internal/services"
	"podthumb/internal/stageexec"
)

// MinHeadshots is the fewest headshots a thumbnail can be composed from.
const MinHeadshots = 2

const defaultTemplate = "diary_ceo"

// Options are the composition parameters.
type Options struct {
	Model         string
	Template      string
	AspectRatio   string
	ImageSize     string
	MaxReferences int
	MinDimension  int
}

// OptionsFromConfig maps the composition config section.
func OptionsFromConfig(cfg config.Composition) Options {
	return Options{
		Model:         cfg.Model,
		Template:      cfg.Template,
		AspectRatio:   cfg.AspectRatio,
		ImageSize:     cfg.ImageSize,
		MaxReferences: cfg.MaxReferences,
		MinDimension:  cfg.MinDimension,
	}
}

// Request describes one thumbnail. An empty Template uses the configured one.
type Request struct {
	Headshots      []artifact.HeadshotRecord
	Text           string
	Template       string
	Background     string
	StyleReference string
}

// Stage composes thumbnails.
type Stage struct {
	gen     imagegen.Generator
	cache   cache.Store
	limiter *rate.Limiter
	outDir  string
	opts    Options
	retry   stageexec.Retry
	logger  *slog.Logger
	now     func() time.Time
}

// New constructs the composition stage writing thumbnails to outDir.
func New(gen imagegen.Generator, store cache.Store, limiter *rate.Limiter, outDir string, opts Options, retry stageexec.Retry, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = logging.NewNop()
	}
	if strings.TrimSpace(opts.Template) == "" {
		opts.Template = defaultTemplate
	}
	if opts.MaxReferences <= 0 {
		opts.MaxReferences = 4
	}
	return &Stage{
		gen:     gen,
		cache:   store,
		limiter: limiter,
		outDir:  outDir,
		opts:    opts,
		retry:   retry,
		logger:  logging.NewComponentLogger(logger, manifest.StageComposition),
		now:     time.Now,
	}
}

// Inputs are the hashed, semantically relevant inputs of one composition.
type Inputs struct {
	Model          string
	Template       string
	Text           string
	AspectRatio    string
	ImageSize      string
	Headshots      []string
	Background     string
	StyleReference string
}

// Fingerprint keys one composition. Headshots, Background and
// StyleReference are content hashes; the optional ones may be empty.
func Fingerprint(in Inputs) string {
	b := fingerprint.New(manifest.StageComposition).
		String("model", in.Model).
		String("template", in.Template).
		String("text", in.Text).
		String("aspect_ratio", in.AspectRatio).
		String("image_size", in.ImageSize).
		Hashes("headshots", in.Headshots)
	if in.Background != "" {
		b.Hash("background", in.Background)
	}
	if in.StyleReference != "" {
		b.Hash("style_reference", in.StyleReference)
	}
	return b.Sum()
}

type attributes struct {
	Model     string `json:"model"`
	Template  string `json:"template"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Headshots int    `json:"headshots"`
}

// Compose produces the thumbnail. Input problems and an invalid model output
// are validation errors; neither is retried.
func (s *Stage) Compose(ctx context.Context, req Request, batch *manifest.Batch) (artifact.ThumbnailRecord, error) {
	if s.gen == nil {
		return artifact.ThumbnailRecord{}, services.Wrap(services.ErrConfiguration, manifest.StageComposition, "compose", "no image generator configured", nil)
	}
	ctx = services.WithStage(ctx, manifest.StageComposition)

	template := strings.TrimSpace(req.Template)
	if template == "" {
		template = s.opts.Template
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return artifact.ThumbnailRecord{}, invalid("title text is required", nil)
	}
	prompt, err := Prompt(template, text)
	if err != nil {
		return artifact.ThumbnailRecord{}, invalid("template", err)
	}
	if len(req.Headshots) < MinHeadshots {
		return artifact.ThumbnailRecord{}, invalid(fmt.Sprintf("at least %d headshots are required, got %d", MinHeadshots, len(req.Headshots)), nil)
	}
	shots := req.Headshots
	if len(shots) > s.opts.MaxReferences {
		shots = shots[:s.opts.MaxReferences]
	}

	inputs := Inputs{
		Model:       s.opts.Model,
		Template:    template,
		Text:        text,
		AspectRatio: s.opts.AspectRatio,
		ImageSize:   s.opts.ImageSize,
	}
	paths := make([]string, 0, len(shots)+2)
	for _, shot := range shots {
		primary := shot.Primary()
		if primary == "" {
			return artifact.ThumbnailRecord{}, invalid(fmt.Sprintf("headshot for %s has no image", shot.SpeakerID), nil)
		}
		hash, err := fingerprint.File(primary)
		if err != nil {
			return artifact.ThumbnailRecord{}, invalid("read headshot", err)
		}
		inputs.Headshots = append(inputs.Headshots, hash)
		paths = append(paths, primary)
	}
	if inputs.Background, err = optionalHash(req.Background); err != nil {
		return artifact.ThumbnailRecord{}, invalid("read background", err)
	}
	if inputs.StyleReference, err = optionalHash(req.StyleReference); err != nil {
		return artifact.ThumbnailRecord{}, invalid("read style reference", err)
	}
	if req.Background != "" {
		paths = append(paths, req.Background)
	}
	if req.StyleReference != "" {
		paths = append(paths, req.StyleReference)
	}

	fp := Fingerprint(inputs)
	name := "thumb_" + fingerprint.Short(fp, 10)
	base := artifact.ThumbnailRecord{
		Text:           text,
		Background:     req.Background,
		StyleReference: req.StyleReference,
		Template:       template,
		Model:          s.opts.Model,
	}
	for _, shot := range shots {
		base.SpeakerIDs = append(base.SpeakerIDs, shot.SpeakerID)
		base.Headshots = append(base.Headshots, shot.Primary())
	}

	out, err := stageexec.Run(ctx, stageexec.Spec[artifact.ThumbnailRecord]{
		Stage:       manifest.StageComposition,
		Item:        template,
		Fingerprint: fp,
		Cache:       s.cache,
		Logger:      s.logger,
		Retry:       s.retry,
		Limiter:     s.limiter,
		Batch:       batch,
		Restore: func(_ context.Context, entry cache.Entry) (artifact.ThumbnailRecord, error) {
			if len(entry.Outputs) != 1 {
				return artifact.ThumbnailRecord{}, errors.New("cached thumbnail must have exactly one image")
			}
			output := entry.Outputs[0]
			path, err := stageexec.Materialize(entry, output.Name, filepath.Join(s.outDir, output.Name))
			if err != nil {
				return artifact.ThumbnailRecord{}, err
			}
			rec := base
			rec.Path = path
			rec.GeneratedAt = entry.CreatedAt
			return rec, nil
		},
		Invoke: func(ctx context.Context, _ int) (stageexec.Invocation[artifact.ThumbnailRecord], error) {
			return s.invoke(ctx, base, prompt, paths, name)
		},
		Validate: func(inv stageexec.Invocation[artifact.ThumbnailRecord]) error {
			data, err := os.ReadFile(inv.Value.Path)
			if err != nil {
				return err
			}
			if _, err := imagegen.CheckImage(data, s.opts.MinDimension); err != nil {
				_ = os.Remove(inv.Value.Path)
				return err
			}
			return nil
		},
		Record: func(out stageexec.Outcome[artifact.ThumbnailRecord]) ([]manifest.Entry, error) {
			rec := out.Value
			rec.Fingerprint = out.Fingerprint
			rec.Origin = out.Origin
			entry, err := manifest.NewEntry(manifest.KindThumbnail, name, 0, out.Fingerprint, out.Origin, rec)
			if err != nil {
				return nil, err
			}
			return []manifest.Entry{entry}, nil
		},
	})
	if err != nil {
		return artifact.ThumbnailRecord{}, err
	}
	rec := out.Value
	rec.Fingerprint = out.Fingerprint
	rec.Origin = out.Origin
	s.logger.Info("thumbnail ready",
		logging.String(logging.FieldEventType, "thumbnail_ready"),
		logging.String("path", rec.Path),
		logging.String("template", rec.Template),
		logging.String("origin", string(rec.Origin)),
	)
	return rec, nil
}

func (s *Stage) invoke(ctx context.Context, base artifact.ThumbnailRecord, prompt string, paths []string, name string) (stageexec.Invocation[artifact.ThumbnailRecord], error) {
	req := imagegen.Request{
		Model:       s.opts.Model,
		Prompt:      prompt,
		AspectRatio: s.opts.AspectRatio,
		ImageSize:   s.opts.ImageSize,
		NumImages:   1,
	}
	for _, path := range paths {
		ref, err := imagegen.LoadReference(path, false, 0)
		if err != nil {
			return stageexec.Invocation[artifact.ThumbnailRecord]{}, invalid("load reference", err)
		}
		req.References = append(req.References, ref)
	}
	if err := req.Validate(); err != nil {
		return stageexec.Invocation[artifact.ThumbnailRecord]{}, services.Wrap(services.ErrConfiguration, manifest.StageComposition, "request", "", err)
	}

	images, err := s.gen.Generate(ctx, req)
	if err != nil {
		return stageexec.Invocation[artifact.ThumbnailRecord]{}, err
	}
	if len(images) == 0 {
		return stageexec.Invocation[artifact.ThumbnailRecord]{}, invalid("model returned no image", nil)
	}
	img := images[0]
	info, err := imagegen.Inspect(img.Data)
	if err != nil {
		return stageexec.Invocation[artifact.ThumbnailRecord]{}, invalid("decode thumbnail", err)
	}
	if err := os.MkdirAll(s.outDir, 0o755); err != nil {
		return stageexec.Invocation[artifact.ThumbnailRecord]{}, fmt.Errorf("create thumbnail dir: %w", err)
	}
	file := name + imagegen.Extension(img.MIMEType)
	path := filepath.Join(s.outDir, file)
	if err := os.WriteFile(path, img.Data, 0o644); err != nil {
		return stageexec.Invocation[artifact.ThumbnailRecord]{}, fmt.Errorf("write thumbnail: %w", err)
	}
	rec := base
	rec.Path = path
	rec.GeneratedAt = s.now().UTC()
	return stageexec.Invocation[artifact.ThumbnailRecord]{
		Value:   rec,
		Sources: []cache.Source{{Name: file, Path: path}},
		Attributes: attributes{
			Model:     s.opts.Model,
			Template:  base.Template,
			Width:     info.Width,
			Height:    info.Height,
			Headshots: len(base.Headshots),
		},
	}, nil
}

func optionalHash(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", nil
	}
	return fingerprint.File(path)
}

func invalid(message string, err error) error {
	return services.Wrap(services.ErrValidation, manifest.StageComposition, "compose", message, err)
}
