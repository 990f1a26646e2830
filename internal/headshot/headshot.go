// Package headshot generates one clean studio headshot per speaker from the
// speaker's representative frames.
//
// A generation is keyed by the model, the prompt parameters and the ordered
// content hashes of the reference frames. When the model returns an image that
// fails validation the stage retries once with an alternate reference set
// taken from the speaker's next-best member frames.
package headshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
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

const defaultReferenceSide = 512

// Options are the generation parameters. All of them participate in the
// fingerprint.
type Options struct {
	Model         string
	Prompt        string
	AspectRatio   string
	ImageSize     string
	NumImages     int
	SquareCrop    bool
	MaxReferences int
	MinDimension  int
	ReferenceSide int
}

// OptionsFromConfig maps the headshot config section.
func OptionsFromConfig(cfg config.Headshot) Options {
	return Options{
		Model:         cfg.Model,
		Prompt:        cfg.Prompt,
		AspectRatio:   cfg.AspectRatio,
		ImageSize:     cfg.ImageSize,
		NumImages:     cfg.NumImages,
		SquareCrop:    cfg.SquareCrop,
		MaxReferences: cfg.MaxReferences,
		MinDimension:  cfg.MinDimension,
	}
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.Prompt) == "" {
		o.Prompt = config.DefaultHeadshotPrompt
	}
	if o.NumImages <= 0 {
		o.NumImages = 1
	}
	if o.MaxReferences <= 0 {
		o.MaxReferences = 14
	}
	if o.ReferenceSide <= 0 {
		o.ReferenceSide = defaultReferenceSide
	}
	return o
}

// Stage generates headshots.
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

// New constructs the headshot stage writing images under outDir.
func New(gen imagegen.Generator, store cache.Store, limiter *rate.Limiter, outDir string, opts Options, retry stageexec.Retry, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Stage{
		gen:     gen,
		cache:   store,
		limiter: limiter,
		outDir:  outDir,
		opts:    opts.withDefaults(),
		retry:   retry,
		logger:  logging.NewComponentLogger(logger, manifest.StageHeadshot),
		now:     time.Now,
	}
}

// Input is one speaker plus the frames and detections its references
// resolve to. Detections are keyed by detection ID.
type Input struct {
	Speaker    artifact.SpeakerIdentity
	Frames     map[string]artifact.FrameSample
	Detections map[string]artifact.FaceDetection
	Seq        int
}

// Reference is one reference frame and the speaker's face box in it. Face is
// nil when the speaker's detection for the frame is unknown.
type Reference struct {
	Frame artifact.FrameSample
	Face  *artifact.BoundingBox
}

type attributes struct {
	Model      string   `json:"model"`
	References []string `json:"references"`
}

// Fingerprint keys one generation over refs in order. The face boxes are
// part of the key, so two speakers sharing a frame get distinct headshots.
func Fingerprint(opts Options, refs []Reference) string {
	opts = opts.withDefaults()
	hashes := make([]string, len(refs))
	boxes := make([]float64, 0, 4*len(refs))
	for i, ref := range refs {
		hashes[i] = ref.Frame.ContentHash
		if ref.Face != nil {
			boxes = append(boxes, ref.Face.X1, ref.Face.Y1, ref.Face.X2, ref.Face.Y2)
		} else {
			boxes = append(boxes, 0, 0, 1, 1)
		}
	}
	return fingerprint.New(manifest.StageHeadshot).
		String("model", opts.Model).
		String("prompt", opts.Prompt).
		String("aspect_ratio", opts.AspectRatio).
		String("image_size", opts.ImageSize).
		Int("num_images", int64(opts.NumImages)).
		Bool("square_crop", opts.SquareCrop).
		Int("reference_side", int64(opts.ReferenceSide)).
		Hashes("references", hashes).
		Floats("faces", boxes).
		Sum()
}

// Generate produces the headshot for in.Speaker.
func (s *Stage) Generate(ctx context.Context, in Input, batch *manifest.Batch) (artifact.HeadshotRecord, error) {
	if s.gen == nil {
		return artifact.HeadshotRecord{}, services.Wrap(services.ErrConfiguration, manifest.StageHeadshot, "generate", "no image generator configured", nil)
	}
	ctx = services.WithSpeakerID(services.WithStage(ctx, manifest.StageHeadshot), in.Speaker.ID)

	sets := ReferenceSets(in.Speaker, s.opts.MaxReferences)
	var lastErr error
	for i, ids := range sets {
		refs := resolve(ids, in)
		if len(refs) == 0 {
			lastErr = services.Wrap(services.ErrValidation, manifest.StageHeadshot, "references",
				fmt.Sprintf("no reference frames available for %s", in.Speaker.Label), nil)
			continue
		}
		rec, err := s.attempt(ctx, in, refs, batch)
		if err == nil {
			return rec, nil
		}
		lastErr = err
		if !errors.Is(err, services.ErrValidation) || i == len(sets)-1 {
			break
		}
		logging.WarnWithContext(logging.WithContext(ctx, s.logger), "headshot rejected; retrying with alternate references", "headshot_alternate_references",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the model output failed image validation"),
			logging.String(logging.FieldImpact, "one more generation call is made for this speaker"),
		)
	}
	return artifact.HeadshotRecord{}, lastErr
}

func (s *Stage) attempt(ctx context.Context, in Input, refs []Reference, batch *manifest.Batch) (artifact.HeadshotRecord, error) {
	fp := Fingerprint(s.opts, refs)
	dir := filepath.Join(s.outDir, in.Speaker.ID)
	refIDs := make([]string, len(refs))
	refHashes := make([]string, len(refs))
	for i, ref := range refs {
		refIDs[i] = ref.Frame.ID
		refHashes[i] = ref.Frame.ContentHash
	}
	base := artifact.HeadshotRecord{
		SpeakerID:  in.Speaker.ID,
		Label:      in.Speaker.Label,
		References: refIDs,
		Model:      s.opts.Model,
	}

	out, err := stageexec.Run(ctx, stageexec.Spec[artifact.HeadshotRecord]{
		Stage:       manifest.StageHeadshot,
		Item:        in.Speaker.Label,
		Fingerprint: fp,
		Cache:       s.cache,
		Logger:      s.logger,
		Retry:       s.retry,
		Limiter:     s.limiter,
		Batch:       batch,
		Restore: func(_ context.Context, entry cache.Entry) (artifact.HeadshotRecord, error) {
			if len(entry.Outputs) == 0 {
				return artifact.HeadshotRecord{}, errors.New("cached headshot has no images")
			}
			rec := base
			rec.GeneratedAt = entry.CreatedAt
			for _, output := range entry.Outputs {
				path, err := stageexec.Materialize(entry, output.Name, filepath.Join(dir, output.Name))
				if err != nil {
					return artifact.HeadshotRecord{}, err
				}
				rec.Paths = append(rec.Paths, path)
			}
			return rec, nil
		},
		Invoke: func(ctx context.Context, _ int) (stageexec.Invocation[artifact.HeadshotRecord], error) {
			return s.invoke(ctx, base, refs, fp, dir, refHashes)
		},
		Validate: func(inv stageexec.Invocation[artifact.HeadshotRecord]) error {
			return validateImages(inv.Sources, s.opts.MinDimension)
		},
		Record: func(out stageexec.Outcome[artifact.HeadshotRecord]) ([]manifest.Entry, error) {
			rec := out.Value
			rec.Fingerprint = out.Fingerprint
			rec.Origin = out.Origin
			entry, err := manifest.NewEntry(manifest.KindHeadshot, rec.SpeakerID, in.Seq, out.Fingerprint, out.Origin, rec)
			if err != nil {
				return nil, err
			}
			return []manifest.Entry{entry}, nil
		},
	})
	if err != nil {
		return artifact.HeadshotRecord{}, err
	}
	rec := out.Value
	rec.Fingerprint = out.Fingerprint
	rec.Origin = out.Origin
	s.logger.Info("headshot ready",
		logging.String(logging.FieldEventType, "headshot_ready"),
		logging.String(logging.FieldSpeakerID, rec.SpeakerID),
		logging.String("label", rec.Label),
		logging.String("origin", string(rec.Origin)),
		logging.Int("references", len(rec.References)),
	)
	return rec, nil
}

func (s *Stage) invoke(ctx context.Context, base artifact.HeadshotRecord, refs []Reference, fp, dir string, refHashes []string) (stageexec.Invocation[artifact.HeadshotRecord], error) {
	req := imagegen.Request{
		Model:       s.opts.Model,
		Prompt:      s.opts.Prompt,
		AspectRatio: s.opts.AspectRatio,
		ImageSize:   s.opts.ImageSize,
		NumImages:   s.opts.NumImages,
	}
	for _, ref := range refs {
		loaded, err := imagegen.LoadFaceReference(ref.Frame.Path, ref.Face, s.opts.SquareCrop, s.opts.ReferenceSide)
		if err != nil {
			return stageexec.Invocation[artifact.HeadshotRecord]{}, services.Wrap(services.ErrValidation, manifest.StageHeadshot, "load reference", ref.Frame.ID, err)
		}
		req.References = append(req.References, loaded)
	}
	if err := req.Validate(); err != nil {
		return stageexec.Invocation[artifact.HeadshotRecord]{}, services.Wrap(services.ErrConfiguration, manifest.StageHeadshot, "request", "", err)
	}

	images, err := s.gen.Generate(ctx, req)
	if err != nil {
		return stageexec.Invocation[artifact.HeadshotRecord]{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return stageexec.Invocation[artifact.HeadshotRecord]{}, fmt.Errorf("create headshot dir: %w", err)
	}
	rec := base
	rec.GeneratedAt = s.now().UTC()
	sources := make([]cache.Source, 0, len(images))
	for i, img := range images {
		name := fmt.Sprintf("headshot_%s_%d%s", fingerprint.Short(fp, 10), i+1, imagegen.Extension(img.MIMEType))
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, img.Data, 0o644); err != nil {
			return stageexec.Invocation[artifact.HeadshotRecord]{}, fmt.Errorf("write headshot: %w", err)
		}
		rec.Paths = append(rec.Paths, path)
		sources = append(sources, cache.Source{Name: name, Path: path})
	}
	return stageexec.Invocation[artifact.HeadshotRecord]{
		Value:      rec,
		Sources:    sources,
		Attributes: attributes{Model: s.opts.Model, References: refHashes},
	}, nil
}

func validateImages(sources []cache.Source, minDimension int) error {
	if len(sources) == 0 {
		return errors.New("model returned no images")
	}
	for _, src := range sources {
		data, err := os.ReadFile(src.Path)
		if err != nil {
			return fmt.Errorf("read %s: %w", src.Name, err)
		}
		if _, err := imagegen.CheckImage(data, minDimension); err != nil {
			_ = os.Remove(src.Path)
			return fmt.Errorf("%s: %w", src.Name, err)
		}
	}
	return nil
}

// ReferenceSets returns the primary reference frame IDs for speaker and, when
// one exists, an alternate set used after a validation failure. The alternate
// rotates in the next-best ranked frames; without any it drops the top frame.
func ReferenceSets(speaker artifact.SpeakerIdentity, max int) [][]string {
	primary := speaker.Representatives
	if len(primary) == 0 {
		primary = speaker.RankedFrames
	}
	if max > 0 && len(primary) > max {
		primary = primary[:max]
	}
	if len(primary) == 0 {
		return [][]string{nil}
	}
	primary = slices.Clone(primary)

	var alternate []string
	for _, id := range speaker.RankedFrames {
		if !slices.Contains(primary, id) {
			alternate = append(alternate, id)
		}
		if len(alternate) == len(primary) {
			break
		}
	}
	if len(alternate) == 0 && len(primary) > 1 {
		alternate = slices.Clone(primary[1:])
	}
	if len(alternate) == 0 {
		return [][]string{primary}
	}
	return [][]string{primary, alternate}
}

func resolve(ids []string, in Input) []Reference {
	faces := make(map[string]artifact.FaceDetection, len(in.Speaker.Members))
	for _, memberID := range in.Speaker.Members {
		det, ok := in.Detections[memberID]
		if !ok {
			continue
		}
		if best, seen := faces[det.FrameID]; !seen || det.Confidence > best.Confidence {
			faces[det.FrameID] = det
		}
	}
	refs := make([]Reference, 0, len(ids))
	for _, id := range ids {
		frame, ok := in.Frames[id]
		if !ok || frame.Path == "" {
			continue
		}
		ref := Reference{Frame: frame}
		if det, ok := faces[id]; ok {
			box := det.Box
			ref.Face = &box
		}
		refs = append(refs, ref)
	}
	return refs
}
