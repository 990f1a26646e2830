// Package sampling extracts still frames from the source video at uniform or
// caller-chosen timestamps. The whole frame set for one video is a single
// cached invocation keyed by the video content hash, the timestamps and the
// JPEG quality.
package sampling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sort"

	"podthumb/internal/artifact"
	"podthumb/internal/cache"
	"podthumb/internal/fingerprint"
	"podthumb/internal/logging"
	"podthumb/internal/manifest"
	"podthumb/internal/services"
	"podthumb/internal/stageexec"
)

// FrameExtractor writes the frame at ts seconds of video to out.
type FrameExtractor interface {
	ExtractFrame(ctx context.Context, video string, ts float64, out string) error
}

// DurationProber reports a video's duration in seconds.
type DurationProber interface {
	Duration(ctx context.Context, video string) (float64, error)
}

// Options configures uniform sampling.
type Options struct {
	StrideSeconds float64
	Limit         int
	JPEGQuality   int
}

// Sampler runs the sampling stage.
type Sampler struct {
	extractor FrameExtractor
	prober    DurationProber
	cache     cache.Store
	framesDir string
	opts      Options
	retry     stageexec.Retry
	logger    *slog.Logger
}

// New constructs a sampler writing frames under framesDir.
func New(extractor FrameExtractor, prober DurationProber, store cache.Store, framesDir string, opts Options, retry stageexec.Retry, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Sampler{
		extractor: extractor,
		prober:    prober,
		cache:     store,
		framesDir: framesDir,
		opts:      opts,
		retry:     retry,
		logger:    logging.NewComponentLogger(logger, manifest.StageSampling),
	}
}

// Result is the outcome of sampling one video.
type Result struct {
	Frames      []artifact.FrameSample
	Skipped     []float64
	Origin      artifact.Origin
	Fingerprint string
}

type attributes struct {
	Timestamps []float64 `json:"timestamps"`
	Skipped    []float64 `json:"skipped,omitempty"`
}

// UniformTimestamps spaces timestamps stride seconds apart from zero up to,
// but excluding, duration. A positive limit caps the count.
func UniformTimestamps(duration, stride float64, limit int) ([]float64, error) {
	if stride <= 0 || math.IsNaN(stride) {
		return nil, fmt.Errorf("stride must be > 0, got %v", stride)
	}
	if duration <= 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return nil, fmt.Errorf("duration must be > 0, got %v", duration)
	}
	var out []float64
	for i := 0; ; i++ {
		ts := float64(i) * stride
		if ts >= duration {
			break
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, ts)
	}
	return out, nil
}

// Fingerprint keys a frame set.
func Fingerprint(video artifact.VideoRef, timestamps []float64, quality int) string {
	return fingerprint.New(manifest.StageSampling).
		Hash("video", video.Fingerprint).
		Floats("timestamps", timestamps).
		Int("jpeg_quality", int64(quality)).
		Sum()
}

// Run samples video. Explicit timestamps take precedence over uniform
// sampling; they are sorted and deduplicated to the millisecond.
func (s *Sampler) Run(ctx context.Context, video artifact.VideoRef, explicit []float64, batch *manifest.Batch) (Result, error) {
	if s.extractor == nil {
		return Result{}, services.Wrap(services.ErrConfiguration, manifest.StageSampling, "run", "no frame extractor configured", nil)
	}
	ctx = services.WithStage(ctx, manifest.StageSampling)

	timestamps, err := s.timestamps(ctx, video, explicit)
	if err != nil {
		return Result{}, err
	}
	fp := Fingerprint(video, timestamps, s.opts.JPEGQuality)
	dir := filepath.Join(s.framesDir, fingerprint.Short(video.Fingerprint, 12))

	out, err := stageexec.Run(ctx, stageexec.Spec[Result]{
		Stage:       manifest.StageSampling,
		Item:        filepath.Base(video.Path),
		Fingerprint: fp,
		Cache:       s.cache,
		Logger:      s.logger,
		Retry:       s.retry,
		Batch:       batch,
		Restore: func(_ context.Context, entry cache.Entry) (Result, error) {
			return s.restore(entry, video, dir)
		},
		Invoke: func(ctx context.Context, _ int) (stageexec.Invocation[Result], error) {
			return s.extract(ctx, video, timestamps, dir)
		},
		Validate: func(inv stageexec.Invocation[Result]) error {
			if len(inv.Value.Frames) == 0 {
				return fmt.Errorf("no frames extracted from %d timestamps", len(timestamps))
			}
			return nil
		},
		Record: func(out stageexec.Outcome[Result]) ([]manifest.Entry, error) {
			entries := make([]manifest.Entry, 0, len(out.Value.Frames))
			for i, frame := range out.Value.Frames {
				entry, err := manifest.NewEntry(manifest.KindFrame, frame.ID, i, out.Fingerprint, out.Origin, frame)
				if err != nil {
					return nil, err
				}
				entries = append(entries, entry)
			}
			return entries, nil
		},
	})
	if err != nil {
		return Result{}, err
	}
	result := out.Value
	result.Origin = out.Origin
	result.Fingerprint = out.Fingerprint
	s.logger.Info("frame sampling complete",
		logging.String(logging.FieldEventType, "sampling_complete"),
		logging.Int("frames", len(result.Frames)),
		logging.Int("skipped", len(result.Skipped)),
		logging.String("origin", string(result.Origin)),
	)
	return result, nil
}

func (s *Sampler) timestamps(ctx context.Context, video artifact.VideoRef, explicit []float64) ([]float64, error) {
	if len(explicit) > 0 {
		return normalizeTimestamps(explicit)
	}
	if s.prober == nil {
		return nil, services.Wrap(services.ErrConfiguration, manifest.StageSampling, "probe", "no duration prober configured", nil)
	}
	duration, err := s.prober.Duration(ctx, video.Path)
	if err != nil {
		return nil, err
	}
	ts, err := UniformTimestamps(duration, s.opts.StrideSeconds, s.opts.Limit)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, manifest.StageSampling, "timestamps", "", err)
	}
	return ts, nil
}

func normalizeTimestamps(in []float64) ([]float64, error) {
	seen := make(map[int64]struct{}, len(in))
	out := make([]float64, 0, len(in))
	for _, ts := range in {
		if ts < 0 || math.IsNaN(ts) || math.IsInf(ts, 0) {
			return nil, services.Wrap(services.ErrValidation, manifest.StageSampling, "timestamps",
				fmt.Sprintf("invalid timestamp %v", ts), nil)
		}
		ms := artifact.TimestampMillis(ts)
		if _, dup := seen[ms]; dup {
			continue
		}
		seen[ms] = struct{}{}
		out = append(out, float64(ms)/1000)
	}
	sort.Float64s(out)
	return out, nil
}

// extract pulls every timestamp, retrying transient failures. Failures that
// remain are skipped; a transient skip leaves the result incomplete so it is
// not cached. A configuration error means no timestamp can succeed.
func (s *Sampler) extract(ctx context.Context, video artifact.VideoRef, timestamps []float64, dir string) (stageexec.Invocation[Result], error) {
	var (
		result     Result
		attrs      attributes
		srcs       []cache.Source
		incomplete bool
	)
	for _, ts := range timestamps {
		id := artifact.FrameID(video.Fingerprint, ts)
		name := id + ".jpg"
		path := filepath.Join(dir, name)
		err := s.retry.Do(ctx, func(ctx context.Context) error {
			return s.extractor.ExtractFrame(ctx, video.Path, ts, path)
		})
		if err != nil {
			if errors.Is(err, services.ErrConfiguration) {
				return stageexec.Invocation[Result]{}, err
			}
			transient := services.IsRetryable(err)
			hint := "timestamps past the end of the video cannot be extracted"
			if transient {
				hint = "rerun to retry this timestamp; the frame set is not cached until it succeeds"
				incomplete = true
			}
			logging.WarnWithContext(s.logger, "frame extraction failed; skipping timestamp", "sampling_frame_skipped",
				logging.Float64("timestamp", ts),
				logging.Bool("transient", transient),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, hint),
				logging.String(logging.FieldImpact, "one fewer frame is available for speaker detection"),
			)
			result.Skipped = append(result.Skipped, ts)
			attrs.Skipped = append(attrs.Skipped, ts)
			continue
		}
		hash, err := fingerprint.File(path)
		if err != nil {
			return stageexec.Invocation[Result]{}, fmt.Errorf("hash frame %s: %w", id, err)
		}
		result.Frames = append(result.Frames, artifact.FrameSample{
			ID:               id,
			Timestamp:        ts,
			Path:             path,
			ContentHash:      hash,
			VideoFingerprint: video.Fingerprint,
		})
		attrs.Timestamps = append(attrs.Timestamps, ts)
		srcs = append(srcs, cache.Source{Name: name, Path: path})
	}
	return stageexec.Invocation[Result]{Value: result, Sources: srcs, Attributes: attrs, Incomplete: incomplete}, nil
}

func (s *Sampler) restore(entry cache.Entry, video artifact.VideoRef, dir string) (Result, error) {
	var attrs attributes
	if err := entry.DecodeAttributes(&attrs); err != nil {
		return Result{}, err
	}
	digests := make(map[string]string, len(entry.Outputs))
	for _, out := range entry.Outputs {
		digests[out.Name] = out.SHA256
	}
	result := Result{Skipped: attrs.Skipped}
	for _, ts := range attrs.Timestamps {
		id := artifact.FrameID(video.Fingerprint, ts)
		name := id + ".jpg"
		path, err := stageexec.Materialize(entry, name, filepath.Join(dir, name))
		if err != nil {
			return Result{}, err
		}
		result.Frames = append(result.Frames, artifact.FrameSample{
			ID:               id,
			Timestamp:        ts,
			Path:             path,
			ContentHash:      digests[name],
			VideoFingerprint: video.Fingerprint,
		})
	}
	if len(result.Frames) == 0 {
		return Result{}, errors.New("cached frame set is empty")
	}
	return result, nil
}
