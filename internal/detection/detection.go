// Package detection finds faces in sampled frames. Each frame is one cached
// stage invocation keyed by the frame content hash and the detector model, so
// re-running the pipeline on the same video never re-runs the detector.
package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"podthumb/internal/artifact"
	"podthumb/internal/cache"
	"podthumb/internal/fingerprint"
	"podthumb/internal/logging"
	"podthumb/internal/manifest"
	"podthumb/internal/services"
	"podthumb/internal/stageexec"
)

// Face is one detector result before it is bound to a frame.
type Face struct {
	Box        artifact.BoundingBox `json:"box"`
	Embedding  []float32            `json:"embedding"`
	Confidence float64              `json:"confidence"`
	Pose       *artifact.Pose       `json:"pose,omitempty"`
}

// Detector finds faces in an image and embeds them.
type Detector interface {
	Detect(ctx context.Context, imagePath string) ([]Face, error)
	Model() string
}

// Stage runs the detector over frames through the stage cache.
type Stage struct {
	detector Detector
	cache    cache.Store
	retry    stageexec.Retry
	logger   *slog.Logger
}

// New constructs the detection stage. A nil cache disables caching.
func New(detector Detector, store cache.Store, retry stageexec.Retry, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Stage{
		detector: detector,
		cache:    store,
		retry:    retry,
		logger:   logging.NewComponentLogger(logger, manifest.StageDetection),
	}
}

// Result holds every detection plus the frames the detector could not read.
type Result struct {
	Detections []artifact.FaceDetection
	Failed     []string
	FromCache  int
}

type attributes struct {
	Model string `json:"model"`
	Faces []Face `json:"faces"`
}

// Fingerprint keys the detection of one frame.
func Fingerprint(frame artifact.FrameSample, model string) string {
	return fingerprint.New(manifest.StageDetection).
		Hash("frame", frame.ContentHash).
		String("model", model).
		Sum()
}

// Run detects faces in every frame, in timestamp order. A frame the detector
// fails on is skipped; a configuration error or every frame failing aborts.
func (s *Stage) Run(ctx context.Context, frames []artifact.FrameSample, batch *manifest.Batch) (Result, error) {
	if s.detector == nil {
		return Result{}, services.Wrap(services.ErrConfiguration, manifest.StageDetection, "run", "no detector configured", nil)
	}
	ordered := append([]artifact.FrameSample(nil), frames...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Timestamp != ordered[j].Timestamp {
			return ordered[i].Timestamp < ordered[j].Timestamp
		}
		return ordered[i].ID < ordered[j].ID
	})

	ctx = services.WithStage(ctx, manifest.StageDetection)
	var result Result
	// seq numbers manifest entries in (frame, face) order across the run.
	seq := 0
	for _, frame := range ordered {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		out, err := s.detectFrame(ctx, seq, frame, batch)
		if err != nil {
			if errors.Is(err, services.ErrConfiguration) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return result, err
			}
			logging.WarnWithContext(s.logger, "face detection failed; skipping frame", "detection_frame_failed",
				logging.String("frame_id", frame.ID),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the detector command output for this frame"),
				logging.String(logging.FieldImpact, "faces in this frame are not clustered"),
			)
			result.Failed = append(result.Failed, frame.ID)
			continue
		}
		if out.Origin == artifact.OriginCache {
			result.FromCache++
		}
		result.Detections = append(result.Detections, out.Value...)
		seq += len(out.Value)
	}
	if len(ordered) > 0 && len(result.Failed) == len(ordered) {
		return result, services.Wrap(services.ErrExternalTool, manifest.StageDetection, "run",
			fmt.Sprintf("detector failed on all %d frames", len(ordered)), nil)
	}
	s.logger.Info("face detection complete",
		logging.String(logging.FieldEventType, "detection_complete"),
		logging.Int("frames", len(ordered)),
		logging.Int("detections", len(result.Detections)),
		logging.Int("from_cache", result.FromCache),
		logging.Int("failed_frames", len(result.Failed)),
	)
	return result, nil
}

func (s *Stage) detectFrame(ctx context.Context, seq int, frame artifact.FrameSample, batch *manifest.Batch) (stageexec.Outcome[[]artifact.FaceDetection], error) {
	model := s.detector.Model()
	return stageexec.Run(ctx, stageexec.Spec[[]artifact.FaceDetection]{
		Stage:       manifest.StageDetection,
		Item:        frame.ID,
		Fingerprint: Fingerprint(frame, model),
		Cache:       s.cache,
		Logger:      s.logger,
		Retry:       s.retry,
		Batch:       batch,
		Restore: func(_ context.Context, entry cache.Entry) ([]artifact.FaceDetection, error) {
			var attrs attributes
			if err := entry.DecodeAttributes(&attrs); err != nil {
				return nil, err
			}
			return bind(frame, attrs.Faces), nil
		},
		Invoke: func(ctx context.Context, _ int) (stageexec.Invocation[[]artifact.FaceDetection], error) {
			faces, err := s.detector.Detect(ctx, frame.Path)
			if err != nil {
				return stageexec.Invocation[[]artifact.FaceDetection]{}, err
			}
			faces = s.usable(frame, faces)
			sortFaces(faces)
			return stageexec.Invocation[[]artifact.FaceDetection]{
				Value:      bind(frame, faces),
				Attributes: attributes{Model: model, Faces: faces},
			}, nil
		},
		Record: func(out stageexec.Outcome[[]artifact.FaceDetection]) ([]manifest.Entry, error) {
			entries := make([]manifest.Entry, 0, len(out.Value))
			for i, det := range out.Value {
				entry, err := manifest.NewEntry(manifest.KindDetection, det.ID, seq+i, out.Fingerprint, out.Origin, det)
				if err != nil {
					return nil, err
				}
				entries = append(entries, entry)
			}
			return entries, nil
		},
	})
}

// usable drops boxes outside the unit square; the embedding and confidence
// are left for the clusterer to judge.
func (s *Stage) usable(frame artifact.FrameSample, faces []Face) []Face {
	kept := faces[:0]
	for _, face := range faces {
		if !face.Box.Valid() {
			s.logger.Debug("dropping invalid face box",
				logging.String("frame_id", frame.ID),
				logging.Any("box", face.Box),
			)
			continue
		}
		kept = append(kept, face)
	}
	return kept
}

// sortFaces orders boxes left to right, then top to bottom.
func sortFaces(faces []Face) {
	sort.SliceStable(faces, func(i, j int) bool {
		a, b := faces[i].Box, faces[j].Box
		switch {
		case a.X1 != b.X1:
			return a.X1 < b.X1
		case a.Y1 != b.Y1:
			return a.Y1 < b.Y1
		case a.X2 != b.X2:
			return a.X2 < b.X2
		default:
			return a.Y2 < b.Y2
		}
	})
}

func bind(frame artifact.FrameSample, faces []Face) []artifact.FaceDetection {
	out := make([]artifact.FaceDetection, len(faces))
	for i, face := range faces {
		out[i] = artifact.FaceDetection{
			ID:         artifact.DetectionID(frame.ID, i),
			FrameID:    frame.ID,
			Timestamp:  frame.Timestamp,
			Box:        face.Box,
			Embedding:  face.Embedding,
			Confidence: face.Confidence,
			Pose:       face.Pose,
		}
	}
	return out
}
