package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"podthumb/internal/artifact"
	"podthumb/internal/cache"
	"podthumb/internal/composition"
	"podthumb/internal/config"
	"podthumb/internal/detection"
	"podthumb/internal/fingerprint"
	"podthumb/internal/headshot"
	"podthumb/internal/imagegen"
	"podthumb/internal/logging"
	"podthumb/internal/manifest"
	"podthumb/internal/sampling"
	"podthumb/internal/services"
	"podthumb/internal/speakers"
	"podthumb/internal/stageexec"
)

const lockFileName = ".podthumb.lock"

// Deps are the collaborators of an Orchestrator. Cache may be nil to run
// uncached; every other field is required for the stages that use it.
type Deps struct {
	Config    *config.Config
	Logger    *slog.Logger
	Manifests manifest.Store
	Cache     cache.Store
	Extractor sampling.FrameExtractor
	Prober    sampling.DurationProber
	Detector  detection.Detector
	Generator imagegen.Generator

	// NewRunID overrides run ID generation.
	NewRunID func() string
}

// Request is one full pipeline run.
type Request struct {
	Video          string
	Hints          speakers.Hints
	Text           string
	Template       string
	Background     string
	StyleReference string

	// Timestamps replaces uniform sampling when set.
	Timestamps []float64
}

// Result summarizes a run. Thumbnail is nil when composition did not run.
type Result struct {
	RunID      string                     `json:"run_id"`
	Video      artifact.VideoRef          `json:"video"`
	Frames     int                        `json:"frames"`
	Detections int                        `json:"detections"`
	Speakers   []artifact.SpeakerIdentity `json:"speakers"`
	Headshots  []artifact.HeadshotRecord  `json:"headshots"`
	Thumbnail  *artifact.ThumbnailRecord  `json:"thumbnail,omitempty"`
	Manifests  map[string]int             `json:"manifests"`
}

// Orchestrator sequences the stages over one workspace.
type Orchestrator struct {
	cfg       *config.Config
	logger    *slog.Logger
	manifests manifest.Store
	newRunID  func() string
	lockPath  string

	sampler    *sampling.Sampler
	detector   *detection.Stage
	clusterer  *speakers.Clusterer
	headshots  *headshot.Stage
	composer   *composition.Stage
	minSpeaker int
	maxSpeaker int
	fanout     int
}

// New wires the stages from deps.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Config == nil {
		return nil, errors.New("pipeline requires a config")
	}
	if deps.Manifests == nil {
		return nil, errors.New("pipeline requires a manifest store")
	}
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	newRunID := deps.NewRunID
	if newRunID == nil {
		newRunID = uuid.NewString
	}

	retry := stageexec.RetryFromConfig(cfg.Retry)
	limiter := newLimiter(cfg.Gemini.RequestsPerMinute)
	fanout := cfg.Pipeline.HeadshotConcurrency
	if fanout <= 0 {
		fanout = 1
	}

	o := &Orchestrator{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, "pipeline"),
		manifests: deps.Manifests,
		newRunID:  newRunID,
		lockPath:  filepath.Join(cfg.Paths.WorkspaceDir, lockFileName),
		sampler: sampling.New(deps.Extractor, deps.Prober, deps.Cache, cfg.FramesDir(), sampling.Options{
			StrideSeconds: cfg.Sampling.StrideSeconds,
			Limit:         cfg.Sampling.Limit,
			JPEGQuality:   cfg.Sampling.JPEGQuality,
		}, retry, logger),
		detector: detection.New(deps.Detector, deps.Cache, retry, logger),
		clusterer: speakers.New(speakers.Options{
			SimilarityThreshold: cfg.Clustering.SimilarityThreshold,
			MinConfidence:       cfg.Clustering.MinConfidence,
			Representatives:     cfg.Clustering.Representatives,
		}),
		headshots:  headshot.New(deps.Generator, deps.Cache, limiter, cfg.HeadshotsDir(), headshot.OptionsFromConfig(cfg.Headshot), retry, logger),
		composer:   composition.New(deps.Generator, deps.Cache, limiter, cfg.ThumbnailsDir(), composition.OptionsFromConfig(cfg.Composition), retry, logger),
		minSpeaker: cfg.Pipeline.MinSpeakers,
		maxSpeaker: cfg.Pipeline.MaxSpeakers,
		fanout:     fanout,
	}
	return o, nil
}

func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

// Run executes sample, detect, cluster, headshot and compose in order. A
// *PartialFailureError is returned together with the partial result when
// composition was withheld.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	unlock, err := o.lock()
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	runID := o.newRunID()
	ctx = services.WithRunID(ctx, runID)
	logger := logging.WithContext(ctx, o.logger)
	start := time.Now()
	logger.Info("pipeline run started",
		logging.String(logging.FieldEventType, "run_start"),
		logging.String("video", req.Video),
	)

	result := Result{RunID: runID, Manifests: map[string]int{}}
	res, err := o.run(ctx, runID, req, &result)
	if err != nil {
		var pf *PartialFailureError
		if errors.As(err, &pf) {
			logging.WarnWithContext(logger, "thumbnail not composed", "run_partial_failure",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "rerun once the failing speakers succeed; finished headshots are cached"),
				logging.String(logging.FieldImpact, "no thumbnail was produced"),
			)
		} else {
			logger.Error("pipeline run failed",
				logging.String(logging.FieldEventType, "run_failed"),
				logging.Error(err),
			)
		}
		return res, err
	}
	logger.Info("pipeline run finished",
		logging.String(logging.FieldEventType, "run_complete"),
		logging.Duration("elapsed", time.Since(start)),
		logging.String("thumbnail", res.Thumbnail.Path),
		logging.String("origin", string(res.Thumbnail.Origin)),
	)
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, runID string, req Request, result *Result) (Result, error) {
	video, err := o.openVideo(req.Video)
	if err != nil {
		return *result, err
	}
	result.Video = video
	ctx = services.WithVideo(ctx, video.Fingerprint)

	sampled, version, err := o.sample(ctx, runID, video, req.Timestamps)
	if err != nil {
		return *result, err
	}
	result.Frames = len(sampled.Frames)
	result.Manifests[manifest.StageSampling] = version

	if err := ctx.Err(); err != nil {
		return *result, err
	}
	detected, version, err := o.detect(ctx, runID)
	if err != nil {
		return *result, err
	}
	result.Detections = len(detected.Detections)
	result.Manifests[manifest.StageDetection] = version

	if err := ctx.Err(); err != nil {
		return *result, err
	}
	clustered, version, err := o.cluster(ctx, runID, req.Hints)
	if err != nil {
		return *result, err
	}
	result.Speakers = clustered.Speakers
	result.Manifests[manifest.StageClustering] = version

	if err := ctx.Err(); err != nil {
		return *result, err
	}
	shots, version, shotErr := o.generateHeadshots(ctx, runID, req.Hints)
	result.Headshots = shots
	if version > 0 {
		result.Manifests[manifest.StageHeadshot] = version
	}
	if shotErr != nil {
		return *result, shotErr
	}

	if err := ctx.Err(); err != nil {
		return *result, err
	}
	thumb, version, err := o.compose(ctx, runID, ComposeRequest{
		Text:           req.Text,
		Template:       req.Template,
		Background:     req.Background,
		StyleReference: req.StyleReference,
	})
	if err != nil {
		return *result, err
	}
	result.Thumbnail = &thumb
	result.Manifests[manifest.StageComposition] = version
	return *result, nil
}

func (o *Orchestrator) openVideo(path string) (artifact.VideoRef, error) {
	if strings.TrimSpace(path) == "" {
		return artifact.VideoRef{}, services.Wrap(services.ErrValidation, manifest.StageSampling, "open video", "video path is required", nil)
	}
	video, err := fingerprint.Video(path, o.cfg.Cache.FingerprintMode)
	if err != nil {
		marker := services.ErrValidation
		if errors.Is(err, os.ErrNotExist) {
			marker = services.ErrNotFound
		}
		return artifact.VideoRef{}, services.Wrap(marker, manifest.StageSampling, "open video", path, err)
	}
	return video, nil
}

// lock takes the workspace lock for one run or stage command.
func (o *Orchestrator) lock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(o.lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	fileLock := flock.New(o.lockPath)
	ok, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire workspace lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (%s)", ErrWorkspaceBusy, o.lockPath)
	}
	return func() {
		if err := fileLock.Unlock(); err != nil {
			o.logger.Debug("workspace unlock failed", logging.Error(err))
		}
	}, nil
}

// loadStage reads the latest manifest of a predecessor stage.
func (o *Orchestrator) loadStage(ctx context.Context, stage, hint string) (manifest.Manifest, error) {
	m, found, err := o.manifests.Load(ctx, stage)
	if err != nil {
		return manifest.Manifest{}, fmt.Errorf("load %s manifest: %w", stage, err)
	}
	if !found {
		return manifest.Manifest{}, services.Wrap(services.ErrNotFound, stage, "load manifest",
			fmt.Sprintf("no %s manifest; run %s first", stage, hint), nil)
	}
	return m, nil
}

func (o *Orchestrator) commit(ctx context.Context, batch *manifest.Batch, runID string) (int, error) {
	m, err := batch.Commit(context.WithoutCancel(ctx), o.manifests, runID)
	if err != nil {
		return 0, fmt.Errorf("commit %s manifest: %w", batch.Stage(), err)
	}
	counts := m.Count()
	logging.WithContext(ctx, o.logger).Info("manifest committed",
		logging.String(logging.FieldEventType, "manifest_commit"),
		logging.String(logging.FieldStage, m.Stage),
		logging.Int("version", m.Version),
		logging.Int("entries", len(m.Entries)),
		logging.Int("from_cache", counts[artifact.OriginCache]),
		logging.Int("fresh", counts[artifact.OriginFresh]),
	)
	return m.Version, nil
}
