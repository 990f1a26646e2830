package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"podthumb/internal/artifact"
	"podthumb/internal/composition"
	"podthumb/internal/detection"
	"podthumb/internal/fingerprint"
	"podthumb/internal/headshot"
	"podthumb/internal/logging"
	"podthumb/internal/manifest"
	"podthumb/internal/sampling"
	"podthumb/internal/services"
	"podthumb/internal/speakers"
)

// ClusterResult is the clustering stage outcome after hints were applied.
type ClusterResult struct {
	Speakers    []artifact.SpeakerIdentity `json:"speakers"`
	Discarded   []speakers.Discard         `json:"discarded"`
	Unmatched   []string                   `json:"unmatched_hints,omitempty"`
	Fingerprint string                     `json:"fingerprint"`
}

// ComposeRequest carries the composition inputs that do not come from the
// headshot manifest.
type ComposeRequest struct {
	Text           string
	Template       string
	Background     string
	StyleReference string
}

// failureRecord is the manifest payload of a speaker without a headshot.
// SpeakerID is empty for a required hint that matched no speaker.
type failureRecord struct {
	SpeakerID string `json:"speaker_id,omitempty"`
	Label     string `json:"label"`
	Required  bool   `json:"required,omitempty"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

type failure struct {
	record failureRecord
	err    error
}

// Sample runs only the sampling stage.
func (o *Orchestrator) Sample(ctx context.Context, video string, timestamps []float64) (sampling.Result, error) {
	var res sampling.Result
	err := o.exclusive(ctx, func(ctx context.Context, runID string) error {
		ref, err := o.openVideo(video)
		if err != nil {
			return err
		}
		res, _, err = o.sample(services.WithVideo(ctx, ref.Fingerprint), runID, ref, timestamps)
		return err
	})
	return res, err
}

// Detect runs detection over the latest sampling manifest.
func (o *Orchestrator) Detect(ctx context.Context) (detection.Result, error) {
	var res detection.Result
	err := o.exclusive(ctx, func(ctx context.Context, runID string) error {
		var err error
		res, _, err = o.detect(ctx, runID)
		return err
	})
	return res, err
}

// Cluster runs clustering over the latest detection manifest.
func (o *Orchestrator) Cluster(ctx context.Context, hints speakers.Hints) (ClusterResult, error) {
	var res ClusterResult
	err := o.exclusive(ctx, func(ctx context.Context, runID string) error {
		var err error
		res, _, err = o.cluster(ctx, runID, hints)
		return err
	})
	return res, err
}

// Headshots generates headshots for the latest clustering manifest. The
// records are returned alongside a *PartialFailureError.
func (o *Orchestrator) Headshots(ctx context.Context, hints speakers.Hints) ([]artifact.HeadshotRecord, error) {
	var res []artifact.HeadshotRecord
	err := o.exclusive(ctx, func(ctx context.Context, runID string) error {
		var err error
		res, _, err = o.generateHeadshots(ctx, runID, hints)
		return err
	})
	return res, err
}

// Compose composes a thumbnail from the latest headshot manifest.
func (o *Orchestrator) Compose(ctx context.Context, req ComposeRequest) (artifact.ThumbnailRecord, error) {
	var res artifact.ThumbnailRecord
	err := o.exclusive(ctx, func(ctx context.Context, runID string) error {
		var err error
		res, _, err = o.compose(ctx, runID, req)
		return err
	})
	return res, err
}

func (o *Orchestrator) exclusive(ctx context.Context, fn func(context.Context, string) error) error {
	unlock, err := o.lock()
	if err != nil {
		return err
	}
	defer unlock()
	runID := o.newRunID()
	return fn(services.WithRunID(ctx, runID), runID)
}

func (o *Orchestrator) sample(ctx context.Context, runID string, video artifact.VideoRef, timestamps []float64) (sampling.Result, int, error) {
	batch := manifest.NewBatch(manifest.StageSampling)
	res, err := o.sampler.Run(ctx, video, timestamps, batch)
	if err != nil {
		return sampling.Result{}, 0, err
	}
	entry, err := manifest.NewEntry(manifest.KindVideo, video.Fingerprint, 0, res.Fingerprint, res.Origin, video)
	if err != nil {
		return sampling.Result{}, 0, err
	}
	batch.Add(entry)
	version, err := o.commit(ctx, batch, runID)
	return res, version, err
}

func (o *Orchestrator) detect(ctx context.Context, runID string) (detection.Result, int, error) {
	m, err := o.loadStage(ctx, manifest.StageSampling, "sample")
	if err != nil {
		return detection.Result{}, 0, err
	}
	frames, err := manifest.Decode[artifact.FrameSample](m, manifest.KindFrame)
	if err != nil {
		return detection.Result{}, 0, err
	}
	batch := manifest.NewBatch(manifest.StageDetection)
	res, err := o.detector.Run(ctx, frames, batch)
	if err != nil {
		return detection.Result{}, 0, err
	}
	version, err := o.commit(ctx, batch, runID)
	return res, version, err
}

// ClusterFingerprint keys one clustering pass over detectionIDs.
func ClusterFingerprint(detectionIDs []string, opts speakers.Options) string {
	ids := append([]string(nil), detectionIDs...)
	sort.Strings(ids)
	return fingerprint.New(manifest.StageClustering).
		Strings("detections", ids).
		Float("similarity_threshold", opts.SimilarityThreshold).
		Float("min_confidence", opts.MinConfidence).
		Int("representatives", int64(opts.Representatives)).
		Sum()
}

func (o *Orchestrator) cluster(ctx context.Context, runID string, hints speakers.Hints) (ClusterResult, int, error) {
	ctx = services.WithStage(ctx, manifest.StageClustering)
	logger := logging.WithContext(ctx, o.logger)
	if err := hints.Validate(); err != nil {
		return ClusterResult{}, 0, services.Wrap(services.ErrValidation, manifest.StageClustering, "hints", "", err)
	}
	m, err := o.loadStage(ctx, manifest.StageDetection, "detect")
	if err != nil {
		return ClusterResult{}, 0, err
	}
	detections, err := manifest.Decode[artifact.FaceDetection](m, manifest.KindDetection)
	if err != nil {
		return ClusterResult{}, 0, err
	}

	clustered := o.clusterer.Cluster(detections)
	if len(clustered.Speakers) == 0 {
		return ClusterResult{}, 0, services.Wrap(services.ErrValidation, manifest.StageClustering, "cluster",
			fmt.Sprintf("%d detections, %d discarded", len(detections), len(clustered.Discarded)), ErrNoSpeakers)
	}
	ids := make([]string, len(detections))
	for i, det := range detections {
		ids[i] = det.ID
	}
	res := ClusterResult{
		Discarded:   clustered.Discarded,
		Fingerprint: ClusterFingerprint(ids, o.clusterer.Options()),
	}
	res.Speakers, res.Unmatched = hints.Apply(clustered.Speakers)
	if len(res.Unmatched) > 0 {
		logging.WarnWithContext(logger, "speaker hints matched no speaker", "hints_unmatched",
			logging.Any("unmatched", res.Unmatched),
			logging.String(logging.FieldErrorHint, "check hint labels against `podthumb speakers` output"),
			logging.String(logging.FieldImpact, "the unmatched hints are ignored"),
		)
	}

	batch := manifest.NewBatch(manifest.StageClustering)
	for i, spk := range res.Speakers {
		entry, err := manifest.NewEntry(manifest.KindSpeaker, spk.ID, i, res.Fingerprint, artifact.OriginFresh, spk)
		if err != nil {
			return ClusterResult{}, 0, err
		}
		batch.Add(entry)
	}
	for i, d := range res.Discarded {
		entry, err := manifest.NewEntry(manifest.KindDiscard, d.DetectionID, i, res.Fingerprint, artifact.OriginFresh, d)
		if err != nil {
			return ClusterResult{}, 0, err
		}
		batch.Add(entry)
	}
	logger.Info("speakers clustered",
		logging.String(logging.FieldEventType, "clustering_complete"),
		logging.Int("detections", len(detections)),
		logging.Int("speakers", len(res.Speakers)),
		logging.Int("discarded", len(res.Discarded)),
	)
	version, err := o.commit(ctx, batch, runID)
	return res, version, err
}

func (o *Orchestrator) generateHeadshots(ctx context.Context, runID string, hints speakers.Hints) ([]artifact.HeadshotRecord, int, error) {
	ctx = services.WithStage(ctx, manifest.StageHeadshot)
	logger := logging.WithContext(ctx, o.logger)
	clustered, err := o.loadStage(ctx, manifest.StageClustering, "speakers")
	if err != nil {
		return nil, 0, err
	}
	all, err := manifest.Decode[artifact.SpeakerIdentity](clustered, manifest.KindSpeaker)
	if err != nil {
		return nil, 0, err
	}
	frames, detections, err := o.loadReferences(ctx)
	if err != nil {
		return nil, 0, err
	}

	sel := hints.Select(all, o.maxSpeaker)
	if len(sel.Speakers) == 0 {
		return nil, 0, services.Wrap(services.ErrValidation, manifest.StageHeadshot, "select", "no speaker selected", ErrNoSpeakers)
	}
	required := make(map[string]bool, len(sel.Required))
	for _, id := range sel.Required {
		required[id] = true
	}

	batch := manifest.NewBatch(manifest.StageHeadshot)
	records := make([]*artifact.HeadshotRecord, len(sel.Speakers))
	errs := make([]error, len(sel.Speakers))
	var g errgroup.Group
	g.SetLimit(o.fanout)
	for i, spk := range sel.Speakers {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			rec, err := o.headshots.Generate(ctx, headshot.Input{
				Speaker:    spk,
				Frames:     frames,
				Detections: detections,
				Seq:        i,
			}, batch)
			if err != nil {
				errs[i] = err
				return nil
			}
			records[i] = &rec
			return nil
		})
	}
	_ = g.Wait()
	for _, err := range errs {
		if errors.Is(err, services.ErrConfiguration) {
			return nil, 0, err
		}
	}

	var (
		succeeded []artifact.HeadshotRecord
		failures  []failure
	)
	for i, spk := range sel.Speakers {
		if records[i] != nil {
			succeeded = append(succeeded, *records[i])
			continue
		}
		details := services.Details(errs[i])
		f := failure{
			record: failureRecord{
				SpeakerID: spk.ID,
				Label:     spk.Label,
				Required:  required[spk.ID],
				Kind:      details.Kind,
				Message:   details.Message,
			},
			err: errs[i],
		}
		failures = append(failures, f)
		logging.WarnWithContext(logging.WithContext(services.WithSpeakerID(ctx, spk.ID), o.logger), "headshot failed", "headshot_failed",
			logging.Error(errs[i]),
			logging.Bool("required", f.record.Required),
			logging.String(logging.FieldErrorHint, "rerun to retry this speaker; other speakers are cached"),
			logging.String(logging.FieldImpact, "the speaker is left out of the thumbnail"),
		)
	}
	for _, match := range sel.Missing {
		failures = append(failures, failure{
			record: failureRecord{
				Label:    match,
				Required: true,
				Kind:     "not_found",
				Message:  fmt.Sprintf("required speaker %q was not identified", match),
			},
			err: services.Wrap(services.ErrNotFound, manifest.StageHeadshot, "select", fmt.Sprintf("required speaker %q was not identified", match), nil),
		})
	}
	for i, f := range failures {
		id := f.record.SpeakerID
		if id == "" {
			id = "missing_" + f.record.Label
		}
		entry, err := manifest.NewEntry(manifest.KindFailure, id, len(sel.Speakers)+i, "", "", f.record)
		if err != nil {
			return nil, 0, err
		}
		batch.Add(entry)
	}

	version, err := o.commit(ctx, batch, runID)
	if err != nil {
		return succeeded, 0, err
	}
	if err := ctx.Err(); err != nil {
		return succeeded, version, err
	}
	if err := o.decide(ctx, succeeded, failures); err != nil {
		return succeeded, version, err
	}
	logger.Info("headshots ready",
		logging.String(logging.FieldEventType, "headshots_complete"),
		logging.Int("succeeded", len(succeeded)),
		logging.Int("failed", len(failures)),
	)
	return succeeded, version, nil
}

// loadReferences indexes the latest frames and detections for headshot
// reference resolution.
func (o *Orchestrator) loadReferences(ctx context.Context) (map[string]artifact.FrameSample, map[string]artifact.FaceDetection, error) {
	sampled, err := o.loadStage(ctx, manifest.StageSampling, "sample")
	if err != nil {
		return nil, nil, err
	}
	frameList, err := manifest.Decode[artifact.FrameSample](sampled, manifest.KindFrame)
	if err != nil {
		return nil, nil, err
	}
	detected, err := o.loadStage(ctx, manifest.StageDetection, "detect")
	if err != nil {
		return nil, nil, err
	}
	detList, err := manifest.Decode[artifact.FaceDetection](detected, manifest.KindDetection)
	if err != nil {
		return nil, nil, err
	}
	frames := make(map[string]artifact.FrameSample, len(frameList))
	for _, f := range frameList {
		frames[f.ID] = f
	}
	detections := make(map[string]artifact.FaceDetection, len(detList))
	for _, d := range detList {
		detections[d.ID] = d
	}
	return frames, detections, nil
}

// decide reports whether a thumbnail may be composed from succeeded.
func (o *Orchestrator) decide(ctx context.Context, succeeded []artifact.HeadshotRecord, failures []failure) error {
	minimum := o.minSpeaker
	if minimum < composition.MinHeadshots {
		minimum = composition.MinHeadshots
	}
	pf := &PartialFailureError{Failures: map[string]error{}}
	for _, rec := range succeeded {
		pf.Succeeded = append(pf.Succeeded, rec.Label)
	}
	requiredMissing := 0
	for _, f := range failures {
		pf.Missing = append(pf.Missing, f.record.Label)
		pf.Failures[f.record.Label] = f.err
		if f.record.Required {
			requiredMissing++
		}
	}

	logger := logging.WithContext(ctx, o.logger)
	switch {
	case requiredMissing > 0:
		pf.Reason = fmt.Sprintf("%d required speaker(s) without a headshot", requiredMissing)
	case len(succeeded) < minimum:
		pf.Reason = fmt.Sprintf("%d headshot(s) succeeded, %d needed", len(succeeded), minimum)
	default:
		logger.Info("composition decision", logging.Args(logging.DecisionAttrs("composition", "compose",
			fmt.Sprintf("%d headshots, %d failed optional", len(succeeded), len(failures)))...)...)
		return nil
	}
	logger.Info("composition decision", logging.Args(logging.DecisionAttrs("composition", "withheld", pf.Reason)...)...)
	return pf
}

func (o *Orchestrator) compose(ctx context.Context, runID string, req ComposeRequest) (artifact.ThumbnailRecord, int, error) {
	ctx = services.WithStage(ctx, manifest.StageComposition)
	m, err := o.loadStage(ctx, manifest.StageHeadshot, "headshots")
	if err != nil {
		return artifact.ThumbnailRecord{}, 0, err
	}
	records, err := manifest.Decode[artifact.HeadshotRecord](m, manifest.KindHeadshot)
	if err != nil {
		return artifact.ThumbnailRecord{}, 0, err
	}
	stored, err := manifest.Decode[failureRecord](m, manifest.KindFailure)
	if err != nil {
		return artifact.ThumbnailRecord{}, 0, err
	}
	failures := make([]failure, len(stored))
	for i, rec := range stored {
		failures[i] = failure{record: rec, err: errors.New(rec.Message)}
	}
	if err := o.decide(ctx, records, failures); err != nil {
		return artifact.ThumbnailRecord{}, 0, err
	}

	batch := manifest.NewBatch(manifest.StageComposition)
	thumb, err := o.composer.Compose(ctx, composition.Request{
		Headshots:      records,
		Text:           req.Text,
		Template:       req.Template,
		Background:     req.Background,
		StyleReference: req.StyleReference,
	}, batch)
	if err != nil {
		return artifact.ThumbnailRecord{}, 0, err
	}
	version, err := o.commit(ctx, batch, runID)
	return thumb, version, err
}
