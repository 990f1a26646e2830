package detection_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"podthumb/internal/artifact"
	"podthumb/internal/detection"
	"podthumb/internal/logging"
	"podthumb/internal/manifest"
	"podthumb/internal/services"
	"podthumb/internal/stageexec"
	"podthumb/internal/testsupport"
)

type fakeDetector struct {
	mu    sync.Mutex
	faces map[string][]detection.Face
	errs  map[string]error
	calls map[string]int
	model string
}

func newFakeDetector() *fakeDetector {
	return &fakeDetector{
		faces: map[string][]detection.Face{},
		errs:  map[string]error{},
		calls: map[string]int{},
		model: "fake-v1",
	}
}

func (f *fakeDetector) Detect(_ context.Context, path string) ([]detection.Face, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[path]++
	if err := f.errs[path]; err != nil {
		return nil, err
	}
	return append([]detection.Face(nil), f.faces[path]...), nil
}

func (f *fakeDetector) Model() string { return f.model }

func (f *fakeDetector) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func frame(t *testing.T, dir string, ts float64, seed byte) artifact.FrameSample {
	t.Helper()
	id := artifact.FrameID("0123456789abcdef", ts)
	path := filepath.Join(dir, id+".png")
	testsupport.WriteImage(t, path, 8, 8, seed)
	return artifact.FrameSample{
		ID:               id,
		Timestamp:        ts,
		Path:             path,
		ContentHash:      []string{"aa", "bb", "cc", "dd"}[seed%4] + "00112233445566778899aabbccddeeff",
		VideoFingerprint: "0123456789abcdef",
	}
}

func face(x1, y1 float64, conf float64) detection.Face {
	return detection.Face{
		Box:        artifact.BoundingBox{X1: x1, Y1: y1, X2: x1 + 0.2, Y2: y1 + 0.3},
		Embedding:  []float32{1, 0, 0},
		Confidence: conf,
	}
}

func TestRunSortsFacesAndAssignsIDs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	det := newFakeDetector()
	f := frame(t, t.TempDir(), 12, 0)
	det.faces[f.Path] = []detection.Face{face(0.6, 0.1, 0.9), face(0.1, 0.2, 0.8)}

	stage := detection.New(det, testsupport.MustOpenCache(t, cfg), stageexec.Retry{Attempts: 1}, logging.NewNop())
	batch := manifest.NewBatch(manifest.StageDetection)
	res, err := stage.Run(context.Background(), []artifact.FrameSample{f}, batch)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Detections) != 2 {
		t.Fatalf("expected 2 detections, got %d", len(res.Detections))
	}
	left, right := res.Detections[0], res.Detections[1]
	if left.Box.X1 != 0.1 || right.Box.X1 != 0.6 {
		t.Fatalf("faces not sorted by position: %+v", res.Detections)
	}
	if left.ID != artifact.DetectionID(f.ID, 0) || right.ID != artifact.DetectionID(f.ID, 1) {
		t.Fatalf("unexpected detection ids %s %s", left.ID, right.ID)
	}
	if left.FrameID != f.ID || left.Timestamp != 12 {
		t.Fatalf("detection not bound to frame: %+v", left)
	}
	if batch.Len() != 2 {
		t.Fatalf("expected 2 manifest entries, got %d", batch.Len())
	}
}

func TestRunReusesCachedDetections(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenCache(t, cfg)
	det := newFakeDetector()
	dir := t.TempDir()
	a, b := frame(t, dir, 0, 0), frame(t, dir, 30, 1)
	det.faces[a.Path] = []detection.Face{face(0.1, 0.1, 0.9)}
	det.faces[b.Path] = nil

	stage := detection.New(det, store, stageexec.Retry{Attempts: 1}, logging.NewNop())
	first, err := stage.Run(context.Background(), []artifact.FrameSample{b, a}, manifest.NewBatch(manifest.StageDetection))
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	second, err := stage.Run(context.Background(), []artifact.FrameSample{a, b}, manifest.NewBatch(manifest.StageDetection))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if got := det.total(); got != 2 {
		t.Fatalf("expected detector to run once per frame, got %d calls", got)
	}
	if second.FromCache != 2 {
		t.Fatalf("expected both frames from cache, got %d", second.FromCache)
	}
	if len(first.Detections) != 1 || len(second.Detections) != 1 || first.Detections[0].ID != second.Detections[0].ID {
		t.Fatalf("cached detections differ: %+v vs %+v", first.Detections, second.Detections)
	}
}

func TestFingerprintIgnoresFramePath(t *testing.T) {
	f := frame(t, t.TempDir(), 5, 2)
	if detection.Fingerprint(f, "a") == detection.Fingerprint(f, "b") {
		t.Fatal("expected model to change the fingerprint")
	}
	moved := f
	moved.Path = "/elsewhere/frame.jpg"
	if detection.Fingerprint(f, "a") != detection.Fingerprint(moved, "a") {
		t.Fatal("frame path must not affect the fingerprint")
	}
}

func TestRunSkipsFailedFrames(t *testing.T) {
	det := newFakeDetector()
	dir := t.TempDir()
	good, bad := frame(t, dir, 0, 0), frame(t, dir, 30, 1)
	det.faces[good.Path] = []detection.Face{face(0.1, 0.1, 0.9)}
	det.errs[bad.Path] = services.Wrap(services.ErrExternalTool, "detection", "facedetect", "segfault", nil)

	stage := detection.New(det, nil, stageexec.Retry{Attempts: 1}, logging.NewNop())
	res, err := stage.Run(context.Background(), []artifact.FrameSample{good, bad}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Failed) != 1 || res.Failed[0] != bad.ID {
		t.Fatalf("expected bad frame reported, got %v", res.Failed)
	}
	if len(res.Detections) != 1 {
		t.Fatalf("expected the good frame's detection, got %d", len(res.Detections))
	}
}

func TestRunAbortsOnConfigurationError(t *testing.T) {
	det := newFakeDetector()
	f := frame(t, t.TempDir(), 0, 0)
	det.errs[f.Path] = services.Wrap(services.ErrConfiguration, "detection", "facedetect", "not installed", nil)

	stage := detection.New(det, nil, stageexec.Retry{Attempts: 1}, logging.NewNop())
	_, err := stage.Run(context.Background(), []artifact.FrameSample{f}, nil)
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRunFailsWhenEveryFrameFails(t *testing.T) {
	det := newFakeDetector()
	f := frame(t, t.TempDir(), 0, 0)
	det.errs[f.Path] = errors.New("boom")

	stage := detection.New(det, nil, stageexec.Retry{Attempts: 1}, logging.NewNop())
	_, err := stage.Run(context.Background(), []artifact.FrameSample{f}, nil)
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", err)
	}
}

func TestRunDropsInvalidBoxes(t *testing.T) {
	det := newFakeDetector()
	f := frame(t, t.TempDir(), 0, 0)
	bad := face(0.9, 0.1, 0.9)
	bad.Box.X2 = 1.4
	det.faces[f.Path] = []detection.Face{bad, face(0.1, 0.1, 0.9)}

	stage := detection.New(det, nil, stageexec.Retry{Attempts: 1}, logging.NewNop())
	res, err := stage.Run(context.Background(), []artifact.FrameSample{f}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Detections) != 1 || res.Detections[0].Box.X1 != 0.1 {
		t.Fatalf("expected only the valid box, got %+v", res.Detections)
	}
}

func TestRunNumbersManifestEntriesAcrossFrames(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	det := newFakeDetector()
	dir := t.TempDir()
	crowded := frame(t, dir, 1, 0)
	next := frame(t, dir, 2, 1)
	faces := make([]detection.Face, 1200)
	for i := range faces {
		faces[i] = face(float64(i)/2000, 0.1, 0.9)
	}
	det.faces[crowded.Path] = faces
	det.faces[next.Path] = []detection.Face{face(0.3, 0.3, 0.9)}

	stage := detection.New(det, testsupport.MustOpenCache(t, cfg), stageexec.Retry{Attempts: 1}, logging.NewNop())
	batch := manifest.NewBatch(manifest.StageDetection)
	if _, err := stage.Run(context.Background(), []artifact.FrameSample{next, crowded}, batch); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries := batch.Entries()
	if len(entries) != 1201 {
		t.Fatalf("expected 1201 manifest entries, got %d", len(entries))
	}
	seen := map[int]bool{}
	for _, e := range entries {
		if seen[e.Seq] {
			t.Fatalf("duplicate manifest seq %d", e.Seq)
		}
		seen[e.Seq] = true
	}
	if last := entries[len(entries)-1]; last.ID != artifact.DetectionID(next.ID, 0) {
		t.Fatalf("later frame's face should sort last, got %s", last.ID)
	}
}
