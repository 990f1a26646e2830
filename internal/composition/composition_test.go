package composition_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"podthumb/internal/artifact"
	"podthumb/internal/composition"
	"podthumb/internal/imagegen"
	"podthumb/internal/logging"
	"podthumb/internal/manifest"
	"podthumb/internal/services"
	"podthumb/internal/stageexec"
	"podthumb/internal/testsupport"
)

type fakeGenerator struct {
	t        *testing.T
	mu       sync.Mutex
	requests []imagegen.Request
	width    int
	height   int
}

func (f *fakeGenerator) Generate(_ context.Context, req imagegen.Request) ([]imagegen.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return []imagegen.Image{{MIMEType: "image/png", Data: testsupport.PNG(f.t, f.width, f.height, byte(len(f.requests)))}}, nil
}

func (f *fakeGenerator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func headshots(t *testing.T, n int) []artifact.HeadshotRecord {
	t.Helper()
	dir := t.TempDir()
	out := make([]artifact.HeadshotRecord, n)
	for i := range out {
		path := filepath.Join(dir, "headshot_"+string(rune('a'+i))+".png")
		testsupport.WriteImage(t, path, 64, 64, byte(10+i))
		out[i] = artifact.HeadshotRecord{SpeakerID: "spk_" + string(rune('a'+i)), Paths: []string{path}}
	}
	return out
}

func newStage(t *testing.T, gen imagegen.Generator) (*composition.Stage, string) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	stage := composition.New(gen, testsupport.MustOpenCache(t, cfg), nil, cfg.ThumbnailsDir(),
		composition.OptionsFromConfig(cfg.Composition), stageexec.Retry{Attempts: 1}, logging.NewNop())
	return stage, cfg.ThumbnailsDir()
}

func TestComposeCachesThumbnail(t *testing.T) {
	gen := &fakeGenerator{t: t, width: 1280, height: 720}
	stage, outDir := newStage(t, gen)
	shots := headshots(t, 2)
	batch := manifest.NewBatch(manifest.StageComposition)
	req := composition.Request{Headshots: shots, Text: "Building in public"}

	first, err := stage.Compose(context.Background(), req, batch)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if first.Origin != artifact.OriginFresh || first.Template != "diary_ceo" {
		t.Fatalf("unexpected record %+v", first)
	}
	wantName := "thumb_" + first.Fingerprint[:10] + ".png"
	if first.Path != filepath.Join(outDir, wantName) {
		t.Fatalf("expected output %s, got %s", wantName, first.Path)
	}
	if len(first.SpeakerIDs) != 2 || first.SpeakerIDs[0] != "spk_a" {
		t.Fatalf("unexpected speaker ids %v", first.SpeakerIDs)
	}
	prompt := gen.requests[0].Prompt
	if !strings.Contains(prompt, `"Building in public"`) || !strings.Contains(prompt, "Diary of a CEO") {
		t.Fatalf("prompt missing title or template: %s", prompt)
	}

	second, err := stage.Compose(context.Background(), req, batch)
	if err != nil {
		t.Fatalf("second Compose: %v", err)
	}
	if gen.calls() != 1 {
		t.Fatalf("expected a single generation call, got %d", gen.calls())
	}
	if second.Origin != artifact.OriginCache || second.Path != first.Path {
		t.Fatalf("cached thumbnail differs: %+v", second)
	}
	if batch.Len() != 2 {
		t.Fatalf("expected 2 manifest entries, got %d", batch.Len())
	}
}

func TestComposeLimitsReferences(t *testing.T) {
	gen := &fakeGenerator{t: t, width: 1280, height: 720}
	stage, _ := newStage(t, gen)
	shots := headshots(t, 6)
	background := filepath.Join(t.TempDir(), "bg.png")
	testsupport.WriteImage(t, background, 32, 18, 99)

	rec, err := stage.Compose(context.Background(), composition.Request{Headshots: shots, Text: "t", Background: background}, nil)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if got := len(gen.requests[0].References); got != 5 {
		t.Fatalf("expected 4 headshots plus background, got %d references", got)
	}
	if len(rec.Headshots) != 4 {
		t.Fatalf("expected 4 headshots recorded, got %d", len(rec.Headshots))
	}
}

func TestComposeRejectsBadInput(t *testing.T) {
	gen := &fakeGenerator{t: t, width: 1280, height: 720}
	stage, _ := newStage(t, gen)
	cases := []struct {
		name string
		req  composition.Request
	}{
		{"one headshot", composition.Request{Headshots: headshots(t, 1), Text: "t"}},
		{"no text", composition.Request{Headshots: headshots(t, 2), Text: "  "}},
		{"unknown template", composition.Request{Headshots: headshots(t, 2), Text: "t", Template: "neon"}},
		{"missing background", composition.Request{Headshots: headshots(t, 2), Text: "t", Background: "/nope.png"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := stage.Compose(context.Background(), tc.req, nil)
			if !errors.Is(err, services.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if gen.calls() != 0 {
		t.Fatalf("generator must not be called for invalid input, got %d calls", gen.calls())
	}
}

func TestComposeValidationFailureIsTerminal(t *testing.T) {
	gen := &fakeGenerator{t: t, width: 200, height: 100}
	stage, _ := newStage(t, gen)
	_, err := stage.Compose(context.Background(), composition.Request{Headshots: headshots(t, 2), Text: "t"}, nil)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if gen.calls() != 1 {
		t.Fatalf("expected no retry after validation failure, got %d calls", gen.calls())
	}
}

func TestFingerprintInputs(t *testing.T) {
	base := composition.Inputs{Model: "m", Template: "diary_ceo", Text: "Hello", AspectRatio: "16:9", Headshots: []string{"aa", "bb"}}
	fp := composition.Fingerprint(base)

	nfc := base
	nfc.Text = "  Hello "
	if composition.Fingerprint(nfc) != fp {
		t.Fatal("expected surrounding whitespace to be ignored")
	}
	swapped := base
	swapped.Headshots = []string{"bb", "aa"}
	if composition.Fingerprint(swapped) == fp {
		t.Fatal("headshot order must change the fingerprint")
	}
	withBG := base
	withBG.Background = "cc"
	if composition.Fingerprint(withBG) == fp {
		t.Fatal("background must change the fingerprint")
	}
}

func TestTemplates(t *testing.T) {
	if got := composition.Templates(); len(got) != 2 || got[0] != "clean_two_up" || got[1] != "diary_ceo" {
		t.Fatalf("unexpected templates %v", got)
	}
	if _, err := composition.Prompt("missing", "t"); err == nil {
		t.Fatal("expected error for unknown template")
	}
}
