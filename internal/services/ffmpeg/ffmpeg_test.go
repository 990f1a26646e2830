package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"podthumb/internal/services"
)

func TestProbeResultDuration(t *testing.T) {
	result := ProbeResult{
		Streams: []Stream{{CodecType: "video", Duration: "99.5"}, {CodecType: "audio"}},
		Format:  Format{Duration: "123.45"},
	}
	if result.VideoStreamCount() != 1 {
		t.Fatalf("expected 1 video stream, got %d", result.VideoStreamCount())
	}
	if result.DurationSeconds() != 123.45 {
		t.Fatalf("unexpected duration: %v", result.DurationSeconds())
	}
	result.Format.Duration = ""
	if result.DurationSeconds() != 99.5 {
		t.Fatalf("expected stream duration fallback, got %v", result.DurationSeconds())
	}
	result.Format.Duration = "bad"
	if !math.IsNaN(result.DurationSeconds()) {
		t.Fatalf("expected NaN for invalid duration, got %v", result.DurationSeconds())
	}
}

func TestDurationParsesProbeOutput(t *testing.T) {
	var gotArgs []string
	runner := func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = append([]string{name}, args...)
		return []byte(`{"streams":[{"codec_type":"video"}],"format":{"duration":"3600.0"}}`), nil
	}
	client := New("", "/opt/ffprobe", 0, WithRunner(runner))
	duration, err := client.Duration(context.Background(), "episode.mp4")
	if err != nil {
		t.Fatalf("Duration: %v", err)
	}
	if duration != 3600 {
		t.Fatalf("unexpected duration %v", duration)
	}
	if gotArgs[0] != "/opt/ffprobe" || gotArgs[len(gotArgs)-1] != "episode.mp4" {
		t.Fatalf("unexpected command: %v", gotArgs)
	}
}

func TestDurationRejectsAudioOnly(t *testing.T) {
	runner := func(context.Context, string, ...string) ([]byte, error) {
		return []byte(`{"streams":[{"codec_type":"audio"}],"format":{"duration":"60"}}`), nil
	}
	if _, err := New("", "", 0, WithRunner(runner)).Duration(context.Background(), "a.m4a"); err == nil {
		t.Fatal("expected error for a file without video")
	}
}

func TestExtractFrameBuildsCommand(t *testing.T) {
	out := filepath.Join(t.TempDir(), "frames", "f.jpg")
	var gotArgs []string
	runner := func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = args
		return nil, os.WriteFile(out, []byte("jpeg"), 0o644)
	}
	client := New("ffmpeg", "", 5, WithRunner(runner))
	if err := client.ExtractFrame(context.Background(), "in.mp4", 12.5, out); err != nil {
		t.Fatalf("ExtractFrame: %v", err)
	}
	joined := strings.Join(gotArgs, " ")
	for _, fragment := range []string{"-ss 12.500", "-i in.mp4", "-q:v 5", "-frames:v 1"} {
		if !strings.Contains(joined, fragment) {
			t.Fatalf("expected %q in %q", fragment, joined)
		}
	}
}

func TestExtractFrameEmptyOutputFails(t *testing.T) {
	out := filepath.Join(t.TempDir(), "f.jpg")
	runner := func(context.Context, string, ...string) ([]byte, error) { return nil, nil }
	err := New("", "", 0, WithRunner(runner)).ExtractFrame(context.Background(), "in.mp4", 9999, out)
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", err)
	}
}

func TestToolErrorClassification(t *testing.T) {
	c := New("", "", 0)
	if err := c.toolError("ffmpeg", "ffmpeg", nil, fmt.Errorf("start: %w", exec.ErrNotFound)); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if err := c.toolError("ffmpeg", "ffmpeg", nil, context.DeadlineExceeded); !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if err := c.toolError("ffmpeg", "ffmpeg", []byte("boom"), errors.New("exit 1")); !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", err)
	}
}
