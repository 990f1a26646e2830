package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"podthumb/internal/services"
)

const (
	defaultFFmpeg  = "ffmpeg"
	defaultFFprobe = "ffprobe"
	defaultQuality = 2
)

// CommandRunner executes a binary and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Client drives ffmpeg and ffprobe.
type Client struct {
	ffmpeg  string
	ffprobe string
	quality int
	run     CommandRunner
}

// Option customizes the client.
type Option func(*Client)

// WithRunner overrides how commands are executed (useful for tests).
func WithRunner(run CommandRunner) Option {
	return func(c *Client) {
		if run != nil {
			c.run = run
		}
	}
}

// New builds a client. quality is the ffmpeg -q:v value for JPEG stills.
func New(ffmpegBin, ffprobeBin string, quality int, opts ...Option) *Client {
	c := &Client{
		ffmpeg:  strings.TrimSpace(ffmpegBin),
		ffprobe: strings.TrimSpace(ffprobeBin),
		quality: quality,
		run:     execRunner,
	}
	if c.ffmpeg == "" {
		c.ffmpeg = defaultFFmpeg
	}
	if c.ffprobe == "" {
		c.ffprobe = defaultFFprobe
	}
	if c.quality <= 0 {
		c.quality = defaultQuality
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Quality returns the JPEG quality passed to ffmpeg.
func (c *Client) Quality() int {
	return c.quality
}

// ExtractFrame writes the frame at ts seconds of video to out as a JPEG.
func (c *Client) ExtractFrame(ctx context.Context, video string, ts float64, out string) error {
	if ts < 0 {
		return services.Wrap(services.ErrValidation, "sampling", "ffmpeg", fmt.Sprintf("negative timestamp %.3f", ts), nil)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("ensure frame dir: %w", err)
	}
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-ss", strconv.FormatFloat(ts, 'f', 3, 64),
		"-i", video,
		"-frames:v", "1",
		"-q:v", strconv.Itoa(c.quality),
		"-y", out,
	}
	output, err := c.run(ctx, c.ffmpeg, args...)
	if err != nil {
		return c.toolError("ffmpeg", c.ffmpeg, output, err)
	}
	info, err := os.Stat(out)
	if err != nil || info.Size() == 0 {
		// ffmpeg exits cleanly when seeking past the end but writes nothing.
		_ = os.Remove(out)
		return services.Wrap(services.ErrExternalTool, "sampling", "ffmpeg", fmt.Sprintf("no frame at %.3fs", ts), err)
	}
	return nil
}

func (c *Client) toolError(tool, binary string, output []byte, err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return services.Wrap(services.ErrConfiguration, "sampling", tool, fmt.Sprintf("%s not found; install it or set paths.%s_path", binary, tool), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, "sampling", tool, "timed out", err)
	}
	detail := strings.TrimSpace(string(output))
	if len(detail) > 512 {
		detail = detail[:512]
	}
	return services.Wrap(services.ErrExternalTool, "sampling", tool, detail, err)
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
