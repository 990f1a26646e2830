// Package facedetect runs the external face detection and embedding command
// and decodes its JSON report.
//
// The command is invoked as
//
//	<command> [args...] --model <model> --image <path>
//
// and must print one JSON document to stdout:
//
//	{"faces": [{"box": {"x1": 0.1, "y1": 0.2, "x2": 0.3, "y2": 0.5},
//	            "embedding": [0.01, ...], "confidence": 0.98,
//	            "pose": {"yaw": -4.0, "pitch": 2.5}}]}
//
// Pose is optional. An image without faces reports an empty list.
package facedetect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"podthumb/internal/artifact"
	"podthumb/internal/detection"
	"podthumb/internal/services"
)

const defaultTimeout = 2 * time.Minute

// CommandRunner executes a binary and returns stdout and stderr separately.
type CommandRunner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

// Config captures the detector command settings.
type Config struct {
	Command string
	Args    []string
	Model   string
	Timeout time.Duration
}

// Client implements detection.Detector over a subprocess.
type Client struct {
	cfg Config
	run CommandRunner
}

// New builds a client. A nil runner executes the real command.
func New(cfg Config, run CommandRunner) *Client {
	cfg.Command = strings.TrimSpace(cfg.Command)
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if run == nil {
		run = execRunner
	}
	return &Client{cfg: cfg, run: run}
}

// Model names the detection model; it participates in detection fingerprints.
func (c *Client) Model() string {
	return c.cfg.Model
}

type report struct {
	Faces []struct {
		Box        artifact.BoundingBox `json:"box"`
		Embedding  []float32            `json:"embedding"`
		Confidence float64              `json:"confidence"`
		Pose       *artifact.Pose       `json:"pose"`
	} `json:"faces"`
}

// Detect runs the detector on one image.
func (c *Client) Detect(ctx context.Context, imagePath string) ([]detection.Face, error) {
	if c.cfg.Command == "" {
		return nil, services.Wrap(services.ErrConfiguration, "detection", "facedetect", "detection.command is not set", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	args := append([]string{}, c.cfg.Args...)
	if c.cfg.Model != "" {
		args = append(args, "--model", c.cfg.Model)
	}
	args = append(args, "--image", imagePath)

	stdout, stderr, err := c.run(ctx, c.cfg.Command, args...)
	if err != nil {
		switch {
		case errors.Is(err, exec.ErrNotFound):
			return nil, services.Wrap(services.ErrConfiguration, "detection", "facedetect",
				fmt.Sprintf("%s not found; install it or set detection.command", c.cfg.Command), err)
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, services.Wrap(services.ErrTimeout, "detection", "facedetect",
				fmt.Sprintf("no result after %s", c.cfg.Timeout), nil)
		default:
			return nil, services.Wrap(services.ErrExternalTool, "detection", "facedetect", summarize(stderr), err)
		}
	}

	var parsed report
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &parsed); err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "detection", "facedetect", "decode report", err)
	}
	faces := make([]detection.Face, 0, len(parsed.Faces))
	for _, f := range parsed.Faces {
		faces = append(faces, detection.Face{
			Box:        f.Box,
			Embedding:  f.Embedding,
			Confidence: f.Confidence,
			Pose:       f.Pose,
		})
	}
	return faces, nil
}

func summarize(stderr []byte) string {
	text := strings.TrimSpace(string(stderr))
	if len(text) > 512 {
		text = text[len(text)-512:]
	}
	if text == "" {
		return "detector failed"
	}
	return text
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
