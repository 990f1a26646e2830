package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains workspace, cache, and log directory configuration.
type Paths struct {
	WorkspaceDir string `toml:"workspace_dir"`
	CacheDir     string `toml:"cache_dir"`
	LogDir       string `toml:"log_dir"`
	FFmpegPath   string `toml:"ffmpeg_path"`
	FFprobePath  string `toml:"ffprobe_path"`
}

// Cache contains configuration for the content-addressed stage cache.
type Cache struct {
	MaxGiB int `toml:"max_gib"`
	// FingerprintMode selects how video files are fingerprinted: "content"
	// hashes every byte, "quick" hashes size and modification time.
	FingerprintMode string `toml:"fingerprint_mode"`
	Mirror          Mirror `toml:"mirror"`
}

// Mirror describes an optional S3-compatible bucket that mirrors the local cache.
type Mirror struct {
	Enabled   bool   `toml:"enabled"`
	Endpoint  string `toml:"endpoint"`
	Bucket    string `toml:"bucket"`
	Prefix    string `toml:"prefix"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	UseSSL    bool   `toml:"use_ssl"`
}

// Manifest selects the manifest store backend.
type Manifest struct {
	Backend string `toml:"backend"` // sqlite, file, or memory
}

// Sampling contains frame sampling settings.
type Sampling struct {
	StrideSeconds float64 `toml:"stride_seconds"`
	Limit         int     `toml:"limit"`
	JPEGQuality   int     `toml:"jpeg_quality"`
}

// Detection configures the external face detector subprocess.
type Detection struct {
	Command        string   `toml:"command"`
	Args           []string `toml:"args"`
	Model          string   `toml:"model"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

// Clustering holds the speaker clustering calibration parameters.
type Clustering struct {
	SimilarityThreshold float64 `toml:"similarity_threshold"`
	MinConfidence       float64 `toml:"min_confidence"`
	Representatives     int     `toml:"representatives"`
	HintsPath           string  `toml:"hints_path"`
}

// Gemini contains connection settings for the generative image model.
type Gemini struct {
	APIKey            string `toml:"api_key"`
	BaseURL           string `toml:"base_url"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
	RequestsPerMinute int    `toml:"requests_per_minute"`
}

// Headshot contains per-speaker headshot generation settings.
type Headshot struct {
	Model         string `toml:"model"`
	Prompt        string `toml:"prompt"`
	AspectRatio   string `toml:"aspect_ratio"`
	ImageSize     string `toml:"image_size"`
	NumImages     int    `toml:"num_images"`
	SquareCrop    bool   `toml:"square_crop"`
	MaxReferences int    `toml:"max_references"`
	MinDimension  int    `toml:"min_dimension"`
}

// Composition contains thumbnail composition settings.
type Composition struct {
	Model         string `toml:"model"`
	Template      string `toml:"template"`
	AspectRatio   string `toml:"aspect_ratio"`
	ImageSize     string `toml:"image_size"`
	MaxReferences int    `toml:"max_references"`
	MinDimension  int    `toml:"min_dimension"`
}

// Pipeline contains orchestration limits.
type Pipeline struct {
	MinSpeakers         int `toml:"min_speakers"`
	MaxSpeakers         int `toml:"max_speakers"`
	HeadshotConcurrency int `toml:"headshot_concurrency"`
}

// Retry bounds transient failure retries around external calls.
type Retry struct {
	Attempts        int `toml:"attempts"`
	BaseDelayMS     int `toml:"base_delay_ms"`
	MaxDelaySeconds int `toml:"max_delay_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for podthumb.
//
// Configuration sections by subsystem:
//   - Paths: workspace, cache, logs, and ffmpeg binaries
//   - Cache: stage cache limits and the optional S3 mirror
//   - Manifest: manifest store backend
//   - Sampling, Detection, Clustering: speaker identification
//   - Gemini, Headshot, Composition: generative stages
//   - Pipeline, Retry: orchestration limits
//   - Logging: log format and level
type Config struct {
	Paths       Paths       `toml:"paths"`
	Cache       Cache       `toml:"cache"`
	Manifest    Manifest    `toml:"manifest"`
	Sampling    Sampling    `toml:"sampling"`
	Detection   Detection   `toml:"detection"`
	Clustering  Clustering  `toml:"clustering"`
	Gemini      Gemini      `toml:"gemini"`
	Headshot    Headshot    `toml:"headshot"`
	Composition Composition `toml:"composition"`
	Pipeline    Pipeline    `toml:"pipeline"`
	Retry       Retry       `toml:"retry"`
	Logging     Logging     `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("podthumb.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the workspace, cache, and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.WorkspaceDir, c.Paths.CacheDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// FramesDir is the workspace directory holding sampled frames.
func (c *Config) FramesDir() string { return filepath.Join(c.Paths.WorkspaceDir, "frames") }

// HeadshotsDir is the workspace directory holding generated headshots.
func (c *Config) HeadshotsDir() string { return filepath.Join(c.Paths.WorkspaceDir, "headshots") }

// ThumbnailsDir is the workspace directory holding composed thumbnails.
func (c *Config) ThumbnailsDir() string { return filepath.Join(c.Paths.WorkspaceDir, "thumbnails") }

// ManifestDBPath is the SQLite manifest database path.
func (c *Config) ManifestDBPath() string {
	return filepath.Join(c.Paths.WorkspaceDir, "manifests.db")
}

// ManifestDir is the directory used by the file manifest backend.
func (c *Config) ManifestDir() string { return filepath.Join(c.Paths.WorkspaceDir, "manifests") }

// FFmpegBinary returns the ffmpeg executable used for frame extraction.
func (c *Config) FFmpegBinary() string {
	if strings.TrimSpace(c.Paths.FFmpegPath) != "" {
		return c.Paths.FFmpegPath
	}
	return "ffmpeg"
}

// FFprobeBinary returns the ffprobe executable used for duration probing.
func (c *Config) FFprobeBinary() string {
	if strings.TrimSpace(c.Paths.FFprobePath) != "" {
		return c.Paths.FFprobePath
	}
	return "ffprobe"
}

// RequireGemini reports a configuration error when no API key is available.
// Only the generative stages need it, so Validate does not enforce it.
func (c *Config) RequireGemini() error {
	if strings.TrimSpace(c.Gemini.APIKey) != "" {
		return nil
	}
	defaultPath, err := DefaultConfigPath()
	if err != nil {
		defaultPath = defaultConfigPath
	}
	return fmt.Errorf("gemini.api_key is required. Set GEMINI_API_KEY env var or edit %s (create with 'podthumb config init')", defaultPath)
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// SampleConfig returns the embedded sample configuration.
func SampleConfig() string {
	return sampleConfig
}
