package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	c.applyEnv()
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeCache()
	c.normalizeModels()
	c.normalizeLogging()
	return nil
}

// applyEnv fills unset values from environment fallbacks. Only Load consults
// the environment; the pipeline packages receive the resolved Config.
func (c *Config) applyEnv() {
	if strings.TrimSpace(c.Gemini.APIKey) == "" {
		for _, key := range []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"} {
			if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
				c.Gemini.APIKey = strings.TrimSpace(value)
				break
			}
		}
	}
	if value, ok := os.LookupEnv("PODTHUMB_HEADSHOT_MODEL"); ok && strings.TrimSpace(value) != "" {
		c.Headshot.Model = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv("PODTHUMB_COMPOSE_MODEL"); ok && strings.TrimSpace(value) != "" {
		c.Composition.Model = strings.TrimSpace(value)
	}
	if value, ok := os.LookupEnv("PODTHUMB_CACHE_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Paths.CacheDir = strings.TrimSpace(value)
	}
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.WorkspaceDir) == "" {
		c.Paths.WorkspaceDir = defaultWorkspaceDir
	}
	if c.Paths.WorkspaceDir, err = expandPath(c.Paths.WorkspaceDir); err != nil {
		return fmt.Errorf("paths.workspace_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.CacheDir) == "" {
		c.Paths.CacheDir = defaultCacheDir
	}
	if c.Paths.CacheDir, err = expandPath(c.Paths.CacheDir); err != nil {
		return fmt.Errorf("paths.cache_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.FFmpegPath = strings.TrimSpace(c.Paths.FFmpegPath)
	c.Paths.FFprobePath = strings.TrimSpace(c.Paths.FFprobePath)
	if c.Clustering.HintsPath = strings.TrimSpace(c.Clustering.HintsPath); c.Clustering.HintsPath != "" {
		if c.Clustering.HintsPath, err = expandPath(c.Clustering.HintsPath); err != nil {
			return fmt.Errorf("clustering.hints_path: %w", err)
		}
	}
	return nil
}

func (c *Config) normalizeCache() {
	c.Cache.FingerprintMode = strings.ToLower(strings.TrimSpace(c.Cache.FingerprintMode))
	if c.Cache.FingerprintMode == "" {
		c.Cache.FingerprintMode = defaultFingerprintMode
	}
	c.Manifest.Backend = strings.ToLower(strings.TrimSpace(c.Manifest.Backend))
	if c.Manifest.Backend == "" {
		c.Manifest.Backend = defaultManifestBackend
	}
	c.Cache.Mirror.Endpoint = strings.TrimSpace(c.Cache.Mirror.Endpoint)
	c.Cache.Mirror.Bucket = strings.TrimSpace(c.Cache.Mirror.Bucket)
	c.Cache.Mirror.Prefix = strings.Trim(strings.TrimSpace(c.Cache.Mirror.Prefix), "/")
}

func (c *Config) normalizeModels() {
	c.Gemini.BaseURL = strings.TrimRight(strings.TrimSpace(c.Gemini.BaseURL), "/")
	if c.Gemini.BaseURL == "" {
		c.Gemini.BaseURL = defaultGeminiBaseURL
	}
	if strings.TrimSpace(c.Headshot.Model) == "" {
		c.Headshot.Model = defaultImageModel
	}
	if strings.TrimSpace(c.Headshot.Prompt) == "" {
		c.Headshot.Prompt = DefaultHeadshotPrompt
	}
	if strings.TrimSpace(c.Composition.Model) == "" {
		c.Composition.Model = defaultImageModel
	}
	c.Composition.Template = strings.ToLower(strings.TrimSpace(c.Composition.Template))
	if c.Composition.Template == "" {
		c.Composition.Template = defaultCompositionTemplate
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
