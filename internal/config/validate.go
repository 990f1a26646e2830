package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateCache(); err != nil {
		return err
	}
	if err := c.validateSampling(); err != nil {
		return err
	}
	if err := c.validateClustering(); err != nil {
		return err
	}
	if err := c.validateGeneration(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateCache() error {
	if c.Cache.MaxGiB < 0 {
		return errors.New("cache.max_gib must be >= 0")
	}
	switch c.Cache.FingerprintMode {
	case "content", "quick":
	default:
		return fmt.Errorf("cache.fingerprint_mode: unsupported value %q", c.Cache.FingerprintMode)
	}
	switch c.Manifest.Backend {
	case "sqlite", "file", "memory":
	default:
		return fmt.Errorf("manifest.backend: unsupported value %q", c.Manifest.Backend)
	}
	if c.Cache.Mirror.Enabled {
		if c.Cache.Mirror.Endpoint == "" {
			return errors.New("cache.mirror.endpoint must be set when cache.mirror.enabled is true")
		}
		if c.Cache.Mirror.Bucket == "" {
			return errors.New("cache.mirror.bucket must be set when cache.mirror.enabled is true")
		}
	}
	return nil
}

func (c *Config) validateSampling() error {
	if c.Sampling.StrideSeconds <= 0 {
		return errors.New("sampling.stride_seconds must be positive")
	}
	if c.Sampling.Limit <= 0 {
		return errors.New("sampling.limit must be positive")
	}
	if c.Sampling.JPEGQuality < 1 || c.Sampling.JPEGQuality > 31 {
		return errors.New("sampling.jpeg_quality must be between 1 and 31")
	}
	if c.Detection.TimeoutSeconds <= 0 {
		return errors.New("detection.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateClustering() error {
	if c.Clustering.SimilarityThreshold <= 0 || c.Clustering.SimilarityThreshold > 1 {
		return errors.New("clustering.similarity_threshold must be in (0, 1]")
	}
	if c.Clustering.MinConfidence < 0 || c.Clustering.MinConfidence > 1 {
		return errors.New("clustering.min_confidence must be between 0 and 1")
	}
	if c.Clustering.Representatives <= 0 {
		return errors.New("clustering.representatives must be positive")
	}
	return nil
}

func (c *Config) validateGeneration() error {
	if c.Gemini.TimeoutSeconds <= 0 {
		return errors.New("gemini.timeout_seconds must be positive")
	}
	if c.Gemini.RequestsPerMinute < 0 {
		return errors.New("gemini.requests_per_minute must be >= 0")
	}
	if c.Headshot.NumImages <= 0 {
		return errors.New("headshot.num_images must be positive")
	}
	if c.Headshot.MaxReferences <= 0 || c.Headshot.MaxReferences > 14 {
		return errors.New("headshot.max_references must be between 1 and 14")
	}
	if c.Composition.MaxReferences < 2 {
		return errors.New("composition.max_references must be at least 2")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.MinSpeakers < 1 {
		return errors.New("pipeline.min_speakers must be at least 1")
	}
	if c.Pipeline.MaxSpeakers < c.Pipeline.MinSpeakers {
		return errors.New("pipeline.max_speakers must be >= pipeline.min_speakers")
	}
	if c.Pipeline.MaxSpeakers > c.Composition.MaxReferences {
		return fmt.Errorf("pipeline.max_speakers must not exceed composition.max_references (%d)", c.Composition.MaxReferences)
	}
	if c.Pipeline.HeadshotConcurrency <= 0 {
		return errors.New("pipeline.headshot_concurrency must be positive")
	}
	if c.Retry.Attempts <= 0 {
		return errors.New("retry.attempts must be positive")
	}
	if c.Retry.BaseDelayMS < 0 || c.Retry.MaxDelaySeconds < 0 {
		return errors.New("retry delays must be >= 0")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
