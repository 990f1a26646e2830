package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"podthumb/internal/cache"
	"podthumb/internal/cache/minio"
	"podthumb/internal/config"
	"podthumb/internal/imagegen"
	"podthumb/internal/manifest"
	"podthumb/internal/services"
	"podthumb/internal/services/facedetect"
	"podthumb/internal/services/ffmpeg"
	"podthumb/internal/services/gemini"
)

// Runtime is an Orchestrator wired to the real collaborators. Close releases
// the manifest store.
type Runtime struct {
	*Orchestrator
	Manifests manifest.Store
	Cache     *cache.FileStore
}

// Close releases the manifest store.
func (r *Runtime) Close() error {
	if r == nil || r.Manifests == nil {
		return nil
	}
	return r.Manifests.Close()
}

// NewFromConfig builds the ffmpeg, face detector and Gemini clients, the
// local cache (tiered over the S3 mirror when enabled) and the manifest
// store described by cfg.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	local, err := cache.NewFileStore(cfg.Paths.CacheDir, logger)
	if err != nil {
		return nil, err
	}
	var store cache.Store = local
	if cfg.Cache.Mirror.Enabled {
		mirror, err := minio.New(minio.Options{
			Endpoint:   cfg.Cache.Mirror.Endpoint,
			Bucket:     cfg.Cache.Mirror.Bucket,
			Prefix:     cfg.Cache.Mirror.Prefix,
			AccessKey:  cfg.Cache.Mirror.AccessKey,
			SecretKey:  cfg.Cache.Mirror.SecretKey,
			UseSSL:     cfg.Cache.Mirror.UseSSL,
			StagingDir: filepath.Join(cfg.Paths.CacheDir, "mirror-staging"),
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := mirror.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		store = cache.NewTiered(local, mirror, logger)
	}

	manifests, err := manifest.Open(cfg)
	if err != nil {
		return nil, err
	}

	media := ffmpeg.New(cfg.FFmpegBinary(), cfg.FFprobeBinary(), cfg.Sampling.JPEGQuality)
	detector := facedetect.New(facedetect.Config{
		Command: cfg.Detection.Command,
		Args:    cfg.Detection.Args,
		Model:   cfg.Detection.Model,
		Timeout: time.Duration(cfg.Detection.TimeoutSeconds) * time.Second,
	}, nil)

	var generator imagegen.Generator
	if err := cfg.RequireGemini(); err != nil {
		generator = unconfigured{err: services.Wrap(services.ErrConfiguration, "", "gemini", "", err)}
	} else {
		generator = gemini.NewClient(gemini.Config{
			APIKey:         cfg.Gemini.APIKey,
			BaseURL:        cfg.Gemini.BaseURL,
			TimeoutSeconds: cfg.Gemini.TimeoutSeconds,
		})
	}

	orch, err := New(Deps{
		Config:    cfg,
		Logger:    logger,
		Manifests: manifests,
		Cache:     store,
		Extractor: media,
		Prober:    media,
		Detector:  detector,
		Generator: generator,
	})
	if err != nil {
		_ = manifests.Close()
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	return &Runtime{Orchestrator: orch, Manifests: manifests, Cache: local}, nil
}

// unconfigured fails every generation with the missing-credentials error so
// stages that never generate still run without an API key.
type unconfigured struct {
	err error
}

func (u unconfigured) Generate(context.Context, imagegen.Request) ([]imagegen.Image, error) {
	return nil, u.err
}
