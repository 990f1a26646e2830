package config

const (
	defaultConfigPath             = "~/.config/podthumb/config.toml"
	defaultWorkspaceDir           = "~/.local/share/podthumb/workspace"
	defaultCacheDir               = "~/.cache/podthumb"
	defaultLogDir                 = "~/.local/share/podthumb/logs"
	defaultCacheMaxGiB            = 20
	defaultFingerprintMode        = "content"
	defaultManifestBackend        = "sqlite"
	defaultSamplingStride         = 30.0
	defaultSamplingLimit          = 40
	defaultJPEGQuality            = 2
	defaultDetectionCommand       = "podthumb-faces"
	defaultDetectionModel         = "insightface-buffalo_l"
	defaultDetectionTimeout       = 120
	defaultSimilarityThreshold    = 0.6
	defaultMinConfidence          = 0.5
	defaultRepresentatives        = 4
	defaultGeminiBaseURL          = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiTimeoutSeconds   = 180
	defaultGeminiRequestsPerMin   = 10
	defaultImageModel             = "gemini-3-pro-image-preview"
	defaultHeadshotAspectRatio    = "1:1"
	defaultHeadshotImageSize      = "1K"
	defaultHeadshotNumImages      = 1
	defaultHeadshotMaxReferences  = 14
	defaultHeadshotMinDimension   = 512
	defaultCompositionTemplate    = "diary_ceo"
	defaultCompositionAspectRatio = "16:9"
	defaultCompositionImageSize   = "2K"
	defaultCompositionMaxRefs     = 4
	defaultCompositionMinDim      = 720
	defaultMinSpeakers            = 2
	defaultMaxSpeakers            = 4
	defaultHeadshotConcurrency    = 2
	defaultRetryAttempts          = 3
	defaultRetryBaseDelayMS       = 1000
	defaultRetryMaxDelaySeconds   = 30
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
)

// DefaultHeadshotPrompt is the studio headshot instruction sent with the reference frames.
const DefaultHeadshotPrompt = "Cinematic studio headshot of the same person in the reference photos." +
	" Shoulders-up, centered, eyes to camera, relaxed confident expression." +
	" Even soft key + fill lighting, natural skin tones, high detail, DSLR look." +
	" Neutral light-gray gradient background, no text or logos, no watermarks," +
	" remove clutter and artifacts."

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkspaceDir: defaultWorkspaceDir,
			CacheDir:     defaultCacheDir,
			LogDir:       defaultLogDir,
		},
		Cache: Cache{
			MaxGiB:          defaultCacheMaxGiB,
			FingerprintMode: defaultFingerprintMode,
			Mirror:          Mirror{UseSSL: true, Prefix: "podthumb"},
		},
		Manifest: Manifest{Backend: defaultManifestBackend},
		Sampling: Sampling{
			StrideSeconds: defaultSamplingStride,
			Limit:         defaultSamplingLimit,
			JPEGQuality:   defaultJPEGQuality,
		},
		Detection: Detection{
			Command:        defaultDetectionCommand,
			Model:          defaultDetectionModel,
			TimeoutSeconds: defaultDetectionTimeout,
		},
		Clustering: Clustering{
			SimilarityThreshold: defaultSimilarityThreshold,
			MinConfidence:       defaultMinConfidence,
			Representatives:     defaultRepresentatives,
		},
		Gemini: Gemini{
			BaseURL:           defaultGeminiBaseURL,
			TimeoutSeconds:    defaultGeminiTimeoutSeconds,
			RequestsPerMinute: defaultGeminiRequestsPerMin,
		},
		Headshot: Headshot{
			Model:         defaultImageModel,
			Prompt:        DefaultHeadshotPrompt,
			AspectRatio:   defaultHeadshotAspectRatio,
			ImageSize:     defaultHeadshotImageSize,
			NumImages:     defaultHeadshotNumImages,
			SquareCrop:    true,
			MaxReferences: defaultHeadshotMaxReferences,
			MinDimension:  defaultHeadshotMinDimension,
		},
		Composition: Composition{
			Model:         defaultImageModel,
			Template:      defaultCompositionTemplate,
			AspectRatio:   defaultCompositionAspectRatio,
			ImageSize:     defaultCompositionImageSize,
			MaxReferences: defaultCompositionMaxRefs,
			MinDimension:  defaultCompositionMinDim,
		},
		Pipeline: Pipeline{
			MinSpeakers:         defaultMinSpeakers,
			MaxSpeakers:         defaultMaxSpeakers,
			HeadshotConcurrency: defaultHeadshotConcurrency,
		},
		Retry: Retry{
			Attempts:        defaultRetryAttempts,
			BaseDelayMS:     defaultRetryBaseDelayMS,
			MaxDelaySeconds: defaultRetryMaxDelaySeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
