package services

import "context"

type contextKey int

const (
	runIDKey contextKey = iota
	stageKey
	speakerIDKey
	videoKey
)

func withString(ctx context.Context, key contextKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(key).(string)
	return v, ok && v != ""
}

// WithRunID annotates context with the pipeline run identifier.
func WithRunID(ctx context.Context, id string) context.Context {
	return withString(ctx, runIDKey, id)
}

// RunIDFromContext extracts the pipeline run identifier if present.
func RunIDFromContext(ctx context.Context) (string, bool) { return stringFrom(ctx, runIDKey) }

// WithStage annotates context with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	return withString(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) { return stringFrom(ctx, stageKey) }

// WithSpeakerID annotates context with the speaker a per-speaker task works on.
func WithSpeakerID(ctx context.Context, id string) context.Context {
	return withString(ctx, speakerIDKey, id)
}

// SpeakerIDFromContext returns the speaker identifier if present.
func SpeakerIDFromContext(ctx context.Context) (string, bool) { return stringFrom(ctx, speakerIDKey) }

// WithVideo annotates context with the fingerprint of the video being processed.
func WithVideo(ctx context.Context, fingerprint string) context.Context {
	return withString(ctx, videoKey, fingerprint)
}

// VideoFromContext returns the video fingerprint if present.
func VideoFromContext(ctx context.Context) (string, bool) { return stringFrom(ctx, videoKey) }
