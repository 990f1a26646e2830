package stageexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"podthumb/internal/artifact"
	"podthumb/internal/cache"
	"podthumb/internal/logging"
	"podthumb/internal/manifest"
	"podthumb/internal/services"
)

// Invocation is what one successful external call produced.
type Invocation[T any] struct {
	Value T

	// Sources are the output files copied into the cache.
	Sources []cache.Source

	// Attributes are cached alongside the outputs and must carry only
	// run-independent data.
	Attributes any

	// Incomplete marks a usable result with gaps a later run may fill. It is
	// returned and recorded but never stored.
	Incomplete bool
}

// Spec describes one cached stage invocation.
type Spec[T any] struct {
	Stage       string
	Item        string
	Fingerprint string
	Cache       cache.Store
	Logger      *slog.Logger
	Retry       Retry
	Limiter     *rate.Limiter
	Batch       *manifest.Batch

	// Restore rebuilds the value from a cache entry.
	Restore func(context.Context, cache.Entry) (T, error)

	// Invoke performs the external call. attempt is 1-based.
	Invoke func(ctx context.Context, attempt int) (Invocation[T], error)

	// Validate rejects outputs that do not meet the stage's minimum constraints.
	Validate func(Invocation[T]) error

	// Record turns the outcome into manifest entries for Batch.
	Record func(Outcome[T]) ([]manifest.Entry, error)
}

// Outcome is the result of Run.
type Outcome[T any] struct {
	Value       T
	Origin      artifact.Origin
	Fingerprint string
	Attempts    int
	Stored      bool
}

// Run executes spec through the cache protocol.
func Run[T any](ctx context.Context, spec Spec[T]) (Outcome[T], error) {
	if err := spec.check(); err != nil {
		return Outcome[T]{}, err
	}
	logger := logging.WithContext(ctx, spec.Logger).With(
		logging.Fingerprint(spec.Fingerprint),
	)
	if spec.Item != "" {
		logger = logger.With(logging.String("item", spec.Item))
	}

	if err := ctx.Err(); err != nil {
		return Outcome[T]{}, err
	}

	if value, ok := lookup(ctx, spec, logger); ok {
		out := Outcome[T]{Value: value, Origin: artifact.OriginCache, Fingerprint: spec.Fingerprint}
		logger.Debug("cache hit", logging.String(logging.FieldEventType, "cache_hit"))
		return out, record(spec, out)
	}

	inv, attempts, err := invoke(ctx, spec, logger)
	if err != nil {
		return Outcome[T]{Attempts: attempts, Fingerprint: spec.Fingerprint}, err
	}
	if spec.Validate != nil {
		if verr := spec.Validate(inv); verr != nil {
			return Outcome[T]{Attempts: attempts, Fingerprint: spec.Fingerprint},
				services.Wrap(services.ErrValidation, spec.Stage, "validate", spec.Item, verr)
		}
	}

	out := Outcome[T]{Value: inv.Value, Origin: artifact.OriginFresh, Fingerprint: spec.Fingerprint, Attempts: attempts}
	if inv.Incomplete {
		logger.Info("incomplete result not cached",
			logging.String(logging.FieldEventType, "cache_store_skipped"),
		)
	} else if existing, ok := store(ctx, spec, inv, logger); ok {
		out.Stored = true
		if existing != nil {
			out.Value = *existing
			out.Origin = artifact.OriginCache
		}
	}
	logger.Debug("stage item computed",
		logging.String(logging.FieldEventType, "cache_miss_computed"),
		logging.Int("attempts", attempts),
		logging.Bool("stored", out.Stored),
	)
	return out, record(spec, out)
}

func (spec Spec[T]) check() error {
	if strings.TrimSpace(spec.Stage) == "" {
		return errors.New("stageexec: stage name is required")
	}
	if spec.Invoke == nil {
		return fmt.Errorf("stageexec: %s: invoke function is required", spec.Stage)
	}
	if spec.Cache != nil {
		if spec.Restore == nil {
			return fmt.Errorf("stageexec: %s: restore function is required with a cache", spec.Stage)
		}
		if !cache.ValidFingerprint(spec.Fingerprint) {
			return fmt.Errorf("stageexec: %s: invalid fingerprint %q", spec.Stage, spec.Fingerprint)
		}
	}
	return nil
}

func lookup[T any](ctx context.Context, spec Spec[T], logger *slog.Logger) (T, bool) {
	var zero T
	if spec.Cache == nil {
		return zero, false
	}
	entry, found, err := spec.Cache.Lookup(ctx, spec.Fingerprint)
	if err != nil {
		logging.WarnWithContext(logger, "cache lookup failed; computing fresh", "cache_lookup_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check cache directory permissions and free space"),
			logging.String(logging.FieldImpact, "stage output will be recomputed"),
		)
		return zero, false
	}
	if !found {
		return zero, false
	}
	value, err := spec.Restore(ctx, entry)
	if err != nil {
		logging.WarnWithContext(logger, "cache entry unusable; computing fresh", "cache_restore_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "run 'podthumb cache prune' if this repeats"),
			logging.String(logging.FieldImpact, "stage output will be recomputed"),
		)
		return zero, false
	}
	return value, true
}

// invoke calls the external capability, retrying transient failures. Once an
// attempt starts it runs detached from ctx cancellation so in-flight work
// completes; no new attempt starts after ctx is done.
func invoke[T any](ctx context.Context, spec Spec[T], logger *slog.Logger) (Invocation[T], int, error) {
	attempts := spec.Retry.attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Invocation[T]{}, attempt - 1, err
		}
		if spec.Limiter != nil {
			if err := spec.Limiter.Wait(ctx); err != nil {
				return Invocation[T]{}, attempt - 1, err
			}
		}
		inv, err := spec.Invoke(context.WithoutCancel(ctx), attempt)
		if err == nil {
			return inv, attempt, nil
		}
		lastErr = err
		if !services.IsRetryable(err) || attempt == attempts {
			break
		}
		delay := spec.Retry.delayFor(err, attempt)
		logger.Info("transient failure; retrying",
			logging.String(logging.FieldEventType, "stage_retry"),
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay),
			logging.Error(err),
		)
		if err := spec.Retry.sleep(ctx, delay); err != nil {
			return Invocation[T]{}, attempt, err
		}
	}
	if services.IsRetryable(lastErr) && attempts > 1 {
		return Invocation[T]{}, attempts, fmt.Errorf("%s: failed after %d attempts: %w", spec.Stage, attempts, lastErr)
	}
	return Invocation[T]{}, attempts, lastErr
}

// store writes the outputs to the cache. It reports whether the cache now
// holds an entry for the fingerprint and, after a conflict, the value
// restored from the entry that was already there.
func store[T any](ctx context.Context, spec Spec[T], inv Invocation[T], logger *slog.Logger) (*T, bool) {
	if spec.Cache == nil {
		return nil, false
	}
	meta := cache.Metadata{Stage: spec.Stage, Attributes: inv.Attributes}
	storeCtx := context.WithoutCancel(ctx)
	var err error
	for try := 0; try < 2; try++ {
		_, err = spec.Cache.Store(storeCtx, spec.Fingerprint, inv.Sources, meta)
		if err == nil || errors.Is(err, cache.ErrConflict) {
			break
		}
	}
	if err == nil {
		return nil, true
	}

	if conflict, ok := cache.AsConflict(err); ok {
		logging.WarnWithContext(logger, "cache conflict; using existing entry", "cache_conflict",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the external capability is non-deterministic for identical inputs"),
			logging.String(logging.FieldImpact, "stage output taken from the earlier cached result"),
		)
		value, rerr := spec.Restore(storeCtx, conflict.Existing)
		if rerr != nil {
			logging.WarnWithContext(logger, "existing cache entry unusable; keeping fresh output", "cache_restore_failed",
				logging.Error(rerr),
				logging.String(logging.FieldImpact, "fresh output used without caching"),
			)
			return nil, false
		}
		return &value, true
	}

	logging.WarnWithContext(logger, "cache store failed; continuing uncached", "cache_store_failed",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check cache directory permissions and free space"),
		logging.String(logging.FieldImpact, "the next run will recompute this output"),
	)
	return nil, false
}

func record[T any](spec Spec[T], out Outcome[T]) error {
	if spec.Batch == nil || spec.Record == nil {
		return nil
	}
	entries, err := spec.Record(out)
	if err != nil {
		return fmt.Errorf("%s: record manifest entry: %w", spec.Stage, err)
	}
	spec.Batch.Add(entries...)
	return nil
}

func fingerprintLabel(fp string) string {
	if len(fp) > 16 {
		return fp[:16]
	}
	return fp
}
