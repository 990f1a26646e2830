package cache

import (
	"context"
	"fmt"
	"log/slog"

	"podthumb/internal/logging"
)

// Tiered consults the local store first and falls back to a remote mirror.
// Remote hits are copied into the local store; local writes are mirrored
// best effort, so a failing remote never fails a stage.
type Tiered struct {
	local  Store
	remote Store
	logger *slog.Logger
}

// NewTiered layers remote behind local. A nil remote makes Tiered a pass-through.
func NewTiered(local, remote Store, logger *slog.Logger) *Tiered {
	return &Tiered{local: local, remote: remote, logger: logging.NewComponentLogger(logger, "cache-tiered")}
}

// Lookup implements Store.
func (t *Tiered) Lookup(ctx context.Context, fp string) (Entry, bool, error) {
	entry, found, err := t.local.Lookup(ctx, fp)
	if err == nil && found {
		return entry, true, nil
	}
	if t.remote == nil {
		return entry, found, err
	}
	if err != nil {
		logging.WarnWithContext(t.logger, "local cache lookup failed; trying mirror", "cache_lookup_failed",
			logging.Fingerprint(fp),
			logging.Error(err),
			logging.String(logging.FieldImpact, "local cache bypassed for this lookup"),
		)
	}

	remoteEntry, found, rerr := t.remote.Lookup(ctx, fp)
	if rerr != nil {
		logging.WarnWithContext(t.logger, "cache mirror lookup failed", "cache_mirror_lookup_failed",
			logging.Fingerprint(fp),
			logging.Error(rerr),
			logging.String(logging.FieldErrorHint, "check cache.mirror endpoint and credentials"),
			logging.String(logging.FieldImpact, "treated as cache miss"),
		)
		return Entry{}, false, nil
	}
	if !found {
		return Entry{}, false, nil
	}

	hydrated, herr := t.local.Store(ctx, fp, sourcesOf(remoteEntry), Metadata{Stage: remoteEntry.Stage, Attributes: remoteEntry.Attributes})
	if herr != nil {
		t.logger.DebugContext(ctx, "mirror hit not copied locally",
			logging.Fingerprint(fp),
			logging.Error(herr),
		)
		return remoteEntry, true, nil
	}
	t.logger.DebugContext(ctx, "cache mirror hit", logging.Fingerprint(fp))
	return hydrated, true, nil
}

// Store implements Store. Only the local result decides success, except when
// the mirror already holds different outputs for fp: the mirror's entry then
// replaces the local one and Store reports a *ConflictError carrying it.
func (t *Tiered) Store(ctx context.Context, fp string, outputs []Source, meta Metadata) (Entry, error) {
	entry, err := t.local.Store(ctx, fp, outputs, meta)
	if err != nil || t.remote == nil {
		return entry, err
	}
	_, rerr := t.remote.Store(ctx, fp, sourcesOf(entry), Metadata{Stage: entry.Stage, Attributes: entry.Attributes})
	if rerr == nil {
		return entry, nil
	}
	if _, ok := AsConflict(rerr); ok {
		adopted, aerr := t.adopt(ctx, fp)
		if aerr != nil {
			logging.WarnWithContext(t.logger, "cache mirror conflict; keeping local entry", "cache_conflict",
				logging.Fingerprint(fp),
				logging.Error(aerr),
				logging.String(logging.FieldImpact, "local cache diverges from the mirror for this entry"),
			)
			return entry, nil
		}
		logging.WarnWithContext(t.logger, "cache mirror conflict; adopted mirror entry", "cache_conflict",
			logging.Fingerprint(fp),
			logging.String(logging.FieldErrorHint, "another host stored different outputs for identical inputs"),
			logging.String(logging.FieldImpact, "stage output taken from the mirror"),
		)
		return Entry{}, &ConflictError{Fingerprint: fp, Existing: adopted}
	}
	logging.WarnWithContext(t.logger, "cache mirror store failed", "cache_mirror_store_failed",
		logging.Fingerprint(fp),
		logging.Error(rerr),
		logging.String(logging.FieldErrorHint, "check cache.mirror endpoint and credentials"),
		logging.String(logging.FieldImpact, "entry cached locally only"),
	)
	return entry, nil
}

// adopt replaces the local entry for fp with the mirror's.
func (t *Tiered) adopt(ctx context.Context, fp string) (Entry, error) {
	remover, ok := t.local.(interface {
		Remove(ctx context.Context, fp string) error
	})
	if !ok {
		return Entry{}, fmt.Errorf("local store cannot replace entries")
	}
	remoteEntry, found, err := t.remote.Lookup(ctx, fp)
	if err != nil {
		return Entry{}, err
	}
	if !found {
		return Entry{}, fmt.Errorf("mirror entry %s vanished", fp)
	}
	if err := remover.Remove(ctx, fp); err != nil {
		return Entry{}, err
	}
	return t.local.Store(ctx, fp, sourcesOf(remoteEntry), Metadata{Stage: remoteEntry.Stage, Attributes: remoteEntry.Attributes})
}

func sourcesOf(entry Entry) []Source {
	sources := make([]Source, len(entry.Outputs))
	for i, out := range entry.Outputs {
		sources[i] = Source{Name: out.Name, Path: out.Path}
	}
	return sources
}
