// Package cache stores stage outputs keyed by the canonical fingerprint of
// their semantic inputs.
//
// The FileStore keeps each entry under objects/<fp[:2]>/<fp>/ with an
// entry.json written last, so an entry either exists completely or not at all.
// Lookups are pure reads and a miss is not an error. Store is idempotent for
// identical outputs and rejects different outputs for an existing fingerprint
// with a *ConflictError; the first writer wins and concurrent writers of the
// same fingerprint are serialized by a per-fingerprint file lock.
//
// # Size Management
//
// Retention is external to the pipeline: `podthumb cache prune` removes the
// oldest entries until the configured budget is met, and every reader
// tolerates an entry vanishing between runs. Tiered layers an optional
// S3-compatible mirror (see cache/minio) behind the local store.
package cache
