// Package manifest persists the append-only record of what each pipeline
// stage produced.
//
// Every Append creates the next version for a stage; older versions are never
// rewritten so a run can be audited and cache behaviour debugged after the
// fact. Load returns the latest version and reports an unknown stage as
// found=false rather than an error. Backends are interchangeable: SQLite (the
// default), one JSON file per version, or memory for tests.
//
// The SQLite schema lives in schema.sql. Schema changes bump schemaVersion in
// schema.go; users delete manifests.db to adopt the new schema.
package manifest
