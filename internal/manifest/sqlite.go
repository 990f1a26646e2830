package manifest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"podthumb/internal/artifact"
)

// SQLiteStore keeps manifests in a single SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite initializes or connects to the manifest database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure manifest dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serializes version allocation within the process;
	// busy_timeout covers other processes.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &SQLiteStore{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append records entries as the next version of stage in one transaction.
func (s *SQLiteStore) Append(ctx context.Context, stage, runID string, entries []Entry) (Manifest, error) {
	if err := ValidateStage(stage); err != nil {
		return Manifest{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Manifest{}, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM manifests WHERE stage = ?", stage,
	).Scan(&current); err != nil {
		return Manifest{}, fmt.Errorf("read latest version: %w", err)
	}

	m := Manifest{
		Stage:         stage,
		Version:       current + 1,
		RunID:         runID,
		SchemaVersion: PayloadVersion,
		CreatedAt:     time.Now().UTC(),
		Entries:       entries,
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO manifests (stage, version, run_id, schema_version, created_at)
        VALUES (?, ?, ?, ?, ?)`,
		m.Stage, m.Version, m.RunID, m.SchemaVersion, m.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Manifest{}, fmt.Errorf("insert manifest: %w", err)
	}
	manifestID, err := res.LastInsertId()
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO manifest_entries (manifest_id, position, kind, entity_id, seq, fingerprint, origin, payload)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return Manifest{}, fmt.Errorf("prepare entry insert: %w", err)
	}
	defer stmt.Close()
	for i, e := range entries {
		payload := e.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		if _, err := stmt.ExecContext(ctx, manifestID, i, e.Kind, e.ID, e.Seq, e.Fingerprint, string(e.Origin), string(payload)); err != nil {
			return Manifest{}, fmt.Errorf("insert entry %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Manifest{}, fmt.Errorf("commit manifest: %w", err)
	}
	return cloneManifest(m), nil
}

// Load returns the latest version of stage.
func (s *SQLiteStore) Load(ctx context.Context, stage string) (Manifest, bool, error) {
	if err := ValidateStage(stage); err != nil {
		return Manifest{}, false, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, stage, version, run_id, schema_version, created_at
        FROM manifests WHERE stage = ? ORDER BY version DESC LIMIT 1`, stage)
	id, m, err := scanManifest(row)
	if err == sql.ErrNoRows {
		return Manifest{}, false, nil
	}
	if err != nil {
		return Manifest{}, false, err
	}
	if m.Entries, err = s.loadEntries(ctx, id); err != nil {
		return Manifest{}, false, err
	}
	return m, true, nil
}

// History returns every version of stage, oldest first.
func (s *SQLiteStore) History(ctx context.Context, stage string) ([]Manifest, error) {
	if err := ValidateStage(stage); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stage, version, run_id, schema_version, created_at
        FROM manifests WHERE stage = ? ORDER BY version ASC`, stage)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	type pending struct {
		id int64
		m  Manifest
	}
	var found []pending
	for rows.Next() {
		id, m, err := scanManifest(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		found = append(found, pending{id: id, m: m})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	rows.Close()

	out := make([]Manifest, 0, len(found))
	for _, p := range found {
		entries, err := s.loadEntries(ctx, p.id)
		if err != nil {
			return nil, err
		}
		p.m.Entries = entries
		out = append(out, p.m)
	}
	return out, nil
}

// Stages lists stages with at least one version.
func (s *SQLiteStore) Stages(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT stage FROM manifests ORDER BY stage")
	if err != nil {
		return nil, fmt.Errorf("query stages: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var stage string
		if err := rows.Scan(&stage); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		out = append(out, stage)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanManifest(row rowScanner) (int64, Manifest, error) {
	var (
		id      int64
		m       Manifest
		created string
	)
	if err := row.Scan(&id, &m.Stage, &m.Version, &m.RunID, &m.SchemaVersion, &created); err != nil {
		if err == sql.ErrNoRows {
			return 0, Manifest{}, err
		}
		return 0, Manifest{}, fmt.Errorf("scan manifest: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return 0, Manifest{}, fmt.Errorf("parse created_at %q: %w", created, err)
	}
	m.CreatedAt = ts
	return id, m, nil
}

func (s *SQLiteStore) loadEntries(ctx context.Context, manifestID int64) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, entity_id, seq, fingerprint, origin, payload
        FROM manifest_entries WHERE manifest_id = ? ORDER BY position ASC`, manifestID)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()
	entries := []Entry{}
	for rows.Next() {
		var (
			e       Entry
			origin  string
			payload string
		)
		if err := rows.Scan(&e.Kind, &e.ID, &e.Seq, &e.Fingerprint, &origin, &payload); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Origin = artifact.Origin(origin)
		e.Payload = json.RawMessage(payload)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}
