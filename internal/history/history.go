// Package history keeps the durable record of submitted apps and finished
// builds in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get when no app is recorded for a package id.
var ErrNotFound = errors.New("app not found")

// AppRecord is the latest known state of one submitted app.
type AppRecord struct {
	PackageID   string `json:"package_id"`
	AppName     string `json:"app_name"`
	TargetURL   string `json:"target_url"`
	VersionName string `json:"version_name,omitempty"`
	VersionCode int    `json:"version_code,omitempty"`
	// ContactEmail is where the external notifier sends the download link.
	ContactEmail string    `json:"contact_email,omitempty"`
	LastBuildID  string    `json:"last_build_id"`
	LastState    string    `json:"last_state"`
	APKName      string    `json:"apk_name,omitempty"`
	AABName      string    `json:"aab_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// BuildOutcome is one terminal build.
type BuildOutcome struct {
	BuildID     string    `json:"build_id"`
	PackageID   string    `json:"package_id"`
	OutputKind  string    `json:"output_kind"`
	State       string    `json:"state"`
	FailureKind string    `json:"failure_kind,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	FinishedAt  time.Time `json:"finished_at"`
}

type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens the history database. Use ":memory:" in tests.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS apps (
		package_id TEXT PRIMARY KEY,
		app_name TEXT NOT NULL,
		target_url TEXT NOT NULL,
		version_name TEXT NOT NULL DEFAULT '',
		version_code INTEGER NOT NULL DEFAULT 0,
		contact_email TEXT NOT NULL DEFAULT '',
		last_build_id TEXT NOT NULL,
		last_state TEXT NOT NULL,
		apk_name TEXT NOT NULL DEFAULT '',
		aab_name TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS builds (
		build_id TEXT PRIMARY KEY,
		package_id TEXT NOT NULL,
		output_kind TEXT NOT NULL,
		state TEXT NOT NULL,
		failure_kind TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		exit_code INTEGER,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		finished_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_builds_package ON builds(package_id);
	CREATE INDEX IF NOT EXISTS idx_builds_finished ON builds(finished_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.ensureColumn("apps", "contact_email", "TEXT NOT NULL DEFAULT ''")
}

// ensureColumn adds a column that databases created by older releases lack.
func (s *Store) ensureColumn(table, column, decl string) error {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

// Upsert inserts or updates the record for rec.PackageID. Artifact names
// and the contact address that are empty in rec keep their stored value, so
// an app built as both apk and aab remembers both.
func (s *Store) Upsert(ctx context.Context, rec AppRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := rec.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO apps (package_id, app_name, target_url, version_name, version_code,
			contact_email, last_build_id, last_state, apk_name, aab_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(package_id) DO UPDATE SET
			app_name = excluded.app_name,
			target_url = excluded.target_url,
			version_name = excluded.version_name,
			version_code = excluded.version_code,
			contact_email = CASE WHEN excluded.contact_email = '' THEN apps.contact_email ELSE excluded.contact_email END,
			last_build_id = excluded.last_build_id,
			last_state = excluded.last_state,
			apk_name = CASE WHEN excluded.apk_name = '' THEN apps.apk_name ELSE excluded.apk_name END,
			aab_name = CASE WHEN excluded.aab_name = '' THEN apps.aab_name ELSE excluded.aab_name END,
			updated_at = excluded.updated_at`,
		rec.PackageID, rec.AppName, rec.TargetURL, rec.VersionName, rec.VersionCode,
		rec.ContactEmail, rec.LastBuildID, rec.LastState, rec.APKName, rec.AABName, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert app %s: %w", rec.PackageID, err)
	}
	return nil
}

const appColumns = `package_id, app_name, target_url, version_name, version_code,
	contact_email, last_build_id, last_state, apk_name, aab_name, created_at, updated_at`

func (s *Store) Get(ctx context.Context, packageID string) (AppRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+appColumns+" FROM apps WHERE package_id = ?", packageID)
	rec, err := scanApp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AppRecord{}, ErrNotFound
	}
	if err != nil {
		return AppRecord{}, fmt.Errorf("get app %s: %w", packageID, err)
	}
	return rec, nil
}

// Search matches query case-insensitively as a substring of the app name or
// package id, most recently updated first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]AppRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(query))) + "%"
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+appColumns+` FROM apps
		WHERE lower(app_name) LIKE ? ESCAPE '\' OR lower(package_id) LIKE ? ESCAPE '\'
		ORDER BY updated_at DESC LIMIT ?`,
		pattern, pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search apps: %w", err)
	}
	defer rows.Close()

	out := make([]AppRecord, 0)
	for rows.Next() {
		rec, err := scanApp(rows)
		if err != nil {
			return nil, fmt.Errorf("scan app: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func (s *Store) RecordBuild(ctx context.Context, b BuildOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exit sql.NullInt64
	if b.ExitCode != nil {
		exit = sql.NullInt64{Int64: int64(*b.ExitCode), Valid: true}
	}
	finished := b.FinishedAt
	if finished.IsZero() {
		finished = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO builds (build_id, package_id, output_kind, state, failure_kind,
			summary, exit_code, duration_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.BuildID, b.PackageID, b.OutputKind, b.State, b.FailureKind,
		b.Summary, exit, b.DurationMS, finished.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record build %s: %w", b.BuildID, err)
	}
	return nil
}

// Builds lists the outcomes recorded for a package, newest first.
func (s *Store) Builds(ctx context.Context, packageID string, limit int) ([]BuildOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT build_id, package_id, output_kind, state, failure_kind, summary, exit_code, duration_ms, finished_at
		FROM builds WHERE package_id = ? ORDER BY finished_at DESC LIMIT ?`,
		packageID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query builds: %w", err)
	}
	defer rows.Close()

	out := make([]BuildOutcome, 0)
	for rows.Next() {
		var b BuildOutcome
		var exit sql.NullInt64
		var finished int64
		if err := rows.Scan(&b.BuildID, &b.PackageID, &b.OutputKind, &b.State, &b.FailureKind,
			&b.Summary, &exit, &b.DurationMS, &finished); err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		if exit.Valid {
			code := int(exit.Int64)
			b.ExitCode = &code
		}
		b.FinishedAt = time.UnixMilli(finished).UTC()
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanApp(row scanner) (AppRecord, error) {
	var rec AppRecord
	var created, updated int64
	err := row.Scan(&rec.PackageID, &rec.AppName, &rec.TargetURL, &rec.VersionName, &rec.VersionCode,
		&rec.ContactEmail, &rec.LastBuildID, &rec.LastState, &rec.APKName, &rec.AABName, &created, &updated)
	if err != nil {
		return AppRecord{}, err
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return rec, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
