package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

var (
	// ErrChecksumMismatch means an applied migration's file was edited
	// afterwards. Add a new migration instead.
	ErrChecksumMismatch = errors.New("database: applied migration was modified")

	// ErrNoDownMigration is returned by MigrateDown for one-way migrations.
	ErrNoDownMigration = errors.New("database: migration has no down file")

	// ErrUnknownMigration is returned by MigrateDown when the latest
	// applied version has no file in the source.
	ErrUnknownMigration = errors.New("database: applied migration missing from source")
)

// Migration is one YYYYMMDD_HHMMSS_name.up.sql file and its optional
// .down.sql partner.
type Migration struct {
	Version  string
	Name     string
	Up       string
	Down     string
	Checksum string
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version   string
	Name      string
	Checksum  string
	AppliedAt time.Time
}

// MigrationStatus compares the source with what the database has applied.
type MigrationStatus struct {
	Applied []AppliedMigration
	Pending []Migration
}

const schemaMigrationsDDL = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version    TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	checksum   TEXT NOT NULL,
	applied_at TEXT NOT NULL
)`

// Migrate applies pending migrations oldest first, each in its own
// transaction. A failure leaves earlier migrations committed and stops;
// rerunning resumes from the failed one. Migrate refuses to run when an
// applied migration's checksum no longer matches its file.
func (db *DB) Migrate(ctx context.Context) error {
	status, err := db.MigrationStatus(ctx)
	if err != nil {
		return err
	}
	for _, m := range status.Pending {
		if err := db.apply(ctx, m); err != nil {
			return fmt.Errorf("migration %s_%s: %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// MigrateDown reverts the most recently applied migration. With nothing
// applied it does nothing.
func (db *DB) MigrateDown(ctx context.Context) error {
	applied, err := db.applied(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return nil
	}
	latest := applied[len(applied)-1]

	all, err := db.source.load()
	if err != nil {
		return err
	}
	idx := sort.Search(len(all), func(i int) bool { return all[i].Version >= latest.Version })
	if idx == len(all) || all[idx].Version != latest.Version {
		return fmt.Errorf("%w: %s", ErrUnknownMigration, latest.Version)
	}
	m := all[idx]
	if m.Down == "" {
		return fmt.Errorf("%w: %s_%s", ErrNoDownMigration, m.Version, m.Name)
	}

	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, m.Down); err != nil {
			return fmt.Errorf("reverting %s: %w", m.Version, err)
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", m.Version)
		return err
	})
}

// MigrationStatus lists applied and pending migrations. It fails with
// ErrChecksumMismatch if an applied file changed.
func (db *DB) MigrationStatus(ctx context.Context) (MigrationStatus, error) {
	var status MigrationStatus

	applied, err := db.applied(ctx)
	if err != nil {
		return status, err
	}
	all, err := db.source.load()
	if err != nil {
		return status, err
	}

	done := make(map[string]AppliedMigration, len(applied))
	for _, a := range applied {
		done[a.Version] = a
	}
	for _, m := range all {
		a, ok := done[m.Version]
		switch {
		case !ok:
			status.Pending = append(status.Pending, m)
		case a.Checksum != m.Checksum:
			return status, fmt.Errorf("%w: %s_%s", ErrChecksumMismatch, m.Version, m.Name)
		}
	}
	status.Applied = applied
	return status, nil
}

// applied returns schema_migrations in version order, creating the table
// on first use.
func (db *DB) applied(ctx context.Context) ([]AppliedMigration, error) {
	if _, err := db.ExecContext(ctx, schemaMigrationsDDL); err != nil {
		return nil, fmt.Errorf("creating schema_migrations: %w", err)
	}

	rows, err := db.QueryContext(ctx,
		"SELECT version, name, checksum, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("reading schema_migrations: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var a AppliedMigration
		var at string
		if err := rows.Scan(&a.Version, &a.Name, &a.Checksum, &at); err != nil {
			return nil, fmt.Errorf("scanning schema_migrations: %w", err)
		}
		a.AppliedAt, _ = time.Parse(time.RFC3339, at) //nolint:errcheck // written by apply
		out = append(out, a)
	}
	return out, rows.Err()
}

func (db *DB) apply(ctx context.Context, m Migration) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)",
			m.Version, m.Name, m.Checksum, time.Now().UTC().Format(time.RFC3339))
		return err
	})
}

// inTx runs fn in a transaction, committing only if fn succeeds.
func (db *DB) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// migrationSource reads migration files from an fs.FS directory.
type migrationSource struct {
	fsys fs.FS
	dir  string
}

// load returns the source's migrations sorted by version. Files that do
// not follow the naming scheme are ignored, as is a missing directory.
func (s migrationSource) load() ([]Migration, error) {
	if s.fsys == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(s.fsys, s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		f, ok := parseMigrationFile(e.Name())
		if !ok {
			continue
		}
		body, err := fs.ReadFile(s.fsys, path.Join(s.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}

		m := byVersion[f.version]
		if m == nil {
			m = &Migration{Version: f.version, Name: f.name}
			byVersion[f.version] = m
		}
		if f.up {
			m.Up = string(body)
			sum := sha256.Sum256(body)
			m.Checksum = hex.EncodeToString(sum[:])
		} else {
			m.Down = string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		// A lone .down.sql has nothing to revert.
		if m.Up != "" {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// migrationFile is the parsed form of YYYYMMDD_HHMMSS_name.{up,down}.sql.
type migrationFile struct {
	version string
	name    string
	up      bool
}

func parseMigrationFile(filename string) (migrationFile, bool) {
	base, ok := strings.CutSuffix(filename, ".sql")
	if !ok {
		return migrationFile{}, false
	}

	var f migrationFile
	switch {
	case strings.HasSuffix(base, ".up"):
		f.up = true
		base = strings.TrimSuffix(base, ".up")
	case strings.HasSuffix(base, ".down"):
		base = strings.TrimSuffix(base, ".down")
	default:
		return migrationFile{}, false
	}

	parts := strings.SplitN(base, "_", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return migrationFile{}, false
	}
	f.version = parts[0] + "_" + parts[1]
	f.name = f.version
	if len(parts) == 3 && parts[2] != "" {
		f.name = parts[2]
	}
	return f, true
}
