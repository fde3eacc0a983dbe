package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver
)

// ErrNoPath is returned by Open when no database path is configured.
var ErrNoPath = errors.New("database: path is required")

const (
	dirMode  = 0o750
	fileMode = 0o600

	pingTimeout = 5 * time.Second
)

// Config maps the database section of lutron.yaml plus the migration
// source the caller embeds.
type Config struct {
	// Path of the SQLite file. Parent directories are created.
	Path string

	// WALMode lets journal reads proceed while the client appends.
	WALMode bool

	// BusyTimeout is how long, in seconds, a writer waits on a lock.
	BusyTimeout int

	// Migrations holds *.up.sql and *.down.sql files. Nil means none.
	Migrations fs.FS

	// MigrationsDir is the directory inside Migrations. Default ".".
	MigrationsDir string
}

// DB is the journal's SQLite handle.
type DB struct {
	*sql.DB
	path    string
	walMode bool
	source  migrationSource
}

// Open opens (creating if needed) the SQLite file at cfg.Path and pings it.
// It does not migrate; call Migrate.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, ErrNoPath
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirMode); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite3", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: SQLite has a single writer and the journal is small.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}
	// The driver creates the file lazily; by now the ping has created it.
	_ = os.Chmod(cfg.Path, fileMode) //nolint:errcheck // best effort

	dir := cfg.MigrationsDir
	if dir == "" {
		dir = "."
	}
	return &DB{
		DB:      sqlDB,
		path:    cfg.Path,
		walMode: cfg.WALMode,
		source:  migrationSource{fsys: cfg.Migrations, dir: dir},
	}, nil
}

// dsn builds the go-sqlite3 connection string for cfg.
func dsn(cfg Config) string {
	q := url.Values{}
	q.Set("_busy_timeout", strconv.Itoa(cfg.BusyTimeout*1000))
	q.Set("_foreign_keys", "on")
	if cfg.WALMode {
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
	}
	return "file:" + cfg.Path + "?" + q.Encode()
}

// Close closes the handle. Safe on a DB whose handle is already nil.
func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// HealthCheck runs a trivial query.
func (db *DB) HealthCheck(ctx context.Context) error {
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	return nil
}

// Checkpoint folds the WAL back into the main file and truncates it. The
// journal pruner calls it after deleting rows. No-op outside WAL mode.
func (db *DB) Checkpoint(ctx context.Context) error {
	if !db.walMode {
		return nil
	}
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpointing database: %w", err)
	}
	return nil
}
