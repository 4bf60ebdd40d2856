package recording

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/namelens/aoaisim/internal/config"
)

const (
	driverSQLite = "sqlite"
	driverLibsql = "libsql"

	defaultStoreFile = "recordings.db"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS recordings (
		path TEXT NOT NULL,
		hash TEXT NOT NULL,
		method TEXT NOT NULL,
		uri TEXT NOT NULL,
		interaction TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (path, hash)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_recordings_path ON recordings(path);`,
}

// SQLPersister stores interactions as rows in a SQLite or libsql database.
type SQLPersister struct {
	DB       *sql.DB
	driver   string
	location string
}

// OpenSQL opens the database for format (sqlite or libsql) and applies the
// schema.
func OpenSQL(ctx context.Context, format string, cfg config.RecordingConfig) (*SQLPersister, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		dsn      string
		location string
		err      error
	)
	switch format {
	case FormatSQLite:
		dsn, err = sqliteDSN(cfg)
		location = dsn
	case FormatLibsql:
		dsn, err = libsqlDSN(cfg)
		location = redactDSN(dsn)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, err
	}

	driver := driverSQLite
	if format == FormatLibsql {
		driver = driverLibsql
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s recording store: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s recording store: %w", driver, err)
	}
	if driver == driverSQLite {
		// a single writer avoids SQLITE_BUSY between autosaves
		db.SetMaxOpenConns(1)
	}

	p := &SQLPersister{DB: db, driver: driver, location: location}
	if err := p.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// Driver returns the database driver name.
func (p *SQLPersister) Driver() string {
	if p == nil {
		return ""
	}
	return p.driver
}

// Location returns the database location with the URL path as fragment.
func (p *SQLPersister) Location(path string) string {
	return p.location + "#" + path
}

// Load reads all interactions stored for path.
func (p *SQLPersister) Load(ctx context.Context, path string) (Recording, bool, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT interaction FROM recordings WHERE path = ? ORDER BY uri, hash`, path)
	if err != nil {
		return nil, false, fmt.Errorf("query recordings for %s: %w", path, err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	rec := Recording{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, false, fmt.Errorf("scan recording for %s: %w", path, err)
		}
		var in interaction
		if err := json.Unmarshal([]byte(raw), &in); err != nil {
			return nil, false, fmt.Errorf("decode recording for %s: %w", path, err)
		}
		r, err := fromInteraction(in)
		if err != nil {
			return nil, false, err
		}
		rec[r.Hash] = r
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("query recordings for %s: %w", path, err)
	}
	if len(rec) == 0 {
		return nil, false, nil
	}
	return rec, true, nil
}

// Save replaces the rows stored for path.
func (p *SQLPersister) Save(ctx context.Context, path string, rec Recording) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin recording save: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM recordings WHERE path = ?`, path); err != nil {
		return fmt.Errorf("clear recordings for %s: %w", path, err)
	}

	now := time.Now().Unix()
	for _, hash := range sortedHashes(rec) {
		r := rec[hash]
		data, err := json.Marshal(toInteraction(r))
		if err != nil {
			return fmt.Errorf("encode recording for %s: %w", path, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO recordings (path, hash, method, uri, interaction, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			path, hash, r.Request.Method, r.Request.URI, string(data), now); err != nil {
			return fmt.Errorf("insert recording for %s: %w", path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit recordings for %s: %w", path, err)
	}
	return nil
}

// List summarizes the stored paths.
func (p *SQLPersister) List(ctx context.Context) ([]Summary, error) {
	rows, err := p.DB.QueryContext(ctx,
		`SELECT path, COUNT(*) FROM recordings GROUP BY path ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.Path, &s.Interactions); err != nil {
			return nil, fmt.Errorf("scan recording summary: %w", err)
		}
		s.Location = p.Location(s.Path)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Ping checks the database connection.
func (p *SQLPersister) Ping(ctx context.Context) error {
	return p.DB.PingContext(ctx)
}

// Close releases database resources.
func (p *SQLPersister) Close() error {
	if p == nil || p.DB == nil {
		return nil
	}
	return p.DB.Close()
}

func (p *SQLPersister) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := p.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("recording store migration failed: %w", err)
		}
	}
	return nil
}

func sqliteDSN(cfg config.RecordingConfig) (string, error) {
	path := strings.TrimSpace(cfg.StorePath)
	if path == "" {
		if strings.TrimSpace(cfg.Dir) == "" {
			return "", errors.New("recording store path or dir is required")
		}
		path = filepath.Join(cfg.Dir, defaultStoreFile)
	}
	if path == ":memory:" {
		return path, nil
	}
	path = strings.TrimPrefix(path, "file:")
	if err := ensureStoreDir(path); err != nil {
		return "", err
	}
	return filepath.Clean(path), nil
}

func libsqlDSN(cfg config.RecordingConfig) (string, error) {
	if dsn := strings.TrimSpace(cfg.StoreURL); dsn != "" {
		return addAuthToken(dsn, cfg.AuthToken)
	}

	path := strings.TrimSpace(cfg.StorePath)
	if path == "" {
		if strings.TrimSpace(cfg.Dir) == "" {
			return "", errors.New("recording store path or url is required")
		}
		path = filepath.Join(cfg.Dir, defaultStoreFile)
	}

	switch {
	case path == ":memory:", strings.HasPrefix(path, "libsql:"):
		return path, nil
	case strings.HasPrefix(path, "file:"):
		localPath, err := extractFilePath(path)
		if err != nil {
			return "", err
		}
		if err := ensureStoreDir(localPath); err != nil {
			return "", err
		}
		return path, nil
	}

	if err := ensureStoreDir(path); err != nil {
		return "", err
	}
	return "file:" + filepath.Clean(path), nil
}

func addAuthToken(dsn string, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return dsn, nil
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid recording store url: %w", err)
	}

	query := parsed.Query()
	if query.Get("authToken") == "" {
		query.Set("authToken", token)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

// redactDSN drops the auth token from a DSN before it is logged.
func redactDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.RawQuery == "" {
		return dsn
	}
	query := parsed.Query()
	if query.Get("authToken") == "" {
		return dsn
	}
	query.Del("authToken")
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func extractFilePath(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid recording store path: %w", err)
	}
	if parsed.Path != "" {
		return strings.TrimPrefix(parsed.Path, "//"), nil
	}
	return strings.TrimPrefix(parsed.Opaque, "//"), nil
}

func ensureStoreDir(path string) error {
	if strings.TrimSpace(path) == "" || path == ":memory:" {
		return nil
	}

	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}

	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create recording store directory: %w", err)
	}
	return nil
}
