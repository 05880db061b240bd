package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultEmbeddingDimensions is the vector width produced by the embedding model.
const DefaultEmbeddingDimensions = 1536

// Store wraps a SQLite database holding tenant data, job state, and audit logs.
type Store struct {
	db   *sql.DB
	dims int
}

// Option configures a Store.
type Option func(*Store)

// WithEmbeddingDimensions overrides the expected embedding vector width.
func WithEmbeddingDimensions(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.dims = n
		}
	}
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string, opts ...Option) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "hostrd.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// A single connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := New(db, opts...)
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// New wraps an already-open database without running migrations.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, dims: DefaultEmbeddingDimensions}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDimensions returns the configured embedding vector width.
func (s *Store) EmbeddingDimensions() int {
	return s.dims
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// NewUnitOfWork opens a transaction-scoped session. The caller must Commit or
// Rollback it; Rollback after Commit is a no-op so it can always be deferred.
func (s *Store) NewUnitOfWork(ctx context.Context) (*Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning unit of work: %w", err)
	}
	return &Session{tx: tx, dims: s.dims}, nil
}

// WithSession runs fn inside a unit of work, committing on success and
// rolling back when fn returns an error.
func (s *Store) WithSession(ctx context.Context, fn func(*Session) error) error {
	sess, err := s.NewUnitOfWork(ctx)
	if err != nil {
		return err
	}
	defer sess.Rollback()

	if err := fn(sess); err != nil {
		return err
	}
	return sess.Commit()
}

// --- Job runs ---

func (s *Store) SaveJobRun(ctx context.Context, r JobRunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_runs (id, job_name, started_at, finished_at, outcome, items_processed, errors_encountered, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.JobName, formatTime(r.StartedAt), formatTime(r.FinishedAt), r.Outcome,
		r.ItemsProcessed, r.ErrorsEncountered, r.LastError,
	)
	return err
}

// LatestJobRuns returns the most recent persisted run of every job name.
func (s *Store) LatestJobRuns(ctx context.Context) ([]JobRunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.job_name, r.started_at, r.finished_at, r.outcome, r.items_processed, r.errors_encountered, r.last_error
		FROM job_runs r
		WHERE r.finished_at = (SELECT MAX(finished_at) FROM job_runs WHERE job_name = r.job_name)
		GROUP BY r.job_name
		ORDER BY r.job_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []JobRunRecord
	for rows.Next() {
		var r JobRunRecord
		var startedAt, finishedAt string
		if err := rows.Scan(&r.ID, &r.JobName, &startedAt, &finishedAt, &r.Outcome, &r.ItemsProcessed, &r.ErrorsEncountered, &r.LastError); err != nil {
			return nil, err
		}
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if r.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Classification log ---

func (s *Store) SaveClassification(ctx context.Context, c ClassificationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO classification_log (id, tenant_id, text, method, label, confidence, ambiguous, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Text, c.Method, c.Label, c.Confidence, boolToInt(c.Ambiguous), formatTime(c.CreatedAt),
	)
	return err
}

func (s *Store) CountClassifications(ctx context.Context, method string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM classification_log WHERE method = ?`, method).Scan(&n)
	return n, err
}

// --- helpers ---

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339, v)
}

func parseNullTime(v sql.NullString) (time.Time, error) {
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	return parseTime(v.String)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
