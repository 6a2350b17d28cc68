package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/p-arndt/labkasten/internal/runtime"
)

// Sentinel errors
var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert would give a (user, course) pair
	// a second non-terminal session.
	ErrDuplicate = errors.New("active session already exists")
	// ErrVersionConflict is returned when an update lost an optimistic-concurrency race.
	ErrVersionConflict = errors.New("version conflict")
)

// Status values for lab sessions.
const (
	StatusProvisioning = "provisioning"
	StatusRunning      = "running"
	StatusIdle         = "idle"
	StatusStopping     = "stopping"
	StatusStopped      = "stopped"
	StatusError        = "error"
)

// IsTerminal reports whether status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusStopped || status == StatusError
}

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// Session is one learner-course lab instance.
type Session struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	CourseID       string            `json:"course_id"`
	ImageRef       string            `json:"image_ref"`
	RuntimeHandle  string            `json:"runtime_handle,omitempty"`
	Status         string            `json:"status"`
	Reason         string            `json:"reason,omitempty"`
	Limits         runtime.Limits    `json:"resource_limits"`
	VolumeRef      string            `json:"persistent_volume_ref"`
	VolumeRemoved  bool              `json:"volume_removed,omitempty"`
	Endpoints      map[string]string `json:"exposed_endpoints"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	Version        int64             `json:"version"`
}

// Filter narrows ListSessions. Empty fields match everything.
type Filter struct {
	UserID   string
	CourseID string
	Statuses []string
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS lab_sessions (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	course_id        TEXT NOT NULL,
	image_ref        TEXT NOT NULL,
	runtime_handle   TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	reason           TEXT NOT NULL DEFAULT '',
	cpu_shares       INTEGER NOT NULL DEFAULT 0,
	memory_bytes     INTEGER NOT NULL DEFAULT 0,
	disk_bytes       INTEGER NOT NULL DEFAULT 0,
	volume_ref       TEXT NOT NULL,
	volume_removed   INTEGER NOT NULL DEFAULT 0,
	endpoints        TEXT NOT NULL DEFAULT '{}',
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	last_activity_at DATETIME NOT NULL,
	version          INTEGER NOT NULL DEFAULT 1
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_lab_sessions_active_key
	ON lab_sessions(user_id, course_id) WHERE status NOT IN ('stopped', 'error');
CREATE INDEX IF NOT EXISTS idx_lab_sessions_status ON lab_sessions(status);
CREATE INDEX IF NOT EXISTS idx_lab_sessions_user ON lab_sessions(user_id);
`

const selectColumns = `id, user_id, course_id, image_ref, runtime_handle, status, reason,
	cpu_shares, memory_bytes, disk_bytes, volume_ref, volume_removed, endpoints,
	created_at, updated_at, last_activity_at, version`

// DefaultMaxOpenConns is the default connection pool size for concurrent reads.
// WAL mode allows multiple readers + 1 writer; more conns improve read throughput.
const DefaultMaxOpenConns = 4

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and perf
// pragmas applied to every new connection.
func dsnWithPragmas(dbPath string) string {
	// busy_timeout: wait on lock while reaper, monitor and API writes overlap
	// journal_mode=WAL: concurrent reads during writes
	// synchronous=NORMAL: safe in WAL
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)"
}

// New opens the store. maxOpenConns controls the connection pool size (0 = default 4).
// An in-memory database is limited to one connection, since every connection
// would otherwise get its own empty database.
func New(dbPath string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	if dbPath == ":memory:" {
		maxOpenConns = 1
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)
	// Keep the single in-memory connection alive forever.
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSession inserts a new session with version 1. It fails with
// ErrDuplicate when the (user, course) pair already has a non-terminal session.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	endpoints, err := encodeEndpoints(sess.Endpoints)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActivityAt.IsZero() {
		sess.LastActivityAt = sess.CreatedAt
	}
	sess.UpdatedAt = now
	sess.Version = 1

	err = retryOnBusy(func() error {
		_, e := s.db.ExecContext(ctx,
			`INSERT INTO lab_sessions (`+selectColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.UserID, sess.CourseID, sess.ImageRef, sess.RuntimeHandle, sess.Status, sess.Reason,
			sess.Limits.CPUShares, sess.Limits.MemoryBytes, sess.Limits.DiskBytes,
			sess.VolumeRef, sess.VolumeRemoved, endpoints,
			sess.CreatedAt.UTC(), sess.UpdatedAt, sess.LastActivityAt.UTC(), sess.Version,
		)
		return e
	})
	if isUniqueViolation(err) {
		if strings.Contains(err.Error(), "lab_sessions.id") {
			return fmt.Errorf("inserting session: duplicate id %s", sess.ID)
		}
		return fmt.Errorf("%w: user %s course %s", ErrDuplicate, sess.UserID, sess.CourseID)
	}
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM lab_sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns sessions matching f, newest first.
func (s *Store) ListSessions(ctx context.Context, f Filter) ([]*Session, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.CourseID != "" {
		where = append(where, "course_id = ?")
		args = append(args, f.CourseID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}

	query := `SELECT ` + selectColumns + ` FROM lab_sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// CountActive counts non-terminal sessions.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM lab_sessions WHERE status NOT IN ('stopped', 'error')`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting active sessions: %w", err)
	}
	return n, nil
}

// CountActiveByUser counts non-terminal sessions owned by userID.
func (s *Store) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM lab_sessions WHERE user_id = ? AND status NOT IN ('stopped', 'error')`,
		userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting user sessions: %w", err)
	}
	return n, nil
}

// UpdateSession writes every mutable column of sess if the stored version still
// equals sess.Version, then bumps sess.Version. A stale version yields
// ErrVersionConflict; a missing row yields ErrNotFound. last_activity_at only
// moves forward, so a concurrent TouchActivity is never lost.
func (s *Store) UpdateSession(ctx context.Context, sess *Session) error {
	endpoints, err := encodeEndpoints(sess.Endpoints)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	var result sql.Result
	err = retryOnBusy(func() error {
		var e error
		result, e = s.db.ExecContext(ctx,
			`UPDATE lab_sessions SET
				runtime_handle = ?, status = ?, reason = ?,
				cpu_shares = ?, memory_bytes = ?, disk_bytes = ?,
				volume_removed = ?, endpoints = ?, last_activity_at = MAX(last_activity_at, ?), updated_at = ?,
				version = version + 1
			 WHERE id = ? AND version = ?`,
			sess.RuntimeHandle, sess.Status, sess.Reason,
			sess.Limits.CPUShares, sess.Limits.MemoryBytes, sess.Limits.DiskBytes,
			sess.VolumeRemoved, endpoints, sess.LastActivityAt.UTC(), now,
			sess.ID, sess.Version,
		)
		return e
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: user %s course %s", ErrDuplicate, sess.UserID, sess.CourseID)
	}
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		existing, err := s.GetSession(ctx, sess.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("%w: session %s", ErrNotFound, sess.ID)
		}
		return fmt.Errorf("%w: session %s at version %d, have %d", ErrVersionConflict, sess.ID, existing.Version, sess.Version)
	}

	sess.Version++
	sess.UpdatedAt = now
	return nil
}

// TouchActivity moves last_activity_at of a running or idle session forward to
// at. It does not bump the version. Reports whether a row changed.
func (s *Store) TouchActivity(ctx context.Context, id string, at time.Time) (bool, error) {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.ExecContext(ctx,
			`UPDATE lab_sessions SET last_activity_at = ?
			 WHERE id = ? AND status IN ('running', 'idle') AND last_activity_at < ?`,
			at.UTC(), id, at.UTC(),
		)
		return e
	})
	if err != nil {
		return false, fmt.Errorf("touching session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

// ListTerminalBefore returns terminal sessions last updated before cutoff.
func (s *Store) ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM lab_sessions
		 WHERE status IN ('stopped', 'error') AND updated_at < ?`,
		cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing terminal sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// DeleteSession removes a terminal session row.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.ExecContext(ctx,
			`DELETE FROM lab_sessions WHERE id = ? AND status IN ('stopped', 'error')`, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return checkRowAffected(result, id)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*Session, error) {
	var (
		sess      Session
		endpoints string
	)
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.CourseID, &sess.ImageRef, &sess.RuntimeHandle, &sess.Status, &sess.Reason,
		&sess.Limits.CPUShares, &sess.Limits.MemoryBytes, &sess.Limits.DiskBytes,
		&sess.VolumeRef, &sess.VolumeRemoved, &endpoints,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.LastActivityAt, &sess.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	if endpoints != "" {
		if err := json.Unmarshal([]byte(endpoints), &sess.Endpoints); err != nil {
			return nil, fmt.Errorf("decoding endpoints of %s: %w", sess.ID, err)
		}
	}
	if sess.Endpoints == nil {
		sess.Endpoints = map[string]string{}
	}
	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

func encodeEndpoints(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding endpoints: %w", err)
	}
	return string(b), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func checkRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return nil
}
