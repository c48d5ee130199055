package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

var (
	// ErrNotFound is returned when no record matches the given ID.
	ErrNotFound = errors.New("record not found")

	// ErrActionActive is returned by CreateAction when the repo already
	// has a pending or in-progress record. The serialization rule is
	// enforced by the database, not by callers.
	ErrActionActive = errors.New("repo already has an active action")
)

// Store wraps the SQLite connection holding action records and sync
// metadata. The database runs in embedded mode with WAL for concurrent
// reads while the engine writes.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a store at the specified path, creating the file and
// parent directory if needed.
//
// The caller MUST call Close() when done to ensure proper cleanup.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping state database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn: conn,
		path: path,
	}

	// WAL mode so status queries don't block the engine mid-action.
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close state database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS action_records (
		id TEXT PRIMARY KEY,
		repo TEXT NOT NULL,
		kind TEXT NOT NULL,
		from_org TEXT NOT NULL DEFAULT '',
		to_org TEXT NOT NULL DEFAULT '',
		action_key TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		remote_done INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- At most one live action per repo, enforced by the database so
	-- concurrent planners cannot race each other into double transfers.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_records_active
	    ON action_records(repo) WHERE state IN ('pending', 'in_progress');

	CREATE INDEX IF NOT EXISTS idx_records_state ON action_records(state);
	CREATE INDEX IF NOT EXISTS idx_records_key ON action_records(action_key);
	CREATE INDEX IF NOT EXISTS idx_records_repo_kind ON action_records(repo, kind);

	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// CreateAction persists a new pending record for the action.
//
// Returns ErrActionActive if the repo already has a pending or
// in-progress record.
func (s *Store) CreateAction(a Action) (*ActionRecord, error) {
	return s.CreateActionContext(context.Background(), a)
}

// CreateActionContext persists a new pending record with context support.
func (s *Store) CreateActionContext(ctx context.Context, a Action) (*ActionRecord, error) {
	rec := NewRecord(a)
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid action: %w", err)
	}

	query := `
	INSERT INTO action_records (
		id, repo, kind, from_org, to_org, action_key,
		state, attempts, remote_done, reason, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, '', ?, ?)
	`

	_, err := s.conn.ExecContext(ctx, query,
		rec.ID,
		rec.Repo,
		string(rec.Kind),
		rec.FromOrg,
		rec.ToOrg,
		rec.Key(),
		string(rec.State),
		rec.CreatedAt.Format(time.RFC3339Nano),
		rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrActionActive, a.Repo)
		}
		return nil, fmt.Errorf("failed to create action record: %w", err)
	}

	return rec, nil
}

// Get retrieves a record by ID. Returns ErrNotFound if it doesn't exist.
func (s *Store) Get(id string) (*ActionRecord, error) {
	return s.GetContext(context.Background(), id)
}

// GetContext retrieves a record by ID with context support.
func (s *Store) GetContext(ctx context.Context, id string) (*ActionRecord, error) {
	rows, err := s.conn.QueryContext(ctx, selectRecords+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query record %s: %w", id, err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return recs[0], nil
}

// ActiveFor returns the repo's pending or in-progress record, or nil
// if the repo has no live action.
func (s *Store) ActiveFor(repo string) (*ActionRecord, error) {
	return s.ActiveForContext(context.Background(), repo)
}

// ActiveForContext returns the repo's live record with context support.
func (s *Store) ActiveForContext(ctx context.Context, repo string) (*ActionRecord, error) {
	query := selectRecords + ` WHERE repo = ? AND state IN ('pending', 'in_progress')`
	rows, err := s.conn.QueryContext(ctx, query, repo)
	if err != nil {
		return nil, fmt.Errorf("failed to query active record for %s: %w", repo, err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// Unfinished returns all pending and in-progress records in creation
// order. Called on startup to resume interrupted work.
func (s *Store) Unfinished() ([]*ActionRecord, error) {
	return s.UnfinishedContext(context.Background())
}

// UnfinishedContext returns live records with context support.
func (s *Store) UnfinishedContext(ctx context.Context) ([]*ActionRecord, error) {
	query := selectRecords + ` WHERE state IN ('pending', 'in_progress') ORDER BY id`
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query unfinished records: %w", err)
	}
	return scanRecords(rows)
}

// Failed returns the most recent failed records, newest first.
// A limit of 0 returns all of them.
func (s *Store) Failed(limit int) ([]*ActionRecord, error) {
	return s.FailedContext(context.Background(), limit)
}

// FailedContext returns failed records with context support.
func (s *Store) FailedContext(ctx context.Context, limit int) ([]*ActionRecord, error) {
	query := selectRecords + ` WHERE state = 'failed' ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed records: %w", err)
	}
	return scanRecords(rows)
}

// Recent returns the most recent records in any state, newest first.
// A limit of 0 returns all of them.
func (s *Store) Recent(limit int) ([]*ActionRecord, error) {
	return s.RecentContext(context.Background(), limit)
}

// RecentContext returns recent records with context support.
func (s *Store) RecentContext(ctx context.Context, limit int) ([]*ActionRecord, error) {
	query := selectRecords + ` ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent records: %w", err)
	}
	return scanRecords(rows)
}

// HasRecordForKey reports whether any record, in any state, exists for
// the action's idempotency key. Used to report an orphan exactly once.
func (s *Store) HasRecordForKey(key string) (bool, error) {
	return s.HasRecordForKeyContext(context.Background(), key)
}

// HasRecordForKeyContext checks for a key with context support.
func (s *Store) HasRecordForKeyContext(ctx context.Context, key string) (bool, error) {
	var count int
	query := `SELECT COUNT(*) FROM action_records WHERE action_key = ?`
	if err := s.conn.QueryRowContext(ctx, query, key).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to query key %s: %w", key, err)
	}
	return count > 0, nil
}

// MarkInProgress transitions a record to in_progress and counts the
// attempt. Called at the start of every execution attempt, including
// retries of a record that is already in_progress.
func (s *Store) MarkInProgress(id string) error {
	return s.MarkInProgressContext(context.Background(), id)
}

// MarkInProgressContext transitions a record with context support.
func (s *Store) MarkInProgressContext(ctx context.Context, id string) error {
	query := `
	UPDATE action_records
	SET state = 'in_progress', attempts = attempts + 1, updated_at = ?
	WHERE id = ? AND state IN ('pending', 'in_progress')
	`
	return s.exec(ctx, query, now(), id)
}

// MarkRemoteDone flags that the remote side of a transfer is confirmed
// while the local origin rewrite is still outstanding. Recovery uses
// the flag to resume exactly at the local step.
func (s *Store) MarkRemoteDone(id string) error {
	return s.MarkRemoteDoneContext(context.Background(), id)
}

// MarkRemoteDoneContext flags the remote step with context support.
func (s *Store) MarkRemoteDoneContext(ctx context.Context, id string) error {
	query := `
	UPDATE action_records
	SET remote_done = 1, updated_at = ?
	WHERE id = ? AND state = 'in_progress'
	`
	return s.exec(ctx, query, now(), id)
}

// MarkCommitted transitions a record to committed.
func (s *Store) MarkCommitted(id string) error {
	return s.MarkCommittedContext(context.Background(), id)
}

// MarkCommittedContext commits a record with context support.
func (s *Store) MarkCommittedContext(ctx context.Context, id string) error {
	query := `
	UPDATE action_records
	SET state = 'committed', updated_at = ?
	WHERE id = ? AND state IN ('pending', 'in_progress')
	`
	return s.exec(ctx, query, now(), id)
}

// MarkFailed transitions a record to failed with the failure detail.
// Failed records are surfaced in status and never retried automatically.
func (s *Store) MarkFailed(id, reason string) error {
	return s.MarkFailedContext(context.Background(), id, reason)
}

// MarkFailedContext fails a record with context support.
func (s *Store) MarkFailedContext(ctx context.Context, id, reason string) error {
	query := `
	UPDATE action_records
	SET state = 'failed', reason = ?, updated_at = ?
	WHERE id = ? AND state IN ('pending', 'in_progress')
	`
	return s.exec(ctx, query, reason, now(), id)
}

// LastTransferAt returns when the repo's most recent remote transfer
// committed, or the zero time if it never has. Used to avoid planning
// a transfer straight back into the provider's cooldown window.
func (s *Store) LastTransferAt(repo string) (time.Time, error) {
	return s.LastTransferAtContext(context.Background(), repo)
}

// LastTransferAtContext returns the last transfer time with context support.
func (s *Store) LastTransferAtContext(ctx context.Context, repo string) (time.Time, error) {
	query := `
	SELECT updated_at FROM action_records
	WHERE repo = ? AND kind = 'transfer_remote' AND state = 'committed'
	ORDER BY id DESC LIMIT 1
	`
	var raw string
	err := s.conn.QueryRowContext(ctx, query, repo).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query last transfer for %s: %w", repo, err)
	}
	return parseTime(raw)
}

// SetLastSyncAt records when a reconciliation cycle last completed.
func (s *Store) SetLastSyncAt(t time.Time) error {
	return s.SetLastSyncAtContext(context.Background(), t)
}

// SetLastSyncAtContext records the sync time with context support.
func (s *Store) SetLastSyncAtContext(ctx context.Context, t time.Time) error {
	query := `
	INSERT INTO sync_meta (key, value) VALUES ('last_sync_at', ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := s.conn.ExecContext(ctx, query, t.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to store last sync time: %w", err)
	}
	return nil
}

// LastSyncAt returns when a reconciliation cycle last completed, or the
// zero time if none has.
func (s *Store) LastSyncAt() (time.Time, error) {
	return s.LastSyncAtContext(context.Background())
}

// LastSyncAtContext returns the sync time with context support.
func (s *Store) LastSyncAtContext(ctx context.Context) (time.Time, error) {
	var raw string
	query := `SELECT value FROM sync_meta WHERE key = 'last_sync_at'`
	err := s.conn.QueryRowContext(ctx, query).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query last sync time: %w", err)
	}
	return parseTime(raw)
}

// CountByState returns the number of records per lifecycle state.
func (s *Store) CountByState() (map[ActionState]int, error) {
	return s.CountByStateContext(context.Background())
}

// CountByStateContext counts records with context support.
func (s *Store) CountByStateContext(ctx context.Context) (map[ActionState]int, error) {
	query := `SELECT state, COUNT(*) FROM action_records GROUP BY state`
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[ActionState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[ActionState(state)] = n
	}
	return counts, rows.Err()
}

const selectRecords = `
SELECT id, repo, kind, from_org, to_org, state, attempts,
       remote_done, reason, created_at, updated_at
FROM action_records`

// scanRecords converts rows to records and closes the rows.
func scanRecords(rows *sql.Rows) ([]*ActionRecord, error) {
	defer rows.Close()

	var recs []*ActionRecord
	for rows.Next() {
		var (
			rec        ActionRecord
			kind       string
			state      string
			remoteDone int
			createdAt  string
			updatedAt  string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Repo,
			&kind,
			&rec.FromOrg,
			&rec.ToOrg,
			&state,
			&rec.Attempts,
			&remoteDone,
			&rec.Reason,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		rec.Kind = ActionKind(kind)
		rec.State = ActionState(state)
		rec.RemoteDone = remoteDone != 0

		var err error
		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}

		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return recs, nil
}

// exec runs a single-row UPDATE and maps zero affected rows to
// ErrNotFound so transition methods can't silently miss.
func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored time %q: %w", raw, err)
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}
