package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/seantiz/offload/internal/model"

	_ "modernc.org/sqlite"
)

const createSubmissionsTable = `
CREATE TABLE IF NOT EXISTS submissions (
    id             TEXT PRIMARY KEY,
    status         TEXT NOT NULL,
    duration_ms    INTEGER NOT NULL,
    result         INTEGER,
    error          TEXT NOT NULL DEFAULT '',
    callback_error TEXT NOT NULL DEFAULT '',
    work_ms        INTEGER,
    created_at     DATETIME NOT NULL,
    started_at     DATETIME,
    completed_at   DATETIME,
    disposed_at    DATETIME
)`

const createStatusIndex = `CREATE INDEX IF NOT EXISTS idx_submissions_status ON submissions (status)`

const submissionColumns = `id, status, duration_ms, result, error, callback_error,
	work_ms, created_at, started_at, completed_at, disposed_at`

// ErrNotFound is returned when a submission is not found.
var ErrNotFound = errors.New("submission not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows a single writer, and every connection to ":memory:" is a
	// separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createSubmissionsTable, createStatusIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSubmission inserts a new submission record.
func (s *SQLiteStore) CreateSubmission(ctx context.Context, sub *model.Submission) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (`+submissionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.Status, sub.DurationMS, sub.Result, sub.Error, sub.CallbackError,
		sub.WorkMS, sub.CreatedAt, sub.StartedAt, sub.CompletedAt, sub.DisposedAt,
	)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*model.Submission, error) {
	sub := &model.Submission{}
	err := row.Scan(
		&sub.ID, &sub.Status, &sub.DurationMS, &sub.Result, &sub.Error, &sub.CallbackError,
		&sub.WorkMS, &sub.CreatedAt, &sub.StartedAt, &sub.CompletedAt, &sub.DisposedAt,
	)
	return sub, err
}

// GetSubmission retrieves a submission by ID.
func (s *SQLiteStore) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	sub, err := scanSubmission(s.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return sub, nil
}

// ListSubmissions returns a paginated list of submissions, newest first, along
// with the total count of all submissions.
func (s *SQLiteStore) ListSubmissions(ctx context.Context, limit, offset int) ([]*model.Submission, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM submissions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count submissions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var subs []*model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan submission: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate submissions: %w", err)
	}

	return subs, total, nil
}

// UpdateSubmission writes the mutable fields of sub. The stored status must
// either equal sub.Status or be allowed to transition to it; otherwise
// ErrInvalidTransition is returned and nothing is written.
func (s *SQLiteStore) UpdateSubmission(ctx context.Context, sub *model.Submission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM submissions WHERE id = ?", sub.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read submission status: %w", err)
	}

	if current != sub.Status && !model.ValidTransition(current, sub.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, sub.Status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE submissions SET
			status = ?, result = ?, error = ?, callback_error = ?, work_ms = ?,
			started_at = ?, completed_at = ?, disposed_at = ?
		WHERE id = ?`,
		sub.Status, sub.Result, sub.Error, sub.CallbackError, sub.WorkMS,
		sub.StartedAt, sub.CompletedAt, sub.DisposedAt, sub.ID,
	)
	if err != nil {
		return fmt.Errorf("update submission: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit submission update: %w", err)
	}
	return nil
}

// GetStats returns aggregate statistics over every recorded submission.
func (s *SQLiteStore) GetStats(ctx context.Context) (*SubmissionStats, error) {
	stats := &SubmissionStats{CountByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM submissions GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	rows.Close()

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN error != '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN callback_error != '' THEN 1 ELSE 0 END), 0),
			AVG(work_ms)
		FROM submissions`,
	).Scan(&stats.Failed, &stats.CallbackFailures, &avg)
	if err != nil {
		return nil, fmt.Errorf("aggregate submissions: %w", err)
	}
	if avg.Valid {
		stats.AvgWorkMS = avg.Float64
	}

	return stats, nil
}
