// Package ledger keeps a history of bulk-upload runs in a local SQLite
// database: one row per run and one row per file outcome. A Store satisfies
// bulk.Recorder, so a coordinator can write to it while a run is in flight.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/tonimelisma/b2-go/internal/bulk"
)

// ErrRunNotFound is returned by Run for an unknown run ID.
var ErrRunNotFound = errors.New("ledger: run not found")

const (
	sqlInsertRun = `INSERT INTO runs (id, root, bucket, mode, started_at)
		VALUES (?, ?, ?, ?, ?)`

	// A finish for a run whose start was never recorded still lands.
	sqlFinishRun = `INSERT INTO runs
		(id, root, bucket, mode, started_at, finished_at, enqueued, uploaded, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 finished_at = excluded.finished_at,
		 enqueued = excluded.enqueued,
		 uploaded = excluded.uploaded,
		 failed = excluded.failed`

	sqlInsertOutcome = `INSERT INTO outcomes
		(run_id, path, dest_name, attempts, file_id, content_sha1, size, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlSelectRuns = `SELECT id, root, bucket, mode, started_at, finished_at,
		enqueued, uploaded, failed
		FROM runs`

	sqlSelectOutcomes = `SELECT path, dest_name, attempts, file_id, content_sha1,
		size, error, recorded_at
		FROM outcomes WHERE run_id = ?`

	sqlPruneRuns = `DELETE FROM runs WHERE started_at < ?`
)

// RunRecord is a stored run. FinishedAt is zero while the run is in
// progress or if the process died before it finished.
type RunRecord struct {
	ID         string    `json:"id"`
	Root       string    `json:"root"`
	Bucket     string    `json:"bucket"`
	Mode       bulk.Mode `json:"mode"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Enqueued   int       `json:"enqueued"`
	Uploaded   int       `json:"uploaded"`
	Failed     int       `json:"failed"`
}

// Finished reports whether the run's end was recorded.
func (r RunRecord) Finished() bool {
	return !r.FinishedAt.IsZero()
}

// OutcomeRecord is a stored file outcome.
type OutcomeRecord struct {
	Path        string    `json:"path"`
	DestName    string    `json:"destName"`
	Attempts    int       `json:"attempts"`
	FileID      string    `json:"fileId,omitempty"`
	ContentSHA1 string    `json:"contentSha1,omitempty"`
	Size        int64     `json:"size"`
	Error       string    `json:"error,omitempty"`
	RecordedAt  time.Time `json:"recordedAt"`
}

// OK reports whether the file was uploaded.
func (o OutcomeRecord) OK() bool {
	return o.Error == ""
}

// Store is the run history database. It is the sole writer to its file.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

var _ bulk.Recorder = (*Store)(nil)

// Open opens or creates the database at path, creating parent directories
// as needed, and applies pending migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("ledger: creating directory for %s: %w", path, err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening database %s: %w", path, err)
	}

	// Workers record outcomes concurrently; one connection serializes them.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("ledger opened", slog.String("db_path", path))

	return &Store{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun inserts a run row.
func (s *Store) StartRun(ctx context.Context, run bulk.Run) error {
	_, err := s.db.ExecContext(ctx, sqlInsertRun,
		run.ID, run.Root, run.Bucket, string(run.Mode), run.StartedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("ledger: inserting run %s: %w", run.ID, err)
	}

	return nil
}

// RecordOutcome appends one file outcome to a run.
func (s *Store) RecordOutcome(ctx context.Context, runID string, o bulk.FileOutcome) error {
	var (
		fileID, sha1, errMsg sql.NullString
		size                 sql.NullInt64
	)

	dest := o.DestName

	if o.File != nil {
		fileID = sql.NullString{String: o.File.FileID, Valid: true}
		sha1 = sql.NullString{String: o.File.ContentSHA1, Valid: o.File.ContentSHA1 != ""}
		size = sql.NullInt64{Int64: o.File.ContentLength, Valid: true}

		if dest == "" {
			dest = o.File.FileName
		}
	}

	if dest == "" {
		dest = filepath.Base(o.Path)
	}

	if o.Err != nil {
		errMsg = sql.NullString{String: o.Err.Error(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, sqlInsertOutcome,
		runID, o.Path, dest, o.Attempts, fileID, sha1, size, errMsg, s.nowFunc().UnixNano())
	if err != nil {
		return fmt.Errorf("ledger: recording outcome for %s: %w", o.Path, err)
	}

	return nil
}

// FinishRun stores the run's end time and counts.
func (s *Store) FinishRun(ctx context.Context, res *bulk.Result) error {
	_, err := s.db.ExecContext(ctx, sqlFinishRun,
		res.ID, res.Root, res.Bucket, string(res.Mode), res.StartedAt.UnixNano(),
		res.FinishedAt.UnixNano(), res.Enqueued, len(res.Uploaded()), len(res.Failed()))
	if err != nil {
		return fmt.Errorf("ledger: finishing run %s: %w", res.ID, err)
	}

	s.logger.Debug("run recorded",
		slog.String("run_id", res.ID),
		slog.Int("enqueued", res.Enqueued),
	)

	return nil
}

// Runs returns the most recent runs, newest first. limit <= 0 returns all.
func (s *Store) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	query := sqlSelectRuns + ` ORDER BY started_at DESC, id`
	args := []any{}

	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: listing runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord

	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating runs: %w", err)
	}

	return out, nil
}

// Run returns one run by ID.
func (s *Store) Run(ctx context.Context, id string) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx, sqlSelectRuns+` WHERE id = ?`, id)

	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	return r, err
}

// Outcomes returns every outcome of a run in the order recorded.
func (s *Store) Outcomes(ctx context.Context, runID string) ([]OutcomeRecord, error) {
	return s.queryOutcomes(ctx, sqlSelectOutcomes+` ORDER BY id`, runID)
}

// Failed returns the failed outcomes of a run.
func (s *Store) Failed(ctx context.Context, runID string) ([]OutcomeRecord, error) {
	return s.queryOutcomes(ctx, sqlSelectOutcomes+` AND error IS NOT NULL ORDER BY id`, runID)
}

// Prune deletes runs started before cutoff, with their outcomes, and
// returns how many runs were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, sqlPruneRuns, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("ledger: pruning runs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ledger: pruning runs: %w", err)
	}

	if n > 0 {
		s.logger.Info("pruned run history", slog.Int64("runs", n))
	}

	return n, nil
}

func (s *Store) queryOutcomes(ctx context.Context, query, runID string) ([]OutcomeRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("ledger: listing outcomes for %s: %w", runID, err)
	}
	defer rows.Close()

	var out []OutcomeRecord

	for rows.Next() {
		var (
			o                    OutcomeRecord
			fileID, sha1, errMsg sql.NullString
			size                 sql.NullInt64
			recordedAt           int64
		)

		if err := rows.Scan(&o.Path, &o.DestName, &o.Attempts, &fileID, &sha1,
			&size, &errMsg, &recordedAt); err != nil {
			return nil, fmt.Errorf("ledger: scanning outcome: %w", err)
		}

		o.FileID = fileID.String
		o.ContentSHA1 = sha1.String
		o.Size = size.Int64
		o.Error = errMsg.String
		o.RecordedAt = time.Unix(0, recordedAt)

		out = append(out, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating outcomes: %w", err)
	}

	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var (
		r          RunRecord
		mode       string
		startedAt  int64
		finishedAt sql.NullInt64
	)

	err := row.Scan(&r.ID, &r.Root, &r.Bucket, &mode, &startedAt, &finishedAt,
		&r.Enqueued, &r.Uploaded, &r.Failed)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, err
	}

	if err != nil {
		return RunRecord{}, fmt.Errorf("ledger: scanning run: %w", err)
	}

	r.Mode = bulk.Mode(mode)
	r.StartedAt = time.Unix(0, startedAt)

	if finishedAt.Valid {
		r.FinishedAt = time.Unix(0, finishedAt.Int64)
	}

	return r, nil
}
