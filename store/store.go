// Package store owns the durable representation of jobs, runs, and
// artifacts. It is the only component that writes pipeline state; the
// expansion, validation, and capture engines return results and never
// touch the database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/use-agent/snapcrawl/models"
)

// Store is a SQLite-backed artifact store. A single connection with WAL
// keeps all per-slug mutations transactional with respect to concurrent
// pipelines.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, models.NewPipelineError(models.ErrCodeStoreCorrupt, "open database", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`PRAGMA foreign_keys=ON;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, models.NewPipelineError(models.ErrCodeStoreCorrupt, "apply pragma", err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		slug        TEXT PRIMARY KEY,
		url         TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'pending'
		            CHECK (status IN ('pending','processing','done','failed_expansion','failed_validation')),
		last_error  TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		discovered  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, discovered);

	CREATE TABLE IF NOT EXISTS runs (
		run_id    TEXT NOT NULL,
		slug      TEXT NOT NULL,
		started   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		finished  TIMESTAMP,
		ok        BOOLEAN,
		error_msg TEXT,
		PRIMARY KEY (run_id, slug),
		FOREIGN KEY (slug) REFERENCES jobs(slug)
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started);

	CREATE TABLE IF NOT EXISTS artifacts (
		run_id        TEXT NOT NULL,
		slug          TEXT NOT NULL,
		idx           INTEGER NOT NULL,
		filename      TEXT NOT NULL,
		section_title TEXT NOT NULL,
		created       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (run_id, slug, idx),
		FOREIGN KEY (run_id, slug) REFERENCES runs(run_id, slug)
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_created ON artifacts(created);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return models.NewPipelineError(models.ErrCodeStoreCorrupt, "create schema", err)
	}
	return nil
}

// CreateJob registers a new pending job. Returns DUPLICATE_KEY if the slug
// already exists.
func (s *Store) CreateJob(ctx context.Context, slug, url string) error {
	if slug == "" || url == "" {
		return models.NewPipelineError(models.ErrCodeInvalidInput, "slug and url are required", nil)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (slug, url) VALUES (?, ?)`, slug, url)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
			return models.NewPipelineError(models.ErrCodeDuplicateKey,
				fmt.Sprintf("job %q already exists", slug), err)
		}
		return models.NewPipelineError(models.ErrCodeStoreCorrupt, "insert job", err)
	}
	return nil
}

// NextPending re-scans the jobs table and returns up to limit pending jobs
// in discovery order. limit <= 0 means no limit. Each call is a fresh scan,
// so a restarted process picks up exactly where durable state says it is.
func (s *Store) NextPending(ctx context.Context, limit int) ([]models.Job, error) {
	q := `SELECT slug, url, status, COALESCE(last_error,''), retry_count, discovered
	      FROM jobs WHERE status = 'pending' ORDER BY discovered, slug`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, models.NewPipelineError(models.ErrCodeStoreCorrupt, "scan pending jobs", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewPipelineError(models.ErrCodeStoreCorrupt, "scan pending jobs", err)
	}
	return jobs, nil
}

// GetJob fetches one job by slug.
func (s *Store) GetJob(ctx context.Context, slug string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT slug, url, status, COALESCE(last_error,''), retry_count, discovered
		 FROM jobs WHERE slug = ?`, slug)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, models.NewPipelineError(models.ErrCodeNotFound,
			fmt.Sprintf("job %q not found", slug), err)
	}
	return j, err
}

// BeginRun claims the slug for one attempt and allocates a Run. The claim
// is a transactional compare-and-set on status (pending → processing), so
// two concurrent pipelines can never both own the same slug. Returns the
// new run ID, NOT_FOUND if the slug is absent, or DUPLICATE_KEY if another
// attempt already holds the slug.
func (s *Store) BeginRun(ctx context.Context, slug string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", models.NewPipelineError(models.ErrCodeStoreCorrupt, "begin tx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'processing' WHERE slug = ? AND status = 'pending'`, slug)
	if err != nil {
		return "", models.NewPipelineError(models.ErrCodeStoreCorrupt, "claim job", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs WHERE slug = ?`, slug).Scan(&exists); err != nil {
			return "", models.NewPipelineError(models.ErrCodeStoreCorrupt, "check job", err)
		}
		if exists == 0 {
			return "", models.NewPipelineError(models.ErrCodeNotFound,
				fmt.Sprintf("job %q not found", slug), nil)
		}
		return "", models.NewPipelineError(models.ErrCodeDuplicateKey,
			fmt.Sprintf("job %q is not pending", slug), nil)
	}

	runID := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, slug) VALUES (?, ?)`, runID, slug); err != nil {
		return "", models.NewPipelineError(models.ErrCodeStoreCorrupt, "insert run", err)
	}

	if err := tx.Commit(); err != nil {
		return "", models.NewPipelineError(models.ErrCodeStoreCorrupt, "commit run", err)
	}
	return runID, nil
}

// CompleteRun records the outcome of a run.
func (s *Store) CompleteRun(ctx context.Context, runID, slug string, ok bool, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished = CURRENT_TIMESTAMP, ok = ?, error_msg = NULLIF(?, '')
		 WHERE run_id = ? AND slug = ?`,
		ok, errMsg, runID, slug)
	if err != nil {
		return models.NewPipelineError(models.ErrCodeStoreCorrupt, "complete run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NewPipelineError(models.ErrCodeNotFound,
			fmt.Sprintf("run (%s, %s) not found", runID, slug), nil)
	}
	return nil
}

// RecordArtifact persists metadata for one captured section image.
func (s *Store) RecordArtifact(ctx context.Context, a models.Artifact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (run_id, slug, idx, filename, section_title)
		 VALUES (?, ?, ?, ?, ?)`,
		a.RunID, a.Slug, a.Index, a.Filename, a.SectionTitle)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
			return models.NewPipelineError(models.ErrCodeDuplicateKey,
				fmt.Sprintf("artifact (%s, %s, %d) already exists", a.RunID, a.Slug, a.Index), err)
		}
		return models.NewPipelineError(models.ErrCodeStoreCorrupt, "insert artifact", err)
	}
	return nil
}

// RunArtifacts lists a run's artifacts in index order.
func (s *Store) RunArtifacts(ctx context.Context, runID, slug string) ([]models.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, slug, idx, filename, section_title, created
		 FROM artifacts WHERE run_id = ? AND slug = ? ORDER BY idx`, runID, slug)
	if err != nil {
		return nil, models.NewPipelineError(models.ErrCodeStoreCorrupt, "scan artifacts", err)
	}
	defer rows.Close()

	var out []models.Artifact
	for rows.Next() {
		var a models.Artifact
		if err := rows.Scan(&a.RunID, &a.Slug, &a.Index, &a.Filename, &a.SectionTitle, &a.CreatedAt); err != nil {
			return nil, models.NewPipelineError(models.ErrCodeStoreCorrupt, "scan artifact row", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetStatus moves a job to status. A non-empty errMsg marks a failed
// attempt: it is recorded as last_error and bumps retry_count.
func (s *Store) SetStatus(ctx context.Context, slug string, status models.Status, errMsg string) error {
	if !status.Valid() {
		return models.NewPipelineError(models.ErrCodeInvalidInput,
			fmt.Sprintf("invalid status %q", status), nil)
	}
	var res sql.Result
	var err error
	if errMsg != "" {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, last_error = ?, retry_count = retry_count + 1 WHERE slug = ?`,
			status, errMsg, slug)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, last_error = NULL WHERE slug = ?`,
			status, slug)
	}
	if err != nil {
		return models.NewPipelineError(models.ErrCodeStoreCorrupt, "update status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NewPipelineError(models.ErrCodeNotFound,
			fmt.Sprintf("job %q not found", slug), nil)
	}
	return nil
}

// ResetFailed moves every failed job back to pending in one transaction,
// clearing last_error but preserving retry_count for the audit trail.
// Returns the number of jobs reset; calling it again with no intervening
// attempts affects zero rows.
func (s *Store) ResetFailed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', last_error = NULL WHERE status LIKE 'failed_%'`)
	if err != nil {
		return 0, models.NewPipelineError(models.ErrCodeStoreCorrupt, "reset failed jobs", err)
	}
	return res.RowsAffected()
}

// ResetStaleProcessing returns jobs abandoned mid-attempt by a crashed
// process to pending. No attempt is assumed successful unless done was
// durably recorded, so this runs before every batch.
func (s *Store) ResetStaleProcessing(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending' WHERE status = 'processing'`)
	if err != nil {
		return 0, models.NewPipelineError(models.ErrCodeStoreCorrupt, "reset stale jobs", err)
	}
	return res.RowsAffected()
}

// FailedJobs lists failed jobs with their stored last_error.
func (s *Store) FailedJobs(ctx context.Context) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT slug, url, status, COALESCE(last_error,''), retry_count, discovered
		 FROM jobs WHERE status LIKE 'failed_%' ORDER BY discovered, slug`)
	if err != nil {
		return nil, models.NewPipelineError(models.ErrCodeStoreCorrupt, "scan failed jobs", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Stats returns per-status job counts plus run and artifact totals.
func (s *Store) Stats(ctx context.Context) (models.Stats, error) {
	st := models.Stats{JobsByStatus: make(map[models.Status]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return st, models.NewPipelineError(models.ErrCodeStoreCorrupt, "count jobs", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status models.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, models.NewPipelineError(models.ErrCodeStoreCorrupt, "scan job counts", err)
		}
		st.JobsByStatus[status] = n
		st.TotalJobs += n
	}
	if err := rows.Err(); err != nil {
		return st, models.NewPipelineError(models.ErrCodeStoreCorrupt, "scan job counts", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&st.TotalRuns); err != nil {
		return st, models.NewPipelineError(models.ErrCodeStoreCorrupt, "count runs", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts`).Scan(&st.TotalArtifacts); err != nil {
		return st, models.NewPipelineError(models.ErrCodeStoreCorrupt, "count artifacts", err)
	}
	return st, nil
}

// GetRun fetches one run record.
func (s *Store) GetRun(ctx context.Context, runID, slug string) (models.Run, error) {
	var r models.Run
	var finished sql.NullTime
	var ok sql.NullBool
	var errMsg sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, slug, started, finished, ok, error_msg
		 FROM runs WHERE run_id = ? AND slug = ?`, runID, slug).
		Scan(&r.RunID, &r.Slug, &r.StartedAt, &finished, &ok, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return r, models.NewPipelineError(models.ErrCodeNotFound,
			fmt.Sprintf("run (%s, %s) not found", runID, slug), err)
	}
	if err != nil {
		return r, models.NewPipelineError(models.ErrCodeStoreCorrupt, "scan run", err)
	}
	if finished.Valid {
		r.FinishedAt = finished.Time
	}
	r.OK = ok.Valid && ok.Bool
	if errMsg.Valid {
		r.ErrorMsg = errMsg.String
	}
	return r, nil
}

// Runs lists every attempt for a slug in start order, open runs
// included.
func (s *Store) Runs(ctx context.Context, slug string) ([]models.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, slug, started, finished, ok, error_msg
		 FROM runs WHERE slug = ? ORDER BY started, run_id`, slug)
	if err != nil {
		return nil, models.NewPipelineError(models.ErrCodeStoreCorrupt, "scan runs", err)
	}
	defer rows.Close()

	var out []models.Run
	for rows.Next() {
		var r models.Run
		var finished sql.NullTime
		var ok sql.NullBool
		var errMsg sql.NullString
		if err := rows.Scan(&r.RunID, &r.Slug, &r.StartedAt, &finished, &ok, &errMsg); err != nil {
			return nil, models.NewPipelineError(models.ErrCodeStoreCorrupt, "scan run row", err)
		}
		if finished.Valid {
			r.FinishedAt = finished.Time
		}
		r.OK = ok.Valid && ok.Bool
		if errMsg.Valid {
			r.ErrorMsg = errMsg.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var j models.Job
	var discovered time.Time
	err := row.Scan(&j.Slug, &j.URL, &j.Status, &j.LastError, &j.RetryCount, &discovered)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return j, err
		}
		return j, models.NewPipelineError(models.ErrCodeStoreCorrupt, "scan job row", err)
	}
	j.DiscoveredAt = discovered
	return j, nil
}
