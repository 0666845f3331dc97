// Scribe is an audio transcription service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"scribe/pkg/models"
)

const jobColumns = `id, user_id, batch_id, model, language, status, priority, progress, seq,
input_ref, output_ref, error_kind, error_message, cancel_requested, worker_id,
created_at, started_at, finished_at`

// InsertJob inserts a new pending job. The caller must set Job.ID and
// Job.InputRef. The row starts at seq=1, consumed by the accepted event.
func (s *Store) InsertJob(ctx context.Context, job *models.Job) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return insertJobTx(ctx, tx, job)
	})
}

func insertJobTx(ctx context.Context, tx *sql.Tx, job *models.Job) error {
	const ins = `
INSERT INTO jobs (id, user_id, batch_id, model, language, status, priority, progress, seq,
  input_ref, cancel_requested, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, 0, 1, ?, 0, ?);`

	var batchID, language any
	if job.BatchID != nil {
		batchID = *job.BatchID
	}
	if job.Language != nil {
		language = *job.Language
	}

	_, err := tx.ExecContext(ctx, ins,
		job.ID, job.UserID, batchID, job.Model, language, models.JobStatusPending.String(),
		job.Priority, job.InputRef, job.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	job.Status = models.JobStatusPending
	job.Seq = 1
	return nil
}

// InsertBatch inserts a batch and all member jobs atomically. Members
// inherit the batch's priority; the caller sets every job ID, InputRef,
// and BatchID beforehand.
func (s *Store) InsertBatch(ctx context.Context, batch *models.Batch, jobs []*models.Job) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		const ins = `INSERT INTO batches (id, user_id, priority, cancel_requested, created_at) VALUES (?, ?, ?, 0, ?);`
		if _, err := tx.ExecContext(ctx, ins, batch.ID, batch.UserID, batch.Priority, batch.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		for _, job := range jobs {
			job.Priority = batch.Priority
			if err := insertJobTx(ctx, tx, job); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=?`
	job, err := scanJob(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// InputRefOwner returns the user owning the most recent job that
// references the input artifact, or ErrNotFound when no job does.
func (s *Store) InputRefOwner(ctx context.Context, inputRef string) (string, error) {
	const q = `SELECT user_id FROM jobs WHERE input_ref=? ORDER BY created_at DESC LIMIT 1`
	var owner string
	err := s.db.QueryRowContext(ctx, q, inputRef).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("input ref owner: %w", err)
	}
	return owner, nil
}

// ClaimJob atomically selects the best claimable pending job, transitions
// it to running, and returns it with the seq already advanced for the
// started event. Candidates are ordered priority first, then created_at;
// jobs whose owner is at their concurrency cap and jobs flagged for
// cancellation are skipped. Returns ErrNotFound when nothing is claimable.
func (s *Store) ClaimJob(ctx context.Context, workerID string) (*models.Job, error) {
	now := time.Now().UTC()

	var claimed *models.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		const sel = `
SELECT j.id FROM jobs j
JOIN users u ON u.id = j.user_id
WHERE j.status='pending' AND j.cancel_requested=0
  AND (SELECT COUNT(*) FROM jobs r WHERE r.user_id=j.user_id AND r.status='running') < u.concurrency_cap
ORDER BY j.priority DESC, j.created_at ASC
LIMIT 1`
		var id string
		err := tx.QueryRowContext(ctx, sel).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select claimable job: %w", err)
		}

		const upd = `
UPDATE jobs
SET status='running', worker_id=?, started_at=?, seq=seq+1
WHERE id=? AND status='pending'`
		res, err := tx.ExecContext(ctx, upd, workerID, now, id)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected != 1 {
			return ErrNotFound
		}

		q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=?`
		j, err := scanJob(tx.QueryRowContext(ctx, q, id))
		if err != nil {
			return fmt.Errorf("reload claimed job: %w", err)
		}
		claimed = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RecordProgress writes a progress update guarded by the stored sequence
// and percentage: the write happens only when seq is strictly greater
// than the stored seq and progress strictly greater than the stored
// progress. Anything else is ErrStaleSequence and a no-op.
func (s *Store) RecordProgress(ctx context.Context, jobID string, seq int64, progress int) error {
	const upd = `
UPDATE jobs SET progress=?, seq=?
WHERE id=? AND status='running' AND seq < ? AND progress < ?`
	res, err := s.db.ExecContext(ctx, upd, progress, seq, jobID, seq, progress)
	if err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrStaleSequence
	}
	return nil
}

// FinishJob transitions a running job to a terminal state and records
// the terminal event's sequence. Returns ErrAlreadyTerminal when the job
// is not running; callers treat that as a no-op and count the anomaly.
func (s *Store) FinishJob(ctx context.Context, jobID string, status models.JobStatus, seq int64, outputRef string, errKind models.FailureKind, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish job: %s is not a terminal status", status)
	}
	now := time.Now().UTC()

	const upd = `
UPDATE jobs SET status=?, seq=?, output_ref=?, error_kind=?, error_message=?, finished_at=?
WHERE id=? AND status='running'`
	res, err := s.db.ExecContext(ctx, upd, status.String(), seq,
		nullIfEmpty(outputRef), nullIfEmpty(errKind.String()), nullIfEmpty(truncate(errMsg, 2000)), now, jobID)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrAlreadyTerminal
	}
	return nil
}

// RequestCancel sets cancel_requested on a non-terminal job. Idempotent:
// repeat calls succeed; terminal jobs return ErrAlreadyTerminal and a
// missing job returns ErrNotFound.
func (s *Store) RequestCancel(ctx context.Context, jobID string) error {
	const upd = `UPDATE jobs SET cancel_requested=1 WHERE id=? AND status IN ('pending','running')`
	res, err := s.db.ExecContext(ctx, upd, jobID)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 1 {
		return nil
	}
	// Distinguish terminal from missing.
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return ErrAlreadyTerminal
}

// CancelPendingJobs transitions every pending job with cancel_requested
// set directly to cancelled, no worker involved, and returns the
// affected jobs with their terminal sequence numbers for event emission.
func (s *Store) CancelPendingJobs(ctx context.Context) ([]*models.Job, error) {
	now := time.Now().UTC()

	var cancelled []*models.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT id FROM jobs WHERE status='pending' AND cancel_requested=1`
		rows, err := tx.QueryContext(ctx, sel)
		if err != nil {
			return fmt.Errorf("select cancel-requested jobs: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan job id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate job ids: %w", err)
		}

		for _, id := range ids {
			const upd = `
UPDATE jobs SET status='cancelled', seq=seq+1, finished_at=?
WHERE id=? AND status='pending'`
			res, err := tx.ExecContext(ctx, upd, now, id)
			if err != nil {
				return fmt.Errorf("cancel pending job: %w", err)
			}
			if affected, _ := res.RowsAffected(); affected != 1 {
				continue
			}
			q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=?`
			j, err := scanJob(tx.QueryRowContext(ctx, q, id))
			if err != nil {
				return fmt.Errorf("reload cancelled job: %w", err)
			}
			cancelled = append(cancelled, j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// JobFilter narrows a job listing.
type JobFilter struct {
	Status  models.JobStatus // empty matches all
	BatchID string           // empty matches all
}

// Page bounds a listing. A Limit of zero or less defaults to 50.
type Page struct {
	Limit  int
	Offset int
}

// ListJobs returns one page of a user's jobs, newest first. An empty
// userID lists across all users (admin surfaces). Reads see a WAL
// snapshot and never block writers.
func (s *Store) ListJobs(ctx context.Context, userID string, filter JobFilter, page Page) ([]*models.Job, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := page.Offset
	if offset < 0 {
		offset = 0
	}

	q := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if userID != "" {
		q += ` AND user_id=?`
		args = append(args, userID)
	}
	if filter.Status != "" {
		if !filter.Status.Valid() {
			return nil, fmt.Errorf("invalid status filter: %s", filter.Status)
		}
		q += ` AND status=?`
		args = append(args, filter.Status.String())
	}
	if filter.BatchID != "" {
		q += ` AND batch_id=?`
		args = append(args, filter.BatchID)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// RecoverOrphans fails every job left in running state by a previous
// process. Runs once at startup before the pool starts; there is no
// live worker, so worker_lost is the only honest classification.
func (s *Store) RecoverOrphans(ctx context.Context) ([]*models.Job, error) {
	now := time.Now().UTC()

	var orphans []*models.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		q := `SELECT ` + jobColumns + ` FROM jobs WHERE status='running'`
		rows, err := tx.QueryContext(ctx, q)
		if err != nil {
			return fmt.Errorf("select running jobs: %w", err)
		}
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan job: %w", err)
			}
			orphans = append(orphans, job)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate running jobs: %w", err)
		}

		for _, job := range orphans {
			const upd = `
UPDATE jobs SET status='failed', seq=seq+1, error_kind=?, error_message=?, finished_at=?
WHERE id=? AND status='running'`
			if _, err := tx.ExecContext(ctx, upd, models.FailureWorkerLost.String(),
				"worker lost: process restarted with the job running", now, job.ID); err != nil {
				return fmt.Errorf("recover orphan: %w", err)
			}
			job.Status = models.JobStatusFailed
			job.Seq++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orphans, nil
}

// CountByStatus returns the number of jobs in the given status.
func (s *Store) CountByStatus(ctx context.Context, status models.JobStatus) (int, error) {
	const q = `SELECT COUNT(*) FROM jobs WHERE status=?`
	var n int
	if err := s.db.QueryRowContext(ctx, q, status.String()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// CountRunningForUser returns the user's currently running jobs.
func (s *Store) CountRunningForUser(ctx context.Context, userID string) (int, error) {
	const q = `SELECT COUNT(*) FROM jobs WHERE user_id=? AND status='running'`
	var n int
	if err := s.db.QueryRowContext(ctx, q, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count running jobs: %w", err)
	}
	return n, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for the shared job scan.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*models.Job, error) {
	var row struct {
		id, userID, model, status, inputRef string
		batchID, language                   sql.NullString
		priority, progress                  int
		seq                                 int64
		outputRef, errorKind, errorMessage  sql.NullString
		cancelRequested                     bool
		workerID                            sql.NullString
		createdAt                           time.Time
		startedAt, finishedAt               sql.NullTime
	}
	err := r.Scan(
		&row.id, &row.userID, &row.batchID, &row.model, &row.language, &row.status,
		&row.priority, &row.progress, &row.seq, &row.inputRef, &row.outputRef,
		&row.errorKind, &row.errorMessage, &row.cancelRequested, &row.workerID,
		&row.createdAt, &row.startedAt, &row.finishedAt)
	if err != nil {
		return nil, err
	}
	return &models.Job{
		ID:              row.id,
		UserID:          row.userID,
		BatchID:         fromNullStringPtr(row.batchID),
		Model:           row.model,
		Language:        fromNullStringPtr(row.language),
		Status:          models.JobStatus(row.status),
		Priority:        row.priority,
		Progress:        row.progress,
		Seq:             row.seq,
		InputRef:        row.inputRef,
		OutputRef:       fromNullStringPtr(row.outputRef),
		ErrorKind:       fromNullStringPtr(row.errorKind),
		ErrorMessage:    fromNullStringPtr(row.errorMessage),
		CancelRequested: row.cancelRequested,
		WorkerID:        fromNullStringPtr(row.workerID),
		CreatedAt:       row.createdAt.UTC(),
		StartedAt:       fromNullTimePtr(row.startedAt),
		FinishedAt:      fromNullTimePtr(row.finishedAt),
	}, nil
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
