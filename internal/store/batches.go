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

// GetBatch retrieves a batch by ID.
func (s *Store) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	const q = `SELECT id, user_id, priority, cancel_requested, created_at FROM batches WHERE id=?`
	var b models.Batch
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, q, id).Scan(&b.ID, &b.UserID, &b.Priority, &b.CancelRequested, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	b.CreatedAt = createdAt.UTC()
	return &b, nil
}

// BatchStats derives the batch aggregate from member job rows. Percent
// is sum(member progress) / total; terminal members count as 100 when
// completed and keep their last progress otherwise. Done is true iff
// every member is terminal.
func (s *Store) BatchStats(ctx context.Context, id string) (*models.BatchStats, error) {
	// Existence first so an unknown batch is not an empty aggregate.
	if _, err := s.GetBatch(ctx, id); err != nil {
		return nil, err
	}

	const q = `
SELECT
  COUNT(*),
  COALESCE(SUM(CASE WHEN status='pending'   THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN status='running'   THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN status='completed' THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN status='failed'    THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN status='cancelled' THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN status='completed' THEN 100 ELSE progress END), 0)
FROM jobs WHERE batch_id=?`

	st := models.BatchStats{BatchID: id}
	var progressSum sql.NullInt64
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&st.Total, &st.Pending, &st.Running, &st.Completed, &st.Failed, &st.Cancelled, &progressSum)
	if err != nil {
		return nil, fmt.Errorf("batch stats: %w", err)
	}
	if st.Total > 0 {
		st.Percent = float64(progressSum.Int64) / float64(st.Total)
	}
	st.Done = st.Total > 0 && st.Completed+st.Failed+st.Cancelled == st.Total
	return &st, nil
}

// BatchMemberIDs returns the IDs of a batch's member jobs in creation
// order, optionally restricted to non-terminal members.
func (s *Store) BatchMemberIDs(ctx context.Context, id string, nonTerminalOnly bool) ([]string, error) {
	q := `SELECT id FROM jobs WHERE batch_id=?`
	if nonTerminalOnly {
		q += ` AND status IN ('pending','running')`
	}
	q += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("batch members: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var jobID string
		if err := rows.Scan(&jobID); err != nil {
			return nil, fmt.Errorf("scan member id: %w", err)
		}
		out = append(out, jobID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return out, nil
}

// RequestBatchCancel flags the batch itself. Member cancellation is the
// coordinator's fan-out; this only records intent on the batch row.
func (s *Store) RequestBatchCancel(ctx context.Context, id string) error {
	const upd = `UPDATE batches SET cancel_requested=1 WHERE id=?`
	res, err := s.db.ExecContext(ctx, upd, id)
	if err != nil {
		return fmt.Errorf("request batch cancel: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBatches returns one page of a user's batches, newest first.
func (s *Store) ListBatches(ctx context.Context, userID string, page Page) ([]*models.Batch, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := page.Offset
	if offset < 0 {
		offset = 0
	}

	const q = `SELECT id, user_id, priority, cancel_requested, created_at
FROM batches WHERE user_id=? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []*models.Batch
	for rows.Next() {
		var b models.Batch
		var createdAt time.Time
		if err := rows.Scan(&b.ID, &b.UserID, &b.Priority, &b.CancelRequested, &createdAt); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		b.CreatedAt = createdAt.UTC()
		out = append(out, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return out, nil
}
