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
	"fmt"
)

// UserStats aggregates one user's jobs for the cached stats view.
// Run-time figures cover finished jobs with both timestamps recorded.
func (s *Store) UserStats(ctx context.Context, userID string) (*UserStatsRow, error) {
	const q = `
SELECT
  COUNT(*),
  COALESCE(SUM(CASE WHEN status='pending'   THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN status='running'   THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN status='completed' THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN status='failed'    THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN status='cancelled' THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN started_at IS NOT NULL AND finished_at IS NOT NULL
    THEN (julianday(finished_at) - julianday(started_at)) * 86400.0 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN started_at IS NOT NULL AND finished_at IS NOT NULL THEN 1 ELSE 0 END), 0)
FROM jobs WHERE user_id=?`

	var row UserStatsRow
	var finishedWithTimes sql.NullInt64
	err := s.db.QueryRowContext(ctx, q, userID).Scan(
		&row.Total, &row.Pending, &row.Running, &row.Completed, &row.Failed,
		&row.Cancelled, &row.RunSeconds, &finishedWithTimes)
	if err != nil {
		return nil, fmt.Errorf("user stats: %w", err)
	}
	row.FinishedWithTimes = int(finishedWithTimes.Int64)
	return &row, nil
}

// UserStatsRow is the raw aggregate; the caller shapes it into the
// API view (averages, hours, open sessions).
type UserStatsRow struct {
	Total             int
	Pending           int
	Running           int
	Completed         int
	Failed            int
	Cancelled         int
	RunSeconds        float64
	FinishedWithTimes int
}
