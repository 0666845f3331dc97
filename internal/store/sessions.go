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

const sessionColumns = `id, user_id, declared_size, chunk_size, chunk_count, bitmap,
model, language, sealed, created_at, updated_at`

// InsertSession inserts a new upload session row. The caller must set
// Session.ID and an empty bitmap sized for ChunkCount.
func (s *Store) InsertSession(ctx context.Context, sess *models.UploadSession) error {
	const ins = `
INSERT INTO upload_sessions (id, user_id, declared_size, chunk_size, chunk_count, bitmap,
  model, language, sealed, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?);`

	var language any
	if sess.Language != nil {
		language = *sess.Language
	}
	_, err := s.db.ExecContext(ctx, ins,
		sess.ID, sess.UserID, sess.DeclaredSize, sess.ChunkSize, sess.ChunkCount,
		sess.Bitmap, sess.Model, language, sess.CreatedAt.UTC(), sess.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves an upload session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*models.UploadSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM upload_sessions WHERE id=?`
	sess, err := scanSession(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// SetSessionBit marks a chunk as received and refreshes the idle timer.
// Returns whether the bit was newly set. Writes to a sealed session
// return ErrSessionSealed.
func (s *Store) SetSessionBit(ctx context.Context, id string, index int) (newlySet bool, err error) {
	now := time.Now().UTC()
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		q := `SELECT ` + sessionColumns + ` FROM upload_sessions WHERE id=?`
		sess, serr := scanSession(tx.QueryRowContext(ctx, q, id))
		if errors.Is(serr, sql.ErrNoRows) {
			return ErrNotFound
		}
		if serr != nil {
			return fmt.Errorf("get session: %w", serr)
		}
		if sess.Sealed {
			return ErrSessionSealed
		}
		newlySet = sess.MarkChunk(index)

		const upd = `UPDATE upload_sessions SET bitmap=?, updated_at=? WHERE id=? AND sealed=0`
		if _, uerr := tx.ExecContext(ctx, upd, sess.Bitmap, now, id); uerr != nil {
			return fmt.Errorf("update session bitmap: %w", uerr)
		}
		return nil
	})
	return newlySet, err
}

// SealSession atomically marks the session sealed and inserts the
// pending job referencing its assembled artifact. The bitmap is
// re-checked inside the transaction; a missing chunk or an already
// sealed session aborts without side effects.
func (s *Store) SealSession(ctx context.Context, id string, job *models.Job) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		q := `SELECT ` + sessionColumns + ` FROM upload_sessions WHERE id=?`
		sess, serr := scanSession(tx.QueryRowContext(ctx, q, id))
		if errors.Is(serr, sql.ErrNoRows) {
			return ErrNotFound
		}
		if serr != nil {
			return fmt.Errorf("get session: %w", serr)
		}
		if sess.Sealed {
			return ErrSessionSealed
		}
		if !sess.Complete() {
			return fmt.Errorf("seal session: %d of %d chunks present", sess.ChunksPresent(), sess.ChunkCount)
		}

		const upd = `UPDATE upload_sessions SET sealed=1, updated_at=? WHERE id=? AND sealed=0`
		res, uerr := tx.ExecContext(ctx, upd, time.Now().UTC(), id)
		if uerr != nil {
			return fmt.Errorf("seal session: %w", uerr)
		}
		if affected, _ := res.RowsAffected(); affected != 1 {
			return ErrSessionSealed
		}
		return insertJobTx(ctx, tx, job)
	})
}

// DeleteSession removes a session row (abort or post-seal GC).
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	const del = `DELETE FROM upload_sessions WHERE id=?`
	res, err := s.db.ExecContext(ctx, del, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpiredSessions returns unsealed sessions idle since before cutoff,
// plus every sealed session (safe to GC once the artifact moved).
func (s *Store) ExpiredSessions(ctx context.Context, cutoff time.Time) ([]*models.UploadSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM upload_sessions WHERE sealed=1 OR updated_at < ?`
	rows, err := s.db.QueryContext(ctx, q, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.UploadSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// CountOpenSessions returns the number of unsealed sessions, optionally
// for one user (empty userID counts all).
func (s *Store) CountOpenSessions(ctx context.Context, userID string) (int, error) {
	q := `SELECT COUNT(*) FROM upload_sessions WHERE sealed=0`
	var args []any
	if userID != "" {
		q += ` AND user_id=?`
		args = append(args, userID)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count open sessions: %w", err)
	}
	return n, nil
}

func scanSession(r rowScanner) (*models.UploadSession, error) {
	var sess models.UploadSession
	var language sql.NullString
	var createdAt, updatedAt time.Time
	err := r.Scan(
		&sess.ID, &sess.UserID, &sess.DeclaredSize, &sess.ChunkSize, &sess.ChunkCount,
		&sess.Bitmap, &sess.Model, &language, &sess.Sealed, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sess.Language = fromNullStringPtr(language)
	sess.CreatedAt = createdAt.UTC()
	sess.UpdatedAt = updatedAt.UTC()
	return &sess, nil
}
