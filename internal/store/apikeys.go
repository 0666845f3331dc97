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
	"strings"
	"time"

	"scribe/pkg/models"
)

const apiKeyColumns = `id, user_id, name, key_hash, permissions, expires_at, revoked,
window_start, used, quota_limit, window_seconds, created_at, last_used_at`

// InsertAPIKey inserts a new API key row. The caller must set ID and
// KeyHash; the quota window opens at CreatedAt.
func (s *Store) InsertAPIKey(ctx context.Context, k *models.APIKey) error {
	const ins = `
INSERT INTO api_keys (id, user_id, name, key_hash, permissions, expires_at, revoked,
  window_start, used, quota_limit, window_seconds, created_at)
VALUES (?, ?, ?, ?, ?, ?, 0, ?, 0, ?, ?, ?);`

	var expiresAt any
	if k.ExpiresAt != nil {
		expiresAt = k.ExpiresAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, ins,
		k.ID, k.UserID, k.Name, k.KeyHash, strings.Join(k.Permissions, ","),
		expiresAt, k.WindowStart.UTC(), k.QuotaLimit, k.WindowSeconds, k.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash retrieves a non-revoked key by its lookup hash.
// Expired keys are returned; the auth layer rejects them so the caller
// can distinguish "expired" from "unknown".
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	q := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE key_hash=? AND revoked=0`
	k, err := scanAPIKey(s.db.QueryRowContext(ctx, q, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return k, nil
}

// GetAPIKey retrieves a key by ID, revoked or not.
func (s *Store) GetAPIKey(ctx context.Context, id string) (*models.APIKey, error) {
	q := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id=?`
	k, err := scanAPIKey(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return k, nil
}

// ListAPIKeys returns a user's keys, newest first.
func (s *Store) ListAPIKeys(ctx context.Context, userID string) ([]*models.APIKey, error) {
	q := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE user_id=? ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var out []*models.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api keys: %w", err)
	}
	return out, nil
}

// RevokeAPIKey marks a key revoked. Revocation is terminal.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	const upd = `UPDATE api_keys SET revoked=1 WHERE id=?`
	res, err := s.db.ExecContext(ctx, upd, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ConsumeQuota atomically rolls the key's quota window if it has
// elapsed and increments the used counter. Returns the remaining calls
// in the window and the instant the window rolls over. An exhausted
// window returns ErrQuotaExhausted with the window end still valid.
//
// Both the limiter pass and this increment happen before the handler
// runs; a call that later fails still consumed its token.
func (s *Store) ConsumeQuota(ctx context.Context, keyID string, now time.Time) (remaining int64, windowEnd time.Time, err error) {
	now = now.UTC()

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT window_start, used, quota_limit, window_seconds FROM api_keys WHERE id=? AND revoked=0`
		var windowStart time.Time
		var used, limit, windowSeconds int64
		serr := tx.QueryRowContext(ctx, sel, keyID).Scan(&windowStart, &used, &limit, &windowSeconds)
		if errors.Is(serr, sql.ErrNoRows) {
			return ErrNotFound
		}
		if serr != nil {
			return fmt.Errorf("read quota ledger: %w", serr)
		}

		window := time.Duration(windowSeconds) * time.Second
		end := windowStart.UTC().Add(window)
		if !now.Before(end) {
			// Window rolled: used resets and the window restarts at now.
			windowStart = now
			used = 0
			end = now.Add(window)
		}
		if used >= limit {
			windowEnd = end
			return ErrQuotaExhausted
		}

		const upd = `UPDATE api_keys SET window_start=?, used=?, last_used_at=? WHERE id=?`
		if _, uerr := tx.ExecContext(ctx, upd, windowStart.UTC(), used+1, now, keyID); uerr != nil {
			return fmt.Errorf("update quota ledger: %w", uerr)
		}
		remaining = limit - used - 1
		windowEnd = end
		return nil
	})
	return remaining, windowEnd, err
}

func scanAPIKey(r rowScanner) (*models.APIKey, error) {
	var k models.APIKey
	var perms string
	var expiresAt, lastUsedAt sql.NullTime
	var windowStart, createdAt time.Time
	err := r.Scan(
		&k.ID, &k.UserID, &k.Name, &k.KeyHash, &perms, &expiresAt, &k.Revoked,
		&windowStart, &k.Used, &k.QuotaLimit, &k.WindowSeconds, &createdAt, &lastUsedAt)
	if err != nil {
		return nil, err
	}
	if perms != "" {
		k.Permissions = strings.Split(perms, ",")
	}
	k.ExpiresAt = fromNullTimePtr(expiresAt)
	k.LastUsedAt = fromNullTimePtr(lastUsedAt)
	k.WindowStart = windowStart.UTC()
	k.CreatedAt = createdAt.UTC()
	return &k, nil
}
