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

const userColumns = `id, username, password_hash, role, concurrency_cap, disabled, created_at, updated_at`

// CreateUser inserts a new user. The caller must set User.ID.
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	const ins = `
INSERT INTO users (id, username, password_hash, role, concurrency_cap, disabled, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);`
	_, err := s.db.ExecContext(ctx, ins,
		u.ID, u.Username, u.PasswordHash, u.Role, u.ConcurrencyCap, u.Disabled,
		u.CreatedAt.UTC(), u.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE id=?`
	return s.getUser(ctx, q, id)
}

// GetUserByName retrieves a user by username.
func (s *Store) GetUserByName(ctx context.Context, username string) (*models.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE username=?`
	return s.getUser(ctx, q, username)
}

func (s *Store) getUser(ctx context.Context, q string, arg any) (*models.User, error) {
	var u models.User
	var createdAt, updatedAt time.Time
	err := s.db.QueryRowContext(ctx, q, arg).Scan(
		&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.ConcurrencyCap,
		&u.Disabled, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = createdAt.UTC()
	u.UpdatedAt = updatedAt.UTC()
	return &u, nil
}

// SetUserDisabled soft-disables (or re-enables) a user. Accounts are
// never deleted.
func (s *Store) SetUserDisabled(ctx context.Context, id string, disabled bool) error {
	const upd = `UPDATE users SET disabled=?, updated_at=? WHERE id=?`
	res, err := s.db.ExecContext(ctx, upd, disabled, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set user disabled: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetUserCap updates a user's per-user concurrency cap.
func (s *Store) SetUserCap(ctx context.Context, id string, cap int) error {
	if cap < 1 {
		return fmt.Errorf("concurrency cap must be at least 1")
	}
	const upd = `UPDATE users SET concurrency_cap=?, updated_at=? WHERE id=?`
	res, err := s.db.ExecContext(ctx, upd, cap, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set user cap: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountUsers returns the total number of user rows. Used to decide
// whether to seed the bootstrap admin.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	const q = `SELECT COUNT(*) FROM users`
	var n int
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}
