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

// Tests for upload session records: the chunk bitmap, seal semantics,
// and idle expiry.

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"scribe/pkg/models"
)

func seedSession(t *testing.T, s *Store, userID string, declaredSize, chunkSize int64) *models.UploadSession {
	t.Helper()
	seedSeq++
	sess := models.NewUploadSession(userID, declaredSize, chunkSize, models.JobSpec{Model: "base"})
	sess.ID = "sess-" + time.Now().Format("150405") + "-" + string(rune('a'+seedSeq%26))
	if err := s.InsertSession(context.Background(), &sess); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}
	return &sess
}

func TestSessionBitmapRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 2)

	// 2.5 chunks worth of bytes: count rounds up to 3.
	sess := seedSession(t, s, u.ID, 25, 10)
	if sess.ChunkCount != 3 {
		t.Fatalf("chunk count = %d, want 3", sess.ChunkCount)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Sealed || got.ChunksPresent() != 0 {
		t.Fatalf("fresh session mismatch: %+v", got)
	}
	if got.ChunkLen(2) != 5 {
		t.Fatalf("last chunk length = %d, want 5", got.ChunkLen(2))
	}

	newlySet, err := s.SetSessionBit(ctx, sess.ID, 1)
	if err != nil || !newlySet {
		t.Fatalf("SetSessionBit = %v, %v; want newly set", newlySet, err)
	}
	// Replaying the same chunk is not an error, just not new.
	newlySet, err = s.SetSessionBit(ctx, sess.ID, 1)
	if err != nil || newlySet {
		t.Fatalf("SetSessionBit (replay) = %v, %v; want not newly set", newlySet, err)
	}

	got, _ = s.GetSession(ctx, sess.ID)
	if !got.HasChunk(1) || got.HasChunk(0) || got.ChunksPresent() != 1 {
		t.Fatalf("bitmap mismatch after one chunk: %+v", got)
	}
	missing := got.MissingChunks(0)
	if len(missing) != 2 || missing[0] != 0 || missing[1] != 2 {
		t.Fatalf("missing chunks = %v, want [0 2]", missing)
	}

	if _, err := s.SetSessionBit(ctx, "missing", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetSessionBit(missing session) = %v, want ErrNotFound", err)
	}
}

func TestSealSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 2)
	sess := seedSession(t, s, u.ID, 20, 10)

	job := models.NewJob(u.ID, models.JobSpec{Model: "base"})
	job.ID = "job-from-" + sess.ID
	job.InputRef = "artifacts/in/" + job.ID

	// Sealing with a missing chunk aborts without side effects.
	if _, err := s.SetSessionBit(ctx, sess.ID, 0); err != nil {
		t.Fatalf("SetSessionBit failed: %v", err)
	}
	if err := s.SealSession(ctx, sess.ID, &job); err == nil {
		t.Fatalf("SealSession with missing chunk succeeded")
	}
	if _, err := s.GetJob(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("job inserted despite failed seal: %v", err)
	}

	if _, err := s.SetSessionBit(ctx, sess.ID, 1); err != nil {
		t.Fatalf("SetSessionBit failed: %v", err)
	}
	if err := s.SealSession(ctx, sess.ID, &job); err != nil {
		t.Fatalf("SealSession failed: %v", err)
	}

	// The seal and the job insert are one transaction.
	got, err := s.GetSession(ctx, sess.ID)
	if err != nil || !got.Sealed {
		t.Fatalf("session not sealed: %+v, %v", got, err)
	}
	j, err := s.GetJob(ctx, job.ID)
	if err != nil || j.Status != models.JobStatusPending || j.Seq != 1 {
		t.Fatalf("sealed job = %+v, %v", j, err)
	}

	// Sealed is terminal for the session.
	if err := s.SealSession(ctx, sess.ID, &job); !errors.Is(err, ErrSessionSealed) {
		t.Fatalf("double seal = %v, want ErrSessionSealed", err)
	}
	if _, err := s.SetSessionBit(ctx, sess.ID, 0); !errors.Is(err, ErrSessionSealed) {
		t.Fatalf("chunk after seal = %v, want ErrSessionSealed", err)
	}
}

func TestExpiredSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 2)

	fresh := seedSession(t, s, u.ID, 10, 10)
	stale := seedSession(t, s, u.ID, 10, 10)

	// Backdate the stale session's activity past the cutoff.
	const upd = `UPDATE upload_sessions SET updated_at=? WHERE id=?`
	if _, err := s.db.ExecContext(ctx, upd, time.Now().UTC().Add(-2*time.Hour), stale.ID); err != nil {
		t.Fatalf("backdate session: %v", err)
	}

	expired, err := s.ExpiredSessions(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ExpiredSessions failed: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != stale.ID {
		t.Fatalf("expired = %+v, want just %s", expired, stale.ID)
	}

	// Sealed sessions are always eligible for GC.
	job := models.NewJob(u.ID, models.JobSpec{Model: "base"})
	job.ID = "job-gc"
	job.InputRef = "artifacts/in/job-gc"
	if _, err := s.SetSessionBit(ctx, fresh.ID, 0); err != nil {
		t.Fatalf("SetSessionBit failed: %v", err)
	}
	if err := s.SealSession(ctx, fresh.ID, &job); err != nil {
		t.Fatalf("SealSession failed: %v", err)
	}
	expired, err = s.ExpiredSessions(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil || len(expired) != 2 {
		t.Fatalf("expired after seal = %d, %v; want 2", len(expired), err)
	}

	if err := s.DeleteSession(ctx, stale.ID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if err := s.DeleteSession(ctx, stale.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteSession (repeat) = %v, want ErrNotFound", err)
	}

	n, err := s.CountOpenSessions(ctx, u.ID)
	if err != nil || n != 0 {
		t.Fatalf("CountOpenSessions = %d, %v; want 0", n, err)
	}
}
