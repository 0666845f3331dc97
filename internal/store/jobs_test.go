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

// Tests for the job lifecycle: claim ordering and caps, the progress
// write laws, terminal immutability, cancellation, and orphan recovery.

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"scribe/pkg/models"
)

func TestInsertAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 2)

	job := seedJob(t, s, u.ID, models.PriorityNormal, time.Now().UTC())
	if job.Seq != 1 {
		t.Fatalf("inserted job seq = %d, want 1 (accepted)", job.Seq)
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != models.JobStatusPending || got.Seq != 1 || got.Progress != 0 {
		t.Fatalf("job mismatch: %+v", got)
	}
	if got.Model != "base" || got.InputRef != job.InputRef {
		t.Fatalf("job fields mismatch: %+v", got)
	}

	if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetJob(missing) = %v, want ErrNotFound", err)
	}
}

func TestClaimOrdering_PriorityThenAge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 10)

	base := time.Now().UTC().Add(-time.Minute)
	low := seedJob(t, s, u.ID, models.PriorityLow, base)
	highLate := seedJob(t, s, u.ID, models.PriorityHigh, base.Add(2*time.Second))
	highEarly := seedJob(t, s, u.ID, models.PriorityHigh, base.Add(time.Second))
	normal := seedJob(t, s, u.ID, models.PriorityNormal, base.Add(3*time.Second))

	want := []string{highEarly.ID, highLate.ID, normal.ID, low.ID}
	for i, id := range want {
		claimed, err := s.ClaimJob(ctx, "w1")
		if err != nil {
			t.Fatalf("ClaimJob #%d failed: %v", i, err)
		}
		if claimed.ID != id {
			t.Fatalf("claim #%d = %s, want %s", i, claimed.ID, id)
		}
		if claimed.Status != models.JobStatusRunning || claimed.Seq != 2 {
			t.Fatalf("claimed job not running at seq 2: %+v", claimed)
		}
		if claimed.StartedAt == nil || claimed.WorkerID == nil || *claimed.WorkerID != "w1" {
			t.Fatalf("claimed job missing worker fields: %+v", claimed)
		}
	}

	if _, err := s.ClaimJob(ctx, "w1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ClaimJob on empty queue = %v, want ErrNotFound", err)
	}
}

func TestClaimHonorsConcurrencyCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	capped := seedUser(t, s, 1)
	other := seedUser(t, s, 2)

	base := time.Now().UTC().Add(-time.Minute)
	first := seedJob(t, s, capped.ID, models.PriorityHigh, base)
	second := seedJob(t, s, capped.ID, models.PriorityHigh, base.Add(time.Second))
	theirs := seedJob(t, s, other.ID, models.PriorityLow, base.Add(2*time.Second))

	claimed, err := s.ClaimJob(ctx, "w1")
	if err != nil || claimed.ID != first.ID {
		t.Fatalf("first claim = %+v, %v; want %s", claimed, err, first.ID)
	}

	// The capped user's second job is skipped even though it outranks the
	// other user's job; the claim falls through to the other user.
	claimed, err = s.ClaimJob(ctx, "w2")
	if err != nil || claimed.ID != theirs.ID {
		t.Fatalf("second claim = %+v, %v; want %s", claimed, err, theirs.ID)
	}

	// Finishing the running job frees the slot.
	if err := s.FinishJob(ctx, first.ID, models.JobStatusCompleted, 3, "out", "", ""); err != nil {
		t.Fatalf("FinishJob failed: %v", err)
	}
	claimed, err = s.ClaimJob(ctx, "w1")
	if err != nil || claimed.ID != second.ID {
		t.Fatalf("claim after finish = %+v, %v; want %s", claimed, err, second.ID)
	}
}

func TestClaimSkipsCancelRequested(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 2)

	base := time.Now().UTC().Add(-time.Minute)
	doomed := seedJob(t, s, u.ID, models.PriorityHigh, base)
	alive := seedJob(t, s, u.ID, models.PriorityNormal, base.Add(time.Second))

	if err := s.RequestCancel(ctx, doomed.ID); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}

	claimed, err := s.ClaimJob(ctx, "w1")
	if err != nil || claimed.ID != alive.ID {
		t.Fatalf("claim = %+v, %v; want %s", claimed, err, alive.ID)
	}
}

func TestRecordProgress_MonotonicLaws(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 2)
	seedJob(t, s, u.ID, models.PriorityNormal, time.Now().UTC())

	claimed, err := s.ClaimJob(ctx, "w1")
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	seq := claimed.Seq // 2, the started event

	if err := s.RecordProgress(ctx, claimed.ID, seq+1, 10); err != nil {
		t.Fatalf("RecordProgress failed: %v", err)
	}

	// Replaying the same write is stale: seq must strictly increase.
	if err := s.RecordProgress(ctx, claimed.ID, seq+1, 10); !errors.Is(err, ErrStaleSequence) {
		t.Fatalf("duplicate progress = %v, want ErrStaleSequence", err)
	}
	// A newer seq with a lower percentage is stale too.
	if err := s.RecordProgress(ctx, claimed.ID, seq+2, 5); !errors.Is(err, ErrStaleSequence) {
		t.Fatalf("regressing progress = %v, want ErrStaleSequence", err)
	}
	// Equal percentage does not advance either.
	if err := s.RecordProgress(ctx, claimed.ID, seq+2, 10); !errors.Is(err, ErrStaleSequence) {
		t.Fatalf("flat progress = %v, want ErrStaleSequence", err)
	}

	got, _ := s.GetJob(ctx, claimed.ID)
	if got.Progress != 10 || got.Seq != seq+1 {
		t.Fatalf("job after stale writes = progress %d seq %d, want 10/%d", got.Progress, got.Seq, seq+1)
	}

	// The next strictly-greater pair lands.
	if err := s.RecordProgress(ctx, claimed.ID, seq+2, 40); err != nil {
		t.Fatalf("RecordProgress (advance) failed: %v", err)
	}
}

func TestFinishJob_TerminalImmutability(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 2)
	seedJob(t, s, u.ID, models.PriorityNormal, time.Now().UTC())

	claimed, err := s.ClaimJob(ctx, "w1")
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}

	if err := s.FinishJob(ctx, claimed.ID, models.JobStatusCompleted, claimed.Seq+1, "artifacts/out/j.json", "", ""); err != nil {
		t.Fatalf("FinishJob failed: %v", err)
	}

	got, _ := s.GetJob(ctx, claimed.ID)
	if got.Status != models.JobStatusCompleted || got.OutputRef == nil || got.FinishedAt == nil {
		t.Fatalf("finished job mismatch: %+v", got)
	}
	if got.Seq != claimed.Seq+1 {
		t.Fatalf("terminal seq = %d, want %d", got.Seq, claimed.Seq+1)
	}

	// A second terminal write is a no-op, whatever it claims happened.
	err = s.FinishJob(ctx, claimed.ID, models.JobStatusFailed, got.Seq+1, "", models.FailureTimeout, "late")
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("second FinishJob = %v, want ErrAlreadyTerminal", err)
	}
	// So is a late progress write.
	if err := s.RecordProgress(ctx, claimed.ID, got.Seq+1, 99); !errors.Is(err, ErrStaleSequence) {
		t.Fatalf("progress after terminal = %v, want ErrStaleSequence", err)
	}
	// And a cancel request.
	if err := s.RequestCancel(ctx, claimed.ID); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("cancel after terminal = %v, want ErrAlreadyTerminal", err)
	}

	after, _ := s.GetJob(ctx, claimed.ID)
	if after.Status != models.JobStatusCompleted || after.ErrorKind != nil {
		t.Fatalf("terminal state mutated: %+v", after)
	}

	// Non-terminal target status is rejected outright.
	if err := s.FinishJob(ctx, claimed.ID, models.JobStatusRunning, 9, "", "", ""); err == nil {
		t.Fatalf("FinishJob(running) succeeded; want error")
	}
}

func TestFinishJob_FailureFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 2)
	seedJob(t, s, u.ID, models.PriorityNormal, time.Now().UTC())

	claimed, err := s.ClaimJob(ctx, "w1")
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if err := s.FinishJob(ctx, claimed.ID, models.JobStatusFailed, claimed.Seq+1, "", models.FailureNonzeroExit, "exit status 3"); err != nil {
		t.Fatalf("FinishJob failed: %v", err)
	}

	got, _ := s.GetJob(ctx, claimed.ID)
	if got.ErrorKind == nil || *got.ErrorKind != models.FailureNonzeroExit.String() {
		t.Fatalf("error kind = %v, want subprocess_nonzero_exit", got.ErrorKind)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "exit status 3" {
		t.Fatalf("error message = %v", got.ErrorMessage)
	}
	if got.OutputRef != nil {
		t.Fatalf("failed job has output ref: %v", *got.OutputRef)
	}
}

func TestRequestCancel_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 2)
	job := seedJob(t, s, u.ID, models.PriorityNormal, time.Now().UTC())

	if err := s.RequestCancel(ctx, job.ID); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	if err := s.RequestCancel(ctx, job.ID); err != nil {
		t.Fatalf("RequestCancel (repeat) failed: %v", err)
	}
	if err := s.RequestCancel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RequestCancel(missing) = %v, want ErrNotFound", err)
	}
}

func TestCancelPendingJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 2)

	base := time.Now().UTC().Add(-time.Minute)
	doomed := seedJob(t, s, u.ID, models.PriorityNormal, base)
	untouched := seedJob(t, s, u.ID, models.PriorityNormal, base.Add(time.Second))

	if err := s.RequestCancel(ctx, doomed.ID); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}

	cancelled, err := s.CancelPendingJobs(ctx)
	if err != nil {
		t.Fatalf("CancelPendingJobs failed: %v", err)
	}
	if len(cancelled) != 1 || cancelled[0].ID != doomed.ID {
		t.Fatalf("cancelled = %+v, want just %s", cancelled, doomed.ID)
	}
	// Pending jobs skip running entirely: accepted(1) then cancelled(2).
	if cancelled[0].Status != models.JobStatusCancelled || cancelled[0].Seq != 2 {
		t.Fatalf("cancelled job = %+v, want cancelled at seq 2", cancelled[0])
	}
	if cancelled[0].FinishedAt == nil || cancelled[0].StartedAt != nil {
		t.Fatalf("cancelled job timestamps: %+v", cancelled[0])
	}

	got, _ := s.GetJob(ctx, untouched.ID)
	if got.Status != models.JobStatusPending {
		t.Fatalf("untouched job status = %s", got.Status)
	}

	// Sweep with nothing flagged is empty, not an error.
	cancelled, err = s.CancelPendingJobs(ctx)
	if err != nil || len(cancelled) != 0 {
		t.Fatalf("second sweep = %+v, %v; want empty", cancelled, err)
	}
}

func TestRecoverOrphans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 4)

	base := time.Now().UTC().Add(-time.Minute)
	seedJob(t, s, u.ID, models.PriorityNormal, base)
	seedJob(t, s, u.ID, models.PriorityNormal, base.Add(time.Second))
	pending := seedJob(t, s, u.ID, models.PriorityNormal, base.Add(2*time.Second))

	if _, err := s.ClaimJob(ctx, "w1"); err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if _, err := s.ClaimJob(ctx, "w2"); err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}

	orphans, err := s.RecoverOrphans(ctx)
	if err != nil {
		t.Fatalf("RecoverOrphans failed: %v", err)
	}
	if len(orphans) != 2 {
		t.Fatalf("orphans = %d, want 2", len(orphans))
	}
	for _, o := range orphans {
		got, err := s.GetJob(ctx, o.ID)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if got.Status != models.JobStatusFailed || got.Seq != 3 {
			t.Fatalf("orphan not failed at seq 3: %+v", got)
		}
		if got.ErrorKind == nil || *got.ErrorKind != models.FailureWorkerLost.String() {
			t.Fatalf("orphan error kind = %v, want worker_lost", got.ErrorKind)
		}
	}

	got, _ := s.GetJob(ctx, pending.ID)
	if got.Status != models.JobStatusPending {
		t.Fatalf("pending job touched by recovery: %+v", got)
	}
}

func TestListJobsAndCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := seedUser(t, s, 4)
	bob := seedUser(t, s, 4)

	base := time.Now().UTC().Add(-time.Minute)
	a1 := seedJob(t, s, alice.ID, models.PriorityNormal, base)
	a2 := seedJob(t, s, alice.ID, models.PriorityNormal, base.Add(time.Second))
	seedJob(t, s, bob.ID, models.PriorityNormal, base.Add(2*time.Second))

	jobs, err := s.ListJobs(ctx, alice.ID, JobFilter{}, Page{})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != a2.ID || jobs[1].ID != a1.ID {
		t.Fatalf("ListJobs order mismatch: %+v", jobs)
	}

	// Empty user ID lists across users (admin view).
	all, err := s.ListJobs(ctx, "", JobFilter{}, Page{})
	if err != nil || len(all) != 3 {
		t.Fatalf("ListJobs(all) = %d, %v; want 3", len(all), err)
	}

	claimed, err := s.ClaimJob(ctx, "w1")
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	running, err := s.ListJobs(ctx, "", JobFilter{Status: models.JobStatusRunning}, Page{})
	if err != nil || len(running) != 1 || running[0].ID != claimed.ID {
		t.Fatalf("ListJobs(running) = %+v, %v", running, err)
	}
	if _, err := s.ListJobs(ctx, "", JobFilter{Status: "bogus"}, Page{}); err == nil {
		t.Fatalf("ListJobs with bogus status succeeded; want error")
	}

	page, err := s.ListJobs(ctx, "", JobFilter{}, Page{Limit: 2})
	if err != nil || len(page) != 2 {
		t.Fatalf("ListJobs page = %d, %v; want 2", len(page), err)
	}
	rest, err := s.ListJobs(ctx, "", JobFilter{}, Page{Limit: 2, Offset: 2})
	if err != nil || len(rest) != 1 {
		t.Fatalf("ListJobs offset page = %d, %v; want 1", len(rest), err)
	}

	n, err := s.CountByStatus(ctx, models.JobStatusPending)
	if err != nil || n != 2 {
		t.Fatalf("CountByStatus(pending) = %d, %v; want 2", n, err)
	}
	n, err = s.CountRunningForUser(ctx, claimed.UserID)
	if err != nil || n != 1 {
		t.Fatalf("CountRunningForUser = %d, %v; want 1", n, err)
	}
}

func TestBatchInsertStatsAndCancel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 4)

	now := time.Now().UTC()
	batch := &models.Batch{ID: "batch-1", UserID: u.ID, Priority: models.PriorityHigh, CreatedAt: now}
	var members []*models.Job
	for i := 0; i < 3; i++ {
		seedSeq++
		id := batch.ID + "-" + string(rune('a'+i))
		members = append(members, &models.Job{
			ID:        id,
			UserID:    u.ID,
			BatchID:   &batch.ID,
			Model:     "base",
			InputRef:  "artifacts/in/" + id,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		})
	}
	if err := s.InsertBatch(ctx, batch, members); err != nil {
		t.Fatalf("InsertBatch failed: %v", err)
	}

	got, err := s.GetBatch(ctx, batch.ID)
	if err != nil || got.Priority != models.PriorityHigh {
		t.Fatalf("GetBatch = %+v, %v", got, err)
	}

	ids, err := s.BatchMemberIDs(ctx, batch.ID, false)
	if err != nil || len(ids) != 3 {
		t.Fatalf("BatchMemberIDs = %v, %v; want 3", ids, err)
	}
	// Members inherit the batch priority.
	for _, id := range ids {
		j, _ := s.GetJob(ctx, id)
		if j.Priority != models.PriorityHigh {
			t.Fatalf("member %s priority = %d, want high", id, j.Priority)
		}
	}

	st, err := s.BatchStats(ctx, batch.ID)
	if err != nil {
		t.Fatalf("BatchStats failed: %v", err)
	}
	if st.Total != 3 || st.Pending != 3 || st.Done || st.Percent != 0 {
		t.Fatalf("fresh batch stats = %+v", st)
	}

	// One member completes, one sits at 50%.
	c1, err := s.ClaimJob(ctx, "w1")
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if err := s.FinishJob(ctx, c1.ID, models.JobStatusCompleted, c1.Seq+1, "out", "", ""); err != nil {
		t.Fatalf("FinishJob failed: %v", err)
	}
	c2, err := s.ClaimJob(ctx, "w2")
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if err := s.RecordProgress(ctx, c2.ID, c2.Seq+1, 50); err != nil {
		t.Fatalf("RecordProgress failed: %v", err)
	}

	st, err = s.BatchStats(ctx, batch.ID)
	if err != nil {
		t.Fatalf("BatchStats failed: %v", err)
	}
	if st.Completed != 1 || st.Running != 1 || st.Pending != 1 || st.Done {
		t.Fatalf("mid-batch stats = %+v", st)
	}
	if st.Percent != 50 { // (100 + 50 + 0) / 3
		t.Fatalf("batch percent = %v, want 50", st.Percent)
	}

	if err := s.RequestBatchCancel(ctx, batch.ID); err != nil {
		t.Fatalf("RequestBatchCancel failed: %v", err)
	}
	got, _ = s.GetBatch(ctx, batch.ID)
	if !got.CancelRequested {
		t.Fatalf("batch cancel flag not set")
	}
	if err := s.RequestBatchCancel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("RequestBatchCancel(missing) = %v, want ErrNotFound", err)
	}

	nonTerminal, err := s.BatchMemberIDs(ctx, batch.ID, true)
	if err != nil || len(nonTerminal) != 2 {
		t.Fatalf("BatchMemberIDs(nonTerminal) = %v, %v; want 2", nonTerminal, err)
	}

	if _, err := s.BatchStats(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("BatchStats(missing) = %v, want ErrNotFound", err)
	}

	batches, err := s.ListBatches(ctx, u.ID, Page{})
	if err != nil || len(batches) != 1 {
		t.Fatalf("ListBatches = %d, %v; want 1", len(batches), err)
	}
}
