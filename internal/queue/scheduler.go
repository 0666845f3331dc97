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

// Package queue pairs claimable jobs with free worker slots. There is
// no in-memory queue to rebuild: the jobs table is the queue, and the
// scheduler is just the loop that drains it. Submissions, seals, and
// job completions wake it; a fallback tick covers anything missed.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"scribe/internal/eventbus"
	"scribe/internal/metrics"
	"scribe/internal/store"
	"scribe/pkg/models"
)

// Slot is one reserved worker slot, ready to run a claimed job.
type Slot interface {
	// ID identifies the slot; it is recorded on the job at claim time.
	ID() string
	// Run executes the job asynchronously and frees the slot when done.
	Run(job *models.Job)
	// Release frees the slot without running anything.
	Release()
}

// Pool hands out free slots.
type Pool interface {
	Reserve() (Slot, bool)
}

// Scheduler drives claim dispatch.
type Scheduler struct {
	logger *slog.Logger
	store  *store.Store
	bus    *eventbus.Bus
	pool   Pool
	tick   time.Duration
	wakeCh chan struct{}
}

// New constructs a scheduler. tick is the fallback poll interval.
func New(logger *slog.Logger, st *store.Store, bus *eventbus.Bus, pool Pool, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{
		logger: logger,
		store:  st,
		bus:    bus,
		pool:   pool,
		tick:   tick,
		wakeCh: make(chan struct{}, 1),
	}
}

// Wake nudges the scheduler. Never blocks; coalesces with a pending
// wake.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Run dispatches until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		s.Dispatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.wakeCh:
		case <-ticker.C:
		}
	}
}

// Dispatch runs one scheduling pass: finalize cancel-requested pending
// jobs, then claim for every free slot. Safe to call directly; the API
// layer does so in tests.
func (s *Scheduler) Dispatch(ctx context.Context) {
	s.sweepCancelled(ctx)

	for {
		slot, ok := s.pool.Reserve()
		if !ok {
			break
		}
		job, err := s.store.ClaimJob(ctx, slot.ID())
		if err != nil {
			slot.Release()
			if !errors.Is(err, store.ErrNotFound) {
				s.logger.Error("claim failed", "error", err)
			}
			break
		}
		s.logger.Info("job claimed",
			"job_id", job.ID,
			"user_id", job.UserID,
			"worker_id", slot.ID(),
			"priority", job.Priority)
		slot.Run(job)
	}

	s.publishGauges(ctx)
}

// sweepCancelled moves pending cancel-requested jobs straight to
// cancelled and emits their terminal events. No worker ever sees them.
func (s *Scheduler) sweepCancelled(ctx context.Context) {
	cancelled, err := s.store.CancelPendingJobs(ctx)
	if err != nil {
		s.logger.Error("cancel sweep failed", "error", err)
		return
	}
	for _, job := range cancelled {
		batchID := ""
		if job.BatchID != nil {
			batchID = *job.BatchID
		}
		s.bus.PublishJob(models.Event{
			Kind:    models.EventCancelled,
			JobID:   job.ID,
			BatchID: batchID,
			UserID:  job.UserID,
			Seq:     job.Seq,
			Status:  models.JobStatusCancelled,
			Time:    time.Now().UTC(),
		})
		s.logger.Info("pending job cancelled", "job_id", job.ID, "user_id", job.UserID)
	}
}

func (s *Scheduler) publishGauges(ctx context.Context) {
	if n, err := s.store.CountByStatus(ctx, models.JobStatusPending); err == nil {
		metrics.SetQueueDepth(n)
	}
	if n, err := s.store.CountByStatus(ctx, models.JobStatusRunning); err == nil {
		metrics.SetJobsRunning(n)
	}
}
