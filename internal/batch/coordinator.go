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

// Package batch groups co-submitted jobs and derives their aggregate.
// The aggregate is never stored: it is computed from member job rows,
// and the coordinator re-emits it on the batch topic whenever a member
// reaches a terminal state. A batch is done when every member is
// terminal.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"scribe/internal/eventbus"
	"scribe/internal/metrics"
	"scribe/internal/store"
	"scribe/pkg/models"
)

// MemberSpec is one batch member: the job parameters plus its already
// staged input artifact.
type MemberSpec struct {
	Spec     models.JobSpec
	InputRef string
}

// Coordinator creates, cancels, and aggregates batches.
type Coordinator struct {
	logger *slog.Logger
	store  *store.Store
	bus    *eventbus.Bus
	wake   func()

	mu   sync.Mutex
	seqs map[string]int64 // batch id -> last emitted aggregate seq
}

// NewCoordinator constructs a coordinator. wake pokes the scheduler
// after members are admitted or cancelled; it may be nil.
func NewCoordinator(logger *slog.Logger, st *store.Store, bus *eventbus.Bus, wake func()) *Coordinator {
	if wake == nil {
		wake = func() {}
	}
	return &Coordinator{
		logger: logger,
		store:  st,
		bus:    bus,
		wake:   wake,
		seqs:   make(map[string]int64),
	}
}

// Create admits a batch and all members atomically. Members inherit
// the batch priority; each gets its own accepted event.
func (c *Coordinator) Create(ctx context.Context, userID string, members []MemberSpec, priority string) (*models.Batch, []*models.Job, error) {
	if len(members) == 0 {
		return nil, nil, fmt.Errorf("batch needs at least one member")
	}

	now := time.Now().UTC()
	batch := &models.Batch{
		ID:        uuid.NewString(),
		UserID:    userID,
		Priority:  models.ParsePriority(priority),
		CreatedAt: now,
	}

	jobs := make([]*models.Job, 0, len(members))
	for _, m := range members {
		job := models.NewJob(userID, m.Spec)
		job.ID = uuid.NewString()
		job.BatchID = &batch.ID
		job.InputRef = m.InputRef
		job.CreatedAt = now
		jobs = append(jobs, &job)
	}

	if err := c.store.InsertBatch(ctx, batch, jobs); err != nil {
		return nil, nil, err
	}

	for _, job := range jobs {
		c.bus.PublishJob(models.Event{
			Kind:    models.EventAccepted,
			JobID:   job.ID,
			BatchID: batch.ID,
			UserID:  userID,
			Seq:     job.Seq,
			Status:  models.JobStatusPending,
			Time:    now,
		})
		metrics.IncJobSubmitted("batch")
	}
	c.wake()

	c.logger.Info("batch created",
		"batch_id", batch.ID,
		"user_id", userID,
		"members", len(jobs),
		"priority", batch.Priority)
	return batch, jobs, nil
}

// Cancel flags the batch and fans the cancel request out to every
// non-terminal member. Running members are stopped by their workers;
// pending ones transition on the next scheduler sweep.
func (c *Coordinator) Cancel(ctx context.Context, batchID string) error {
	if err := c.store.RequestBatchCancel(ctx, batchID); err != nil {
		return err
	}
	memberIDs, err := c.store.BatchMemberIDs(ctx, batchID, true)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range memberIDs {
		id := id
		g.Go(func() error {
			err := c.store.RequestCancel(gctx, id)
			// A member that went terminal while we fanned out is fine.
			if errors.Is(err, store.ErrAlreadyTerminal) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.wake()
	c.logger.Info("batch cancel requested", "batch_id", batchID, "members", len(memberIDs))
	return nil
}

// Progress returns the batch aggregate from a store snapshot.
func (c *Coordinator) Progress(ctx context.Context, batchID string) (*models.BatchStats, error) {
	return c.store.BatchStats(ctx, batchID)
}

// Run re-derives and emits the batch aggregate on every member
// terminal event until ctx is cancelled. The final batch_done follows
// the last member's terminal event.
func (c *Coordinator) Run(ctx context.Context) {
	sub := c.bus.Subscribe(eventbus.DefaultBufferSize, eventbus.TopicAll)
	defer sub.Close()

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if ev.BatchID == "" || !ev.Kind.IsTerminal() {
			continue
		}
		c.emitAggregate(ctx, ev.BatchID, ev.UserID)
	}
}

func (c *Coordinator) emitAggregate(ctx context.Context, batchID, userID string) {
	stats, err := c.store.BatchStats(ctx, batchID)
	if err != nil {
		c.logger.Error("batch aggregate failed", "batch_id", batchID, "error", err)
		return
	}

	c.mu.Lock()
	c.seqs[batchID]++
	seq := c.seqs[batchID]
	if stats.Done {
		delete(c.seqs, batchID)
	}
	c.mu.Unlock()

	kind := models.EventBatchProgress
	if stats.Done {
		kind = models.EventBatchDone
	}
	c.bus.PublishBatch(models.Event{
		Kind:     kind,
		BatchID:  batchID,
		UserID:   userID,
		Seq:      seq,
		Progress: int(stats.Percent),
		Time:     time.Now().UTC(),
	})

	if stats.Done {
		c.logger.Info("batch done",
			"batch_id", batchID,
			"completed", stats.Completed,
			"failed", stats.Failed,
			"cancelled", stats.Cancelled)
	}
}
