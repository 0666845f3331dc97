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

// Package worker runs claimed jobs as transcription subprocesses: one
// slot per concurrent subprocess, progress parsed from stderr, a
// watchdog on stalled output, and cooperative cancellation (SIGTERM,
// a grace period, then SIGKILL).
//
// Every job a runner touches reaches exactly one terminal state. A
// runner panic is absorbed and recorded as worker_lost rather than
// taking the process down.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"scribe/internal/artifact"
	"scribe/internal/eventbus"
	"scribe/internal/metrics"
	"scribe/internal/queue"
	"scribe/internal/store"
	"scribe/pkg/models"
)

// Options configures the pool and its runners.
type Options struct {
	// Size is the number of slots; each runs at most one subprocess.
	Size int
	// Binary is the transcription executable.
	Binary string
	// ProgressPercentStep is the minimum percent delta between
	// recorded progress events. Zero means every whole percent.
	ProgressPercentStep int

	// ProgressThrottle is the minimum interval between recorded
	// progress updates.
	ProgressThrottle time.Duration
	// NoProgressTimeout fails a job with no forward progress for this
	// long.
	NoProgressTimeout time.Duration
	// CancelGrace is the SIGTERM-to-SIGKILL window.
	CancelGrace time.Duration
	// CancelPoll is how often a runner checks for a cancel request.
	CancelPoll time.Duration
}

// Pool owns the worker slots. It implements queue.Pool.
type Pool struct {
	logger    *slog.Logger
	store     *store.Store
	artifacts *artifact.Store
	bus       *eventbus.Bus
	wake      func()
	opts      Options

	ctx   context.Context
	slots chan int
	busy  atomic.Int32
	wg    sync.WaitGroup
}

// NewPool constructs a pool. wake pokes the scheduler when a slot
// frees up; it may be nil.
func NewPool(logger *slog.Logger, st *store.Store, art *artifact.Store, bus *eventbus.Bus, wake func(), opts Options) *Pool {
	if opts.Size <= 0 {
		opts.Size = 1
	}
	if wake == nil {
		wake = func() {}
	}
	p := &Pool{
		logger:    logger,
		store:     st,
		artifacts: art,
		bus:       bus,
		wake:      wake,
		opts:      opts,
		ctx:       context.Background(),
		slots:     make(chan int, opts.Size),
	}
	for i := 1; i <= opts.Size; i++ {
		p.slots <- i
	}
	return p
}

// Start binds the pool to its lifetime context. Runners inherit it;
// cancelling it tears running subprocesses down.
func (p *Pool) Start(ctx context.Context) {
	p.ctx = ctx
}

// Reserve takes a free slot, or reports none available.
func (p *Pool) Reserve() (queue.Slot, bool) {
	select {
	case id := <-p.slots:
		p.busy.Add(1)
		metrics.SetSlotsBusy(int(p.busy.Load()))
		return &slot{pool: p, id: id}, true
	default:
		return nil, false
	}
}

// Busy returns the number of reserved slots.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// Size returns the total slot count.
func (p *Pool) Size() int { return p.opts.Size }

// Wait blocks until every running job has finished. Call after the
// pool's context is cancelled.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) release(id int) {
	p.slots <- id
	p.busy.Add(-1)
	metrics.SetSlotsBusy(int(p.busy.Load()))
	p.wake()
}

type slot struct {
	pool *Pool
	id   int
}

func (s *slot) ID() string { return fmt.Sprintf("worker-%d", s.id) }

func (s *slot) Release() {
	s.pool.release(s.id)
}

// Run executes the job on this slot asynchronously. The slot frees
// itself when the runner finishes, however it finishes.
func (s *slot) Run(job *models.Job) {
	p := s.pool
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer s.Release()
		defer func() {
			if r := recover(); r != nil {
				p.absorbPanic(job, r)
			}
		}()
		newRunner(p, s.ID(), job).run(p.ctx)
	}()
}

// absorbPanic records a crashed runner as worker_lost so the job still
// reaches a terminal state.
func (p *Pool) absorbPanic(job *models.Job, r any) {
	metrics.IncAnomaly(metrics.AnomalyWorkerPanic)
	p.logger.Error("worker panic", "job_id", job.ID, "panic", fmt.Sprint(r))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	latest, err := p.store.GetJob(ctx, job.ID)
	if err != nil {
		return
	}
	seq := latest.Seq + 1
	err = p.store.FinishJob(ctx, job.ID, models.JobStatusFailed, seq,
		"", models.FailureWorkerLost, fmt.Sprintf("worker panic: %v", r))
	if err != nil {
		return
	}
	p.publishTerminal(job, models.JobStatusFailed, seq, latest.Progress, "", models.FailureWorkerLost, "worker panic")
}

func (p *Pool) publishTerminal(job *models.Job, status models.JobStatus, seq int64, progress int, outputRef string, kind models.FailureKind, msg string) {
	var eventKind models.EventKind
	switch status {
	case models.JobStatusCompleted:
		eventKind = models.EventCompleted
	case models.JobStatusCancelled:
		eventKind = models.EventCancelled
	default:
		eventKind = models.EventFailed
	}
	batchID := ""
	if job.BatchID != nil {
		batchID = *job.BatchID
	}
	if status == models.JobStatusCompleted {
		progress = 100
	}
	p.bus.PublishJob(models.Event{
		Kind:      eventKind,
		JobID:     job.ID,
		BatchID:   batchID,
		UserID:    job.UserID,
		Seq:       seq,
		Progress:  progress,
		Status:    status,
		ErrorKind: kind.String(),
		Message:   msg,
		OutputRef: outputRef,
		Time:      time.Now().UTC(),
	})
}
