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

package worker

import (
	"bufio"
	"context"
	"errors"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"syscall"
	"time"

	"scribe/internal/metrics"
	"scribe/internal/store"
	"scribe/pkg/models"
)

// progressRe matches the subprocess's stderr progress lines, e.g.
// "progress: 42%" or "progress=7%".
var progressRe = regexp.MustCompile(`progress\s*[:=]\s*(\d{1,3})%`)

// runner drives one job through one subprocess attempt.
type runner struct {
	pool     *Pool
	workerID string
	job      *models.Job
	batchID  string

	seq        int64 // highest sequence recorded for the job
	progress   int
	lastRecord time.Time

	termOnce sync.Once
}

func newRunner(p *Pool, workerID string, job *models.Job) *runner {
	r := &runner{
		pool:     p,
		workerID: workerID,
		job:      job,
		seq:      job.Seq, // claim advanced it to the started event
		progress: job.Progress,
	}
	if job.BatchID != nil {
		r.batchID = *job.BatchID
	}
	return r
}

func (r *runner) run(ctx context.Context) {
	p := r.pool
	started := time.Now()

	p.bus.PublishJob(models.Event{
		Kind:    models.EventStarted,
		JobID:   r.job.ID,
		BatchID: r.batchID,
		UserID:  r.job.UserID,
		Seq:     r.seq,
		Status:  models.JobStatusRunning,
		Time:    time.Now().UTC(),
	})

	outputPath := p.artifacts.OutputPath(r.job.ID)
	args := []string{
		"--model", r.job.Model,
		"--input", r.job.InputRef,
		"--output", outputPath,
		"--progress",
	}
	if r.job.Language != nil {
		args = append(args, "--language", *r.job.Language)
	}

	cmd := exec.Command(p.opts.Binary, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.finish(models.JobStatusFailed, "", models.FailureCrashed, "stderr pipe: "+err.Error(), started)
		return
	}
	if err := cmd.Start(); err != nil {
		r.finish(models.JobStatusFailed, "", models.FailureCrashed, "start subprocess: "+err.Error(), started)
		return
	}

	p.logger.Info("subprocess started",
		"job_id", r.job.ID,
		"worker_id", r.workerID,
		"pid", cmd.Process.Pid,
		"model", r.job.Model)

	// One goroutine drains stderr for progress lines, then reaps the
	// process. The pipe hits EOF when the subprocess exits.
	progCh := make(chan int, 16)
	waitCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if m := progressRe.FindSubmatch(scanner.Bytes()); m != nil {
				if pct, err := strconv.Atoi(string(m[1])); err == nil {
					select {
					case progCh <- pct:
					default: // runner is behind; newer lines supersede
					}
				}
			}
		}
		close(progCh)
		waitCh <- cmd.Wait()
	}()

	watchdog := time.NewTimer(p.opts.NoProgressTimeout)
	defer watchdog.Stop()
	cancelPoll := time.NewTicker(p.opts.CancelPoll)
	defer cancelPoll.Stop()

	var cancelled, timedOut, shutdown bool
	var waitErr error

	// done goes nil after the first fire so a cancelled context does
	// not spin the loop while the subprocess drains its grace window.
	done := ctx.Done()

loop:
	for {
		select {
		case pct, ok := <-progCh:
			if !ok {
				progCh = nil // drained; wait for the reaper
				continue
			}
			if r.recordProgress(ctx, pct) {
				r.resetWatchdog(watchdog)
			}

		case <-cancelPoll.C:
			if cancelled || shutdown {
				continue
			}
			latest, err := p.store.GetJob(ctx, r.job.ID)
			if err != nil {
				continue
			}
			if latest.CancelRequested {
				cancelled = true
				p.logger.Info("cancelling subprocess", "job_id", r.job.ID, "pid", cmd.Process.Pid)
				r.terminate(cmd)
			}

		case <-watchdog.C:
			timedOut = true
			p.logger.Warn("no progress, killing subprocess",
				"job_id", r.job.ID,
				"timeout", p.opts.NoProgressTimeout)
			r.terminate(cmd)

		case <-done:
			shutdown = true
			done = nil
			r.terminate(cmd)

		case waitErr = <-waitCh:
			break loop
		}
	}

	// The scanner closed progCh before Wait returned, but a final burst
	// may still be buffered.
	for pct := range progCh {
		r.recordProgress(ctx, pct)
	}

	switch {
	case cancelled:
		r.finish(models.JobStatusCancelled, "", "", "", started)
	case timedOut:
		r.finish(models.JobStatusFailed, "", models.FailureTimeout,
			"no progress for "+p.opts.NoProgressTimeout.String(), started)
	case shutdown:
		r.finish(models.JobStatusFailed, "", models.FailureWorkerLost, "worker shutting down", started)
	case waitErr == nil:
		if p.artifacts.OutputExists(r.job.ID) {
			r.finish(models.JobStatusCompleted, outputPath, "", "", started)
		} else {
			r.finish(models.JobStatusFailed, "", models.FailureOutputMissing,
				"subprocess exited cleanly without writing output", started)
		}
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && exitErr.ExitCode() >= 0 {
			r.finish(models.JobStatusFailed, "", models.FailureNonzeroExit,
				"exit status "+strconv.Itoa(exitErr.ExitCode()), started)
		} else {
			r.finish(models.JobStatusFailed, "", models.FailureCrashed, waitErr.Error(), started)
		}
	}
}

// recordProgress applies the throttle and the monotonic laws; reports
// whether a write landed.
func (r *runner) recordProgress(ctx context.Context, pct int) bool {
	if pct > 100 {
		pct = 100
	}
	step := r.pool.opts.ProgressPercentStep
	if step < 1 || pct == 100 {
		step = 1
	}
	if pct-r.progress < step {
		return false
	}
	if pct < 100 && time.Since(r.lastRecord) < r.pool.opts.ProgressThrottle {
		return false
	}

	err := r.pool.store.RecordProgress(ctx, r.job.ID, r.seq+1, pct)
	if errors.Is(err, store.ErrStaleSequence) {
		metrics.IncAnomaly(metrics.AnomalyStaleProgress)
		return false
	}
	if err != nil {
		r.pool.logger.Error("progress write failed", "job_id", r.job.ID, "error", err)
		return false
	}

	r.seq++
	r.progress = pct
	r.lastRecord = time.Now()
	metrics.IncProgressEvent()

	r.pool.bus.PublishJob(models.Event{
		Kind:     models.EventProgress,
		JobID:    r.job.ID,
		BatchID:  r.batchID,
		UserID:   r.job.UserID,
		Seq:      r.seq,
		Progress: pct,
		Status:   models.JobStatusRunning,
		Time:     time.Now().UTC(),
	})
	return true
}

func (r *runner) resetWatchdog(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(r.pool.opts.NoProgressTimeout)
}

// terminate asks the subprocess to exit and enforces the grace window.
func (r *runner) terminate(cmd *exec.Cmd) {
	r.termOnce.Do(func() {
		proc := cmd.Process
		if proc == nil {
			return
		}
		_ = proc.Signal(syscall.SIGTERM)
		time.AfterFunc(r.pool.opts.CancelGrace, func() {
			_ = proc.Kill()
		})
	})
}

// finish records the terminal transition and emits the terminal event.
// A job already terminal (lost a race with orphan recovery or a
// duplicate attempt) is counted and left alone.
func (r *runner) finish(status models.JobStatus, outputRef string, kind models.FailureKind, msg string, started time.Time) {
	p := r.pool

	// The runner's context may be gone on shutdown; the write gets its
	// own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seq := r.seq + 1
	err := p.store.FinishJob(ctx, r.job.ID, status, seq, outputRef, kind, msg)
	if errors.Is(err, store.ErrAlreadyTerminal) {
		metrics.IncAnomaly(metrics.AnomalyDuplicateTerminal)
		return
	}
	if err != nil {
		p.logger.Error("terminal write failed", "job_id", r.job.ID, "status", status, "error", err)
		return
	}

	metrics.ObserveJobFinished(status.String(), kind.String(), time.Since(started))
	p.logger.Info("job finished",
		"job_id", r.job.ID,
		"worker_id", r.workerID,
		"status", status,
		"error_kind", kind.String(),
		"duration", time.Since(started).Round(time.Millisecond))

	p.publishTerminal(r.job, status, seq, r.progress, outputRef, kind, msg)
}
