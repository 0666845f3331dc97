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

// Package upload runs chunked upload sessions: session metadata and the
// chunk bitmap are durable rows, chunk bytes are soft state on disk.
// Chunks arrive in any order and may be replayed; a replay with the
// same bytes is a no-op, a replay with different bytes is a conflict.
// Sealing assembles the chunks, sniffs the audio format, and admits
// the pending job in one transaction with the seal.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"scribe/internal/artifact"
	"scribe/internal/eventbus"
	"scribe/internal/metrics"
	"scribe/internal/store"
	"scribe/pkg/models"
)

// Error is a caller-attributable upload failure. The API layer maps
// Reason to the wire error body.
type Error struct {
	Reason models.UploadInvalidReason
	// Missing lists absent chunk indexes when Reason is missing_chunks.
	Missing []int
	msg     string
}

func (e *Error) Error() string { return e.msg }

func invalidf(reason models.UploadInvalidReason, format string, args ...any) *Error {
	return &Error{Reason: reason, msg: fmt.Sprintf(format, args...)}
}

// Options bounds upload sessions.
type Options struct {
	MaxUploadBytes    int64
	AllowedChunkSizes []int64
	SessionTTL        time.Duration
	// MaxParallelChunks bounds concurrent chunk requests per session.
	// Zero means 4.
	MaxParallelChunks int
}

// Manager owns upload sessions end to end.
type Manager struct {
	logger    *slog.Logger
	opts      Options
	store     *store.Store
	artifacts *artifact.Store
	bus       *eventbus.Bus
	wake      func()

	mu    sync.Mutex
	gates map[string]*sessionGate
}

// sessionGate admits up to MaxParallelChunks chunk requests for one
// session; only the replay check, the chunk write, and the bit-set
// update hold its mutex, so bodies stream in concurrently.
type sessionGate struct {
	mu  sync.Mutex
	sem *semaphore.Weighted
}

// NewManager constructs the manager. wake pokes the scheduler after a
// seal admits a job; it may be nil.
func NewManager(logger *slog.Logger, st *store.Store, art *artifact.Store, bus *eventbus.Bus, wake func(), opts Options) *Manager {
	if wake == nil {
		wake = func() {}
	}
	if opts.MaxParallelChunks <= 0 {
		opts.MaxParallelChunks = 4
	}
	return &Manager{
		logger:    logger,
		opts:      opts,
		store:     st,
		artifacts: art,
		bus:       bus,
		wake:      wake,
		gates:     make(map[string]*sessionGate),
	}
}

func (m *Manager) gate(id string) *sessionGate {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.gates[id]
	if g == nil {
		g = &sessionGate{sem: semaphore.NewWeighted(int64(m.opts.MaxParallelChunks))}
		m.gates[id] = g
	}
	return g
}

func (m *Manager) dropGate(id string) {
	m.mu.Lock()
	delete(m.gates, id)
	m.mu.Unlock()
}

// Init opens a new session for userID. Size and chunk size are
// validated here; nothing touches disk until the first chunk.
func (m *Manager) Init(ctx context.Context, userID string, declaredSize, chunkSize int64, spec models.JobSpec) (*models.UploadSession, error) {
	if declaredSize <= 0 || declaredSize > m.opts.MaxUploadBytes {
		return nil, invalidf(models.UploadReasonSize,
			"declared size %d outside (0, %d]", declaredSize, m.opts.MaxUploadBytes)
	}
	allowed := false
	for _, sz := range m.opts.AllowedChunkSizes {
		if chunkSize == sz {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, invalidf(models.UploadReasonSize, "chunk size %d not allowed", chunkSize)
	}

	sess := models.NewUploadSession(userID, declaredSize, chunkSize, spec)
	sess.ID = uuid.NewString()
	if err := m.store.InsertSession(ctx, &sess); err != nil {
		return nil, err
	}

	m.logger.Info("upload session opened",
		"session_id", sess.ID,
		"user_id", userID,
		"declared_size", declaredSize,
		"chunks", sess.ChunkCount)
	m.refreshActiveSessions(ctx)
	return &sess, nil
}

// PutChunk stages one chunk. Returns the session after the write and
// whether the chunk was new. Replaying identical bytes is a no-op;
// replaying different bytes is a conflict and changes nothing.
func (m *Manager) PutChunk(ctx context.Context, sessionID string, index int, r io.Reader) (*models.UploadSession, bool, error) {
	gate := m.gate(sessionID)
	if err := gate.sem.Acquire(ctx, 1); err != nil {
		return nil, false, err
	}
	defer gate.sem.Release(1)

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if sess.Sealed {
		return nil, false, store.ErrSessionSealed
	}
	if index < 0 || index >= sess.ChunkCount {
		return nil, false, invalidf(models.UploadReasonChunkIndex,
			"chunk index %d outside [0, %d)", index, sess.ChunkCount)
	}

	wantLen := sess.ChunkLen(index)
	// Read one byte past the expected length to catch oversized chunks
	// without buffering an unbounded body. The body streams in without
	// the session lock held.
	data, err := io.ReadAll(io.LimitReader(r, wantLen+1))
	if err != nil {
		return nil, false, fmt.Errorf("read chunk body: %w", err)
	}
	if int64(len(data)) != wantLen {
		return nil, false, invalidf(models.UploadReasonSize,
			"chunk %d is %d bytes, want %d", index, len(data), wantLen)
	}

	gate.mu.Lock()
	defer gate.mu.Unlock()

	// Re-read under the lock: a concurrent seal or replay may have won
	// while the body streamed in.
	sess, err = m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if sess.Sealed {
		return nil, false, store.ErrSessionSealed
	}

	if sess.HasChunk(index) {
		_, existing, derr := m.artifacts.ChunkDigest(sessionID, index)
		if derr == nil {
			_, incoming := digest(data)
			if existing == incoming {
				return sess, false, nil
			}
			return nil, false, invalidf(models.UploadReasonConflict,
				"chunk %d replayed with different bytes", index)
		}
		if !os.IsNotExist(derr) {
			return nil, false, derr
		}
		// Bit set but bytes gone (staging is soft state): rewrite below.
	}

	if _, _, err := m.artifacts.WriteChunk(sessionID, index, bytes.NewReader(data)); err != nil {
		return nil, false, err
	}
	newlySet, err := m.store.SetSessionBit(ctx, sessionID, index)
	if err != nil {
		return nil, false, err
	}
	metrics.ObserveChunk(wantLen)

	sess, err = m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	return sess, newlySet, nil
}

// Seal assembles a complete session into the job input, validates the
// audio magic, and admits the pending job atomically with the seal.
// The accepted event carries seq 1.
func (m *Manager) Seal(ctx context.Context, sessionID string) (*models.Job, error) {
	gate := m.gate(sessionID)
	gate.mu.Lock()
	defer gate.mu.Unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Sealed {
		return nil, store.ErrSessionSealed
	}
	if !sess.Complete() {
		e := invalidf(models.UploadReasonMissingChunks,
			"%d of %d chunks present", sess.ChunksPresent(), sess.ChunkCount)
		e.Missing = sess.MissingChunks(32)
		return nil, e
	}

	job := models.NewJob(sess.UserID, models.JobSpec{Model: sess.Model, Language: sess.Language})
	job.ID = uuid.NewString()

	inputRef, err := m.artifacts.Assemble(sessionID, sess.ChunkCount, job.ID)
	if err != nil {
		return nil, fmt.Errorf("assemble upload: %w", err)
	}
	job.InputRef = inputRef

	head, err := m.artifacts.ReadHead(inputRef, sniffLen)
	if err != nil {
		m.artifacts.RemoveInput(job.ID)
		return nil, fmt.Errorf("sniff upload: %w", err)
	}
	if !looksLikeAudio(head) {
		m.artifacts.RemoveInput(job.ID)
		return nil, invalidf(models.UploadReasonMagicMismatch, "leading bytes match no supported audio format")
	}

	if err := m.store.SealSession(ctx, sessionID, &job); err != nil {
		m.artifacts.RemoveInput(job.ID)
		return nil, err
	}

	m.bus.PublishJob(models.Event{
		Kind:   models.EventAccepted,
		JobID:  job.ID,
		UserID: job.UserID,
		Seq:    job.Seq,
		Status: models.JobStatusPending,
		Time:   time.Now().UTC(),
	})
	metrics.IncJobSubmitted("upload")
	m.wake()

	// Staging is disposable once the input artifact exists.
	if err := m.artifacts.RemoveStaging(sessionID); err != nil {
		m.logger.Warn("staging cleanup failed", "session_id", sessionID, "error", err)
	}
	m.dropGate(sessionID)
	m.refreshActiveSessions(ctx)

	m.logger.Info("upload sealed",
		"session_id", sessionID,
		"job_id", job.ID,
		"user_id", job.UserID)
	return &job, nil
}

// Abort discards an unsealed session and its staged bytes.
func (m *Manager) Abort(ctx context.Context, sessionID string) error {
	gate := m.gate(sessionID)
	gate.mu.Lock()
	defer gate.mu.Unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Sealed {
		return store.ErrSessionSealed
	}
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	if err := m.artifacts.RemoveStaging(sessionID); err != nil {
		m.logger.Warn("staging cleanup failed", "session_id", sessionID, "error", err)
	}
	m.dropGate(sessionID)
	m.refreshActiveSessions(ctx)
	return nil
}

// SweepExpired garbage-collects idle unsealed sessions and the rows of
// sealed ones. Returns how many rows were removed.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	return m.sweep(ctx, time.Now().UTC().Add(-m.opts.SessionTTL))
}

// SweepAll removes every session and staging directory left over from a
// previous process. Sessions do not survive a restart.
func (m *Manager) SweepAll(ctx context.Context) (int, error) {
	return m.sweep(ctx, time.Now().UTC())
}

func (m *Manager) sweep(ctx context.Context, cutoff time.Time) (int, error) {
	expired, err := m.store.ExpiredSessions(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, sess := range expired {
		if err := m.artifacts.RemoveStaging(sess.ID); err != nil {
			m.logger.Warn("staging cleanup failed", "session_id", sess.ID, "error", err)
			continue
		}
		if err := m.store.DeleteSession(ctx, sess.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return removed, err
		}
		m.dropGate(sess.ID)
		removed++
		if !sess.Sealed {
			m.logger.Info("upload session expired",
				"session_id", sess.ID,
				"user_id", sess.UserID,
				"chunks_present", sess.ChunksPresent())
		}
	}
	if removed > 0 {
		m.refreshActiveSessions(ctx)
	}
	return removed, nil
}

// Run sweeps expired sessions on an interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SweepExpired(ctx); err != nil {
				m.logger.Error("session sweep failed", "error", err)
			}
		}
	}
}

func (m *Manager) refreshActiveSessions(ctx context.Context) {
	if n, err := m.store.CountOpenSessions(ctx, ""); err == nil {
		metrics.SetActiveSessions(n)
	}
}
