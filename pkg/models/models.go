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

// Package models contains shared data models and constants used by the
// orchestration core, the HTTP front, and tests. These types mirror the
// persisted tables and the event payloads carried on the bus.
package models

import (
	"time"
)

// JobStatus is the lifecycle state of a transcription job.
// pending → running → {completed|failed|cancelled}; the three
// terminal states are immutable once entered.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Valid reports whether the status is one of the allowed states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a terminal state
// (completed, failed, or cancelled).
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// String returns the string value of the JobStatus.
func (s JobStatus) String() string { return string(s) }

// EventKind identifies the kind of a lifecycle event on the bus.
type EventKind string

const (
	EventAccepted  EventKind = "accepted"
	EventStarted   EventKind = "started"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"

	// Batch aggregate events, published on batch topics only.
	EventBatchProgress EventKind = "batch_progress"
	EventBatchDone     EventKind = "batch_done"

	// Admin broadcast messages, published on the admin topic only.
	EventBroadcast EventKind = "broadcast"
)

// IsTerminal reports whether the kind closes a job's event stream.
func (k EventKind) IsTerminal() bool {
	switch k {
	case EventCompleted, EventFailed, EventCancelled:
		return true
	default:
		return false
	}
}

// String returns the string value of the EventKind.
func (k EventKind) String() string { return string(k) }

// ErrorKind classifies errors surfaced to API callers. These are the
// only kinds the front maps to wire responses.
type ErrorKind string

const (
	ErrKindRateLimited        ErrorKind = "rate_limited"
	ErrKindQuotaExhausted     ErrorKind = "quota_exhausted"
	ErrKindUploadInvalid      ErrorKind = "upload_invalid"
	ErrKindNotFound           ErrorKind = "not_found"
	ErrKindForbidden          ErrorKind = "forbidden"
	ErrKindPreconditionFailed ErrorKind = "precondition_failed"
	ErrKindInternal           ErrorKind = "internal"
)

// UploadInvalidReason narrows an upload_invalid error.
type UploadInvalidReason string

const (
	UploadReasonSize          UploadInvalidReason = "size"
	UploadReasonChunkIndex    UploadInvalidReason = "chunk_index"
	UploadReasonMagicMismatch UploadInvalidReason = "magic_mismatch"
	UploadReasonConflict      UploadInvalidReason = "conflict"
	UploadReasonMissingChunks UploadInvalidReason = "missing_chunks"
)

// FailureKind classifies a job's terminal failure. Recorded on the Job
// and carried in the failed event; it never fails the submit call.
type FailureKind string

const (
	FailureTimeout         FailureKind = "timeout"
	FailureWorkerLost      FailureKind = "worker_lost"
	FailureCrashed         FailureKind = "subprocess_crashed"
	FailureNonzeroExit     FailureKind = "subprocess_nonzero_exit"
	FailureOutputMissing   FailureKind = "output_missing"
	FailureStorageError    FailureKind = "storage_error"
	FailureContentRejected FailureKind = "content_rejected"
)

// String returns the string value of the FailureKind.
func (k FailureKind) String() string { return string(k) }

// Job priorities. Higher values are claimed first; within one priority
// jobs start in creation order.
const (
	PriorityLow    = -10
	PriorityNormal = 0
	PriorityHigh   = 10
)

// PriorityName maps a priority value to its API name.
func PriorityName(p int) string {
	switch {
	case p >= PriorityHigh:
		return "high"
	case p <= PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority maps an API priority name to its value. Unknown or
// empty names map to normal.
func ParsePriority(name string) int {
	switch name {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// User roles
const (
	RoleAdmin = "admin" // Full access, may act on any user's resources
	RoleUser  = "user"  // May act on own jobs, batches, uploads, and keys
)

// User represents an account that owns jobs and API keys.
// Accounts are never deleted, only disabled.
type User struct {
	ID             string    `json:"id" db:"id"`
	Username       string    `json:"username" db:"username"`
	PasswordHash   string    `json:"-" db:"password_hash"` // Never expose password hash
	Role           string    `json:"role" db:"role"`
	ConcurrencyCap int       `json:"concurrency_cap" db:"concurrency_cap"`
	Disabled       bool      `json:"disabled" db:"disabled"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// API key permissions. A key's set must be a subset of what the owning
// role allows; admin is only grantable on admin-owned keys.
const (
	PermSubmit = "submit" // create jobs, uploads, batches
	PermRead   = "read"   // read jobs, batches, transcripts, stats
	PermCancel = "cancel" // cancel jobs and batches
	PermAdmin  = "admin"  // admin surfaces
)

// APIKey represents a bearer credential with its quota ledger.
// The secret is shown once at creation; only its hash is stored.
type APIKey struct {
	ID            string     `json:"id" db:"id"`
	UserID        string     `json:"user_id" db:"user_id"`
	Name          string     `json:"name" db:"name"`
	KeyHash       string     `json:"-" db:"key_hash"` // Never expose key hash
	Permissions   []string   `json:"permissions" db:"permissions"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	Revoked       bool       `json:"revoked" db:"revoked"`
	WindowStart   time.Time  `json:"window_start" db:"window_start"`
	Used          int64      `json:"used" db:"used"`
	QuotaLimit    int64      `json:"quota_limit" db:"quota_limit"`
	WindowSeconds int64      `json:"window_seconds" db:"window_seconds"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
}

// HasPermission reports whether the key grants the named permission.
func (k *APIKey) HasPermission(perm string) bool {
	for _, p := range k.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// WindowEnd returns the instant the current quota window rolls over.
func (k *APIKey) WindowEnd() time.Time {
	return k.WindowStart.Add(time.Duration(k.WindowSeconds) * time.Second)
}

// Principal is the authenticated identity handed to every core
// operation. When the caller authenticated with an API key, KeyID and
// Permissions constrain what the role alone would allow.
type Principal struct {
	UserID      string   `json:"user_id"`
	Username    string   `json:"username"`
	Role        string   `json:"role"`
	KeyID       string   `json:"key_id,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// IsAdmin reports whether the principal carries the admin role.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// Job represents a single transcription request and its lifecycle.
// Progress is monotonic non-decreasing within one attempt; Seq is the
// highest event sequence recorded for the job.
type Job struct {
	ID              string     `json:"job_id" db:"id"`
	UserID          string     `json:"user_id" db:"user_id"`
	BatchID         *string    `json:"batch_id,omitempty" db:"batch_id"`
	Model           string     `json:"model" db:"model"`
	Language        *string    `json:"language,omitempty" db:"language"`
	Status          JobStatus  `json:"status" db:"status"`
	Priority        int        `json:"priority" db:"priority"`
	Progress        int        `json:"progress" db:"progress"`
	Seq             int64      `json:"seq" db:"seq"`
	InputRef        string     `json:"input_ref" db:"input_ref"`
	OutputRef       *string    `json:"output_ref,omitempty" db:"output_ref"`
	ErrorKind       *string    `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMessage    *string    `json:"error_message,omitempty" db:"error_message"`
	CancelRequested bool       `json:"cancel_requested" db:"cancel_requested"`
	WorkerID        *string    `json:"worker_id,omitempty" db:"worker_id"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// JobSpec carries the caller-supplied parameters for one job.
type JobSpec struct {
	Model    string  `json:"model"`
	Language *string `json:"language,omitempty"`
	Priority string  `json:"priority,omitempty"`
}

// NewJob constructs a pending Job for the given owner and spec.
// Caller assigns a unique ID and InputRef (and BatchID if any) before
// persistence.
func NewJob(userID string, spec JobSpec) Job {
	now := time.Now().UTC()
	return Job{
		ID:        "",
		UserID:    userID,
		Model:     spec.Model,
		Language:  spec.Language,
		Status:    JobStatusPending,
		Priority:  ParsePriority(spec.Priority),
		Progress:  0,
		Seq:       0,
		CreatedAt: now,
	}
}

// Batch groups jobs co-submitted and cancellable as a unit. Stats are
// derived from member job states, never stored.
type Batch struct {
	ID              string    `json:"batch_id" db:"id"`
	UserID          string    `json:"user_id" db:"user_id"`
	Priority        int       `json:"priority" db:"priority"`
	CancelRequested bool      `json:"cancel_requested" db:"cancel_requested"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// BatchStats is the aggregate view of a batch's members. Percent is
// sum(member progress) / total, scaled to 0–100.
type BatchStats struct {
	BatchID   string  `json:"batch_id"`
	Total     int     `json:"total"`
	Pending   int     `json:"pending"`
	Running   int     `json:"running"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Cancelled int     `json:"cancelled"`
	Percent   float64 `json:"percent"`
	Done      bool    `json:"done"`
}

// Event is one lifecycle message on the bus. Seq is dense per job
// starting at 1; terminal kinds emit last. Events are values, retained
// only in subscriber buffers.
type Event struct {
	Kind      EventKind `json:"kind"`
	JobID     string    `json:"job_id,omitempty"`
	BatchID   string    `json:"batch_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Seq       int64     `json:"seq,omitempty"`
	Progress  int       `json:"progress,omitempty"`
	Status    JobStatus `json:"status,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	OutputRef string    `json:"output_ref,omitempty"`
	Time      time.Time `json:"time"`
}

// UploadSession is the soft-state record of an in-progress chunked
// upload. The bitmap marks which chunk indexes have been received;
// sealed is terminal and set only when every bit is set.
type UploadSession struct {
	ID           string    `json:"session_id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	DeclaredSize int64     `json:"declared_size" db:"declared_size"`
	ChunkSize    int64     `json:"chunk_size" db:"chunk_size"`
	ChunkCount   int       `json:"chunk_count" db:"chunk_count"`
	Bitmap       []byte    `json:"-" db:"bitmap"`
	Model        string    `json:"model" db:"model"`
	Language     *string   `json:"language,omitempty" db:"language"`
	Sealed       bool      `json:"sealed" db:"sealed"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// ChunkCountFor computes how many chunks a declared size splits into.
func ChunkCountFor(declaredSize, chunkSize int64) int {
	if declaredSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((declaredSize + chunkSize - 1) / chunkSize)
}

// NewUploadSession constructs an open session with an empty bitmap.
// Caller assigns a unique ID before persistence.
func NewUploadSession(userID string, declaredSize, chunkSize int64, spec JobSpec) UploadSession {
	now := time.Now().UTC()
	count := ChunkCountFor(declaredSize, chunkSize)
	return UploadSession{
		UserID:       userID,
		DeclaredSize: declaredSize,
		ChunkSize:    chunkSize,
		ChunkCount:   count,
		Bitmap:       make([]byte, (count+7)/8),
		Model:        spec.Model,
		Language:     spec.Language,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// HasChunk reports whether the chunk at index has been received.
func (s *UploadSession) HasChunk(index int) bool {
	if index < 0 || index >= s.ChunkCount {
		return false
	}
	return s.Bitmap[index/8]&(1<<(uint(index)%8)) != 0
}

// MarkChunk sets the bit for index and reports whether it was newly
// set. Out-of-range indexes are ignored and report false.
func (s *UploadSession) MarkChunk(index int) bool {
	if index < 0 || index >= s.ChunkCount {
		return false
	}
	byteIdx, mask := index/8, byte(1)<<(uint(index)%8)
	if s.Bitmap[byteIdx]&mask != 0 {
		return false
	}
	s.Bitmap[byteIdx] |= mask
	return true
}

// ChunksPresent counts the received chunks.
func (s *UploadSession) ChunksPresent() int {
	n := 0
	for i := 0; i < s.ChunkCount; i++ {
		if s.HasChunk(i) {
			n++
		}
	}
	return n
}

// Complete reports whether every chunk bit is set.
func (s *UploadSession) Complete() bool {
	return s.ChunkCount > 0 && s.ChunksPresent() == s.ChunkCount
}

// MissingChunks returns up to limit missing chunk indexes, ascending.
// A limit of zero or less returns all of them.
func (s *UploadSession) MissingChunks(limit int) []int {
	var missing []int
	for i := 0; i < s.ChunkCount; i++ {
		if !s.HasChunk(i) {
			missing = append(missing, i)
			if limit > 0 && len(missing) >= limit {
				break
			}
		}
	}
	return missing
}

// ChunkLen returns the expected byte length of the chunk at index; the
// last chunk may be short.
func (s *UploadSession) ChunkLen(index int) int64 {
	if index < 0 || index >= s.ChunkCount {
		return 0
	}
	if index == s.ChunkCount-1 {
		if rem := s.DeclaredSize % s.ChunkSize; rem != 0 {
			return rem
		}
	}
	return s.ChunkSize
}

// UserStats summarizes one user's jobs for the stats view.
type UserStats struct {
	UserID         string  `json:"user_id"`
	Total          int     `json:"total"`
	Pending        int     `json:"pending"`
	Running        int     `json:"running"`
	Completed      int     `json:"completed"`
	Failed         int     `json:"failed"`
	Cancelled      int     `json:"cancelled"`
	AvgRunSeconds  float64 `json:"avg_run_seconds"`
	TotalRunHours  float64 `json:"total_run_hours"`
	ActiveSessions int     `json:"active_sessions"`
}

// SystemStats summarizes orchestrator health for the health view.
type SystemStats struct {
	QueueDepth     int   `json:"queue_depth"`
	Running        int   `json:"running"`
	SlotsBusy      int   `json:"slots_busy"`
	SlotsTotal     int   `json:"slots_total"`
	ActiveSessions int   `json:"active_sessions"`
	EventsDropped  int64 `json:"events_dropped"`
	DatabaseOK     bool  `json:"database_ok"`
}
