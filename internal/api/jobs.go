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

package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"scribe/internal/cache"
	"scribe/internal/metrics"
	"scribe/internal/store"
	"scribe/pkg/auth"
	"scribe/pkg/models"
)

// submitJobRequest is the direct submission body. InputRef names an
// input artifact already staged on this node; callers without one go
// through the chunked upload flow instead.
type submitJobRequest struct {
	Model    string  `json:"model"`
	Language *string `json:"language,omitempty"`
	Priority string  `json:"priority,omitempty"`
	InputRef string  `json:"input_ref"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	p := principal(r)

	var req submitJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, errKind(models.ErrKindPreconditionFailed, "malformed request body"))
		return
	}
	if req.Model == "" || req.InputRef == "" {
		writeError(w, s.logger, errKind(models.ErrKindPreconditionFailed, "model and input_ref are required"))
		return
	}
	inputRef, err := s.resolveInput(r.Context(), p, req.InputRef)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	job := models.NewJob(p.UserID, models.JobSpec{
		Model:    req.Model,
		Language: req.Language,
		Priority: req.Priority,
	})
	job.ID = uuid.NewString()
	job.InputRef = inputRef

	if err := s.store.InsertJob(r.Context(), &job); err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.bus.PublishJob(models.Event{
		Kind:   models.EventAccepted,
		JobID:  job.ID,
		UserID: job.UserID,
		Seq:    job.Seq,
		Status: models.JobStatusPending,
		Time:   time.Now().UTC(),
	})
	metrics.IncJobSubmitted("direct")
	s.wake()

	s.logger.Info("job submitted", "job_id", job.ID, "user_id", p.UserID, "model", job.Model)
	writeJSON(w, http.StatusAccepted, &job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	q := r.URL.Query()

	filter := store.JobFilter{
		Status:  models.JobStatus(q.Get("status")),
		BatchID: q.Get("batch")}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, s.logger, errKind(models.ErrKindPreconditionFailed, "invalid status filter"))
		return
	}
	page := store.Page{
		Limit:  intQuery(q.Get("limit")),
		Offset: intQuery(q.Get("offset")),
	}

	key := fmt.Sprintf("list:%s:%s:%s:%d:%d", p.UserID, filter.Status, filter.BatchID, page.Limit, page.Offset)
	v, _, err := s.cache.GetOrLoad(r.Context(), cache.ClassList, key,
		[]string{cache.TagJobs, cache.TagUser(p.UserID)},
		func(ctx context.Context) (any, error) {
			return s.store.ListJobs(ctx, p.UserID, filter, page)
		})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	jobs, _ := v.([]*models.Job)
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"count":  len(jobs),
		"limit":  page.Limit,
		"offset": page.Offset,
	})
}

// resolveInput validates a caller-supplied input ref: it must resolve
// inside the artifact input root, and when an existing job already
// references it, the caller must own that job. Foreign inputs answer
// not_found so artifact names do not leak across accounts.
func (s *Server) resolveInput(ctx context.Context, p models.Principal, ref string) (string, error) {
	path, err := s.artifacts.ResolveInput(ref)
	if err != nil {
		return "", errKind(models.ErrKindPreconditionFailed, "input_ref must name a staged input artifact")
	}
	owner, err := s.store.InputRefOwner(ctx, path)
	if errors.Is(err, store.ErrNotFound) {
		return path, nil
	}
	if err != nil {
		return "", err
	}
	if !auth.CanAccess(p, owner) {
		return "", errKind(models.ErrKindNotFound, "resource not found")
	}
	return path, nil
}

// loadJob reads a job through the detail cache.
func (s *Server) loadJob(r *http.Request, id string) (*models.Job, error) {
	v, _, err := s.cache.GetOrLoad(r.Context(), cache.ClassJob, "job:"+id,
		[]string{cache.TagJob(id)},
		func(ctx context.Context) (any, error) {
			return s.store.GetJob(ctx, id)
		})
	if err != nil {
		return nil, err
	}
	job, ok := v.(*models.Job)
	if !ok {
		return nil, store.ErrNotFound
	}
	return job, nil
}

func intQuery(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	id := mux.Vars(r)["id"]

	job, err := s.loadJob(r, id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if !auth.CanAccess(p, job.UserID) {
		writeError(w, s.logger, errKind(models.ErrKindNotFound, "resource not found"))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	id := mux.Vars(r)["id"]

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if !auth.CanAccess(p, job.UserID) {
		writeError(w, s.logger, errKind(models.ErrKindNotFound, "resource not found"))
		return
	}
	if err := s.store.RequestCancel(r.Context(), id); err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.wake()

	s.logger.Info("job cancel requested", "job_id", id, "user_id", p.UserID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": id,
		"status": "cancel_requested",
	})
}

// handleTranscript streams the output artifact of a completed job.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	id := mux.Vars(r)["id"]

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if !auth.CanAccess(p, job.UserID) {
		writeError(w, s.logger, errKind(models.ErrKindNotFound, "resource not found"))
		return
	}
	if job.Status != models.JobStatusCompleted || job.OutputRef == nil {
		writeError(w, s.logger, errKind(models.ErrKindPreconditionFailed,
			fmt.Sprintf("job is %s, transcript requires completed", job.Status)))
		return
	}

	f, info, err := s.artifacts.OpenOutput(id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Warn("transcript stream interrupted", "job_id", id, "error", err)
	}
}
