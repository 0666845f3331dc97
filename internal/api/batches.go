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
	"net/http"

	"github.com/gorilla/mux"

	"scribe/internal/batch"
	"scribe/internal/cache"
	"scribe/internal/store"
	"scribe/pkg/auth"
	"scribe/pkg/models"
)

type batchMemberRequest struct {
	Model    string  `json:"model"`
	Language *string `json:"language,omitempty"`
	InputRef string  `json:"input_ref"`
}

type createBatchRequest struct {
	Priority string               `json:"priority,omitempty"`
	Members  []batchMemberRequest `json:"members"`
}

type batchView struct {
	Batch *models.Batch      `json:"batch"`
	Jobs  []*models.Job      `json:"jobs,omitempty"`
	Stats *models.BatchStats `json:"stats,omitempty"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	p := principal(r)

	var req createBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, errKind(models.ErrKindPreconditionFailed, "malformed request body"))
		return
	}
	if len(req.Members) == 0 {
		writeError(w, s.logger, errKind(models.ErrKindPreconditionFailed, "batch needs at least one member"))
		return
	}
	members := make([]batch.MemberSpec, 0, len(req.Members))
	for i, m := range req.Members {
		if m.Model == "" || m.InputRef == "" {
			writeError(w, s.logger, errKind(models.ErrKindPreconditionFailed, "every member needs model and input_ref"))
			return
		}
		inputRef, err := s.resolveInput(r.Context(), p, m.InputRef)
		if err != nil {
			var ae *apiError
			if errors.As(err, &ae) && ae.Kind == models.ErrKindPreconditionFailed {
				err = errKind(models.ErrKindPreconditionFailed,
					fmt.Sprintf("member %d: input_ref must name a staged input artifact", i))
			}
			writeError(w, s.logger, err)
			return
		}
		members = append(members, batch.MemberSpec{
			Spec:     models.JobSpec{Model: m.Model, Language: m.Language},
			InputRef: inputRef,
		})
	}

	b, jobs, err := s.batches.Create(r.Context(), p.UserID, members, req.Priority)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, batchView{Batch: b, Jobs: jobs})
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	q := r.URL.Query()
	page := store.Page{
		Limit:  intQuery(q.Get("limit")),
		Offset: intQuery(q.Get("offset")),
	}

	key := fmt.Sprintf("batches:%s:%d:%d", p.UserID, page.Limit, page.Offset)
	v, _, err := s.cache.GetOrLoad(r.Context(), cache.ClassList, key,
		[]string{cache.TagJobs, cache.TagUser(p.UserID)},
		func(ctx context.Context) (any, error) {
			return s.store.ListBatches(ctx, p.UserID, page)
		})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	batches, _ := v.([]*models.Batch)
	writeJSON(w, http.StatusOK, map[string]any{
		"batches": batches,
		"count":   len(batches),
		"limit":   page.Limit,
		"offset":  page.Offset,
	})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	id := mux.Vars(r)["id"]

	b, err := s.store.GetBatch(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if !auth.CanAccess(p, b.UserID) {
		writeError(w, s.logger, errKind(models.ErrKindNotFound, "resource not found"))
		return
	}

	v, _, err := s.cache.GetOrLoad(r.Context(), cache.ClassJob, "batch:"+id,
		[]string{cache.TagBatch(id)},
		func(ctx context.Context) (any, error) {
			return s.batches.Progress(ctx, id)
		})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	stats, _ := v.(*models.BatchStats)
	writeJSON(w, http.StatusOK, batchView{Batch: b, Stats: stats})
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	id := mux.Vars(r)["id"]

	b, err := s.store.GetBatch(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if !auth.CanAccess(p, b.UserID) {
		writeError(w, s.logger, errKind(models.ErrKindNotFound, "resource not found"))
		return
	}
	if err := s.batches.Cancel(r.Context(), id); err != nil {
		writeError(w, s.logger, err)
		return
	}

	s.logger.Info("batch cancel requested", "batch_id", id, "user_id", p.UserID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"batch_id": id,
		"status":   "cancel_requested",
	})
}
