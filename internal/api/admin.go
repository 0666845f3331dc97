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
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"scribe/internal/eventbus"
	"scribe/internal/store"
	"scribe/pkg/models"
)

// handleAdminListJobs lists jobs across all users, optionally filtered
// like the per-user listing.
func (s *Server) handleAdminListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.JobFilter{
		Status:  models.JobStatus(q.Get("status")),
		BatchID: q.Get("batch"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, s.logger, errKind(models.ErrKindPreconditionFailed, "invalid status filter"))
		return
	}
	page := store.Page{
		Limit:  intQuery(q.Get("limit")),
		Offset: intQuery(q.Get("offset")),
	}

	jobs, err := s.store.ListJobs(r.Context(), "", filter, page)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

type broadcastRequest struct {
	Message string `json:"message"`
}

// handleAdminBroadcast publishes an operator message on the admin
// topic; admin WebSocket subscribers receive it.
func (s *Server) handleAdminBroadcast(w http.ResponseWriter, r *http.Request) {
	p := principal(r)

	var req broadcastRequest
	if err := decodeJSON(r, &req); err != nil || req.Message == "" {
		writeError(w, s.logger, errKind(models.ErrKindPreconditionFailed, "message is required"))
		return
	}

	s.bus.Publish(eventbus.TopicAdmin, models.Event{
		Kind:    models.EventBroadcast,
		UserID:  p.UserID,
		Message: req.Message,
		Time:    time.Now().UTC(),
	})
	s.logger.Info("admin broadcast published", "user_id", p.UserID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "published"})
}

type setCapRequest struct {
	ConcurrencyCap int `json:"concurrency_cap"`
}

func (s *Server) handleAdminSetCap(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req setCapRequest
	if err := decodeJSON(r, &req); err != nil || req.ConcurrencyCap < 1 {
		writeError(w, s.logger, errKind(models.ErrKindPreconditionFailed, "concurrency_cap must be at least 1"))
		return
	}
	if err := s.store.SetUserCap(r.Context(), id, req.ConcurrencyCap); err != nil {
		writeError(w, s.logger, err)
		return
	}
	// A raised cap may make queued jobs claimable right away.
	s.wake()

	s.logger.Info("user cap updated", "user_id", id, "cap", req.ConcurrencyCap)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": id, "concurrency_cap": req.ConcurrencyCap})
}

type setDisabledRequest struct {
	Disabled bool `json:"disabled"`
}

func (s *Server) handleAdminSetDisabled(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req setDisabledRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, errKind(models.ErrKindPreconditionFailed, "malformed request body"))
		return
	}
	if err := s.store.SetUserDisabled(r.Context(), id, req.Disabled); err != nil {
		writeError(w, s.logger, err)
		return
	}

	s.logger.Info("user disabled flag updated", "user_id", id, "disabled", req.Disabled)
	writeJSON(w, http.StatusOK, map[string]any{"user_id": id, "disabled": req.Disabled})
}
