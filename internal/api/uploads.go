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
	"strconv"

	"github.com/gorilla/mux"

	"scribe/pkg/auth"
	"scribe/pkg/models"
)

type initUploadRequest struct {
	DeclaredSize int64   `json:"declared_size"`
	ChunkSize    int64   `json:"chunk_size"`
	Model        string  `json:"model"`
	Language     *string `json:"language,omitempty"`
	Priority     string  `json:"priority,omitempty"`
}

type sessionView struct {
	SessionID  string `json:"session_id"`
	ChunkSize  int64  `json:"chunk_size"`
	ChunkCount int    `json:"chunk_count"`
	Received   int    `json:"received"`
	Sealed     bool   `json:"sealed"`
}

func viewOf(sess *models.UploadSession) sessionView {
	return sessionView{
		SessionID:  sess.ID,
		ChunkSize:  sess.ChunkSize,
		ChunkCount: sess.ChunkCount,
		Received:   sess.ChunksPresent(),
		Sealed:     sess.Sealed,
	}
}

func (s *Server) handleInitUpload(w http.ResponseWriter, r *http.Request) {
	p := principal(r)

	var req initUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, errKind(models.ErrKindPreconditionFailed, "malformed request body"))
		return
	}
	if req.Model == "" {
		writeError(w, s.logger, errKind(models.ErrKindPreconditionFailed, "model is required"))
		return
	}
	if req.ChunkSize == 0 {
		req.ChunkSize = s.cfg.ChunkSizeBytes
	}

	open, err := s.store.CountOpenSessions(r.Context(), p.UserID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if open >= s.cfg.MaxOpenSessions {
		writeError(w, s.logger, errKind(models.ErrKindPreconditionFailed, "too many open upload sessions"))
		return
	}

	sess, err := s.uploads.Init(r.Context(), p.UserID, req.DeclaredSize, req.ChunkSize, models.JobSpec{
		Model:    req.Model,
		Language: req.Language,
		Priority: req.Priority,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, viewOf(sess))
}

func (s *Server) handlePutChunk(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	vars := mux.Vars(r)
	sessionID := vars["id"]

	index, err := strconv.Atoi(vars["index"])
	if err != nil {
		writeError(w, s.logger, errKind(models.ErrKindPreconditionFailed, "chunk index must be an integer"))
		return
	}

	if err := s.ownSession(r, p, sessionID); err != nil {
		writeError(w, s.logger, err)
		return
	}

	sess, newChunk, err := s.uploads.PutChunk(r.Context(), sessionID, index, r.Body)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	// Replays of identical bytes answer 200 instead of 201.
	status := http.StatusOK
	if newChunk {
		status = http.StatusCreated
	}
	writeJSON(w, status, viewOf(sess))
}

func (s *Server) handleSealUpload(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	sessionID := mux.Vars(r)["id"]

	if err := s.ownSession(r, p, sessionID); err != nil {
		writeError(w, s.logger, err)
		return
	}

	job, err := s.uploads.Seal(r.Context(), sessionID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleAbortUpload(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	sessionID := mux.Vars(r)["id"]

	if err := s.ownSession(r, p, sessionID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := s.uploads.Abort(r.Context(), sessionID); err != nil {
		writeError(w, s.logger, err)
		return
	}

	s.logger.Info("upload aborted", "session_id", sessionID, "user_id", p.UserID)
	w.WriteHeader(http.StatusNoContent)
}

// ownSession hides other users' sessions behind not_found.
func (s *Server) ownSession(r *http.Request, p models.Principal, sessionID string) error {
	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		return err
	}
	if !auth.CanAccess(p, sess.UserID) {
		return errKind(models.ErrKindNotFound, "resource not found")
	}
	return nil
}
