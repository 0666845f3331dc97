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

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"scribe/pkg/auth"
	"scribe/pkg/models"
)

type createKeyRequest struct {
	Name          string     `json:"name"`
	Permissions   []string   `json:"permissions"`
	QuotaLimit    int64      `json:"quota_limit"`
	WindowSeconds int64      `json:"window_seconds"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// createKeyResponse carries the secret. It is shown exactly once; only
// the hash is stored.
type createKeyResponse struct {
	Key    *models.APIKey `json:"key"`
	Secret string         `json:"secret"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	p := principal(r)

	var req createKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, errKind(models.ErrKindPreconditionFailed, "malformed request body"))
		return
	}
	if req.Name == "" || len(req.Permissions) == 0 {
		writeError(w, s.logger, errKind(models.ErrKindPreconditionFailed, "name and permissions are required"))
		return
	}
	if req.QuotaLimit <= 0 || req.WindowSeconds <= 0 {
		writeError(w, s.logger, errKind(models.ErrKindPreconditionFailed, "quota_limit and window_seconds must be positive"))
		return
	}

	owner, err := s.store.GetUser(r.Context(), p.UserID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if !auth.ValidKeyPermissions(owner, req.Permissions) {
		writeError(w, s.logger, errKind(models.ErrKindForbidden, "requested permissions exceed what this account may grant"))
		return
	}

	secret, hash, err := auth.GenerateKey()
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	now := time.Now().UTC()
	key := &models.APIKey{
		ID:            uuid.NewString(),
		UserID:        p.UserID,
		Name:          req.Name,
		KeyHash:       hash,
		Permissions:   req.Permissions,
		ExpiresAt:     req.ExpiresAt,
		WindowStart:   now,
		QuotaLimit:    req.QuotaLimit,
		WindowSeconds: req.WindowSeconds,
		CreatedAt:     now,
	}
	if err := s.store.InsertAPIKey(r.Context(), key); err != nil {
		writeError(w, s.logger, err)
		return
	}

	s.logger.Info("api key created", "key_id", key.ID, "user_id", p.UserID, "name", key.Name)
	writeJSON(w, http.StatusCreated, createKeyResponse{Key: key, Secret: secret})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	p := principal(r)

	keys, err := s.store.ListAPIKeys(r.Context(), p.UserID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	id := mux.Vars(r)["id"]

	key, err := s.store.GetAPIKey(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if !auth.CanAccess(p, key.UserID) {
		writeError(w, s.logger, errKind(models.ErrKindNotFound, "resource not found"))
		return
	}
	if err := s.store.RevokeAPIKey(r.Context(), id); err != nil {
		writeError(w, s.logger, err)
		return
	}

	s.logger.Info("api key revoked", "key_id", id, "user_id", p.UserID)
	w.WriteHeader(http.StatusNoContent)
}
