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

// Package api is the HTTP front of the orchestration core: a
// gorilla/mux router under /api/v1, auth and rate-limit middleware,
// and thin handlers that translate between the wire and the core
// components. Every route runs the same pipeline: authenticate, rate
// limit, permission check, quota consume, handler.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"scribe/internal/artifact"
	"scribe/internal/batch"
	"scribe/internal/cache"
	"scribe/internal/config"
	"scribe/internal/eventbus"
	"scribe/internal/metrics"
	"scribe/internal/ratelimit"
	"scribe/internal/store"
	"scribe/internal/upload"
	"scribe/internal/wshub"
	"scribe/pkg/models"
)

// SlotInfo is what the health view needs from the worker pool.
type SlotInfo interface {
	Busy() int
	Size() int
}

// Deps collects the wired core components.
type Deps struct {
	Store     *store.Store
	Artifacts *artifact.Store
	Bus       *eventbus.Bus
	Cache     *cache.Cache
	Limiter   *ratelimit.Limiter
	Uploads   *upload.Manager
	Batches   *batch.Coordinator
	Hub       *wshub.Hub
	Slots     SlotInfo
	// Wake pokes the scheduler after a mutation admits or frees work.
	Wake func()
}

// Server holds the handler state.
type Server struct {
	logger *slog.Logger
	cfg    config.Config

	store     *store.Store
	artifacts *artifact.Store
	bus       *eventbus.Bus
	cache     *cache.Cache
	limiter   *ratelimit.Limiter
	uploads   *upload.Manager
	batches   *batch.Coordinator
	hub       *wshub.Hub
	slots     SlotInfo
	wake      func()
}

// New constructs the HTTP front.
func New(logger *slog.Logger, cfg config.Config, deps Deps) *Server {
	wake := deps.Wake
	if wake == nil {
		wake = func() {}
	}
	return &Server{
		logger:    logger,
		cfg:       cfg,
		store:     deps.Store,
		artifacts: deps.Artifacts,
		bus:       deps.Bus,
		cache:     deps.Cache,
		limiter:   deps.Limiter,
		uploads:   deps.Uploads,
		batches:   deps.Batches,
		hub:       deps.Hub,
		slots:     deps.Slots,
		wake:      wake,
	}
}

// Router builds the full route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.correlation)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authenticate)

	// Jobs.
	v1.HandleFunc("/jobs",
		s.guard(ratelimit.ClassMutate, models.PermSubmit, s.handleSubmitJob)).Methods(http.MethodPost)
	v1.HandleFunc("/jobs",
		s.guard(ratelimit.ClassGeneral, models.PermRead, s.handleListJobs)).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}",
		s.guard(ratelimit.ClassGeneral, models.PermRead, s.handleGetJob)).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}/cancel",
		s.guard(ratelimit.ClassMutate, models.PermCancel, s.handleCancelJob)).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{id}/transcript",
		s.guard(ratelimit.ClassGeneral, models.PermRead, s.handleTranscript)).Methods(http.MethodGet)

	// Uploads.
	v1.HandleFunc("/uploads",
		s.guard(ratelimit.ClassUpload, models.PermSubmit, s.handleInitUpload)).Methods(http.MethodPost)
	v1.HandleFunc("/uploads/{id}/chunks/{index}",
		s.guard(ratelimit.ClassUpload, models.PermSubmit, s.handlePutChunk)).Methods(http.MethodPut)
	v1.HandleFunc("/uploads/{id}/seal",
		s.guard(ratelimit.ClassUpload, models.PermSubmit, s.handleSealUpload)).Methods(http.MethodPost)
	v1.HandleFunc("/uploads/{id}",
		s.guard(ratelimit.ClassMutate, models.PermSubmit, s.handleAbortUpload)).Methods(http.MethodDelete)

	// Batches.
	v1.HandleFunc("/batches",
		s.guard(ratelimit.ClassMutate, models.PermSubmit, s.handleCreateBatch)).Methods(http.MethodPost)
	v1.HandleFunc("/batches",
		s.guard(ratelimit.ClassGeneral, models.PermRead, s.handleListBatches)).Methods(http.MethodGet)
	v1.HandleFunc("/batches/{id}",
		s.guard(ratelimit.ClassGeneral, models.PermRead, s.handleGetBatch)).Methods(http.MethodGet)
	v1.HandleFunc("/batches/{id}/cancel",
		s.guard(ratelimit.ClassMutate, models.PermCancel, s.handleCancelBatch)).Methods(http.MethodPost)

	// API keys (session principals only; see requireSession).
	v1.HandleFunc("/keys",
		s.guard(ratelimit.ClassMutate, "", s.requireSession(s.handleCreateKey))).Methods(http.MethodPost)
	v1.HandleFunc("/keys",
		s.guard(ratelimit.ClassGeneral, "", s.requireSession(s.handleListKeys))).Methods(http.MethodGet)
	v1.HandleFunc("/keys/{id}",
		s.guard(ratelimit.ClassMutate, "", s.requireSession(s.handleRevokeKey))).Methods(http.MethodDelete)

	// Views.
	v1.HandleFunc("/users/me/stats",
		s.guard(ratelimit.ClassGeneral, models.PermRead, s.handleUserStats)).Methods(http.MethodGet)
	v1.HandleFunc("/health",
		s.guard(ratelimit.ClassGeneral, models.PermRead, s.handleHealth)).Methods(http.MethodGet)

	// WebSocket; the hub does its own per-topic authorization.
	v1.HandleFunc("/ws",
		s.guard(ratelimit.ClassGeneral, models.PermRead, s.hub.ServeWS)).Methods(http.MethodGet)

	// Admin surfaces.
	v1.HandleFunc("/admin/jobs",
		s.guard(ratelimit.ClassGeneral, models.PermAdmin, s.handleAdminListJobs)).Methods(http.MethodGet)
	v1.HandleFunc("/admin/broadcast",
		s.guard(ratelimit.ClassAdmin, models.PermAdmin, s.handleAdminBroadcast)).Methods(http.MethodPost)
	v1.HandleFunc("/admin/users/{id}/cap",
		s.guard(ratelimit.ClassAdmin, models.PermAdmin, s.handleAdminSetCap)).Methods(http.MethodPut)
	v1.HandleFunc("/admin/users/{id}/disabled",
		s.guard(ratelimit.ClassAdmin, models.PermAdmin, s.handleAdminSetDisabled)).Methods(http.MethodPut)

	return r
}
