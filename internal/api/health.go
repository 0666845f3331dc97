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
	"net/http"

	"scribe/internal/cache"
	"scribe/pkg/models"
)

// handleHealthz is the uncached liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealth is the cached orchestrator health view.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	v, _, err := s.cache.GetOrLoad(r.Context(), cache.ClassHealth, "health", nil,
		func(ctx context.Context) (any, error) {
			return s.systemStats(ctx)
		})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	stats, _ := v.(*models.SystemStats)
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) systemStats(ctx context.Context) (*models.SystemStats, error) {
	stats := &models.SystemStats{
		EventsDropped: s.bus.Dropped(),
		DatabaseOK:    s.store.Ping(ctx) == nil,
	}
	if s.slots != nil {
		stats.SlotsBusy = s.slots.Busy()
		stats.SlotsTotal = s.slots.Size()
	}

	var err error
	if stats.QueueDepth, err = s.store.CountByStatus(ctx, models.JobStatusPending); err != nil {
		return nil, err
	}
	if stats.Running, err = s.store.CountByStatus(ctx, models.JobStatusRunning); err != nil {
		return nil, err
	}
	if stats.ActiveSessions, err = s.store.CountOpenSessions(ctx, ""); err != nil {
		return nil, err
	}
	return stats, nil
}

// handleUserStats is the cached per-user stats view.
func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	p := principal(r)

	v, _, err := s.cache.GetOrLoad(r.Context(), cache.ClassStats, "stats:"+p.UserID,
		[]string{cache.TagStats, cache.TagUser(p.UserID)},
		func(ctx context.Context) (any, error) {
			row, err := s.store.UserStats(ctx, p.UserID)
			if err != nil {
				return nil, err
			}
			open, err := s.store.CountOpenSessions(ctx, p.UserID)
			if err != nil {
				return nil, err
			}
			view := &models.UserStats{
				UserID:         p.UserID,
				Total:          row.Total,
				Pending:        row.Pending,
				Running:        row.Running,
				Completed:      row.Completed,
				Failed:         row.Failed,
				Cancelled:      row.Cancelled,
				TotalRunHours:  row.RunSeconds / 3600,
				ActiveSessions: open,
			}
			if row.FinishedWithTimes > 0 {
				view.AvgRunSeconds = row.RunSeconds / float64(row.FinishedWithTimes)
			}
			return view, nil
		})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	stats, _ := v.(*models.UserStats)
	writeJSON(w, http.StatusOK, stats)
}
