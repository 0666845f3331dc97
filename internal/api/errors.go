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
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"scribe/internal/store"
	"scribe/internal/upload"
	"scribe/pkg/models"
)

// apiError is the one shape every handler failure funnels through.
// Kind picks the HTTP status; the optional fields enrich the envelope
// for specific kinds.
type apiError struct {
	Kind       models.ErrorKind
	Message    string
	Reason     models.UploadInvalidReason
	Missing    []int
	RetryAfter time.Duration
	WindowEnd  time.Time
}

func (e *apiError) Error() string { return e.Message }

// errKind builds a bare apiError.
func errKind(kind models.ErrorKind, msg string) *apiError {
	return &apiError{Kind: kind, Message: msg}
}

// statusFor is the single kind-to-status registry.
func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.ErrKindRateLimited, models.ErrKindQuotaExhausted:
		return http.StatusTooManyRequests
	case models.ErrKindUploadInvalid:
		return http.StatusBadRequest
	case models.ErrKindNotFound:
		return http.StatusNotFound
	case models.ErrKindForbidden:
		return http.StatusForbidden
	case models.ErrKindPreconditionFailed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errorBody is the wire envelope for failures.
type errorBody struct {
	Kind          models.ErrorKind           `json:"kind"`
	Message       string                     `json:"message"`
	Reason        models.UploadInvalidReason `json:"reason,omitempty"`
	MissingChunks []int                      `json:"missing_chunks,omitempty"`
	RetryAfter    int64                      `json:"retry_after_seconds,omitempty"`
	WindowEnd     string                     `json:"window_end,omitempty"`
}

// writeError classifies err into an apiError and writes the envelope.
// Core sentinels and upload validation errors map to their wire kinds;
// anything unrecognized is an internal error and gets logged.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	ae := classify(err)

	if ae.Kind == models.ErrKindInternal {
		logger.Error("request failed", "error", err)
	}

	body := errorBody{
		Kind:          ae.Kind,
		Message:       ae.Message,
		Reason:        ae.Reason,
		MissingChunks: ae.Missing,
	}
	if ae.RetryAfter > 0 {
		secs := int64(math.Ceil(ae.RetryAfter.Seconds()))
		body.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	if !ae.WindowEnd.IsZero() {
		body.WindowEnd = ae.WindowEnd.UTC().Format(time.RFC3339)
	}

	writeJSON(w, statusFor(ae.Kind), map[string]errorBody{"error": body})
}

func classify(err error) *apiError {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae
	}

	var ue *upload.Error
	if errors.As(err, &ue) {
		return &apiError{
			Kind:    models.ErrKindUploadInvalid,
			Message: ue.Error(),
			Reason:  ue.Reason,
			Missing: ue.Missing,
		}
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return errKind(models.ErrKindNotFound, "resource not found")
	case errors.Is(err, store.ErrAlreadyTerminal):
		return errKind(models.ErrKindPreconditionFailed, "job already in a terminal state")
	case errors.Is(err, store.ErrSessionSealed):
		return errKind(models.ErrKindPreconditionFailed, "upload session already sealed")
	case errors.Is(err, store.ErrQuotaExhausted):
		return errKind(models.ErrKindQuotaExhausted, "quota exhausted for the current window")
	default:
		return errKind(models.ErrKindInternal, "internal error")
	}
}
