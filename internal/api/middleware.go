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
	"net/http"
	"strconv"
	"strings"
	"time"

	"scribe/internal/metrics"
	"scribe/internal/store"
	"scribe/pkg/auth"
	"scribe/pkg/contextkeys"
	"scribe/pkg/models"
)

// correlation tags every request with a correlation ID, echoed in the
// response and carried in the context for log lines.
func (s *Server) correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := contextkeys.EnsureCorrelationID(r.Context())
		w.Header().Set("X-Correlation-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate resolves the principal from either a bearer API key or
// basic credentials. Disabled accounts and expired keys are rejected
// without distinguishing them from bad credentials.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")

		switch {
		case strings.HasPrefix(header, "Bearer "):
			secret := strings.TrimPrefix(header, "Bearer ")
			p, ok := s.keyPrincipal(r, secret)
			if !ok {
				s.unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(contextkeys.WithPrincipal(r.Context(), p)))

		case strings.HasPrefix(header, "Basic "):
			username, password, ok := r.BasicAuth()
			if !ok {
				s.unauthorized(w)
				return
			}
			p, ok := s.passwordPrincipal(r, username, password)
			if !ok {
				s.unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(contextkeys.WithPrincipal(r.Context(), p)))

		default:
			s.unauthorized(w)
		}
	})
}

func (s *Server) keyPrincipal(r *http.Request, secret string) (models.Principal, bool) {
	if !auth.LooksLikeKey(secret) {
		return models.Principal{}, false
	}
	key, err := s.store.GetAPIKeyByHash(r.Context(), auth.HashKey(secret))
	if err != nil {
		return models.Principal{}, false
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return models.Principal{}, false
	}
	user, err := s.store.GetUser(r.Context(), key.UserID)
	if err != nil || !auth.IsActive(user) {
		return models.Principal{}, false
	}
	return models.Principal{
		UserID:      user.ID,
		Username:    user.Username,
		Role:        user.Role,
		KeyID:       key.ID,
		Permissions: key.Permissions,
	}, true
}

func (s *Server) passwordPrincipal(r *http.Request, username, password string) (models.Principal, bool) {
	user, err := s.store.GetUserByName(r.Context(), username)
	if err != nil || !auth.IsActive(user) {
		return models.Principal{}, false
	}
	if auth.VerifyPassword(password, user.PasswordHash) != nil {
		return models.Principal{}, false
	}
	return models.Principal{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
	}, true
}

func (s *Server) unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="scribe"`)
	writeJSON(w, http.StatusUnauthorized, map[string]errorBody{"error": {
		Kind:    models.ErrKindForbidden,
		Message: "authentication required",
	}})
}

// guard runs the shared pre-handler pipeline: rate limit, permission
// check, quota consume. The limiter pass and the quota token are both
// spent before the handler; failures after that are not refunded.
func (s *Server) guard(class, perm string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := contextkeys.GetPrincipal(r.Context())
		if !ok {
			s.unauthorized(w)
			return
		}

		if allowed, retryAfter := s.limiter.Allow(principalKey(p), class, time.Now()); !allowed {
			writeError(w, s.logger, &apiError{
				Kind:       models.ErrKindRateLimited,
				Message:    "rate limit exceeded for " + class + " calls",
				RetryAfter: retryAfter,
			})
			return
		}

		if perm != "" && !auth.Authorize(p, perm) {
			writeError(w, s.logger, errKind(models.ErrKindForbidden, "missing permission: "+perm))
			return
		}

		if p.KeyID != "" {
			remaining, windowEnd, err := s.store.ConsumeQuota(r.Context(), p.KeyID, time.Now())
			if errors.Is(err, store.ErrQuotaExhausted) {
				metrics.IncQuotaRejected()
				writeError(w, s.logger, &apiError{
					Kind:       models.ErrKindQuotaExhausted,
					Message:    "quota exhausted for the current window",
					WindowEnd:  windowEnd,
					RetryAfter: time.Until(windowEnd),
				})
				return
			}
			if err != nil {
				writeError(w, s.logger, err)
				return
			}
			w.Header().Set("X-Quota-Remaining", strconv.FormatInt(remaining, 10))
			w.Header().Set("X-Quota-Window-End", windowEnd.UTC().Format(time.RFC3339))
		}

		next(w, r)
	}
}

// requireSession restricts a route to password-authenticated
// principals. Keys must not mint or revoke keys.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := contextkeys.GetPrincipal(r.Context())
		if p.KeyID != "" {
			writeError(w, s.logger, errKind(models.ErrKindForbidden, "API key management requires password authentication"))
			return
		}
		next(w, r)
	}
}

// principalKey is the limiter bucket identity. Keys get their own
// bucket so one leaked key cannot starve the account's sessions.
func principalKey(p models.Principal) string {
	if p.KeyID != "" {
		return p.UserID + "/" + p.KeyID
	}
	return p.UserID
}

// principal fetches the authenticated principal; guard guarantees it
// is present on every route that reaches a handler.
func principal(r *http.Request) models.Principal {
	p, _ := contextkeys.GetPrincipal(r.Context())
	return p
}
