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

// Package ratelimit enforces per-principal request limits with a
// sliding window log: a denied call knows exactly when the oldest
// logged call leaves the window, so Retry-After is accurate rather
// than a bucket-refill guess. State is in-memory and resets on
// restart; the API key quota ledger is the durable budget.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"scribe/internal/metrics"
)

// Request classes. Each class carries its own rule; one principal has
// an independent window per class.
const (
	ClassUpload  = "upload"
	ClassMutate  = "mutate"
	ClassAdmin   = "admin"
	ClassGeneral = "general"
)

// Rule bounds one class: at most Limit calls in any Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Limiter tracks call logs per principal and class.
type Limiter struct {
	logger *slog.Logger
	rules  map[string]Rule

	mu   sync.Mutex
	logs map[string][]time.Time // principal "\x00" class -> call instants, oldest first
}

// New constructs a limiter with the given per-class rules. Classes
// without a rule are not limited.
func New(logger *slog.Logger, rules map[string]Rule) *Limiter {
	return &Limiter{
		logger: logger,
		rules:  rules,
		logs:   make(map[string][]time.Time),
	}
}

// Allow records a call for the principal in the given class if it fits
// the window, and otherwise reports how long until the oldest logged
// call slides out. Denied calls are not recorded.
func (l *Limiter) Allow(principal, class string, now time.Time) (bool, time.Duration) {
	rule, ok := l.rules[class]
	if !ok || rule.Limit <= 0 {
		return true, 0
	}

	key := principal + "\x00" + class
	cutoff := now.Add(-rule.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	log := l.logs[key]
	for len(log) > 0 && !log[0].After(cutoff) {
		log = log[1:]
	}

	if len(log) >= rule.Limit {
		l.logs[key] = log
		retryAfter := log[0].Add(rule.Window).Sub(now)
		metrics.IncRateLimited(class)
		l.logger.Debug("rate limited",
			"principal", principal,
			"class", class,
			"retry_after", retryAfter)
		return false, retryAfter
	}

	l.logs[key] = append(log, now)
	return true, 0
}

// Run prunes idle logs until ctx is cancelled. A log whose entries
// have all left their window is dead weight from a departed client.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.prune(now)
		}
	}
}

func (l *Limiter) prune(now time.Time) {
	// The widest window bounds how long any entry stays relevant.
	var maxWindow time.Duration
	for _, rule := range l.rules {
		if rule.Window > maxWindow {
			maxWindow = rule.Window
		}
	}
	cutoff := now.Add(-maxWindow)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, log := range l.logs {
		if len(log) == 0 || !log[len(log)-1].After(cutoff) {
			delete(l.logs, key)
		}
	}
}
