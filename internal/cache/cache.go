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

// Package cache is the read-side cache for hot API views. Entries live
// in per-class expiring LRUs and carry invalidation tags; lifecycle
// events on the bus invalidate the affected tags so readers see
// transitions promptly without hitting SQLite on every poll.
//
// Loads are deduplicated: concurrent misses on one key share a single
// loader call via singleflight.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"scribe/internal/eventbus"
	"scribe/internal/metrics"
	"scribe/pkg/models"
)

// Entry classes. Each class has its own LRU and TTL.
const (
	ClassHealth = "health"
	ClassJob    = "job"
	ClassList   = "list"
	ClassStats  = "stats"
)

// Well-known coarse tags. Fine-grained tags are built with the Tag*
// helpers.
const (
	TagJobs  = "jobs"
	TagStats = "stats"
)

// TagJob tags entries derived from one job's row.
func TagJob(jobID string) string { return "job:" + jobID }

// TagUser tags entries derived from one user's jobs or stats.
func TagUser(userID string) string { return "user:" + userID }

// TagBatch tags entries derived from one batch's members.
func TagBatch(batchID string) string { return "batch:" + batchID }

// Options sizes the cache and sets per-class TTLs.
type Options struct {
	MaxEntries int
	HealthTTL  time.Duration
	JobTTL     time.Duration
	ListTTL    time.Duration
	StatsTTL   time.Duration
}

// Cache holds the per-class stores and the tag index.
type Cache struct {
	logger *slog.Logger
	bus    *eventbus.Bus

	classes map[string]*lru.LRU[string, any]
	group   singleflight.Group

	mu   sync.Mutex
	tags map[string]map[string]string // tag -> cache key -> class
}

// New constructs the cache. bus may be nil in tests that drive
// invalidation directly.
func New(logger *slog.Logger, bus *eventbus.Bus, opts Options) *Cache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 4096
	}
	c := &Cache{
		logger: logger,
		bus:    bus,
		tags:   make(map[string]map[string]string),
	}
	c.classes = map[string]*lru.LRU[string, any]{
		ClassHealth: lru.NewLRU[string, any](opts.MaxEntries, nil, opts.HealthTTL),
		ClassJob:    lru.NewLRU[string, any](opts.MaxEntries, nil, opts.JobTTL),
		ClassList:   lru.NewLRU[string, any](opts.MaxEntries, nil, opts.ListTTL),
		ClassStats:  lru.NewLRU[string, any](opts.MaxEntries, nil, opts.StatsTTL),
	}
	return c
}

// GetOrLoad returns the cached value for key in class, or runs loader
// once (shared across concurrent callers of the same key) and caches
// the result under the given tags. The second return reports a cache
// hit.
func (c *Cache) GetOrLoad(ctx context.Context, class, key string, tags []string, loader func(context.Context) (any, error)) (any, bool, error) {
	store, ok := c.classes[class]
	if !ok {
		return nil, false, errors.New("unknown cache class: " + class)
	}

	if v, ok := store.Get(key); ok {
		metrics.IncCacheHit(class)
		return v, true, nil
	}
	metrics.IncCacheMiss(class)

	v, err, _ := c.group.Do(class+"\x00"+key, func() (any, error) {
		// A concurrent flight may have filled the entry already.
		if v, ok := store.Get(key); ok {
			return v, nil
		}
		v, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		store.Add(key, v)
		c.index(class, key, tags)
		return v, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v, false, nil
}

func (c *Cache) index(class, key string, tags []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tag := range tags {
		keys := c.tags[tag]
		if keys == nil {
			keys = make(map[string]string)
			c.tags[tag] = keys
		}
		keys[key] = class
	}
}

// Invalidate removes every entry carrying any of the given tags and
// returns the number of entries removed.
func (c *Cache) Invalidate(tags ...string) int {
	c.mu.Lock()
	type victim struct{ key, class string }
	var victims []victim
	for _, tag := range tags {
		for key, class := range c.tags[tag] {
			victims = append(victims, victim{key, class})
		}
		delete(c.tags, tag)
	}
	c.mu.Unlock()

	removed := 0
	for _, v := range victims {
		if store, ok := c.classes[v.class]; ok && store.Remove(v.key) {
			removed++
		}
	}
	if removed > 0 {
		metrics.AddCacheInvalidations(removed)
	}
	return removed
}

// Purge drops everything. Used by admin surfaces and tests.
func (c *Cache) Purge() {
	for _, store := range c.classes {
		store.Purge()
	}
	c.mu.Lock()
	c.tags = make(map[string]map[string]string)
	c.mu.Unlock()
}

// Run subscribes to the bus and invalidates tags touched by each
// lifecycle event until ctx is cancelled. Listings and stats go stale
// on any transition; per-job and per-batch views only on their own.
func (c *Cache) Run(ctx context.Context) {
	if c.bus == nil {
		return
	}
	sub := c.bus.Subscribe(eventbus.DefaultBufferSize, eventbus.TopicAll)
	defer sub.Close()

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		c.invalidateFor(ev)
	}
}

func (c *Cache) invalidateFor(ev models.Event) {
	switch ev.Kind {
	case models.EventBroadcast:
		return
	case models.EventBatchProgress, models.EventBatchDone:
		c.Invalidate(TagBatch(ev.BatchID))
		return
	}

	tags := []string{TagJobs, TagStats}
	if ev.JobID != "" {
		tags = append(tags, TagJob(ev.JobID))
	}
	if ev.UserID != "" {
		tags = append(tags, TagUser(ev.UserID))
	}
	if ev.BatchID != "" {
		tags = append(tags, TagBatch(ev.BatchID))
	}
	c.Invalidate(tags...)
}
