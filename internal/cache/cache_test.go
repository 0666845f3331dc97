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

package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"scribe/internal/eventbus"
	"scribe/internal/logging"
	"scribe/pkg/models"
)

func newTestCache(bus *eventbus.Bus) *Cache {
	return New(logging.New("error"), bus, Options{
		MaxEntries: 64,
		HealthTTL:  time.Minute,
		JobTTL:     time.Minute,
		ListTTL:    time.Minute,
		StatsTTL:   time.Minute,
	})
}

func TestGetOrLoadCachesByClassAndKey(t *testing.T) {
	c := newTestCache(nil)
	ctx := context.Background()

	var loads int
	loader := func(context.Context) (any, error) {
		loads++
		return "v1", nil
	}

	v, hit, err := c.GetOrLoad(ctx, ClassJob, "j1", []string{TagJob("j1")}, loader)
	if err != nil || hit || v != "v1" {
		t.Fatalf("first GetOrLoad = %v, hit=%v, %v", v, hit, err)
	}
	v, hit, err = c.GetOrLoad(ctx, ClassJob, "j1", nil, loader)
	if err != nil || !hit || v != "v1" {
		t.Fatalf("second GetOrLoad = %v, hit=%v, %v", v, hit, err)
	}
	if loads != 1 {
		t.Fatalf("loader ran %d times, want 1", loads)
	}

	// Same key in another class is a distinct entry.
	if _, hit, _ := c.GetOrLoad(ctx, ClassList, "j1", nil, loader); hit {
		t.Fatalf("cross-class hit")
	}

	if _, _, err := c.GetOrLoad(ctx, "bogus", "k", nil, loader); err == nil {
		t.Fatalf("unknown class accepted")
	}
}

func TestGetOrLoadDoesNotCacheErrors(t *testing.T) {
	c := newTestCache(nil)
	ctx := context.Background()

	boom := errors.New("boom")
	calls := 0
	_, _, err := c.GetOrLoad(ctx, ClassJob, "j1", nil, func(context.Context) (any, error) {
		calls++
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("GetOrLoad error = %v, want boom", err)
	}

	v, hit, err := c.GetOrLoad(ctx, ClassJob, "j1", nil, func(context.Context) (any, error) {
		calls++
		return "ok", nil
	})
	if err != nil || hit || v != "ok" || calls != 2 {
		t.Fatalf("retry after error = %v, hit=%v, calls=%d, %v", v, hit, calls, err)
	}
}

func TestConcurrentMissesShareOneLoad(t *testing.T) {
	c := newTestCache(nil)
	ctx := context.Background()

	var loads atomic.Int64
	release := make(chan struct{})
	loader := func(context.Context) (any, error) {
		loads.Add(1)
		<-release
		return "shared", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := c.GetOrLoad(ctx, ClassStats, "u1", nil, loader)
			if err != nil || v != "shared" {
				t.Errorf("GetOrLoad = %v, %v", v, err)
			}
		}()
	}
	// Give the goroutines time to pile onto the flight, then release.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := loads.Load(); n != 1 {
		t.Fatalf("loader ran %d times, want 1", n)
	}
}

func TestInvalidateByTag(t *testing.T) {
	c := newTestCache(nil)
	ctx := context.Background()

	load := func(v string) func(context.Context) (any, error) {
		return func(context.Context) (any, error) { return v, nil }
	}
	c.GetOrLoad(ctx, ClassJob, "j1", []string{TagJob("j1"), TagUser("u1")}, load("a"))
	c.GetOrLoad(ctx, ClassList, "u1:jobs", []string{TagJobs, TagUser("u1")}, load("b"))
	c.GetOrLoad(ctx, ClassJob, "j2", []string{TagJob("j2")}, load("c"))

	if n := c.Invalidate(TagUser("u1")); n != 2 {
		t.Fatalf("Invalidate removed %d, want 2", n)
	}

	if _, hit, _ := c.GetOrLoad(ctx, ClassJob, "j1", nil, load("a2")); hit {
		t.Fatalf("j1 survived invalidation")
	}
	if _, hit, _ := c.GetOrLoad(ctx, ClassJob, "j2", nil, load("c2")); !hit {
		t.Fatalf("j2 evicted by unrelated tag")
	}

	// Invalidating an unknown tag is a no-op.
	if n := c.Invalidate("job:unknown"); n != 0 {
		t.Fatalf("unknown tag removed %d entries", n)
	}
}

func TestRunInvalidatesOnBusEvents(t *testing.T) {
	bus := eventbus.New()
	c := newTestCache(bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	// Let Run attach its subscription before publishing.
	for i := 0; i < 100 && bus.Subscribers(eventbus.TopicAll) == 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}

	load := func(v string) func(context.Context) (any, error) {
		return func(context.Context) (any, error) { return v, nil }
	}
	c.GetOrLoad(ctx, ClassJob, "j1", []string{TagJob("j1")}, load("a"))
	c.GetOrLoad(ctx, ClassList, "all", []string{TagJobs}, load("b"))

	bus.PublishJob(models.Event{Kind: models.EventCompleted, JobID: "j1", UserID: "u1", Seq: 5})

	// Poll until the invalidation lands: the first miss proves the
	// entry was dropped by the bus subscriber.
	invalidated := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, hit, _ := c.GetOrLoad(ctx, ClassJob, "j1", []string{TagJob("j1")}, load("a"))
		if !hit {
			invalidated = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !invalidated {
		t.Fatalf("job entry never invalidated by bus event")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop on cancel")
	}
}
