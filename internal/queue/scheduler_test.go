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

package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"scribe/internal/eventbus"
	"scribe/internal/logging"
	"scribe/internal/store"
	"scribe/pkg/models"
)

// fakePool hands out a fixed number of slots and records dispatches.
type fakePool struct {
	mu    sync.Mutex
	free  int
	next  int
	ran   []string // job IDs in dispatch order
	byJob map[string]string
}

func newFakePool(slots int) *fakePool {
	return &fakePool{free: slots, byJob: make(map[string]string)}
}

func (p *fakePool) Reserve() (Slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.free == 0 {
		return nil, false
	}
	p.free--
	p.next++
	return &fakeSlot{pool: p, id: fmt.Sprintf("w%d", p.next)}, true
}

func (p *fakePool) release() {
	p.mu.Lock()
	p.free++
	p.mu.Unlock()
}

func (p *fakePool) dispatched() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ran...)
}

type fakeSlot struct {
	pool *fakePool
	id   string
}

func (s *fakeSlot) ID() string { return s.id }
func (s *fakeSlot) Release()   { s.pool.release() }
func (s *fakeSlot) Run(job *models.Job) {
	s.pool.mu.Lock()
	s.pool.ran = append(s.pool.ran, job.ID)
	s.pool.byJob[job.ID] = s.id
	s.pool.mu.Unlock()
	// Slot stays busy; tests release explicitly.
}

func newTestScheduler(t *testing.T, slots int) (*Scheduler, *store.Store, *eventbus.Bus, *fakePool) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	pool := newFakePool(slots)
	return New(logging.New("error"), st, bus, pool, time.Second), st, bus, pool
}

func seedUser(t *testing.T, st *store.Store, id string, cap int) {
	t.Helper()
	now := time.Now().UTC()
	err := st.CreateUser(context.Background(), &models.User{
		ID: id, Username: "user-" + id, PasswordHash: "x", Role: models.RoleUser,
		ConcurrencyCap: cap, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
}

func seedJob(t *testing.T, st *store.Store, id, userID string, priority int, createdAt time.Time) {
	t.Helper()
	job := &models.Job{
		ID: id, UserID: userID, Model: "base", Priority: priority,
		InputRef: "artifacts/in/" + id, CreatedAt: createdAt,
	}
	if err := st.InsertJob(context.Background(), job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
}

func TestDispatchFillsFreeSlotsInOrder(t *testing.T) {
	sched, st, _, pool := newTestScheduler(t, 2)
	ctx := context.Background()
	seedUser(t, st, "u1", 10)

	base := time.Now().UTC().Add(-time.Minute)
	seedJob(t, st, "j-low", "u1", models.PriorityLow, base)
	seedJob(t, st, "j-high", "u1", models.PriorityHigh, base.Add(time.Second))
	seedJob(t, st, "j-norm", "u1", models.PriorityNormal, base.Add(2*time.Second))

	sched.Dispatch(ctx)

	ran := pool.dispatched()
	if len(ran) != 2 || ran[0] != "j-high" || ran[1] != "j-norm" {
		t.Fatalf("dispatched = %v, want [j-high j-norm]", ran)
	}

	// Both slots busy: another pass claims nothing.
	sched.Dispatch(ctx)
	if len(pool.dispatched()) != 2 {
		t.Fatalf("dispatch with full pool claimed a job")
	}

	// The claimed rows carry the slot IDs.
	job, err := st.GetJob(ctx, "j-high")
	if err != nil || job.WorkerID == nil || *job.WorkerID != pool.byJob["j-high"] {
		t.Fatalf("claimed job worker = %+v, %v", job, err)
	}

	// A freed slot picks up the remaining job on the next pass.
	pool.release()
	sched.Dispatch(ctx)
	ran = pool.dispatched()
	if len(ran) != 3 || ran[2] != "j-low" {
		t.Fatalf("dispatched after release = %v", ran)
	}
}

func TestDispatchSweepsCancelRequestedPending(t *testing.T) {
	sched, st, bus, pool := newTestScheduler(t, 1)
	ctx := context.Background()
	seedUser(t, st, "u1", 10)

	seedJob(t, st, "j1", "u1", models.PriorityNormal, time.Now().UTC())
	if err := st.RequestCancel(ctx, "j1"); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}

	events := bus.Subscribe(8, eventbus.JobTopic("j1"))
	defer events.Close()

	sched.Dispatch(ctx)

	if len(pool.dispatched()) != 0 {
		t.Fatalf("cancelled job was dispatched")
	}
	job, _ := st.GetJob(ctx, "j1")
	if job.Status != models.JobStatusCancelled {
		t.Fatalf("job status = %s, want cancelled", job.Status)
	}

	evCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	ev, err := events.Next(evCtx)
	if err != nil || ev.Kind != models.EventCancelled || ev.Seq != 2 {
		t.Fatalf("cancelled event = %+v, %v", ev, err)
	}
}

func TestRunWakesOnDemand(t *testing.T) {
	sched, st, _, pool := newTestScheduler(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seedUser(t, st, "u1", 10)

	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(ctx)
	}()

	seedJob(t, st, "j1", "u1", models.PriorityNormal, time.Now().UTC())
	sched.Wake()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(pool.dispatched()) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(pool.dispatched()) != 1 {
		t.Fatalf("wake did not trigger dispatch")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop on cancel")
	}
}
