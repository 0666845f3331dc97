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

// End-to-end scenarios: every component wired the way cmd/scribed
// wires them, fake transcription binaries standing in for whisper, and
// assertions driven through the HTTP API and the event bus.

package integration

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"scribe/internal/api"
	"scribe/internal/artifact"
	"scribe/internal/batch"
	"scribe/internal/cache"
	"scribe/internal/config"
	"scribe/internal/eventbus"
	"scribe/internal/logging"
	"scribe/internal/queue"
	"scribe/internal/ratelimit"
	"scribe/internal/store"
	"scribe/internal/upload"
	"scribe/internal/worker"
	"scribe/internal/wshub"
	"scribe/pkg/auth"
	"scribe/pkg/models"
)

// steadyScript reports progress in four steps and writes a transcript.
const steadyScript = `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    --output) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
for p in 25 50 75 100; do
  echo "progress: ${p}%" >&2
  sleep 0.03
done
printf '{"text":"hello","segments":[]}' > "$out"
exit 0
`

// hangScript reports once and waits to be cancelled.
const hangScript = `#!/bin/sh
trap 'exit 0' TERM
echo "progress: 25%" >&2
while true; do sleep 0.05; done
`

// gatedScript holds until a release marker appears next to its input,
// so tests control exactly which jobs finish and when.
const gatedScript = `#!/bin/sh
in=""
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    --input) in="$2"; shift 2 ;;
    --output) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
trap 'exit 0' TERM
while [ ! -f "$in.release" ]; do sleep 0.02; done
echo "progress: 100%" >&2
printf '{"text":"ok","segments":[]}' > "$out"
exit 0
`

var wavBytes = []byte("RIFF\x0c\x00\x00\x00WAVEfmt data")

const (
	testUser = "u-alice"
	testPass = "sesame"
)

type env struct {
	t      *testing.T
	dir    string
	store  *store.Store
	art    *artifact.Store
	bus    *eventbus.Bus
	server *httptest.Server
}

func newEnv(t *testing.T, script string, workers, userCap int, hubOpts wshub.Options) *env {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake binaries are shell scripts")
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	logger := logging.New("error")
	dir := t.TempDir()

	bin := filepath.Join(dir, "whisper")
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}

	st, err := store.Open(ctx, filepath.Join(dir, "scribe.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	art, err := artifact.NewStore(logger, dir)
	if err != nil {
		t.Fatalf("open artifact store: %v", err)
	}

	bus := eventbus.New()
	e := &env{t: t, dir: dir, store: st, art: art, bus: bus}

	cfg := config.Default()
	cfg.MaxUploadBytes = 4096
	cfg.ChunkSizeBytes = 8
	cfg.AllowedChunkSizes = []int64{8}
	cfg.MaxOpenSessions = 8

	var sched *queue.Scheduler
	pool := worker.NewPool(logger, st, art, bus, func() { sched.Wake() }, worker.Options{
		Size:              workers,
		Binary:            bin,
		ProgressThrottle:  time.Millisecond,
		NoProgressTimeout: 30 * time.Second,
		CancelGrace:       2 * time.Second,
		CancelPoll:        50 * time.Millisecond,
	})
	sched = queue.New(logger, st, bus, pool, 50*time.Millisecond)
	pool.Start(ctx)
	go sched.Run(ctx)
	t.Cleanup(pool.Wait)

	c := cache.New(logger, bus, cache.Options{
		MaxEntries: 256,
		HealthTTL:  time.Minute,
		JobTTL:     time.Minute,
		ListTTL:    time.Minute,
		StatsTTL:   time.Minute,
	})
	go c.Run(ctx)

	uploads := upload.NewManager(logger, st, art, bus, sched.Wake, upload.Options{
		MaxUploadBytes:    cfg.MaxUploadBytes,
		AllowedChunkSizes: cfg.AllowedChunkSizes,
		SessionTTL:        time.Hour,
	})
	batches := batch.NewCoordinator(logger, st, bus, sched.Wake)
	go batches.Run(ctx)

	hub := wshub.New(logger, st, bus, hubOpts)
	t.Cleanup(hub.Shutdown)

	generous := map[string]ratelimit.Rule{
		ratelimit.ClassUpload:  {Limit: 10000, Window: time.Hour},
		ratelimit.ClassMutate:  {Limit: 10000, Window: time.Hour},
		ratelimit.ClassAdmin:   {Limit: 10000, Window: time.Hour},
		ratelimit.ClassGeneral: {Limit: 10000, Window: time.Hour},
	}
	srv := api.New(logger, cfg, api.Deps{
		Store:     st,
		Artifacts: art,
		Bus:       bus,
		Cache:     c,
		Limiter:   ratelimit.New(logger, generous),
		Uploads:   uploads,
		Batches:   batches,
		Hub:       hub,
		Slots:     pool,
		Wake:      sched.Wake,
	})
	e.server = httptest.NewServer(srv.Router())
	t.Cleanup(e.server.Close)

	hash, err := auth.HashPassword(testPass)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	now := time.Now().UTC()
	err = st.CreateUser(ctx, &models.User{
		ID: testUser, Username: "alice", PasswordHash: hash, Role: models.RoleUser,
		ConcurrencyCap: userCap, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return e
}

// stageInput drops an input artifact under the input root, where
// submitted refs must resolve, and returns its path.
func (e *env) stageInput(name string) string {
	e.t.Helper()
	path := filepath.Join(e.dir, "artifacts", "in", name)
	if err := os.WriteFile(path, wavBytes, 0o644); err != nil {
		e.t.Fatalf("stage input: %v", err)
	}
	return path
}

func (e *env) do(method, path string, body any) *http.Response {
	e.t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rd)
	if err != nil {
		e.t.Fatalf("build request: %v", err)
	}
	req.SetBasicAuth("alice", testPass)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	e.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func wantStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, want, raw)
	}
}

// nextEvent reads one event or fails the test.
func nextEvent(t *testing.T, sub *eventbus.Subscription, timeout time.Duration) models.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("waiting for event: %v", err)
	}
	return ev
}

// collectUntil reads events until one matches stop, returning the whole
// stream including the stopper.
func collectUntil(t *testing.T, sub *eventbus.Subscription, timeout time.Duration, stop func(models.Event) bool) []models.Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var events []models.Event
	for {
		ev := nextEvent(t, sub, time.Until(deadline))
		events = append(events, ev)
		if stop(ev) {
			return events
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func isTerminal(ev models.Event) bool {
	return ev.Kind == models.EventCompleted || ev.Kind == models.EventFailed || ev.Kind == models.EventCancelled
}

// TestSingleShotJobLifecycle submits one small job and follows it to a
// transcript: accepted, started, strictly increasing progress, one
// completed, dense sequence numbers throughout, and a job view that
// flips to completed once the terminal event invalidates the cache.
func TestSingleShotJobLifecycle(t *testing.T) {
	e := newEnv(t, steadyScript, 2, 2, wshub.Options{})
	sub := e.bus.Subscribe(64, eventbus.UserTopic(testUser))
	defer sub.Close()

	input := e.stageInput("audio-small")
	resp := e.do(http.MethodPost, "/api/v1/jobs", map[string]any{
		"model": "small", "input_ref": input,
	})
	wantStatus(t, resp, http.StatusAccepted)
	var job models.Job
	decode(t, resp, &job)

	// Prime the cache while the job is in flight.
	resp = e.do(http.MethodGet, "/api/v1/jobs/"+job.ID, nil)
	wantStatus(t, resp, http.StatusOK)

	events := collectUntil(t, sub, 10*time.Second, isTerminal)

	if events[0].Kind != models.EventAccepted || events[1].Kind != models.EventStarted {
		t.Fatalf("stream starts %v, %v; want accepted, started", events[0].Kind, events[1].Kind)
	}
	last := events[len(events)-1]
	if last.Kind != models.EventCompleted {
		t.Fatalf("terminal event = %+v, want completed", last)
	}
	prevProgress := 0
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d, want dense prefix", i, ev.Seq)
		}
		if ev.Kind == models.EventProgress {
			if ev.Progress <= prevProgress {
				t.Fatalf("progress not strictly increasing: %d after %d", ev.Progress, prevProgress)
			}
			prevProgress = ev.Progress
		}
	}
	if len(events) < 4 {
		t.Fatalf("expected progress events between started and completed, got %d events", len(events))
	}

	// The completed event invalidates the job tag; the cached pending
	// view must not outlive it.
	waitFor(t, 2*time.Second, "job view to show completed", func() bool {
		resp := e.do(http.MethodGet, "/api/v1/jobs/"+job.ID, nil)
		var j models.Job
		decode(t, resp, &j)
		return j.Status == models.JobStatusCompleted
	})

	resp = e.do(http.MethodGet, "/api/v1/jobs/"+job.ID+"/transcript", nil)
	wantStatus(t, resp, http.StatusOK)
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "hello") {
		t.Fatalf("transcript body = %s", raw)
	}
}

// TestChunkedUploadWithReplay walks an out-of-order chunked upload with
// an idempotent replay and a divergent replay, seals it into a job, and
// follows the job to completion.
func TestChunkedUploadWithReplay(t *testing.T) {
	e := newEnv(t, steadyScript, 2, 2, wshub.Options{})

	resp := e.do(http.MethodPost, "/api/v1/uploads", map[string]any{
		"declared_size": len(wavBytes), "chunk_size": 8, "model": "small",
	})
	wantStatus(t, resp, http.StatusCreated)
	var sess struct {
		SessionID  string `json:"session_id"`
		ChunkCount int    `json:"chunk_count"`
	}
	decode(t, resp, &sess)
	if sess.ChunkCount != 3 {
		t.Fatalf("chunk count = %d, want 3", sess.ChunkCount)
	}

	put := func(index int, data []byte) *http.Response {
		return e.do(http.MethodPut,
			fmt.Sprintf("/api/v1/uploads/%s/chunks/%d", sess.SessionID, index), data)
	}

	wantStatus(t, put(0, wavBytes[:8]), http.StatusCreated)
	wantStatus(t, put(2, wavBytes[16:]), http.StatusCreated)
	wantStatus(t, put(1, wavBytes[8:16]), http.StatusCreated)
	// Identical replay is an ack, not a write.
	wantStatus(t, put(1, wavBytes[8:16]), http.StatusOK)
	// Divergent replay is rejected and changes nothing.
	resp = put(1, []byte("DIFFRENT"))
	wantStatus(t, resp, http.StatusBadRequest)
	var envlp struct {
		Error struct {
			Kind   string `json:"kind"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	decode(t, resp, &envlp)
	if envlp.Error.Kind != "upload_invalid" || envlp.Error.Reason != "conflict" {
		t.Fatalf("divergent replay error = %+v", envlp.Error)
	}

	sub := e.bus.Subscribe(64, eventbus.UserTopic(testUser))
	defer sub.Close()

	resp = e.do(http.MethodPost, "/api/v1/uploads/"+sess.SessionID+"/seal", nil)
	wantStatus(t, resp, http.StatusAccepted)
	var job models.Job
	decode(t, resp, &job)
	if job.Status != models.JobStatusPending {
		t.Fatalf("sealed job status = %s", job.Status)
	}

	// Sealed sessions refuse further chunks.
	wantStatus(t, put(0, wavBytes[:8]), http.StatusConflict)

	events := collectUntil(t, sub, 10*time.Second, isTerminal)
	if last := events[len(events)-1]; last.Kind != models.EventCompleted || last.JobID != job.ID {
		t.Fatalf("terminal event = %+v, want completed for %s", last, job.ID)
	}
}

// TestCancellationDuringExecution cancels a job after it starts and
// expects a cancelled terminal with no completed anywhere in the stream.
func TestCancellationDuringExecution(t *testing.T) {
	e := newEnv(t, hangScript, 2, 2, wshub.Options{})
	sub := e.bus.Subscribe(64, eventbus.UserTopic(testUser))
	defer sub.Close()

	input := e.stageInput("audio-hang")
	resp := e.do(http.MethodPost, "/api/v1/jobs", map[string]any{
		"model": "small", "input_ref": input,
	})
	wantStatus(t, resp, http.StatusAccepted)
	var job models.Job
	decode(t, resp, &job)

	// Wait for the subprocess to be running before cancelling.
	for {
		ev := nextEvent(t, sub, 5*time.Second)
		if ev.Kind == models.EventStarted {
			break
		}
	}

	resp = e.do(http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", nil)
	wantStatus(t, resp, http.StatusAccepted)

	events := collectUntil(t, sub, 10*time.Second, isTerminal)
	last := events[len(events)-1]
	if last.Kind != models.EventCancelled {
		t.Fatalf("terminal event = %+v, want cancelled", last)
	}
	for _, ev := range events {
		if ev.Kind == models.EventCompleted {
			t.Fatalf("completed event in a cancelled run: %+v", ev)
		}
	}
}

// TestPerUserConcurrencyCap submits five jobs with cap 2 against a pool
// of eight slots: never more than two running at once, starts in FIFO
// submission order.
func TestPerUserConcurrencyCap(t *testing.T) {
	e := newEnv(t, steadyScript, 8, 2, wshub.Options{})
	sub := e.bus.Subscribe(256, eventbus.UserTopic(testUser))
	defer sub.Close()

	var submitted []string
	for i := 0; i < 5; i++ {
		input := e.stageInput(fmt.Sprintf("audio-%d", i))
		resp := e.do(http.MethodPost, "/api/v1/jobs", map[string]any{
			"model": "small", "input_ref": input,
		})
		wantStatus(t, resp, http.StatusAccepted)
		var job models.Job
		decode(t, resp, &job)
		submitted = append(submitted, job.ID)
		// Distinct created_at instants keep the FIFO order observable.
		time.Sleep(5 * time.Millisecond)
	}

	var started []string
	running := make(map[string]bool)
	maxRunning := 0
	terminals := 0
	for terminals < 5 {
		ev := nextEvent(t, sub, 15*time.Second)
		switch {
		case ev.Kind == models.EventStarted:
			started = append(started, ev.JobID)
			running[ev.JobID] = true
			if len(running) > maxRunning {
				maxRunning = len(running)
			}
		case isTerminal(ev):
			delete(running, ev.JobID)
			terminals++
			if ev.Kind != models.EventCompleted {
				t.Fatalf("job %s ended %s", ev.JobID, ev.Kind)
			}
		}
	}

	if maxRunning > 2 {
		t.Fatalf("observed %d concurrently running jobs, cap is 2", maxRunning)
	}
	if len(started) != 5 {
		t.Fatalf("observed %d starts, want 5", len(started))
	}
	// The first two are claimed in one scheduling pass and may publish
	// started in either order; the queued three start strictly in
	// submission order as slots free.
	if !(started[0] == submitted[0] && started[1] == submitted[1]) &&
		!(started[0] == submitted[1] && started[1] == submitted[0]) {
		t.Fatalf("first starts %v, want the first two submissions %v", started[:2], submitted[:2])
	}
	for i := 2; i < 5; i++ {
		if started[i] != submitted[i] {
			t.Fatalf("start order %v, want submission order %v", started, submitted)
		}
	}
}

// TestBatchCancelMidFlight releases exactly three members of a
// ten-member batch, cancels the batch with two running and five
// pending, and checks the final aggregate: 3 completed, 7 cancelled.
func TestBatchCancelMidFlight(t *testing.T) {
	e := newEnv(t, gatedScript, 2, 2, wshub.Options{})
	ctx := context.Background()

	members := make([]map[string]any, 10)
	for i := range members {
		members[i] = map[string]any{
			"model":     "small",
			"input_ref": e.stageInput(fmt.Sprintf("member-%d", i)),
		}
	}
	resp := e.do(http.MethodPost, "/api/v1/batches", map[string]any{"members": members})
	wantStatus(t, resp, http.StatusAccepted)
	var created struct {
		Batch *models.Batch `json:"batch"`
	}
	decode(t, resp, &created)
	batchID := created.Batch.ID

	sub := e.bus.Subscribe(256, eventbus.UserTopic(testUser))
	defer sub.Close()

	runningJobs := func() []*models.Job {
		jobs, err := e.store.ListJobs(ctx, testUser, store.JobFilter{
			Status: models.JobStatusRunning, BatchID: batchID,
		}, store.Page{Limit: 20})
		if err != nil {
			t.Fatalf("list running: %v", err)
		}
		return jobs
	}

	// Let exactly three members finish, one at a time.
	for done := 0; done < 3; done++ {
		var victim *models.Job
		waitFor(t, 10*time.Second, "two members running", func() bool {
			jobs := runningJobs()
			if len(jobs) == 2 {
				victim = jobs[0]
				return true
			}
			return false
		})
		if err := os.WriteFile(victim.InputRef+".release", nil, 0o644); err != nil {
			t.Fatalf("release member: %v", err)
		}
		collectUntil(t, sub, 10*time.Second, func(ev models.Event) bool {
			return ev.Kind == models.EventCompleted && ev.JobID == victim.ID
		})
	}

	// Two more members have been claimed and are gated; five are pending.
	waitFor(t, 10*time.Second, "two members running after releases", func() bool {
		return len(runningJobs()) == 2
	})

	resp = e.do(http.MethodPost, "/api/v1/batches/"+batchID+"/cancel", nil)
	wantStatus(t, resp, http.StatusAccepted)

	waitFor(t, 15*time.Second, "batch aggregate to settle", func() bool {
		resp := e.do(http.MethodGet, "/api/v1/batches/"+batchID, nil)
		var view struct {
			Stats *models.BatchStats `json:"stats"`
		}
		decode(t, resp, &view)
		return view.Stats != nil && view.Stats.Done
	})

	stats, err := e.store.BatchStats(ctx, batchID)
	if err != nil {
		t.Fatalf("batch stats: %v", err)
	}
	if stats.Completed != 3 || stats.Cancelled != 7 || stats.Failed != 0 {
		t.Fatalf("final stats = %+v, want completed=3 cancelled=7 failed=0", stats)
	}
}

// TestSubscriberLagForcesResync starves a WebSocket subscriber with an
// 8-slot ring, floods its topic, and expects a resync_required frame
// with ordered events after it.
func TestSubscriberLagForcesResync(t *testing.T) {
	e := newEnv(t, steadyScript, 1, 2, wshub.Options{
		Heartbeat:    time.Second,
		IdleKill:     time.Minute,
		RingCapacity: 8,
	})
	ctx := context.Background()

	// A terminal job: owned topic to subscribe to, nothing for the
	// scheduler to claim.
	job := &models.Job{
		ID: "lag-job", UserID: testUser, Model: "small",
		InputRef: e.stageInput("audio-lag"), CreatedAt: time.Now().UTC(),
	}
	if err := e.store.InsertJob(ctx, job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	if _, err := e.store.ClaimJob(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := e.store.FinishJob(ctx, job.ID, models.JobStatusCancelled, 3, "", "", ""); err != nil {
		t.Fatalf("finish: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/api/v1/ws"
	header := http.Header{
		"Authorization": {"Basic " + base64.StdEncoding.EncodeToString([]byte("alice:"+testPass))},
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	topic := eventbus.JobTopic(job.ID)
	if err := conn.WriteJSON(map[string]any{"action": "subscribe", "topic": topic}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	type frame struct {
		Type    string        `json:"type"`
		Topic   string        `json:"topic"`
		Dropped int64         `json:"dropped"`
		Event   *models.Event `json:"event"`
	}
	var f frame
	if err := conn.ReadJSON(&f); err != nil || f.Type != "subscribed" {
		t.Fatalf("subscribe ack = %+v, %v", f, err)
	}

	// Flood while the client reads nothing: socket backpressure stalls
	// the forwarder and the 8-slot ring sheds the oldest events.
	waitFor(t, 5*time.Second, "hub subscription", func() bool {
		return e.bus.Subscribers(topic) > 0
	})
	for i := 1; i <= 20000; i++ {
		e.bus.Publish(topic, models.Event{
			Kind:     models.EventProgress,
			JobID:    job.ID,
			UserID:   testUser,
			Seq:      int64(i),
			Progress: i % 100,
			Status:   models.JobStatusRunning,
			Time:     time.Now().UTC(),
		})
	}

	// Drain: somewhere in the stream a resync_required must appear, and
	// event frames after it stay in increasing sequence order.
	_ = conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	sawResync := false
	var lastSeq int64
	eventsAfterResync := 0
	for eventsAfterResync < 5 {
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read (resync seen: %v): %v", sawResync, err)
		}
		switch f.Type {
		case "resync_required":
			if f.Dropped <= 0 {
				t.Fatalf("resync frame without drop count: %+v", f)
			}
			sawResync = true
		case "event":
			if !sawResync {
				continue
			}
			if f.Event.Seq <= lastSeq {
				t.Fatalf("out-of-order event after resync: seq %d after %d", f.Event.Seq, lastSeq)
			}
			lastSeq = f.Event.Seq
			eventsAfterResync++
		}
	}
	if !sawResync {
		t.Fatalf("no resync_required despite a flooded 8-slot ring")
	}
}
