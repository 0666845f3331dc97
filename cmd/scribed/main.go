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

// Scribed is the transcription orchestrator daemon: it owns the SQLite
// store, the worker pool, and the HTTP/WebSocket front, and drives
// uploaded audio through whisper subprocesses to finished transcripts.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

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

func main() {
	var (
		listenAddr    = flag.String("listen", "", "HTTP listen address (overrides SCRIBE_LISTEN_ADDR)")
		dataDir       = flag.String("data-dir", "", "Data directory (overrides SCRIBE_DATA_DIR)")
		dbPath        = flag.String("db", "", "SQLite database path (overrides SCRIBE_DB_PATH)")
		whisperBinary = flag.String("whisper", "", "Transcription binary (overrides SCRIBE_WHISPER_BINARY)")
		workers       = flag.Int("workers", 0, "Worker pool size (overrides SCRIBE_WORKER_POOL_SIZE)")
		logLevel      = flag.String("log-level", "", "Log level: debug, info, warn, error")
		logFormat     = flag.String("log-format", "", "Log format: text or json")
	)
	flag.Parse()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
		cfg.DatabasePath = *dataDir + "/scribe.db"
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}
	if *whisperBinary != "" {
		cfg.WhisperBinary = *whisperBinary
	}
	if *workers > 0 {
		cfg.WorkerPoolSize = *workers
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.NewWithFormat(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(logger, cfg); err != nil {
		logger.Error("scribed failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, cfg config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	if err := bootstrapAdmin(ctx, logger, st, cfg); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}

	art, err := artifact.NewStore(logging.Component(logger, "artifact"), cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}

	bus := eventbus.New()

	// Jobs left running by a crashed process fail as worker_lost before
	// the pool starts, so no slot ever doubles up on a stale claim.
	orphans, err := st.RecoverOrphans(ctx)
	if err != nil {
		return fmt.Errorf("recover orphans: %w", err)
	}
	for _, job := range orphans {
		batchID := ""
		if job.BatchID != nil {
			batchID = *job.BatchID
		}
		bus.PublishJob(models.Event{
			Kind:      models.EventFailed,
			JobID:     job.ID,
			BatchID:   batchID,
			UserID:    job.UserID,
			Seq:       job.Seq,
			Status:    models.JobStatusFailed,
			ErrorKind: models.FailureWorkerLost.String(),
			Message:   "worker lost: process restarted with the job running",
			Time:      time.Now().UTC(),
		})
		logger.Warn("orphaned job failed at startup", "job_id", job.ID, "user_id", job.UserID)
	}

	c := cache.New(logging.Component(logger, "cache"), bus, cache.Options{
		MaxEntries: cfg.CacheMaxEntries,
		HealthTTL:  cfg.CacheHealthTTL,
		JobTTL:     cfg.CacheJobTTL,
		ListTTL:    cfg.CacheListTTL,
		StatsTTL:   cfg.CacheStatsTTL,
	})
	go c.Run(ctx)

	limiter := ratelimit.New(logging.Component(logger, "ratelimit"), map[string]ratelimit.Rule{
		ratelimit.ClassUpload:  {Limit: cfg.RateUploadLimit, Window: cfg.RateUploadWindow},
		ratelimit.ClassMutate:  {Limit: cfg.RateMutateLimit, Window: cfg.RateMutateWindow},
		ratelimit.ClassAdmin:   {Limit: cfg.RateAdminLimit, Window: cfg.RateAdminWindow},
		ratelimit.ClassGeneral: {Limit: cfg.RateGeneralLimit, Window: cfg.RateGeneralWindow},
	})
	go limiter.Run(ctx)

	// The pool wakes the scheduler when a slot frees; sched is assigned
	// before any slot can run.
	var sched *queue.Scheduler
	pool := worker.NewPool(logging.Component(logger, "worker"), st, art, bus,
		func() { sched.Wake() }, worker.Options{
			Size:                cfg.WorkerPoolSize,
			Binary:              cfg.WhisperBinary,
			ProgressThrottle:    cfg.ProgressThrottle,
			ProgressPercentStep: cfg.ProgressPercentStep,
			NoProgressTimeout:   cfg.NoProgressTimeout,
			CancelGrace:         cfg.CancelGrace,
			CancelPoll:          cfg.CancelPollInterval,
		})
	sched = queue.New(logging.Component(logger, "scheduler"), st, bus, pool, time.Second)
	pool.Start(ctx)

	uploads := upload.NewManager(logging.Component(logger, "upload"), st, art, bus, sched.Wake, upload.Options{
		MaxUploadBytes:    cfg.MaxUploadBytes,
		AllowedChunkSizes: cfg.AllowedChunkSizes,
		SessionTTL:        cfg.UploadSessionTTL,
		MaxParallelChunks: cfg.MaxParallelChunks,
	})
	if n, err := uploads.SweepAll(ctx); err != nil {
		logger.Warn("stale session sweep failed", "error", err)
	} else if n > 0 {
		logger.Info("removed stale upload sessions", "count", n)
	}
	go uploads.Run(ctx, cfg.SessionSweepInterval)

	batches := batch.NewCoordinator(logging.Component(logger, "batch"), st, bus, sched.Wake)
	go batches.Run(ctx)

	hub := wshub.New(logging.Component(logger, "wshub"), st, bus, wshub.Options{
		Heartbeat:    cfg.WSHeartbeat,
		IdleKill:     cfg.WSIdleKill,
		RingCapacity: cfg.WSRingCapacity,
	})

	go sched.Run(ctx)

	srv := api.New(logging.Component(logger, "api"), cfg, api.Deps{
		Store:     st,
		Artifacts: art,
		Bus:       bus,
		Cache:     c,
		Limiter:   limiter,
		Uploads:   uploads,
		Batches:   batches,
		Hub:       hub,
		Slots:     pool,
		Wake:      sched.Wake,
	})
	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Minute, // chunk uploads on slow links
		WriteTimeout: 0,               // websockets stay open
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("scribed listening",
			"addr", cfg.ListenAddr,
			"workers", cfg.WorkerPoolSize,
			"db", cfg.DatabasePath)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	// Stop taking requests, close websockets, then let running
	// transcriptions finish their cancellation handshake.
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := server.Shutdown(shutCtx); err != nil {
		logger.Error("server forced to shut down", "error", err)
	}
	hub.Shutdown()
	cancel()
	pool.Wait()

	logger.Info("scribed exited")
	return nil
}

// bootstrapAdmin seeds the initial admin account when the user table is
// empty and SCRIBE_ADMIN_PASSWORD is set. With neither users nor a
// bootstrap password the daemon still runs, but nothing can
// authenticate.
func bootstrapAdmin(ctx context.Context, logger *slog.Logger, st *store.Store, cfg config.Config) error {
	count, err := st.CountUsers(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if cfg.BootstrapAdminPassword == "" {
		logger.Warn("user table is empty and SCRIBE_ADMIN_PASSWORD is unset; no account can authenticate")
		return nil
	}

	hash, err := auth.HashPassword(cfg.BootstrapAdminPassword)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	admin := &models.User{
		ID:             uuid.NewString(),
		Username:       "admin",
		PasswordHash:   hash,
		Role:           models.RoleAdmin,
		ConcurrencyCap: cfg.PerUserConcurrencyCap,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := st.CreateUser(ctx, admin); err != nil {
		return err
	}
	logger.Info("created bootstrap admin user", "username", admin.Username)
	return nil
}
