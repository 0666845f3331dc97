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

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the orchestrator configuration. Defaults are tuned for
// a single-node deployment; every knob has a SCRIBE_* environment
// variable and most have a matching flag in cmd/scribed.
type Config struct {
	// ListenAddr is the HTTP/WebSocket listen address.
	ListenAddr string

	// DataDir is the root directory for the database, chunk staging,
	// and job artifacts.
	DataDir string

	// DatabasePath is the SQLite database file path.
	DatabasePath string

	// WhisperBinary is the external transcription executable invoked
	// per job.
	WhisperBinary string

	// ModelDir is the directory holding model files passed to the
	// transcription binary.
	ModelDir string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// LogFormat is "text" or "json".
	LogFormat string

	// WorkerPoolSize is the number of worker slots; each slot runs at
	// most one transcription subprocess.
	WorkerPoolSize int

	// PerUserConcurrencyCap is the default cap on a single user's
	// concurrently running jobs. Per-user overrides live on the user row.
	PerUserConcurrencyCap int

	// MaxUploadBytes is the largest accepted declared upload size.
	MaxUploadBytes int64

	// ChunkSizeBytes is the default chunk size offered to clients.
	ChunkSizeBytes int64

	// AllowedChunkSizes is the set of chunk sizes init_upload accepts.
	AllowedChunkSizes []int64

	// MaxOpenSessions bounds the number of unsealed upload sessions.
	MaxOpenSessions int

	// MaxParallelChunks is how many chunks may be written concurrently
	// for one session.
	MaxParallelChunks int

	// UploadSessionTTL is how long an idle unsealed session survives.
	UploadSessionTTL time.Duration

	// SessionSweepInterval is how often the expiry janitor runs.
	SessionSweepInterval time.Duration

	// ProgressThrottle is the minimum interval between progress events
	// for one job.
	ProgressThrottle time.Duration

	// ProgressPercentStep is the minimum percent delta between
	// progress events for one job.
	ProgressPercentStep int

	// NoProgressTimeout fails a running job that reports no forward
	// progress for this long.
	NoProgressTimeout time.Duration

	// CancelGrace is how long a cancelled subprocess gets between
	// SIGTERM and SIGKILL.
	CancelGrace time.Duration

	// CancelPollInterval is how often a worker slot checks the
	// cancel_requested flag.
	CancelPollInterval time.Duration

	// CacheHealthTTL is the health view cache TTL.
	CacheHealthTTL time.Duration

	// CacheJobTTL is the job detail cache TTL.
	CacheJobTTL time.Duration

	// CacheListTTL is the job listing cache TTL.
	CacheListTTL time.Duration

	// CacheStatsTTL is the user stats cache TTL.
	CacheStatsTTL time.Duration

	// CacheMaxEntries bounds the cache entry count.
	CacheMaxEntries int

	// RateUploadLimit / RateUploadWindow bound upload-class calls per
	// principal.
	RateUploadLimit  int
	RateUploadWindow time.Duration

	// RateMutateLimit / RateMutateWindow bound mutating calls
	// (cancel, key management) per principal.
	RateMutateLimit  int
	RateMutateWindow time.Duration

	// RateAdminLimit / RateAdminWindow bound mutating admin calls.
	RateAdminLimit  int
	RateAdminWindow time.Duration

	// RateGeneralLimit / RateGeneralWindow bound everything else.
	RateGeneralLimit  int
	RateGeneralWindow time.Duration

	// WSHeartbeat is the WebSocket ping interval.
	WSHeartbeat time.Duration

	// WSIdleKill closes a connection with no pong for this long.
	WSIdleKill time.Duration

	// WSRingCapacity is the per-subscription event ring size.
	WSRingCapacity int

	// BootstrapAdminPassword seeds the initial admin account when the
	// user table is empty. Empty disables seeding.
	BootstrapAdminPassword string
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		ListenAddr:             ":8085",
		DataDir:                "/var/lib/scribe",
		DatabasePath:           "/var/lib/scribe/scribe.db",
		WhisperBinary:          "whisper-cli",
		ModelDir:               "/var/lib/scribe/models",
		LogLevel:               "info",
		LogFormat:              "text",
		WorkerPoolSize:         2,
		PerUserConcurrencyCap:  2,
		MaxUploadBytes:         1 << 30, // 1 GiB
		ChunkSizeBytes:         5 << 20, // 5 MiB
		AllowedChunkSizes:      []int64{1 << 20, 5 << 20, 10 << 20},
		MaxOpenSessions:        64,
		MaxParallelChunks:      4,
		UploadSessionTTL:       1 * time.Hour,
		SessionSweepInterval:   5 * time.Minute,
		ProgressThrottle:       500 * time.Millisecond,
		ProgressPercentStep:    1,
		NoProgressTimeout:      10 * time.Minute,
		CancelGrace:            10 * time.Second,
		CancelPollInterval:     500 * time.Millisecond,
		CacheHealthTTL:         60 * time.Second,
		CacheJobTTL:            30 * time.Second,
		CacheListTTL:           60 * time.Second,
		CacheStatsTTL:          600 * time.Second,
		CacheMaxEntries:        4096,
		RateUploadLimit:        10,
		RateUploadWindow:       1 * time.Hour,
		RateMutateLimit:        50,
		RateMutateWindow:       5 * time.Minute,
		RateAdminLimit:         50,
		RateAdminWindow:        5 * time.Minute,
		RateGeneralLimit:       100,
		RateGeneralWindow:      5 * time.Minute,
		WSHeartbeat:            30 * time.Second,
		WSIdleKill:             90 * time.Second,
		WSRingCapacity:         256,
		BootstrapAdminPassword: "",
	}
}

// LoadFromEnv loads configuration from environment variables on top of
// the defaults.
func LoadFromEnv() (Config, error) {
	cfg := Default()

	if val := os.Getenv("SCRIBE_LISTEN_ADDR"); val != "" {
		cfg.ListenAddr = val
	}
	if val := os.Getenv("SCRIBE_DATA_DIR"); val != "" {
		cfg.DataDir = val
		cfg.DatabasePath = val + "/scribe.db"
	}
	if val := os.Getenv("SCRIBE_DB_PATH"); val != "" {
		cfg.DatabasePath = val
	}
	if val := os.Getenv("SCRIBE_WHISPER_BINARY"); val != "" {
		cfg.WhisperBinary = val
	}
	if val := os.Getenv("SCRIBE_MODEL_DIR"); val != "" {
		cfg.ModelDir = val
	}
	if val := os.Getenv("SCRIBE_LOG_LEVEL"); val != "" {
		cfg.LogLevel = val
	}
	if val := os.Getenv("SCRIBE_LOG_FORMAT"); val != "" {
		if val != "text" && val != "json" {
			return cfg, fmt.Errorf("invalid SCRIBE_LOG_FORMAT: must be 'text' or 'json', got %q", val)
		}
		cfg.LogFormat = val
	}

	if err := envInt("SCRIBE_WORKER_POOL_SIZE", &cfg.WorkerPoolSize); err != nil {
		return cfg, err
	}
	if err := envInt("SCRIBE_USER_CONCURRENCY_CAP", &cfg.PerUserConcurrencyCap); err != nil {
		return cfg, err
	}
	if err := envInt64("SCRIBE_MAX_UPLOAD_BYTES", &cfg.MaxUploadBytes); err != nil {
		return cfg, err
	}
	if err := envInt64("SCRIBE_CHUNK_SIZE_BYTES", &cfg.ChunkSizeBytes); err != nil {
		return cfg, err
	}
	if err := envInt("SCRIBE_MAX_OPEN_SESSIONS", &cfg.MaxOpenSessions); err != nil {
		return cfg, err
	}
	if err := envInt("SCRIBE_MAX_PARALLEL_CHUNKS", &cfg.MaxParallelChunks); err != nil {
		return cfg, err
	}
	if err := envDuration("SCRIBE_UPLOAD_SESSION_TTL", &cfg.UploadSessionTTL); err != nil {
		return cfg, err
	}
	if err := envDuration("SCRIBE_SESSION_SWEEP_INTERVAL", &cfg.SessionSweepInterval); err != nil {
		return cfg, err
	}
	if err := envDuration("SCRIBE_PROGRESS_THROTTLE", &cfg.ProgressThrottle); err != nil {
		return cfg, err
	}
	if err := envInt("SCRIBE_PROGRESS_PERCENT_STEP", &cfg.ProgressPercentStep); err != nil {
		return cfg, err
	}
	if err := envDuration("SCRIBE_NO_PROGRESS_TIMEOUT", &cfg.NoProgressTimeout); err != nil {
		return cfg, err
	}
	if err := envDuration("SCRIBE_CANCEL_GRACE", &cfg.CancelGrace); err != nil {
		return cfg, err
	}
	if err := envDuration("SCRIBE_CANCEL_POLL_INTERVAL", &cfg.CancelPollInterval); err != nil {
		return cfg, err
	}

	if err := envDuration("SCRIBE_CACHE_HEALTH_TTL", &cfg.CacheHealthTTL); err != nil {
		return cfg, err
	}
	if err := envDuration("SCRIBE_CACHE_JOB_TTL", &cfg.CacheJobTTL); err != nil {
		return cfg, err
	}
	if err := envDuration("SCRIBE_CACHE_LIST_TTL", &cfg.CacheListTTL); err != nil {
		return cfg, err
	}
	if err := envDuration("SCRIBE_CACHE_STATS_TTL", &cfg.CacheStatsTTL); err != nil {
		return cfg, err
	}
	if err := envInt("SCRIBE_CACHE_MAX_ENTRIES", &cfg.CacheMaxEntries); err != nil {
		return cfg, err
	}

	if err := envInt("SCRIBE_RATE_UPLOAD_LIMIT", &cfg.RateUploadLimit); err != nil {
		return cfg, err
	}
	if err := envDuration("SCRIBE_RATE_UPLOAD_WINDOW", &cfg.RateUploadWindow); err != nil {
		return cfg, err
	}
	if err := envInt("SCRIBE_RATE_MUTATE_LIMIT", &cfg.RateMutateLimit); err != nil {
		return cfg, err
	}
	if err := envDuration("SCRIBE_RATE_MUTATE_WINDOW", &cfg.RateMutateWindow); err != nil {
		return cfg, err
	}
	if err := envInt("SCRIBE_RATE_ADMIN_LIMIT", &cfg.RateAdminLimit); err != nil {
		return cfg, err
	}
	if err := envDuration("SCRIBE_RATE_ADMIN_WINDOW", &cfg.RateAdminWindow); err != nil {
		return cfg, err
	}
	if err := envInt("SCRIBE_RATE_GENERAL_LIMIT", &cfg.RateGeneralLimit); err != nil {
		return cfg, err
	}
	if err := envDuration("SCRIBE_RATE_GENERAL_WINDOW", &cfg.RateGeneralWindow); err != nil {
		return cfg, err
	}

	if err := envDuration("SCRIBE_WS_HEARTBEAT", &cfg.WSHeartbeat); err != nil {
		return cfg, err
	}
	if err := envDuration("SCRIBE_WS_IDLE_KILL", &cfg.WSIdleKill); err != nil {
		return cfg, err
	}
	if err := envInt("SCRIBE_WS_RING_CAPACITY", &cfg.WSRingCapacity); err != nil {
		return cfg, err
	}

	if val := os.Getenv("SCRIBE_ADMIN_PASSWORD"); val != "" {
		cfg.BootstrapAdminPassword = val
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("SCRIBE_LISTEN_ADDR cannot be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("SCRIBE_DATA_DIR cannot be empty")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("SCRIBE_DB_PATH cannot be empty")
	}
	if c.WhisperBinary == "" {
		return fmt.Errorf("SCRIBE_WHISPER_BINARY cannot be empty")
	}

	if c.WorkerPoolSize < 1 || c.WorkerPoolSize > 64 {
		return fmt.Errorf("SCRIBE_WORKER_POOL_SIZE must be between 1 and 64")
	}
	if c.PerUserConcurrencyCap < 1 {
		return fmt.Errorf("SCRIBE_USER_CONCURRENCY_CAP must be at least 1")
	}
	if c.MaxUploadBytes < 1 {
		return fmt.Errorf("SCRIBE_MAX_UPLOAD_BYTES must be positive")
	}
	if c.ChunkSizeBytes < 1 || c.ChunkSizeBytes > c.MaxUploadBytes {
		return fmt.Errorf("SCRIBE_CHUNK_SIZE_BYTES must be positive and no larger than SCRIBE_MAX_UPLOAD_BYTES")
	}
	if !c.ChunkSizeAllowed(c.ChunkSizeBytes) {
		return fmt.Errorf("SCRIBE_CHUNK_SIZE_BYTES %d is not in the allowed set", c.ChunkSizeBytes)
	}
	if c.MaxOpenSessions < 1 {
		return fmt.Errorf("SCRIBE_MAX_OPEN_SESSIONS must be at least 1")
	}
	if c.MaxParallelChunks < 1 {
		return fmt.Errorf("SCRIBE_MAX_PARALLEL_CHUNKS must be at least 1")
	}
	if c.UploadSessionTTL < 1*time.Minute {
		return fmt.Errorf("SCRIBE_UPLOAD_SESSION_TTL must be at least 1 minute")
	}
	if c.SessionSweepInterval < 10*time.Second {
		return fmt.Errorf("SCRIBE_SESSION_SWEEP_INTERVAL must be at least 10 seconds")
	}

	if c.ProgressThrottle < 100*time.Millisecond {
		return fmt.Errorf("SCRIBE_PROGRESS_THROTTLE must be at least 100ms")
	}
	if c.ProgressPercentStep < 1 || c.ProgressPercentStep > 100 {
		return fmt.Errorf("SCRIBE_PROGRESS_PERCENT_STEP must be between 1 and 100")
	}
	if c.NoProgressTimeout < 30*time.Second {
		return fmt.Errorf("SCRIBE_NO_PROGRESS_TIMEOUT must be at least 30 seconds")
	}
	if c.CancelGrace < 1*time.Second {
		return fmt.Errorf("SCRIBE_CANCEL_GRACE must be at least 1 second")
	}
	if c.CancelPollInterval < 50*time.Millisecond || c.CancelPollInterval > 500*time.Millisecond {
		return fmt.Errorf("SCRIBE_CANCEL_POLL_INTERVAL must be between 50ms and 500ms")
	}

	if c.CacheMaxEntries < 16 {
		return fmt.Errorf("SCRIBE_CACHE_MAX_ENTRIES must be at least 16")
	}
	for name, limit := range map[string]int{
		"SCRIBE_RATE_UPLOAD_LIMIT":  c.RateUploadLimit,
		"SCRIBE_RATE_MUTATE_LIMIT":  c.RateMutateLimit,
		"SCRIBE_RATE_ADMIN_LIMIT":   c.RateAdminLimit,
		"SCRIBE_RATE_GENERAL_LIMIT": c.RateGeneralLimit,
	} {
		if limit < 1 {
			return fmt.Errorf("%s must be at least 1", name)
		}
	}
	for name, window := range map[string]time.Duration{
		"SCRIBE_RATE_UPLOAD_WINDOW":  c.RateUploadWindow,
		"SCRIBE_RATE_MUTATE_WINDOW":  c.RateMutateWindow,
		"SCRIBE_RATE_ADMIN_WINDOW":   c.RateAdminWindow,
		"SCRIBE_RATE_GENERAL_WINDOW": c.RateGeneralWindow,
	} {
		if window < 1*time.Second {
			return fmt.Errorf("%s must be at least 1 second", name)
		}
	}

	if c.WSHeartbeat < 1*time.Second {
		return fmt.Errorf("SCRIBE_WS_HEARTBEAT must be at least 1 second")
	}
	if c.WSIdleKill <= c.WSHeartbeat {
		return fmt.Errorf("SCRIBE_WS_IDLE_KILL must exceed SCRIBE_WS_HEARTBEAT")
	}
	if c.WSRingCapacity < 8 {
		return fmt.Errorf("SCRIBE_WS_RING_CAPACITY must be at least 8")
	}

	return nil
}

// ChunkSizeAllowed reports whether size is in the allowed chunk size set.
func (c *Config) ChunkSizeAllowed(size int64) bool {
	for _, s := range c.AllowedChunkSizes {
		if s == size {
			return true
		}
	}
	return false
}

func envInt(name string, out *int) error {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}
	num, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("invalid %s value: %w", name, err)
	}
	*out = num
	return nil
}

func envInt64(name string, out *int64) error {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}
	num, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s value: %w", name, err)
	}
	*out = num
	return nil
}

func envDuration(name string, out *time.Duration) error {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}
	duration, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("invalid %s value: %w", name, err)
	}
	*out = duration
	return nil
}
