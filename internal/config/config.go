/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

const (
	minIdempotencyTTL = 30 * time.Second
	minDispatchPoll   = 50 * time.Millisecond
	minSweepInterval  = 100 * time.Millisecond
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	InstanceID  string

	DBBackend DatabaseBackend
	DBDSN     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	// Allow the in-process cache when Redis cannot be reached at startup.
	CacheAllowMemoryFallback bool

	NATSURL            string
	StreamName         string
	AckDurable         string
	MeasurementSubject string

	HTTPBind    string
	HTTPPort    int
	AdminJWTKey string

	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	LeaderElectionEnabled bool

	Scheduler SchedulerConfig

	LegacyEnvWarnings []string
}

// SchedulerConfig holds the command lifecycle tuning knobs.
type SchedulerConfig struct {
	EnablePlanner             bool
	EnableDispatcher          bool
	EnableAckConsumer         bool
	EnableTimeoutSweeper      bool
	EnableMeasurementListener bool

	AckTimeout     time.Duration
	MaxConcurrency int
	IdempotencyTTL time.Duration

	PlannerInterval   time.Duration
	PlannerBatchSize  int
	PlannerOffGrace   time.Duration
	MeasurementMaxAge time.Duration
	RecordSkips       bool

	DispatchBatchSize        int
	DispatchPoll             time.Duration
	DispatchMaxRetry         int
	DispatchRetryBackoff     time.Duration
	DispatchRetryJitter      time.Duration
	MaxInflightPerController int

	SweeperInterval  time.Duration
	SweeperBatchSize int
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	streamName := getEnvAny([]string{"SCHEDULER_STREAM_NAME", "STREAM_NAME"}, "device_communication")

	cfg := &Config{
		Environment: getEnvAny([]string{"SCHEDULER_ENV", "ENV"}, "development"),
		InstanceID:  getEnvAny([]string{"SCHEDULER_INSTANCE_ID", "HOSTNAME"}, ""),

		DBBackend: DatabaseBackend(getEnvAny([]string{"SCHEDULER_DB_BACKEND"}, string(DatabasePostgres))),
		DBDSN:     getEnvAny([]string{"SCHEDULER_DB_DSN", "DATABASE_URL_OVERRIDE"}, ""),

		RedisAddr:                getEnvAny([]string{"SCHEDULER_REDIS_ADDR"}, redisAddrFromParts()),
		RedisPassword:            getEnvAny([]string{"SCHEDULER_REDIS_PASSWORD", "REDIS_PASSWORD"}, ""),
		RedisDB:                  getEnvIntAny([]string{"SCHEDULER_REDIS_DB", "REDIS_DB"}, 0),
		RedisPrefix:              getEnvAny([]string{"SCHEDULER_REDIS_PREFIX"}, "smart-schedulers"),
		CacheAllowMemoryFallback: getEnvBoolAny([]string{"SCHEDULER_CACHE_ALLOW_MEMORY_FALLBACK"}, false),

		NATSURL:            getEnvAny([]string{"SCHEDULER_NATS_URL", "NATS_URL"}, "nats://localhost:4222"),
		StreamName:         streamName,
		AckDurable:         getEnvAny([]string{"SCHEDULER_ACK_DURABLE"}, "smart-schedulers-ack"),
		MeasurementSubject: getEnvAny([]string{"SCHEDULER_MEASUREMENT_SUBJECT"}, streamName+".*.event.PROVIDER_MEASUREMENT"),

		HTTPBind:          getEnvAny([]string{"SCHEDULER_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:          getEnvIntAny([]string{"SCHEDULER_HTTP_PORT"}, 8090),
		AdminJWTKey:       getEnvAny([]string{"SCHEDULER_ADMIN_JWT_KEY"}, ""),
		TracingEnabled:    getEnvBoolAny([]string{"SCHEDULER_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"SCHEDULER_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"SCHEDULER_TRACING_SAMPLE_RATE"}, 1.0),

		LeaderElectionEnabled: getEnvBoolAny([]string{"SCHEDULER_LEADER_ELECTION_ENABLED"}, false),

		Scheduler: SchedulerConfig{
			EnablePlanner:             getEnvBoolAny([]string{"SCHEDULER_ENABLE_PLANNER"}, true),
			EnableDispatcher:          getEnvBoolAny([]string{"SCHEDULER_ENABLE_DISPATCHER"}, true),
			EnableAckConsumer:         getEnvBoolAny([]string{"SCHEDULER_ENABLE_ACK_CONSUMER"}, true),
			EnableTimeoutSweeper:      getEnvBoolAny([]string{"SCHEDULER_ENABLE_TIMEOUT_SWEEPER"}, true),
			EnableMeasurementListener: getEnvBoolAny([]string{"SCHEDULER_ENABLE_MEASUREMENT_LISTENER"}, true),

			AckTimeout:     seconds(getEnvFloatAny([]string{"SCHEDULER_ACK_TIMEOUT_SEC"}, 10)),
			MaxConcurrency: getEnvIntAny([]string{"SCHEDULER_MAX_CONCURRENCY"}, 25),
			IdempotencyTTL: seconds(getEnvFloatAny([]string{"SCHEDULER_IDEMPOTENCY_TTL_SEC"}, 120)),

			PlannerInterval:   seconds(getEnvFloatAny([]string{"SCHEDULER_PLANNER_INTERVAL_SEC"}, 60)),
			PlannerBatchSize:  getEnvIntAny([]string{"SCHEDULER_PLANNER_BATCH_SIZE"}, 200),
			PlannerOffGrace:   seconds(getEnvFloatAny([]string{"SCHEDULER_PLANNER_OFF_GRACE_SEC"}, 300)),
			MeasurementMaxAge: seconds(getEnvFloatAny([]string{"SCHEDULER_MEASUREMENT_MAX_AGE_SEC"}, 30)),
			RecordSkips:       getEnvBoolAny([]string{"SCHEDULER_RECORD_SKIPS"}, false),

			DispatchBatchSize:        getEnvIntAny([]string{"SCHEDULER_DISPATCH_BATCH_SIZE"}, 50),
			DispatchPoll:             seconds(getEnvFloatAny([]string{"SCHEDULER_DISPATCH_POLL_SEC"}, 1)),
			DispatchMaxRetry:         getEnvIntAny([]string{"SCHEDULER_DISPATCH_MAX_RETRY"}, 3),
			DispatchRetryBackoff:     seconds(getEnvFloatAny([]string{"SCHEDULER_DISPATCH_RETRY_BACKOFF_SEC"}, 2)),
			DispatchRetryJitter:      seconds(getEnvFloatAny([]string{"SCHEDULER_DISPATCH_RETRY_JITTER_SEC"}, 1)),
			MaxInflightPerController: getEnvIntAny([]string{"SCHEDULER_MAX_INFLIGHT_PER_MICROCONTROLLER"}, 1),

			SweeperInterval:  seconds(getEnvFloatAny([]string{"SCHEDULER_TIMEOUT_SWEEPER_INTERVAL_SEC"}, 2)),
			SweeperBatchSize: getEnvIntAny([]string{"SCHEDULER_TIMEOUT_SWEEPER_BATCH_SIZE"}, 100),
		},
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" && cfg.DBBackend == DatabasePostgres {
		cfg.DBDSN = postgresDSNFromParts()
	}
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("SCHEDULER_DB_DSN, DATABASE_URL_OVERRIDE or POSTGRES_HOST must be provided")
	}

	if strings.TrimSpace(cfg.RedisPrefix) == "" {
		return nil, fmt.Errorf("SCHEDULER_REDIS_PREFIX must not be empty")
	}
	if cfg.StreamName == "" || strings.ContainsAny(cfg.StreamName, " *>") {
		return nil, fmt.Errorf("invalid STREAM_NAME %q", cfg.StreamName)
	}
	if cfg.Scheduler.MaxConcurrency < 1 {
		return nil, fmt.Errorf("SCHEDULER_MAX_CONCURRENCY must be at least 1, got %d", cfg.Scheduler.MaxConcurrency)
	}
	if cfg.Scheduler.DispatchMaxRetry < 0 {
		return nil, fmt.Errorf("SCHEDULER_DISPATCH_MAX_RETRY must not be negative, got %d", cfg.Scheduler.DispatchMaxRetry)
	}
	if cfg.TracingSampleRate < 0 || cfg.TracingSampleRate > 1 {
		return nil, fmt.Errorf("SCHEDULER_TRACING_SAMPLE_RATE must be within [0,1], got %v", cfg.TracingSampleRate)
	}

	if strings.EqualFold(cfg.Environment, "production") && len(cfg.AdminJWTKey) > 0 && len(cfg.AdminJWTKey) < 32 {
		return nil, fmt.Errorf("SCHEDULER_ADMIN_JWT_KEY must be at least 32 bytes in production")
	}

	cfg.Scheduler.Clamp()
	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

// AnyTransportWorker reports whether a worker that needs the message transport is enabled.
func (c *Config) AnyTransportWorker() bool {
	s := c.Scheduler
	return s.EnableDispatcher || s.EnableAckConsumer || s.EnableMeasurementListener
}

// Clamp pulls tuning values up to their operational floors.
func (s *SchedulerConfig) Clamp() {
	if s.MaxConcurrency < 1 {
		s.MaxConcurrency = 1
	}
	if s.AckTimeout < time.Second {
		s.AckTimeout = time.Second
	}
	if s.IdempotencyTTL < minIdempotencyTTL {
		s.IdempotencyTTL = minIdempotencyTTL
	}
	if s.PlannerInterval < time.Second {
		s.PlannerInterval = time.Second
	}
	if s.PlannerBatchSize < 1 {
		s.PlannerBatchSize = 1
	}
	if s.PlannerOffGrace < 0 {
		s.PlannerOffGrace = 0
	}
	if s.MeasurementMaxAge <= 0 {
		s.MeasurementMaxAge = 30 * time.Second
	}
	if s.DispatchBatchSize < 1 {
		s.DispatchBatchSize = 1
	}
	if s.DispatchPoll < minDispatchPoll {
		s.DispatchPoll = minDispatchPoll
	}
	if s.DispatchRetryBackoff < 0 {
		s.DispatchRetryBackoff = 0
	}
	if s.DispatchRetryJitter < 0 {
		s.DispatchRetryJitter = 0
	}
	if s.MaxInflightPerController < 1 {
		s.MaxInflightPerController = 1
	}
	if s.SweeperInterval < minSweepInterval {
		s.SweeperInterval = minSweepInterval
	}
	if s.SweeperBatchSize < 1 {
		s.SweeperBatchSize = 1
	}
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"REDIS_URL":             "use SCHEDULER_REDIS_ADDR (or REDIS_HOST and REDIS_PORT)",
		"LOG_DIR":               "file logging was removed; logs are written to stdout",
		"SCHEDULER_ACK_TIMEOUT": "use SCHEDULER_ACK_TIMEOUT_SEC",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

func redisAddrFromParts() string {
	return net.JoinHostPort(getEnv("REDIS_HOST", "localhost"), strconv.Itoa(getEnvInt("REDIS_PORT", 6379)))
}

// postgresDSNFromParts builds a URL DSN from the POSTGRES_* keys, or "" when no host is set.
func postgresDSNFromParts() string {
	host := getEnv("POSTGRES_HOST", "")
	if host == "" {
		return ""
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(getEnv("POSTGRES_USER", "postgres"), getEnv("POSTGRES_PASSWORD", "")),
		Host:     net.JoinHostPort(host, strconv.Itoa(getEnvInt("POSTGRES_PORT", 5432))),
		Path:     "/" + getEnv("POSTGRES_NAME", "postgres"),
		RawQuery: "sslmode=" + getEnv("POSTGRES_SSLMODE", "disable"),
	}
	return u.String()
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
