/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "TILETIMELINE_"

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Event bus selection.
type EventBusBackend string

const (
	EventBusMemory EventBusBackend = "memory"
	EventBusRedis  EventBusBackend = "redis"
	EventBusNATS   EventBusBackend = "nats"
)

// Config covers process level configuration read from environment variables,
// optionally layered over a YAML file named by TILETIMELINE_CONFIG_FILE.
type Config struct {
	Environment   string
	HTTPBind      string
	HTTPPort      int
	DBBackend     DatabaseBackend
	DBDSN         string
	JWTSigningKey string
	MetricsBind   string
	ConfigFile    string

	// Scheduling
	MinUpdateDelay  time.Duration // negative disables rate limiting
	HistoryCapacity int

	// Content suppliers
	ContentDir     string
	S3Bucket       string
	S3Prefix       string
	S3Region       string
	S3Endpoint     string // S3-compatible services (MinIO, Spaces)
	S3UsePathStyle bool   // Required for MinIO
	S3AccessKeyID  string
	S3SecretKey    string
	S3PollInterval time.Duration

	// Cache
	CacheEnabled bool
	CacheTTL     time.Duration

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Multi-instance configuration
	EventBus              EventBusBackend
	NATSURL               string
	NATSToken             string
	LeaderElectionEnabled bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	InstanceID            string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	src := source{}
	if path := os.Getenv(envPrefix + "CONFIG_FILE"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}

	cfg := &Config{
		Environment:   src.str("ENV", "development"),
		HTTPBind:      src.str("HTTP_BIND", "0.0.0.0"),
		HTTPPort:      src.int("HTTP_PORT", 8080),
		DBBackend:     DatabaseBackend(src.str("DB_BACKEND", string(DatabaseSQLite))),
		DBDSN:         src.str("DB_DSN", ""),
		JWTSigningKey: src.str("JWT_SIGNING_KEY", ""),
		MetricsBind:   src.str("METRICS_BIND", ""),
		ConfigFile:    os.Getenv(envPrefix + "CONFIG_FILE"),

		MinUpdateDelay:  time.Duration(src.int("MIN_UPDATE_DELAY_MS", 60000)) * time.Millisecond,
		HistoryCapacity: src.int("HISTORY_CAPACITY", 256),

		ContentDir:     src.str("CONTENT_DIR", ""),
		S3Bucket:       src.str("S3_BUCKET", ""),
		S3Prefix:       src.str("S3_PREFIX", "timelines/"),
		S3Region:       src.str("S3_REGION", "us-east-1", "AWS_REGION"),
		S3Endpoint:     src.str("S3_ENDPOINT", ""),
		S3UsePathStyle: src.bool("S3_USE_PATH_STYLE", false),
		S3AccessKeyID:  src.str("S3_ACCESS_KEY_ID", "", "AWS_ACCESS_KEY_ID"),
		S3SecretKey:    src.str("S3_SECRET_ACCESS_KEY", "", "AWS_SECRET_ACCESS_KEY"),
		S3PollInterval: time.Duration(src.int("S3_POLL_INTERVAL_SECONDS", 30)) * time.Second,

		CacheEnabled: src.bool("CACHE_ENABLED", false),
		CacheTTL:     time.Duration(src.int("CACHE_TTL_SECONDS", 300)) * time.Second,

		TracingEnabled:    src.bool("TRACING_ENABLED", false),
		OTLPEndpoint:      src.str("OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: src.float("TRACING_SAMPLE_RATE", 1.0),

		EventBus:              EventBusBackend(src.str("EVENT_BUS", string(EventBusMemory))),
		NATSURL:               src.str("NATS_URL", "nats://127.0.0.1:4222"),
		NATSToken:             src.str("NATS_TOKEN", ""),
		LeaderElectionEnabled: src.bool("LEADER_ELECTION_ENABLED", false),
		RedisAddr:             src.str("REDIS_ADDR", "localhost:6379"),
		RedisPassword:         src.str("REDIS_PASSWORD", ""),
		RedisDB:               src.int("REDIS_DB", 0),
		InstanceID:            src.str("INSTANCE_ID", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that have no usable default.
func (c *Config) Validate() error {
	switch c.DBBackend {
	case DatabasePostgres, DatabaseMySQL, DatabaseSQLite:
	default:
		return fmt.Errorf("unsupported database backend %q", c.DBBackend)
	}

	if c.DBDSN == "" {
		if c.DBBackend != DatabaseSQLite {
			return fmt.Errorf("%sDB_DSN must be provided for %s", envPrefix, c.DBBackend)
		}
		c.DBDSN = "tiletimeline.db"
	}

	if c.JWTSigningKey == "" {
		return fmt.Errorf("%sJWT_SIGNING_KEY must be provided", envPrefix)
	}

	switch c.EventBus {
	case EventBusMemory, EventBusRedis, EventBusNATS:
	default:
		return fmt.Errorf("unsupported event bus %q", c.EventBus)
	}

	if c.S3Bucket != "" && c.S3PollInterval <= 0 {
		return fmt.Errorf("%sS3_POLL_INTERVAL_SECONDS must be positive", envPrefix)
	}

	if strings.EqualFold(c.Environment, "production") && len(c.JWTSigningKey) < 32 {
		return fmt.Errorf("%sJWT_SIGNING_KEY must be at least 32 bytes in production", envPrefix)
	}

	return nil
}

// IsDevelopment reports whether the process runs in development mode.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// source resolves a setting from the environment, then the YAML overlay.
// Overlay keys are the lower-cased env names without the prefix, so
// TILETIMELINE_HTTP_PORT is http_port in the file.
type source struct {
	file map[string]string
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		out[strings.ToLower(k)] = fmt.Sprint(v)
	}
	return out, nil
}

func (s source) lookup(key string, aliases ...string) (string, bool) {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v, true
	}
	for _, alias := range aliases {
		if v := os.Getenv(alias); v != "" {
			return v, true
		}
	}
	if v, ok := s.file[strings.ToLower(key)]; ok && v != "" {
		return v, true
	}
	return "", false
}

func (s source) str(key, def string, aliases ...string) string {
	if v, ok := s.lookup(key, aliases...); ok {
		return v
	}
	return def
}

func (s source) int(key string, def int, aliases ...string) int {
	if v, ok := s.lookup(key, aliases...); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return def
}

func (s source) bool(key string, def bool, aliases ...string) bool {
	v, ok := s.lookup(key, aliases...)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return def
}

func (s source) float(key string, def float64, aliases ...string) float64 {
	if v, ok := s.lookup(key, aliases...); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return parsed
		}
	}
	return def
}
