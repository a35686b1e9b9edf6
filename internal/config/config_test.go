package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadReadsCriticalEnvKeys(t *testing.T) {
	t.Setenv("TILETIMELINE_JWT_SIGNING_KEY", "supersecret")
	t.Setenv("TILETIMELINE_ENV", "development")
	t.Setenv("TILETIMELINE_MIN_UPDATE_DELAY_MS", "1500")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBBackend != DatabaseSQLite || cfg.DBDSN != "tiletimeline.db" {
		t.Fatalf("unexpected db defaults: %s %q", cfg.DBBackend, cfg.DBDSN)
	}
	if cfg.JWTSigningKey != "supersecret" {
		t.Fatalf("unexpected jwt signing key: %q", cfg.JWTSigningKey)
	}
	if cfg.MinUpdateDelay != 1500*time.Millisecond {
		t.Fatalf("MinUpdateDelay = %v", cfg.MinUpdateDelay)
	}
	if cfg.EventBus != EventBusMemory {
		t.Fatalf("EventBus = %q", cfg.EventBus)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "missing signing key",
			env:  map[string]string{},
		},
		{
			name: "unknown backend",
			env: map[string]string{
				"TILETIMELINE_JWT_SIGNING_KEY": "k",
				"TILETIMELINE_DB_BACKEND":      "oracle",
			},
		},
		{
			name: "postgres without dsn",
			env: map[string]string{
				"TILETIMELINE_JWT_SIGNING_KEY": "k",
				"TILETIMELINE_DB_BACKEND":      "postgres",
			},
		},
		{
			name: "unknown event bus",
			env: map[string]string{
				"TILETIMELINE_JWT_SIGNING_KEY": "k",
				"TILETIMELINE_EVENT_BUS":       "kafka",
			},
		},
		{
			name: "short production key",
			env: map[string]string{
				"TILETIMELINE_JWT_SIGNING_KEY": "short",
				"TILETIMELINE_ENV":             "production",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TILETIMELINE_JWT_SIGNING_KEY", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected Load to fail")
			}
		})
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiletimeline.yaml")
	content := []byte("jwt_signing_key: from-file\nhttp_port: 9090\nevent_bus: nats\ncache_enabled: true\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("TILETIMELINE_CONFIG_FILE", path)
	t.Setenv("TILETIMELINE_HTTP_PORT", "7070")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.JWTSigningKey != "from-file" {
		t.Errorf("JWTSigningKey = %q, want value from file", cfg.JWTSigningKey)
	}
	if cfg.HTTPPort != 7070 {
		t.Errorf("HTTPPort = %d, env must win over the file", cfg.HTTPPort)
	}
	if cfg.EventBus != EventBusNATS || !cfg.CacheEnabled {
		t.Errorf("overlay not applied: bus=%q cache=%v", cfg.EventBus, cfg.CacheEnabled)
	}
}

func TestLoadAWSAliases(t *testing.T) {
	t.Setenv("TILETIMELINE_JWT_SIGNING_KEY", "k")
	t.Setenv("AWS_REGION", "eu-west-1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.S3Region != "eu-west-1" {
		t.Fatalf("S3Region = %q", cfg.S3Region)
	}
}
