package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tiletimeline/internal/auth"
	"github.com/friendsincode/tiletimeline/internal/config"
	"github.com/friendsincode/tiletimeline/internal/logbuffer"
)

const testSigningKey = "server-test-signing-key"

func newTestServer(t *testing.T, contentDir string) *Server {
	t.Helper()

	cfg := &config.Config{
		Environment:     "development",
		HTTPBind:        "127.0.0.1",
		HTTPPort:        0,
		DBBackend:       config.DatabaseSQLite,
		DBDSN:           filepath.Join(t.TempDir(), "tiles.db"),
		JWTSigningKey:   testSigningKey,
		HistoryCapacity: 32,
		ContentDir:      contentDir,
		EventBus:        config.EventBusMemory,
		InstanceID:      "instance-a",
	}

	srv, err := New(cfg, logbuffer.New(100), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func TestHealthzReportsInstance(t *testing.T) {
	srv := newTestServer(t, "")

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["instance_id"] != "instance-a" {
		t.Fatalf("unexpected health body: %v", body)
	}
	if _, ok := body["leader"]; ok {
		t.Fatalf("leader status reported without leader election: %v", body)
	}
}

func TestMetricsServedOnRouter(t *testing.T) {
	srv := newTestServer(t, "")

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestContentDirectoryIsPublished(t *testing.T) {
	dir := t.TempDir()
	doc := "entries:\n  - payload: sunny\n"
	if err := os.WriteFile(filepath.Join(dir, "weather.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatalf("write document: %v", err)
	}

	srv := newTestServer(t, dir)

	token, err := auth.Issue([]byte(testSigningKey), auth.Claims{ClientID: "test", Scopes: []string{auth.ScopeRead}}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tiles/weather/active", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		if rr.Code == http.StatusOK {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("tile from content directory never became active: %d %s", rr.Code, rr.Body.String())
		}
		time.Sleep(25 * time.Millisecond)
	}
}
