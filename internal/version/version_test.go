package version

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.2.3", "1.2.3", 0},
		{"1.2.3", "1.2.4", -1},
		{"v2.0.0", "1.9.9", 1},
		{"0.3.0", "0.10.0", -1},
		{"1.0.0-rc1", "1.0.0", 0},
		{"1.2", "1.2.0", 0},
	}
	for _, tt := range tests {
		if got := compareVersions(tt.a, tt.b); got != tt.want {
			t.Errorf("compareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestTruncateNotes(t *testing.T) {
	if got := truncateNotes("first line\nsecond", 200); got != "first line" {
		t.Fatalf("got %q", got)
	}
	if got := truncateNotes(strings.Repeat("x", 20), 10); got != "xxxxxxx..." {
		t.Fatalf("got %q", got)
	}
}

func TestCheckerCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("User-Agent"), "tiletimeline/") {
			t.Errorf("unexpected User-Agent %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tag_name":"v99.0.0","html_url":"https://example.test/r","body":"Big release\nmore"}`))
	}))
	defer srv.Close()

	c := NewChecker(zerolog.Nop())
	c.releasesURL = srv.URL

	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	info := c.Info()
	if !info.UpdateAvailable || info.LatestVersion != "99.0.0" || info.ReleaseNotes != "Big release" {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestCheckerCheckBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewChecker(zerolog.Nop())
	c.releasesURL = srv.URL
	if err := c.Check(context.Background()); err == nil {
		t.Fatal("expected error for non-200 response")
	}
	if info := c.Info(); info.UpdateAvailable || info.CurrentVersion != Version {
		t.Fatalf("info changed after failed check: %+v", info)
	}
}
