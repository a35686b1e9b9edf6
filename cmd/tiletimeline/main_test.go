package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const weatherDoc = `tile: weather
entries:
  - payload: sunny
  - payload: {text: storm warning}
    validity:
      start: 1700003600000
      end: 1700007200000
`

func writeDoc(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestWriteInspection(t *testing.T) {
	rev, err := loadRevision(writeDoc(t, "weather.yaml", weatherDoc))
	if err != nil {
		t.Fatalf("loadRevision: %v", err)
	}
	ix, err := rev.Document.Index()
	if err != nil {
		t.Fatalf("Index: %v", err)
	}

	var out bytes.Buffer
	if err := writeInspection(&out, rev.TileID, ix, 1700004000000, 1700000000000, 1700010000000); err != nil {
		t.Fatalf("writeInspection: %v", err)
	}

	var active, next []string
	var transitions [][]string
	inTransitions := false
	for _, line := range strings.Split(out.String(), "\n") {
		fields := strings.Fields(line)
		switch {
		case len(fields) == 0:
			continue
		case fields[0] == "TRANSITIONS":
			inTransitions = true
		case inTransitions:
			transitions = append(transitions, fields)
		case strings.HasPrefix(line, "active at"):
			active = fields
		case strings.HasPrefix(line, "next change"):
			next = fields
		}
	}

	if len(active) == 0 || active[len(active)-1] != "1" {
		t.Fatalf("active line = %v, want entry 1\n%s", active, out.String())
	}
	if len(next) == 0 || next[len(next)-1] != "2023-11-15T00:13:20Z" {
		t.Fatalf("next change = %v\n%s", next, out.String())
	}

	want := [][]string{
		{"2023-11-14T22:13:20Z", "0"},
		{"2023-11-14T23:13:20Z", "1"},
		{"2023-11-15T00:13:20Z", "0"},
	}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if strings.Join(transitions[i], " ") != strings.Join(want[i], " ") {
			t.Fatalf("transition %d = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestLoadRevisionFallsBackToFileName(t *testing.T) {
	rev, err := loadRevision(writeDoc(t, "steps.yaml", "entries:\n  - payload: walk\n"))
	if err != nil {
		t.Fatalf("loadRevision: %v", err)
	}
	if rev.TileID != "steps" {
		t.Fatalf("TileID = %q, want steps", rev.TileID)
	}
}

func TestLoadRevisionRejectsInvertedInterval(t *testing.T) {
	doc := "entries:\n  - payload: x\n    validity:\n      start: 2000\n      end: 1000\n"
	if _, err := loadRevision(writeDoc(t, "bad.yaml", doc)); err == nil {
		t.Fatal("expected inverted interval to be rejected")
	}
}

func TestValidateCommand(t *testing.T) {
	path := writeDoc(t, "weather.yaml", weatherDoc)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"validate", path})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out.String(), "ok (tile weather, 2 entries, yaml)") {
		t.Fatalf("unexpected output %q", out.String())
	}
}
