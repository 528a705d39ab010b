package train

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func TestNewRunLayout(t *testing.T) {
	root := t.TempDir()
	r, err := NewRun(root, "poet")
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	if r.Dir != filepath.Join(root, "poet_runs") {
		t.Fatalf("run dir = %s", r.Dir)
	}
	for _, d := range []string{"models", "generations"} {
		if st, err := os.Stat(filepath.Join(r.Dir, d)); err != nil || !st.IsDir() {
			t.Fatalf("missing run subdirectory %s", d)
		}
	}
	if r.ID == "" {
		t.Fatal("run has no id")
	}

	if _, err := NewRun(root, "poet"); err == nil {
		t.Fatal("expected error re-creating an existing run")
	}
	if _, err := NewRun(root, ""); err == nil {
		t.Fatal("expected error for empty label")
	}
}

func TestRunPaths(t *testing.T) {
	r, err := NewRun(t.TempDir(), "poet")
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	if got := r.ModelPath("best"); got != filepath.Join(r.Dir, "models", "best.safetensors") {
		t.Fatalf("ModelPath = %s", got)
	}
	if got := r.GenerationsPath(40); got != filepath.Join(r.Dir, "generations", "step40.txt") {
		t.Fatalf("GenerationsPath = %s", got)
	}
}

func TestRunLogAppends(t *testing.T) {
	r, err := NewRun(t.TempDir(), "poet")
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	if err := r.LogLine("step=%d loss=%.2f", 1, 2.5); err != nil {
		t.Fatalf("LogLine: %v", err)
	}
	if err := r.LogLine("step=%d loss=%.2f", 2, 2.1); err != nil {
		t.Fatalf("LogLine: %v", err)
	}
	raw, err := os.ReadFile(r.LogPath())
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], "step=2") {
		t.Fatalf("log = %q", string(raw))
	}
}

func TestRunManifest(t *testing.T) {
	r, err := NewRun(t.TempDir(), "poet")
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	if err := r.WriteManifest(0xdeadbeef); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(r.Dir, "manifest.json"))
	if err != nil {
		t.Fatal(err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("parsing manifest: %v", err)
	}
	if m.ID != r.ID || m.Label != "poet" {
		t.Fatalf("manifest = %+v", m)
	}
	if m.Fingerprint != "00000000deadbeef" {
		t.Fatalf("fingerprint = %s", m.Fingerprint)
	}
}

func TestWriteGenerations(t *testing.T) {
	r, err := NewRun(t.TempDir(), "poet")
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	if err := r.WriteGenerations(40, []string{"one", "two"}); err != nil {
		t.Fatalf("WriteGenerations: %v", err)
	}
	raw, err := os.ReadFile(r.GenerationsPath(40))
	if err != nil {
		t.Fatal(err)
	}
	if got := string(raw); got != "one\n----\ntwo\n" {
		t.Fatalf("generations = %q", got)
	}
}
