package train

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Run is one fine-tuning run's directory: <root>/<label>_runs with a
// models/ directory for checkpoints, a generations/ directory for sampled
// text, a manifest and an append-only log.
type Run struct {
	ID    string
	Label string
	Dir   string
}

// Manifest records the identity of a run.
type Manifest struct {
	ID          string    `json:"id"`
	Label       string    `json:"label"`
	CreatedAt   time.Time `json:"created_at"`
	Fingerprint string    `json:"dataset_fingerprint,omitempty"`
}

// NewRun creates the run directory tree and writes its manifest. The
// directory must not already exist; a stale run is never overwritten.
func NewRun(root, label string) (*Run, error) {
	if label == "" {
		return nil, fmt.Errorf("train: empty run label")
	}
	dir := filepath.Join(root, label+"_runs")
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("train: run directory %s already exists", dir)
	}
	for _, d := range []string{dir, filepath.Join(dir, "models"), filepath.Join(dir, "generations")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("train: creating run directory: %w", err)
		}
	}

	r := &Run{ID: uuid.NewString(), Label: label, Dir: dir}
	return r, nil
}

// WriteManifest records the run's identity and dataset fingerprint.
func (r *Run) WriteManifest(fingerprint uint64) error {
	m := Manifest{
		ID:          r.ID,
		Label:       r.Label,
		CreatedAt:   time.Now().UTC(),
		Fingerprint: fmt.Sprintf("%016x", fingerprint),
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("train: encoding manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(r.Dir, "manifest.json"), append(raw, '\n'), 0o644)
}

// ModelPath returns the checkpoint path for a named snapshot, e.g. "best".
func (r *Run) ModelPath(name string) string {
	return filepath.Join(r.Dir, "models", name+".safetensors")
}

// GenerationsPath returns the sample file for an evaluation step.
func (r *Run) GenerationsPath(step int) string {
	return filepath.Join(r.Dir, "generations", fmt.Sprintf("step%d.txt", step))
}

// LogPath returns the run's text log.
func (r *Run) LogPath() string {
	return filepath.Join(r.Dir, "log.txt")
}

// LogLine appends one formatted line to the run log.
func (r *Run) LogLine(format string, args ...any) error {
	f, err := os.OpenFile(r.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("train: opening run log: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := fmt.Fprintf(f, format+"\n", args...); err != nil {
		return fmt.Errorf("train: writing run log: %w", err)
	}
	return nil
}

// WriteGenerations stores sampled continuations for an evaluation step,
// one block per sample.
func (r *Run) WriteGenerations(step int, samples []string) error {
	f, err := os.Create(r.GenerationsPath(step))
	if err != nil {
		return fmt.Errorf("train: creating generations file: %w", err)
	}
	defer func() { _ = f.Close() }()
	for i, s := range samples {
		if i > 0 {
			if _, err := fmt.Fprintln(f, "----"); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(f, s); err != nil {
			return err
		}
	}
	return nil
}
