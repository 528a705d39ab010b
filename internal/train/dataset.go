// Package train drives fine-tuning: it loads prompt/text corpora, composes
// them into training sequences, and runs the epoch loop with periodic
// held-out evaluation and sampled generations.
package train

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"

	"github.com/calder93/kiln/internal/tokenizer"
)

// SepMarker joins an example's prompt and text in a composed training
// sequence.
const SepMarker = " [SEP] "

// Example is one training record: a prompt, its completion text, and the
// token ids of the composed sequence once BuildDataset has run.
type Example struct {
	Prompt string `json:"prompt"`
	Text   string `json:"text"`

	Tokens []int `json:"-"`
}

// Compose returns the training sequence for an example: the prompt, the
// separator, the text and the end-of-text marker.
func Compose(ex Example) string {
	return ex.Prompt + SepMarker + ex.Text + " " + tokenizer.EndOfText
}

// Encoder is the tokenizer surface the dataset builder needs.
type Encoder interface {
	Encode(text string) ([]int, error)
}

// LoadJSONL reads one JSON object per line, skipping blank lines. Records
// with an empty text field are rejected.
func LoadJSONL(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("train: opening dataset: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []Example
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var ex Example
		if err := json.Unmarshal([]byte(raw), &ex); err != nil {
			return nil, fmt.Errorf("train: %s:%d: %w", path, line, err)
		}
		if ex.Text == "" {
			return nil, fmt.Errorf("train: %s:%d: empty text field", path, line)
		}
		out = append(out, ex)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("train: reading %s: %w", path, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("train: %s holds no examples", path)
	}
	return out, nil
}

// BuildDataset tokenizes every example's composed sequence, truncating to
// maxSeq tokens. Examples that tokenize to fewer than two tokens cannot
// form a prediction target and are rejected.
func BuildDataset(enc Encoder, examples []Example, maxSeq int) ([]Example, error) {
	if maxSeq < 2 {
		return nil, fmt.Errorf("train: max sequence length must be at least 2, got %d", maxSeq)
	}
	out := make([]Example, 0, len(examples))
	for i, ex := range examples {
		ids, err := enc.Encode(Compose(ex))
		if err != nil {
			return nil, fmt.Errorf("train: example %d: %w", i, err)
		}
		if len(ids) > maxSeq {
			ids = ids[:maxSeq]
		}
		if len(ids) < 2 {
			return nil, fmt.Errorf("train: example %d tokenizes to %d tokens", i, len(ids))
		}
		ex.Tokens = ids
		out = append(out, ex)
	}
	return out, nil
}

// Fingerprint hashes the composed text of every example, in order. Two
// datasets with the same fingerprint train on the same sequences.
func Fingerprint(examples []Example) uint64 {
	h := xxhash.New()
	for _, ex := range examples {
		_, _ = h.WriteString(Compose(ex))
		_, _ = h.WriteString("\n")
	}
	return h.Sum64()
}
