package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/calder93/kiln/internal/tensor"
)

// MismatchError reports every way a loaded parameter set disagrees with the
// model. It is fatal: no parameter is modified when it is returned.
type MismatchError struct {
	Missing    []string // parameters the model has but the state lacks
	Unexpected []string // entries the state has but the model lacks
	Shape      []string // entries present on both sides with differing shapes
}

func (e *MismatchError) Error() string {
	var b strings.Builder
	b.WriteString("model: state mismatch")
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, "; missing: %s", strings.Join(e.Missing, ", "))
	}
	if len(e.Unexpected) > 0 {
		fmt.Fprintf(&b, "; unexpected: %s", strings.Join(e.Unexpected, ", "))
	}
	if len(e.Shape) > 0 {
		fmt.Fprintf(&b, "; shape mismatch: %s", strings.Join(e.Shape, ", "))
	}
	return b.String()
}

// InferConfig reconstructs a model configuration from checkpoint shapes.
// The head count is not recoverable from the weights and must be supplied.
func InferConfig(sd map[string]tensor.Mat, numHeads int) (Config, error) {
	wte, ok := sd["wte"]
	if !ok {
		return Config{}, fmt.Errorf("model: state has no wte tensor")
	}
	wpe, ok := sd["wpe"]
	if !ok {
		return Config{}, fmt.Errorf("model: state has no wpe tensor")
	}
	layers := 0
	for {
		if _, ok := sd[fmt.Sprintf("h.%d.ln1.gamma", layers)]; !ok {
			break
		}
		layers++
	}
	cfg := Config{
		VocabSize: wte.R,
		MaxSeq:    wpe.R,
		EmbedDim:  wte.C,
		NumLayers: layers,
		NumHeads:  numHeads,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// StateDict returns views of every parameter keyed by name. Names do not
// depend on device placement, so sharded and unsharded checkpoints are
// interchangeable.
func (m *Model) StateDict() map[string]tensor.Mat {
	out := make(map[string]tensor.Mat)
	for _, p := range m.Params() {
		out[p.Name] = p.W
	}
	return out
}

// LoadStateDict copies sd into the model's parameters. It validates the
// complete set first and returns a MismatchError naming every missing,
// unexpected or mis-shaped entry without modifying anything.
func (m *Model) LoadStateDict(sd map[string]tensor.Mat) error {
	params := m.Params()

	var mismatch MismatchError
	byName := make(map[string]*Param, len(params))
	for _, p := range params {
		byName[p.Name] = p
		entry, ok := sd[p.Name]
		if !ok {
			mismatch.Missing = append(mismatch.Missing, p.Name)
			continue
		}
		if entry.R != p.W.R || entry.C != p.W.C {
			mismatch.Shape = append(mismatch.Shape,
				fmt.Sprintf("%s (have %dx%d, want %dx%d)", p.Name, entry.R, entry.C, p.W.R, p.W.C))
		}
	}
	for name := range sd {
		if _, ok := byName[name]; !ok {
			mismatch.Unexpected = append(mismatch.Unexpected, name)
		}
	}
	if len(mismatch.Missing)+len(mismatch.Unexpected)+len(mismatch.Shape) > 0 {
		sort.Strings(mismatch.Missing)
		sort.Strings(mismatch.Unexpected)
		sort.Strings(mismatch.Shape)
		return &mismatch
	}

	for _, p := range params {
		copy(p.W.Data, sd[p.Name].Data)
	}
	return nil
}
