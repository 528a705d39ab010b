package model

import (
	"math"
	"testing"

	"github.com/calder93/kiln/internal/tensor"
)

func testConfig() Config {
	return Config{
		VocabSize: 11,
		MaxSeq:    8,
		EmbedDim:  8,
		NumLayers: 2,
		NumHeads:  2,
	}
}

func testModel(t *testing.T) *Model {
	t.Helper()
	m, err := New(testConfig(), 42)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"zero vocab", func(c *Config) { c.VocabSize = 0 }},
		{"short context", func(c *Config) { c.MaxSeq = 1 }},
		{"zero embed", func(c *Config) { c.EmbedDim = 0 }},
		{"zero layers", func(c *Config) { c.NumLayers = 0 }},
		{"zero heads", func(c *Config) { c.NumHeads = 0 }},
		{"indivisible heads", func(c *Config) { c.NumHeads = 3 }},
	}
	for _, tc := range tests {
		cfg := testConfig()
		tc.mut(&cfg)
		if _, err := New(cfg, 1); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestParamNamesUnique(t *testing.T) {
	m := testModel(t)
	seen := make(map[string]bool)
	for _, p := range m.Params() {
		if seen[p.Name] {
			t.Fatalf("duplicate parameter name %q", p.Name)
		}
		seen[p.Name] = true
	}
	if !seen["wte"] || !seen["h.1.attn.wq"] || !seen["ln_f.gamma"] || !seen["head"] {
		t.Fatalf("expected canonical names in state dict, got %d params", len(seen))
	}
}

func TestDeterministicInit(t *testing.T) {
	a, _ := New(testConfig(), 7)
	b, _ := New(testConfig(), 7)
	pa, pb := a.Params(), b.Params()
	for i := range pa {
		for j := range pa[i].W.Data {
			if pa[i].W.Data[j] != pb[i].W.Data[j] {
				t.Fatalf("init not deterministic at %s[%d]", pa[i].Name, j)
			}
		}
	}
}

func TestForwardBackwardGradcheck(t *testing.T) {
	m := testModel(t)
	tokens := []int{1, 4, 7, 2, 9, 3}

	m.ZeroGrad()
	loss, err := m.ForwardBackward(tokens, 1)
	if err != nil {
		t.Fatalf("ForwardBackward: %v", err)
	}
	if loss <= 0 || math.IsNaN(float64(loss)) {
		t.Fatalf("suspicious loss: %v", loss)
	}

	// Spot-check gradients against central finite differences for a few
	// entries of each parameter kind.
	const h = 1e-2
	checked := 0
	for _, p := range m.Params() {
		for _, idx := range []int{0, len(p.W.Data) / 2} {
			analytic := p.G[idx]

			orig := p.W.Data[idx]
			p.W.Data[idx] = orig + h
			plus, err := m.Loss(tokens)
			if err != nil {
				t.Fatalf("Loss: %v", err)
			}
			p.W.Data[idx] = orig - h
			minus, _ := m.Loss(tokens)
			p.W.Data[idx] = orig

			numeric := (plus - minus) / (2 * h)
			diff := math.Abs(float64(numeric - analytic))
			if diff > 2e-3+0.03*math.Abs(float64(numeric)) {
				t.Fatalf("%s[%d]: analytic %v vs numeric %v", p.Name, idx, analytic, numeric)
			}
			checked++
		}
	}
	if checked == 0 {
		t.Fatal("no gradients checked")
	}
}

func TestLossScaleScalesGradients(t *testing.T) {
	tokens := []int{2, 5, 1, 8}

	a := testModel(t)
	b := testModel(t) // identical init

	if _, err := a.ForwardBackward(tokens, 1); err != nil {
		t.Fatalf("ForwardBackward: %v", err)
	}
	if _, err := b.ForwardBackward(tokens, 0.25); err != nil {
		t.Fatalf("ForwardBackward: %v", err)
	}

	pa, pb := a.Params(), b.Params()
	for i := range pa {
		for j := range pa[i].G {
			want := pa[i].G[j] * 0.25
			got := pb[i].G[j]
			if math.Abs(float64(got-want)) > 1e-6 {
				t.Fatalf("%s[%d]: scaled grad %v, want %v", pa[i].Name, j, got, want)
			}
		}
	}
}

func TestDecodeMatchesFullForward(t *testing.T) {
	m := testModel(t)
	tokens := []int{3, 1, 4, 1, 5}

	x, err := m.EmbedSeq(tokens)
	if err != nil {
		t.Fatalf("EmbedSeq: %v", err)
	}
	for _, b := range m.Blocks {
		x = b.ForwardSeq(x)
		b.seq = nil
	}
	full := m.HeadSeq(x)
	m.headSeq = nil

	st := m.NewDecodeState()
	var step []float32
	for _, tok := range tokens {
		step, err = m.DecodeStep(st, tok)
		if err != nil {
			t.Fatalf("DecodeStep: %v", err)
		}
	}

	last := full[len(tokens)-1]
	for i := range last {
		if math.Abs(float64(last[i]-step[i])) > 1e-5 {
			t.Fatalf("logit %d: full %v vs incremental %v", i, last[i], step[i])
		}
	}
}

func TestDecodeStepContextLimit(t *testing.T) {
	m := testModel(t)
	st := m.NewDecodeState()
	for i := 0; i < m.Config().MaxSeq; i++ {
		if _, err := m.DecodeStep(st, 1); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if _, err := m.DecodeStep(st, 1); err == nil {
		t.Fatal("expected context length error")
	}
}

func TestForwardBackwardValidation(t *testing.T) {
	m := testModel(t)

	if _, err := m.ForwardBackward([]int{1}, 1); err == nil {
		t.Fatal("expected error for single-token sequence")
	}
	if _, err := m.ForwardBackward([]int{1, 99}, 1); err == nil {
		t.Fatal("expected error for out-of-range token")
	}
	long := make([]int, m.Config().MaxSeq+1)
	if _, err := m.ForwardBackward(long, 1); err == nil {
		t.Fatal("expected error for over-long sequence")
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	src := testModel(t)
	dst, _ := New(testConfig(), 999) // different init

	if err := dst.LoadStateDict(src.StateDict()); err != nil {
		t.Fatalf("LoadStateDict: %v", err)
	}
	ps, pd := src.Params(), dst.Params()
	for i := range ps {
		for j := range ps[i].W.Data {
			if ps[i].W.Data[j] != pd[i].W.Data[j] {
				t.Fatalf("%s[%d] differs after load", ps[i].Name, j)
			}
		}
	}
}

func TestInferConfig(t *testing.T) {
	m := testModel(t)
	cfg, err := InferConfig(m.StateDict(), testConfig().NumHeads)
	if err != nil {
		t.Fatalf("InferConfig: %v", err)
	}
	if cfg != testConfig() {
		t.Fatalf("InferConfig = %+v, want %+v", cfg, testConfig())
	}

	if _, err := InferConfig(map[string]tensor.Mat{}, 2); err == nil {
		t.Fatal("expected error for empty state")
	}
}

func TestLoadStateDictMismatch(t *testing.T) {
	m := testModel(t)
	sd := m.StateDict()

	delete(sd, "head")
	sd["bogus"] = tensor.NewMat(1, 1)
	sd["wte"] = tensor.NewMat(2, 2)

	err := m.LoadStateDict(sd)
	if err == nil {
		t.Fatal("expected mismatch error")
	}
	me, ok := err.(*MismatchError)
	if !ok {
		t.Fatalf("expected *MismatchError, got %T", err)
	}
	if len(me.Missing) != 1 || me.Missing[0] != "head" {
		t.Fatalf("missing = %v", me.Missing)
	}
	if len(me.Unexpected) != 1 || me.Unexpected[0] != "bogus" {
		t.Fatalf("unexpected = %v", me.Unexpected)
	}
	if len(me.Shape) != 1 {
		t.Fatalf("shape = %v", me.Shape)
	}
}
