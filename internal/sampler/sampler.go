// Package sampler turns next-token logits into token choices. Sampling is
// constrained by temperature, top-k and nucleus (top-p) filtering, and all
// randomness flows through an injected source so runs are reproducible.
package sampler

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/calder93/kiln/internal/model"
)

// Config holds the sampling constraints for one generation run.
type Config struct {
	// Temperature divides the logits before softmax. Must be positive;
	// values below one sharpen the distribution, above one flatten it.
	Temperature float64 `json:"temperature" yaml:"temperature"`

	// TopK keeps only the k most probable tokens. Zero or negative
	// disables the filter.
	TopK int `json:"top_k" yaml:"top_k"`

	// TopP keeps the smallest set of most-probable tokens whose
	// cumulative probability reaches p; the token that crosses the
	// boundary is kept. The cumulative probability is measured over the
	// tokens that survive TopK. A value of one or more disables the
	// filter.
	TopP float64 `json:"top_p" yaml:"top_p"`

	// MaxNewTokens bounds how many tokens are generated beyond the seed.
	MaxNewTokens int `json:"max_new_tokens" yaml:"max_new_tokens"`

	// StopOnEOS ends generation when EOSID is sampled. The EOS token is
	// included in the output.
	StopOnEOS bool `json:"stop_on_eos" yaml:"stop_on_eos"`
	EOSID     int  `json:"eos_id" yaml:"eos_id"`
}

// Validate rejects configurations before any model work happens.
func (c Config) Validate() error {
	if c.Temperature <= 0 {
		return fmt.Errorf("sampler: temperature must be positive, got %g", c.Temperature)
	}
	if c.TopP < 0 || c.TopP > 1 {
		return fmt.Errorf("sampler: top_p must be in [0, 1], got %g", c.TopP)
	}
	if c.MaxNewTokens <= 0 {
		return fmt.Errorf("sampler: max_new_tokens must be positive, got %d", c.MaxNewTokens)
	}
	return nil
}

// StopReason records why a generation run ended.
type StopReason int

const (
	// StopLength means MaxNewTokens tokens were generated.
	StopLength StopReason = iota
	// StopEOS means the end-of-sequence token was sampled.
	StopEOS
)

func (r StopReason) String() string {
	switch r {
	case StopLength:
		return "length"
	case StopEOS:
		return "eos"
	default:
		return fmt.Sprintf("StopReason(%d)", int(r))
	}
}

// Result is one completed generation: the seed tokens followed by the
// sampled continuation.
type Result struct {
	Tokens []int
	Reason StopReason
}

// Sampler draws tokens under a fixed Config. It is not safe for concurrent
// use: the random source is stateful.
type Sampler struct {
	cfg Config
	rng *rand.Rand
}

// New validates cfg and builds a sampler around rng.
func New(cfg Config, rng *rand.Rand) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		return nil, fmt.Errorf("sampler: nil random source")
	}
	return &Sampler{cfg: cfg, rng: rng}, nil
}

// Config returns the sampler's configuration.
func (s *Sampler) Config() Config { return s.cfg }

// Generate decodes prefix through lm and samples up to MaxNewTokens
// continuation tokens. The result always starts with the full prefix.
func (s *Sampler) Generate(lm model.LM, prefix []int) (Result, error) {
	if len(prefix) == 0 {
		return Result{}, fmt.Errorf("sampler: empty prefix")
	}

	st := lm.NewDecodeState()
	var logits []float32
	var err error
	for _, tok := range prefix {
		if logits, err = lm.DecodeStep(st, tok); err != nil {
			return Result{}, fmt.Errorf("sampler: prefill: %w", err)
		}
	}

	out := make([]int, len(prefix), len(prefix)+s.cfg.MaxNewTokens)
	copy(out, prefix)

	for i := 0; i < s.cfg.MaxNewTokens; i++ {
		next := s.Next(logits)
		out = append(out, next)
		if s.cfg.StopOnEOS && next == s.cfg.EOSID {
			return Result{Tokens: out, Reason: StopEOS}, nil
		}
		if i+1 < s.cfg.MaxNewTokens {
			if logits, err = lm.DecodeStep(st, next); err != nil {
				return Result{}, fmt.Errorf("sampler: decode: %w", err)
			}
		}
	}
	return Result{Tokens: out, Reason: StopLength}, nil
}

// Next samples one token id from logits under the configured constraints.
func (s *Sampler) Next(logits []float32) int {
	probs := make([]float64, len(logits))
	maxLogit := float64(logits[0]) / s.cfg.Temperature
	for i := range logits {
		probs[i] = float64(logits[i]) / s.cfg.Temperature
		if probs[i] > maxLogit {
			maxLogit = probs[i]
		}
	}
	var total float64
	for i := range probs {
		probs[i] = math.Exp(probs[i] - maxLogit)
		total += probs[i]
	}
	for i := range probs {
		probs[i] /= total
	}

	// Rank tokens by probability; ties break toward the lower id so the
	// ordering is deterministic.
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		pa, pb := probs[order[a]], probs[order[b]]
		if pa != pb {
			return pa > pb
		}
		return order[a] < order[b]
	})

	keep := len(order)
	if s.cfg.TopK > 0 && s.cfg.TopK < keep {
		keep = s.cfg.TopK
	}
	if s.cfg.TopP < 1 {
		// Top-p operates on the distribution renormalized over the top-k
		// survivors, so the cut point does not depend on mass the top-k
		// filter already removed.
		var mass float64
		for i := 0; i < keep; i++ {
			mass += probs[order[i]]
		}
		var cum float64
		for i := 0; i < keep; i++ {
			cum += probs[order[i]] / mass
			if cum >= s.cfg.TopP {
				keep = i + 1
				break
			}
		}
	}

	var kept float64
	for i := 0; i < keep; i++ {
		kept += probs[order[i]]
	}
	r := s.rng.Float64() * kept
	var cum float64
	for i := 0; i < keep; i++ {
		cum += probs[order[i]]
		if r < cum {
			return order[i]
		}
	}
	return order[keep-1]
}
