// Package optim implements the training-side update rules: AdamW with
// decoupled weight decay, global gradient-norm clipping and a linear
// warmup/decay learning-rate schedule.
package optim

import (
	"fmt"
	"math"

	"github.com/calder93/kiln/internal/model"
)

// AdamWConfig holds the AdamW hyperparameters.
type AdamWConfig struct {
	LR          float64 `json:"lr" yaml:"lr"`
	Beta1       float64 `json:"beta1" yaml:"beta1"`
	Beta2       float64 `json:"beta2" yaml:"beta2"`
	Eps         float64 `json:"eps" yaml:"eps"`
	WeightDecay float64 `json:"weight_decay" yaml:"weight_decay"`
}

// DefaultAdamW returns the usual fine-tuning hyperparameters.
func DefaultAdamW() AdamWConfig {
	return AdamWConfig{
		LR:          3e-5,
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: 0.01,
	}
}

// Validate rejects unusable hyperparameters.
func (c AdamWConfig) Validate() error {
	if c.LR <= 0 {
		return fmt.Errorf("optim: lr must be positive, got %g", c.LR)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1 {
		return fmt.Errorf("optim: betas must be in [0, 1), got %g, %g", c.Beta1, c.Beta2)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("optim: eps must be positive, got %g", c.Eps)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("optim: weight decay must not be negative, got %g", c.WeightDecay)
	}
	return nil
}

// AdamW updates parameters from their accumulated gradients. Weight decay
// is decoupled from the moment estimates and applied only to parameters
// flagged for decay; biases and LayerNorm parameters are exempt.
type AdamW struct {
	cfg    AdamWConfig
	params []*model.Param
	m, v   [][]float32
	step   int
}

// NewAdamW builds an optimizer over params.
func NewAdamW(params []*model.Param, cfg AdamWConfig) (*AdamW, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("optim: no parameters")
	}
	o := &AdamW{cfg: cfg, params: params}
	for _, p := range params {
		o.m = append(o.m, make([]float32, p.Size()))
		o.v = append(o.v, make([]float32, p.Size()))
	}
	return o, nil
}

// StepCount returns how many updates have been applied.
func (o *AdamW) StepCount() int { return o.step }

// Step applies one AdamW update at learning rate lr. Gradients are left in
// place; the caller zeroes them between accumulation windows.
func (o *AdamW) Step(lr float64) {
	o.step++
	c1 := 1 - math.Pow(o.cfg.Beta1, float64(o.step))
	c2 := 1 - math.Pow(o.cfg.Beta2, float64(o.step))

	for i, p := range o.params {
		m, v := o.m[i], o.v[i]
		for j := range p.G {
			g := float64(p.G[j])
			mj := o.cfg.Beta1*float64(m[j]) + (1-o.cfg.Beta1)*g
			vj := o.cfg.Beta2*float64(v[j]) + (1-o.cfg.Beta2)*g*g
			m[j], v[j] = float32(mj), float32(vj)

			update := (mj / c1) / (math.Sqrt(vj/c2) + o.cfg.Eps)
			w := float64(p.W.Data[j])
			w -= lr * update
			if p.Decay {
				w -= lr * o.cfg.WeightDecay * float64(p.W.Data[j])
			}
			p.W.Data[j] = float32(w)
		}
	}
}

// ClipGradNorm rescales all gradients so their global L2 norm is at most
// maxNorm, and returns the norm observed before clipping. maxNorm <= 0
// disables clipping.
func ClipGradNorm(params []*model.Param, maxNorm float64) float64 {
	var sum float64
	for _, p := range params {
		for _, g := range p.G {
			sum += float64(g) * float64(g)
		}
	}
	norm := math.Sqrt(sum)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := float32(maxNorm / (norm + 1e-6))
	for _, p := range params {
		for j := range p.G {
			p.G[j] *= scale
		}
	}
	return norm
}

// LinearSchedule ramps the learning rate linearly from zero over Warmup
// steps, then decays it linearly to zero at Total steps.
type LinearSchedule struct {
	Base   float64
	Warmup int
	Total  int
}

// LR returns the learning rate for a 1-based step number.
func (s LinearSchedule) LR(step int) float64 {
	if step <= 0 {
		return 0
	}
	if s.Warmup > 0 && step <= s.Warmup {
		return s.Base * float64(step) / float64(s.Warmup)
	}
	if s.Total <= s.Warmup {
		return s.Base
	}
	remaining := float64(s.Total-step) / float64(s.Total-s.Warmup)
	if remaining < 0 {
		remaining = 0
	}
	return s.Base * remaining
}
