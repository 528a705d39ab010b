package model

import "github.com/calder93/kiln/internal/tensor"

// Param is one named learnable tensor together with its gradient buffer.
// Names are stable across sharded and unsharded forms: they are the unit of
// checkpointing and of optimizer weight-decay grouping.
type Param struct {
	Name string
	W    tensor.Mat
	G    []float32

	// Decay marks parameters subject to weight decay. Biases and
	// normalization parameters are excluded, matching the usual
	// transformer fine-tuning setup.
	Decay bool
}

func newParam(name string, r, c int, decay bool) *Param {
	return &Param{
		Name:  name,
		W:     tensor.NewMat(r, c),
		G:     make([]float32, r*c),
		Decay: decay,
	}
}

// Size returns the number of scalar elements in the parameter.
func (p *Param) Size() int { return len(p.W.Data) }

// ZeroGrad clears the gradient buffer.
func (p *Param) ZeroGrad() { tensor.Zero(p.G) }

// GradRow returns the gradient slice corresponding to row i of W.
func (p *Param) GradRow(i int) []float32 {
	start := i * p.W.Stride
	return p.G[start : start+p.W.C]
}

// GradMat returns the gradient buffer viewed with W's shape.
func (p *Param) GradMat() tensor.Mat {
	return tensor.NewMatFromData(p.W.R, p.W.C, p.G)
}
