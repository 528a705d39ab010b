package model

import (
	"math"

	"github.com/calder93/kiln/internal/tensor"
)

const lnEps = 1e-5

// Block is one pre-norm transformer layer: causal multi-head attention with
// an output projection, followed by a GELU MLP, each behind a LayerNorm and
// a residual connection.
type Block struct {
	LN1Gamma, LN1Beta *Param
	WQ, BQ            *Param
	WK, BK            *Param
	WV, BV            *Param
	WO, BO            *Param
	LN2Gamma, LN2Beta *Param
	WFC, BFC          *Param
	WProj, BProj      *Param

	cfg Config

	seq *blockSeqCache
}

// blockSeqCache holds every intermediate of a full-sequence forward pass
// that the backward pass needs. One forward pass owns the cache until the
// matching backward pass consumes it.
type blockSeqCache struct {
	x       [][]float32 // block input per position
	ln1     [][]float32
	ln1Mean []float32
	ln1Rstd []float32
	q, k, v [][]float32
	att     [][][]float32 // [pos][head] -> probs over 0..pos
	attnOut [][]float32   // concatenated heads, before WO
	res1    [][]float32   // x + attention output (input to the MLP half)
	ln2     [][]float32
	ln2Mean []float32
	ln2Rstd []float32
	fc      [][]float32 // pre-GELU
	gelu    [][]float32
}

// BlockKV is the per-block key/value cache used for incremental decoding.
type BlockKV struct {
	K [][]float32
	V [][]float32
}

func newBlock(cfg Config, idx int, prefix func(string) string) *Block {
	e := cfg.EmbedDim
	hidden := 4 * e
	return &Block{
		LN1Gamma: newParam(prefix("ln1.gamma"), 1, e, false),
		LN1Beta:  newParam(prefix("ln1.beta"), 1, e, false),
		WQ:       newParam(prefix("attn.wq"), e, e, true),
		BQ:       newParam(prefix("attn.bq"), 1, e, false),
		WK:       newParam(prefix("attn.wk"), e, e, true),
		BK:       newParam(prefix("attn.bk"), 1, e, false),
		WV:       newParam(prefix("attn.wv"), e, e, true),
		BV:       newParam(prefix("attn.bv"), 1, e, false),
		WO:       newParam(prefix("attn.wo"), e, e, true),
		BO:       newParam(prefix("attn.bo"), 1, e, false),
		LN2Gamma: newParam(prefix("ln2.gamma"), 1, e, false),
		LN2Beta:  newParam(prefix("ln2.beta"), 1, e, false),
		WFC:      newParam(prefix("mlp.wfc"), hidden, e, true),
		BFC:      newParam(prefix("mlp.bfc"), 1, hidden, false),
		WProj:    newParam(prefix("mlp.wproj"), e, hidden, true),
		BProj:    newParam(prefix("mlp.bproj"), 1, e, false),
		cfg:      cfg,
	}
}

// Params returns the block's learnable parameters in a stable order.
func (b *Block) Params() []*Param {
	return []*Param{
		b.LN1Gamma, b.LN1Beta,
		b.WQ, b.BQ, b.WK, b.BK, b.WV, b.BV, b.WO, b.BO,
		b.LN2Gamma, b.LN2Beta,
		b.WFC, b.BFC, b.WProj, b.BProj,
	}
}

// DropCache discards any cached forward intermediates. Evaluation-only
// passes call it to keep memory flat.
func (b *Block) DropCache() { b.seq = nil }

// ForwardSeq runs the block over a full sequence of activations, caching
// intermediates for BackwardSeq. The returned activations are fresh slices;
// x is not modified.
func (b *Block) ForwardSeq(x [][]float32) [][]float32 {
	T := len(x)
	e := b.cfg.EmbedDim
	nHead := b.cfg.NumHeads
	headDim := b.cfg.HeadDim()
	scale := float32(1.0 / math.Sqrt(float64(headDim)))

	c := &blockSeqCache{
		x:       x,
		ln1:     allocSeq(T, e),
		ln1Mean: make([]float32, T),
		ln1Rstd: make([]float32, T),
		q:       allocSeq(T, e),
		k:       allocSeq(T, e),
		v:       allocSeq(T, e),
		att:     make([][][]float32, T),
		attnOut: allocSeq(T, e),
		res1:    allocSeq(T, e),
		ln2:     allocSeq(T, e),
		ln2Mean: make([]float32, T),
		ln2Rstd: make([]float32, T),
		fc:      allocSeq(T, 4*e),
		gelu:    allocSeq(T, 4*e),
	}
	b.seq = c

	for t := 0; t < T; t++ {
		c.ln1Mean[t], c.ln1Rstd[t] = tensor.LayerNorm(c.ln1[t], x[t], b.LN1Gamma.W.Data, b.LN1Beta.W.Data, lnEps)
		tensor.Linear(c.q[t], &b.WQ.W, b.BQ.W.Data, c.ln1[t])
		tensor.Linear(c.k[t], &b.WK.W, b.BK.W.Data, c.ln1[t])
		tensor.Linear(c.v[t], &b.WV.W, b.BV.W.Data, c.ln1[t])
	}

	// Causal attention: position t attends to 0..t.
	proj := make([]float32, e)
	for t := 0; t < T; t++ {
		c.att[t] = make([][]float32, nHead)
		for h := 0; h < nHead; h++ {
			off := h * headDim
			probs := make([]float32, t+1)
			for s := 0; s <= t; s++ {
				probs[s] = scale * tensor.Dot(c.q[t][off:off+headDim], c.k[s][off:off+headDim])
			}
			tensor.Softmax(probs)
			c.att[t][h] = probs

			out := c.attnOut[t][off : off+headDim]
			for s := 0; s <= t; s++ {
				tensor.Axpy(out, probs[s], c.v[s][off:off+headDim])
			}
		}

		tensor.Linear(proj, &b.WO.W, b.BO.W.Data, c.attnOut[t])
		copy(c.res1[t], x[t])
		tensor.Add(c.res1[t], proj)
	}

	// MLP half.
	y := allocSeq(T, e)
	mlpOut := make([]float32, e)
	for t := 0; t < T; t++ {
		c.ln2Mean[t], c.ln2Rstd[t] = tensor.LayerNorm(c.ln2[t], c.res1[t], b.LN2Gamma.W.Data, b.LN2Beta.W.Data, lnEps)
		tensor.Linear(c.fc[t], &b.WFC.W, b.BFC.W.Data, c.ln2[t])
		tensor.GELU(c.gelu[t], c.fc[t])
		tensor.Linear(mlpOut, &b.WProj.W, b.BProj.W.Data, c.gelu[t])
		copy(y[t], c.res1[t])
		tensor.Add(y[t], mlpOut)
	}

	return y
}

// BackwardSeq consumes the cache of the most recent ForwardSeq, accumulates
// parameter gradients and returns the gradient with respect to the block
// input.
func (b *Block) BackwardSeq(dy [][]float32) [][]float32 {
	c := b.seq
	if c == nil {
		panic("model: BackwardSeq without a preceding ForwardSeq")
	}
	b.seq = nil

	T := len(dy)
	e := b.cfg.EmbedDim
	nHead := b.cfg.NumHeads
	headDim := b.cfg.HeadDim()
	scale := float32(1.0 / math.Sqrt(float64(headDim)))

	wfcG := b.WFC.GradMat()
	wprojG := b.WProj.GradMat()
	woG := b.WO.GradMat()
	wqG := b.WQ.GradMat()
	wkG := b.WK.GradMat()
	wvG := b.WV.GradMat()

	// MLP half: dres1 = dy + backprop through proj/gelu/fc/ln2.
	dres1 := allocSeq(T, e)
	dgelu := make([]float32, 4*e)
	dfc := make([]float32, 4*e)
	dln2 := make([]float32, e)
	for t := 0; t < T; t++ {
		copy(dres1[t], dy[t])

		tensor.Zero(dgelu)
		tensor.LinearBackward(dgelu, &wprojG, b.BProj.G, &b.WProj.W, c.gelu[t], dy[t])
		tensor.Zero(dfc)
		tensor.GELUBackward(dfc, c.fc[t], dgelu)
		tensor.Zero(dln2)
		tensor.LinearBackward(dln2, &wfcG, b.BFC.G, &b.WFC.W, c.ln2[t], dfc)
		tensor.LayerNormBackward(dres1[t], b.LN2Gamma.G, b.LN2Beta.G, c.res1[t], b.LN2Gamma.W.Data, dln2, c.ln2Mean[t], c.ln2Rstd[t])
	}

	// Attention half.
	dq := allocSeq(T, e)
	dk := allocSeq(T, e)
	dv := allocSeq(T, e)
	dattnOut := make([]float32, e)
	dscore := make([]float32, T)
	for t := 0; t < T; t++ {
		tensor.Zero(dattnOut)
		tensor.LinearBackward(dattnOut, &woG, b.BO.G, &b.WO.W, c.attnOut[t], dres1[t])

		for h := 0; h < nHead; h++ {
			off := h * headDim
			probs := c.att[t][h]
			dh := dattnOut[off : off+headDim]

			// Softmax backward over the attention row.
			var dpDot float32
			dp := dscore[:t+1]
			for s := 0; s <= t; s++ {
				dp[s] = tensor.Dot(c.v[s][off:off+headDim], dh)
				dpDot += probs[s] * dp[s]
			}
			for s := 0; s <= t; s++ {
				tensor.Axpy(dv[s][off:off+headDim], probs[s], dh)
				g := probs[s] * (dp[s] - dpDot) * scale
				tensor.Axpy(dq[t][off:off+headDim], g, c.k[s][off:off+headDim])
				tensor.Axpy(dk[s][off:off+headDim], g, c.q[t][off:off+headDim])
			}
		}
	}

	// Project q/k/v gradients back through their linears and LayerNorm.
	dx := allocSeq(T, e)
	dln1 := make([]float32, e)
	for t := 0; t < T; t++ {
		copy(dx[t], dres1[t])

		tensor.Zero(dln1)
		tensor.LinearBackward(dln1, &wqG, b.BQ.G, &b.WQ.W, c.ln1[t], dq[t])
		tensor.LinearBackward(dln1, &wkG, b.BK.G, &b.WK.W, c.ln1[t], dk[t])
		tensor.LinearBackward(dln1, &wvG, b.BV.G, &b.WV.W, c.ln1[t], dv[t])
		tensor.LayerNormBackward(dx[t], b.LN1Gamma.G, b.LN1Beta.G, c.x[t], b.LN1Gamma.W.Data, dln1, c.ln1Mean[t], c.ln1Rstd[t])
	}

	return dx
}

// StepForward runs the block for one new position against the key/value
// cache, appending this position's keys and values. No gradient state is
// recorded.
func (b *Block) StepForward(x []float32, kv *BlockKV) []float32 {
	e := b.cfg.EmbedDim
	nHead := b.cfg.NumHeads
	headDim := b.cfg.HeadDim()
	scale := float32(1.0 / math.Sqrt(float64(headDim)))

	ln1 := make([]float32, e)
	tensor.LayerNorm(ln1, x, b.LN1Gamma.W.Data, b.LN1Beta.W.Data, lnEps)

	q := make([]float32, e)
	k := make([]float32, e)
	v := make([]float32, e)
	tensor.Linear(q, &b.WQ.W, b.BQ.W.Data, ln1)
	tensor.Linear(k, &b.WK.W, b.BK.W.Data, ln1)
	tensor.Linear(v, &b.WV.W, b.BV.W.Data, ln1)
	kv.K = append(kv.K, k)
	kv.V = append(kv.V, v)

	T := len(kv.K)
	attnOut := make([]float32, e)
	for h := 0; h < nHead; h++ {
		off := h * headDim
		probs := make([]float32, T)
		for s := 0; s < T; s++ {
			probs[s] = scale * tensor.Dot(q[off:off+headDim], kv.K[s][off:off+headDim])
		}
		tensor.Softmax(probs)

		out := attnOut[off : off+headDim]
		for s := 0; s < T; s++ {
			tensor.Axpy(out, probs[s], kv.V[s][off:off+headDim])
		}
	}

	res1 := make([]float32, e)
	copy(res1, x)
	proj := make([]float32, e)
	tensor.Linear(proj, &b.WO.W, b.BO.W.Data, attnOut)
	tensor.Add(res1, proj)

	ln2 := make([]float32, e)
	tensor.LayerNorm(ln2, res1, b.LN2Gamma.W.Data, b.LN2Beta.W.Data, lnEps)
	fc := make([]float32, 4*e)
	tensor.Linear(fc, &b.WFC.W, b.BFC.W.Data, ln2)
	gelu := make([]float32, 4*e)
	tensor.GELU(gelu, fc)

	y := make([]float32, e)
	copy(y, res1)
	mlpOut := make([]float32, e)
	tensor.Linear(mlpOut, &b.WProj.W, b.BProj.W.Data, gelu)
	tensor.Add(y, mlpOut)

	return y
}

func allocSeq(t, n int) [][]float32 {
	out := make([][]float32, t)
	for i := range out {
		out[i] = make([]float32, n)
	}
	return out
}
