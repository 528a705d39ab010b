package model

import (
	"fmt"
	"strings"

	"github.com/calder93/kiln/internal/tensor"
)

// Model is a decoder-only transformer language model: token and learned
// positional embeddings, a stack of pre-norm blocks, a final LayerNorm and
// a vocabulary projection head.
//
// A Model is owned by a single caller: forward, backward and optimizer
// steps must not run concurrently.
type Model struct {
	cfg Config

	WTE    *Param // [vocab x embed]
	WPE    *Param // [maxSeq x embed]
	Blocks []*Block
	LNF    *Param // [1 x embed] gamma
	LNFB   *Param // [1 x embed] beta
	Head   *Param // [vocab x embed]

	headSeq *headSeqCache
}

type headSeqCache struct {
	x    [][]float32 // input to the final norm, per position
	lnf  [][]float32
	mean []float32
	rstd []float32
}

// LM is the callable-model surface shared by the single-device Model and
// the multi-device wrapper in internal/shard.
type LM interface {
	Config() Config
	Params() []*Param
	ZeroGrad()

	// ForwardBackward computes mean next-token cross-entropy over the
	// sequence and accumulates parameter gradients scaled by lossScale.
	// The returned loss is unscaled.
	ForwardBackward(tokens []int, lossScale float32) (float32, error)

	// Loss computes the mean next-token cross-entropy without touching
	// gradients.
	Loss(tokens []int) (float32, error)

	// NewDecodeState and DecodeStep implement incremental decoding: each
	// step forwards only the newest token against cached per-block
	// key/value state and returns the next-token logits.
	NewDecodeState() *DecodeState
	DecodeStep(st *DecodeState, tok int) ([]float32, error)

	StateDict() map[string]tensor.Mat
	LoadStateDict(sd map[string]tensor.Mat) error
}

// New creates a model with the given configuration. Weights are drawn from
// a normal distribution (std 0.02) seeded deterministically; LayerNorm
// gains start at one.
func New(cfg Config, seed int64) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Model{
		cfg:  cfg,
		WTE:  newParam("wte", cfg.VocabSize, cfg.EmbedDim, true),
		WPE:  newParam("wpe", cfg.MaxSeq, cfg.EmbedDim, true),
		LNF:  newParam("ln_f.gamma", 1, cfg.EmbedDim, false),
		LNFB: newParam("ln_f.beta", 1, cfg.EmbedDim, false),
		Head: newParam("head", cfg.VocabSize, cfg.EmbedDim, true),
	}
	for i := 0; i < cfg.NumLayers; i++ {
		idx := i
		m.Blocks = append(m.Blocks, newBlock(cfg, idx, func(s string) string {
			return fmt.Sprintf("h.%d.%s", idx, s)
		}))
	}

	for i, p := range m.Params() {
		switch {
		case isGamma(p.Name):
			fillOnes(p)
		case isBeta(p.Name) || isBias(p.Name):
			// zero initialised
		default:
			tensor.FillNormal(&p.W, seed+int64(i)*7919, 0.02)
		}
	}
	return m, nil
}

// Config returns the model configuration.
func (m *Model) Config() Config { return m.cfg }

// Params returns every learnable parameter in a stable order.
func (m *Model) Params() []*Param {
	out := []*Param{m.WTE, m.WPE}
	for _, b := range m.Blocks {
		out = append(out, b.Params()...)
	}
	out = append(out, m.LNF, m.LNFB, m.Head)
	return out
}

// NumParams returns the total scalar parameter count.
func (m *Model) NumParams() int {
	n := 0
	for _, p := range m.Params() {
		n += p.Size()
	}
	return n
}

// ZeroGrad clears every parameter gradient.
func (m *Model) ZeroGrad() {
	for _, p := range m.Params() {
		p.ZeroGrad()
	}
}

// EmbedSeq produces the initial activations for a token sequence:
// x[t] = wte[token] + wpe[t]. It validates the sequence bounds.
func (m *Model) EmbedSeq(tokens []int) ([][]float32, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("model: empty token sequence")
	}
	if len(tokens) > m.cfg.MaxSeq {
		return nil, fmt.Errorf("model: sequence length %d exceeds max %d", len(tokens), m.cfg.MaxSeq)
	}
	x := allocSeq(len(tokens), m.cfg.EmbedDim)
	for t, tok := range tokens {
		if tok < 0 || tok >= m.cfg.VocabSize {
			return nil, fmt.Errorf("model: token id out of range at position %d: %d", t, tok)
		}
		copy(x[t], m.WTE.W.Row(tok))
		tensor.Add(x[t], m.WPE.W.Row(t))
	}
	return x, nil
}

// EmbedBackwardSeq accumulates embedding gradients from the gradient of the
// initial activations.
func (m *Model) EmbedBackwardSeq(tokens []int, dx [][]float32) {
	for t, tok := range tokens {
		tensor.Add(m.WTE.GradRow(tok), dx[t])
		tensor.Add(m.WPE.GradRow(t), dx[t])
	}
}

// HeadSeq applies the final LayerNorm and vocabulary projection to every
// position, caching intermediates for HeadBackwardSeq.
func (m *Model) HeadSeq(x [][]float32) [][]float32 {
	T := len(x)
	c := &headSeqCache{
		x:    x,
		lnf:  allocSeq(T, m.cfg.EmbedDim),
		mean: make([]float32, T),
		rstd: make([]float32, T),
	}
	m.headSeq = c

	logits := allocSeq(T, m.cfg.VocabSize)
	for t := 0; t < T; t++ {
		c.mean[t], c.rstd[t] = tensor.LayerNorm(c.lnf[t], x[t], m.LNF.W.Data, m.LNFB.W.Data, lnEps)
		tensor.Linear(logits[t], &m.Head.W, nil, c.lnf[t])
	}
	return logits
}

// DropHeadCache discards the cached head intermediates of an
// evaluation-only pass.
func (m *Model) DropHeadCache() { m.headSeq = nil }

// HeadBackwardSeq consumes the cache of the most recent HeadSeq and returns
// the gradient with respect to its input activations.
func (m *Model) HeadBackwardSeq(dlogits [][]float32) [][]float32 {
	c := m.headSeq
	if c == nil {
		panic("model: HeadBackwardSeq without a preceding HeadSeq")
	}
	m.headSeq = nil

	T := len(dlogits)
	headG := m.Head.GradMat()
	dx := allocSeq(T, m.cfg.EmbedDim)
	dlnf := make([]float32, m.cfg.EmbedDim)
	for t := 0; t < T; t++ {
		tensor.Zero(dlnf)
		tensor.LinearBackward(dlnf, &headG, nil, &m.Head.W, c.lnf[t], dlogits[t])
		tensor.LayerNormBackward(dx[t], m.LNF.G, m.LNFB.G, c.x[t], m.LNF.W.Data, dlnf, c.mean[t], c.rstd[t])
	}
	return dx
}

// ForwardBackward implements LM.
func (m *Model) ForwardBackward(tokens []int, lossScale float32) (float32, error) {
	if len(tokens) < 2 {
		return 0, fmt.Errorf("model: need at least 2 tokens for a training step, got %d", len(tokens))
	}
	x, err := m.EmbedSeq(tokens)
	if err != nil {
		return 0, err
	}
	for _, b := range m.Blocks {
		x = b.ForwardSeq(x)
	}
	logits := m.HeadSeq(x)

	loss, dlogits := NextTokenLoss(logits, tokens)
	if lossScale != 1 {
		for t := range dlogits {
			tensor.Scale(dlogits[t], lossScale)
		}
	}

	dx := m.HeadBackwardSeq(dlogits)
	for i := len(m.Blocks) - 1; i >= 0; i-- {
		dx = m.Blocks[i].BackwardSeq(dx)
	}
	m.EmbedBackwardSeq(tokens, dx)
	return loss, nil
}

// Loss implements LM.
func (m *Model) Loss(tokens []int) (float32, error) {
	if len(tokens) < 2 {
		return 0, fmt.Errorf("model: need at least 2 tokens to evaluate, got %d", len(tokens))
	}
	x, err := m.EmbedSeq(tokens)
	if err != nil {
		return 0, err
	}
	for _, b := range m.Blocks {
		x = b.ForwardSeq(x)
		b.seq = nil
	}
	logits := m.HeadSeq(x)
	m.headSeq = nil
	loss, _ := NextTokenLoss(logits, tokens)
	return loss, nil
}

// DecodeState carries the per-block key/value caches of one generation
// session.
type DecodeState struct {
	kv  []BlockKV
	pos int
}

// Pos returns how many tokens have been decoded into the state.
func (s *DecodeState) Pos() int { return s.pos }

// KV returns the key/value cache of block i.
func (s *DecodeState) KV(i int) *BlockKV { return &s.kv[i] }

// NewDecodeState implements LM.
func (m *Model) NewDecodeState() *DecodeState {
	return &DecodeState{kv: make([]BlockKV, len(m.Blocks))}
}

// DecodeStep implements LM: one incremental forward pass for tok, returning
// the next-token logits.
func (m *Model) DecodeStep(st *DecodeState, tok int) ([]float32, error) {
	x, err := m.DecodeEmbed(st, tok)
	if err != nil {
		return nil, err
	}
	for i, b := range m.Blocks {
		x = b.StepForward(x, st.KV(i))
	}
	return m.DecodeHead(st, x), nil
}

// DecodeEmbed embeds one token at the state's current position.
func (m *Model) DecodeEmbed(st *DecodeState, tok int) ([]float32, error) {
	if tok < 0 || tok >= m.cfg.VocabSize {
		return nil, fmt.Errorf("model: token id out of range: %d", tok)
	}
	if st.pos >= m.cfg.MaxSeq {
		return nil, fmt.Errorf("model: context length exceeded: %d >= %d", st.pos, m.cfg.MaxSeq)
	}
	x := make([]float32, m.cfg.EmbedDim)
	copy(x, m.WTE.W.Row(tok))
	tensor.Add(x, m.WPE.W.Row(st.pos))
	return x, nil
}

// DecodeHead applies the final LayerNorm and vocabulary projection to one
// position's activations and advances the state.
func (m *Model) DecodeHead(st *DecodeState, x []float32) []float32 {
	lnf := make([]float32, m.cfg.EmbedDim)
	tensor.LayerNorm(lnf, x, m.LNF.W.Data, m.LNFB.W.Data, lnEps)
	logits := make([]float32, m.cfg.VocabSize)
	tensor.Linear(logits, &m.Head.W, nil, lnf)
	st.pos++
	return logits
}

func isGamma(name string) bool { return strings.HasSuffix(name, ".gamma") }
func isBeta(name string) bool  { return strings.HasSuffix(name, ".beta") }

func isBias(name string) bool {
	return strings.HasSuffix(name, ".bq") || strings.HasSuffix(name, ".bk") ||
		strings.HasSuffix(name, ".bv") || strings.HasSuffix(name, ".bo") ||
		strings.HasSuffix(name, ".bfc") || strings.HasSuffix(name, ".bproj")
}

func fillOnes(p *Param) {
	for i := range p.W.Data {
		p.W.Data[i] = 1
	}
}
