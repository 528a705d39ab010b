// Package shard places a model's transformer blocks across an ordered list
// of devices. Blocks are split into contiguous groups, one group per device,
// with the embeddings on the first device and the final norm and head on the
// last. Activations cross group boundaries through explicit synchronous
// copies; parameter names are the same as the unsharded model's, so
// checkpoints are interchangeable between the two forms.
package shard

import (
	"fmt"

	"github.com/calder93/kiln/internal/device"
	"github.com/calder93/kiln/internal/model"
	"github.com/calder93/kiln/internal/tensor"
)

// Group is one device's contiguous slice of the block stack.
type Group struct {
	Device *device.Device
	Start  int // first block index, inclusive
	End    int // last block index, exclusive
}

// Wrapper runs a model across multiple devices. It implements model.LM, so
// training and generation code is indifferent to sharding.
type Wrapper struct {
	m      *model.Model
	groups []Group
}

// Partition splits numBlocks into numGroups contiguous group sizes. The
// split is as even as possible; when it cannot be exact, earlier groups get
// the extra block. It is deterministic: the same inputs always produce the
// same sizes.
func Partition(numBlocks, numGroups int) ([]int, error) {
	if numGroups < 1 {
		return nil, fmt.Errorf("shard: need at least one group, got %d", numGroups)
	}
	if numGroups > numBlocks {
		return nil, fmt.Errorf("shard: %d groups for %d blocks leaves a device with no work", numGroups, numBlocks)
	}
	base := numBlocks / numGroups
	rem := numBlocks % numGroups
	sizes := make([]int, numGroups)
	for i := range sizes {
		sizes[i] = base
		if i < rem {
			sizes[i]++
		}
	}
	return sizes, nil
}

// New shards m across devs. Parameter storage is reserved on each device:
// the token and position embeddings on the first, each group's blocks on
// their device, the final norm and head on the last. On a reservation
// failure everything already reserved is released and the error is
// returned.
func New(m *model.Model, devs []*device.Device) (*Wrapper, error) {
	if len(devs) == 0 {
		return nil, device.ErrNoDevices
	}
	sizes, err := Partition(len(m.Blocks), len(devs))
	if err != nil {
		return nil, err
	}

	w := &Wrapper{m: m}
	start := 0
	for i, d := range devs {
		w.groups = append(w.groups, Group{Device: d, Start: start, End: start + sizes[i]})
		start += sizes[i]
	}

	type reservation struct {
		dev   *device.Device
		bytes int64
	}
	var done []reservation
	reserve := func(d *device.Device, params []*model.Param) error {
		var n int64
		for _, p := range params {
			n += int64(p.Size()) * 4
		}
		if err := d.Reserve(n); err != nil {
			return err
		}
		done = append(done, reservation{d, n})
		return nil
	}

	first, last := devs[0], devs[len(devs)-1]
	plan := []struct {
		dev    *device.Device
		params []*model.Param
	}{
		{first, []*model.Param{m.WTE, m.WPE}},
	}
	for _, g := range w.groups {
		var ps []*model.Param
		for _, b := range m.Blocks[g.Start:g.End] {
			ps = append(ps, b.Params()...)
		}
		plan = append(plan, struct {
			dev    *device.Device
			params []*model.Param
		}{g.Device, ps})
	}
	plan = append(plan, struct {
		dev    *device.Device
		params []*model.Param
	}{last, []*model.Param{m.LNF, m.LNFB, m.Head}})

	for _, pl := range plan {
		if err := reserve(pl.dev, pl.params); err != nil {
			for _, r := range done {
				r.dev.Release(r.bytes)
			}
			return nil, fmt.Errorf("shard: placing model: %w", err)
		}
	}
	return w, nil
}

// Groups returns the block-to-device assignment.
func (w *Wrapper) Groups() []Group {
	out := make([]Group, len(w.groups))
	copy(out, w.groups)
	return out
}

// Config implements model.LM.
func (w *Wrapper) Config() model.Config { return w.m.Config() }

// Params implements model.LM.
func (w *Wrapper) Params() []*model.Param { return w.m.Params() }

// ZeroGrad implements model.LM.
func (w *Wrapper) ZeroGrad() { w.m.ZeroGrad() }

// StateDict implements model.LM. Names carry no placement information.
func (w *Wrapper) StateDict() map[string]tensor.Mat { return w.m.StateDict() }

// LoadStateDict implements model.LM.
func (w *Wrapper) LoadStateDict(sd map[string]tensor.Mat) error {
	return w.m.LoadStateDict(sd)
}

// copySeq moves every position of a sequence activation onto d.
func copySeq(d *device.Device, x [][]float32) [][]float32 {
	out := make([][]float32, len(x))
	for t := range x {
		out[t] = d.CopyIn(x[t])
	}
	return out
}

func (w *Wrapper) forwardSeq(tokens []int) ([][]float32, error) {
	x, err := w.m.EmbedSeq(tokens)
	if err != nil {
		return nil, err
	}
	for gi, g := range w.groups {
		if gi > 0 {
			x = copySeq(g.Device, x)
		}
		for _, b := range w.m.Blocks[g.Start:g.End] {
			x = b.ForwardSeq(x)
		}
	}
	return x, nil
}

// ForwardBackward implements model.LM. The forward pass copies activations
// onto each group's device at every boundary; the backward pass copies the
// activation gradients back across the same boundaries in reverse.
func (w *Wrapper) ForwardBackward(tokens []int, lossScale float32) (float32, error) {
	if len(tokens) < 2 {
		return 0, fmt.Errorf("shard: need at least 2 tokens for a training step, got %d", len(tokens))
	}
	x, err := w.forwardSeq(tokens)
	if err != nil {
		return 0, err
	}
	logits := w.m.HeadSeq(x)

	loss, dlogits := model.NextTokenLoss(logits, tokens)
	if lossScale != 1 {
		for t := range dlogits {
			tensor.Scale(dlogits[t], lossScale)
		}
	}

	dx := w.m.HeadBackwardSeq(dlogits)
	for gi := len(w.groups) - 1; gi >= 0; gi-- {
		g := w.groups[gi]
		for i := g.End - 1; i >= g.Start; i-- {
			dx = w.m.Blocks[i].BackwardSeq(dx)
		}
		if gi > 0 {
			dx = copySeq(w.groups[gi-1].Device, dx)
		}
	}
	w.m.EmbedBackwardSeq(tokens, dx)
	return loss, nil
}

// Loss implements model.LM.
func (w *Wrapper) Loss(tokens []int) (float32, error) {
	if len(tokens) < 2 {
		return 0, fmt.Errorf("shard: need at least 2 tokens to evaluate, got %d", len(tokens))
	}
	x, err := w.forwardSeq(tokens)
	if err != nil {
		return 0, err
	}
	for _, b := range w.m.Blocks {
		b.DropCache()
	}
	logits := w.m.HeadSeq(x)
	w.m.DropHeadCache()
	loss, _ := model.NextTokenLoss(logits, tokens)
	return loss, nil
}

// NewDecodeState implements model.LM.
func (w *Wrapper) NewDecodeState() *model.DecodeState { return w.m.NewDecodeState() }

// DecodeStep implements model.LM: the single-position activation crosses
// each group boundary through a device copy, exactly like the training
// forward pass.
func (w *Wrapper) DecodeStep(st *model.DecodeState, tok int) ([]float32, error) {
	x, err := w.m.DecodeEmbed(st, tok)
	if err != nil {
		return nil, err
	}
	for gi, g := range w.groups {
		if gi > 0 {
			x = g.Device.CopyIn(x)
		}
		for i := g.Start; i < g.End; i++ {
			x = w.m.Blocks[i].StepForward(x, st.KV(i))
		}
	}
	return w.m.DecodeHead(st, x), nil
}
