package shard

import (
	"errors"
	"testing"

	"github.com/calder93/kiln/internal/device"
	"github.com/calder93/kiln/internal/model"
)

func testConfig() model.Config {
	return model.Config{
		VocabSize: 13,
		MaxSeq:    8,
		EmbedDim:  8,
		NumLayers: 4,
		NumHeads:  2,
	}
}

func testModel(t *testing.T, seed int64) *model.Model {
	t.Helper()
	m, err := model.New(testConfig(), seed)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestPartition(t *testing.T) {
	tests := []struct {
		blocks, groups int
		want           []int
	}{
		{4, 1, []int{4}},
		{4, 2, []int{2, 2}},
		{4, 3, []int{2, 1, 1}},
		{4, 4, []int{1, 1, 1, 1}},
		{7, 3, []int{3, 2, 2}},
		{12, 5, []int{3, 3, 2, 2, 2}},
	}
	for _, tc := range tests {
		got, err := Partition(tc.blocks, tc.groups)
		if err != nil {
			t.Fatalf("Partition(%d, %d): %v", tc.blocks, tc.groups, err)
		}
		sum := 0
		for i, n := range got {
			sum += n
			if n != tc.want[i] {
				t.Fatalf("Partition(%d, %d) = %v, want %v", tc.blocks, tc.groups, got, tc.want)
			}
		}
		if sum != tc.blocks {
			t.Fatalf("Partition(%d, %d) covers %d blocks", tc.blocks, tc.groups, sum)
		}
	}

	if _, err := Partition(4, 0); err == nil {
		t.Fatal("expected error for zero groups")
	}
	if _, err := Partition(2, 3); err == nil {
		t.Fatal("expected error for more groups than blocks")
	}
}

func TestNewValidation(t *testing.T) {
	m := testModel(t, 1)

	if _, err := New(m, nil); !errors.Is(err, device.ErrNoDevices) {
		t.Fatalf("expected ErrNoDevices, got %v", err)
	}

	reg := device.NewRegistry(8)
	if _, err := New(m, reg.List()[:5]); err == nil {
		t.Fatal("expected error for more devices than blocks")
	}
}

func TestGroupsAreContiguousAndComplete(t *testing.T) {
	m := testModel(t, 1)
	reg := device.NewRegistry(3)
	w, err := New(m, reg.List())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	next := 0
	for _, g := range w.Groups() {
		if g.Start != next {
			t.Fatalf("group on %s starts at %d, want %d", g.Device.ID(), g.Start, next)
		}
		if g.End <= g.Start {
			t.Fatalf("group on %s is empty", g.Device.ID())
		}
		next = g.End
	}
	if next != testConfig().NumLayers {
		t.Fatalf("groups cover %d blocks, want %d", next, testConfig().NumLayers)
	}
}

func TestShardedMatchesUnsharded(t *testing.T) {
	const seed = 42
	tokens := []int{3, 1, 4, 1, 5, 9, 2}

	plain := testModel(t, seed)
	sharded := testModel(t, seed)
	reg := device.NewRegistry(2)
	w, err := New(sharded, reg.List())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	plain.ZeroGrad()
	w.ZeroGrad()
	lossA, err := plain.ForwardBackward(tokens, 1)
	if err != nil {
		t.Fatalf("unsharded ForwardBackward: %v", err)
	}
	lossB, err := w.ForwardBackward(tokens, 1)
	if err != nil {
		t.Fatalf("sharded ForwardBackward: %v", err)
	}
	if lossA != lossB {
		t.Fatalf("loss differs: unsharded %v, sharded %v", lossA, lossB)
	}

	pa, pb := plain.Params(), w.Params()
	for i := range pa {
		for j := range pa[i].G {
			if pa[i].G[j] != pb[i].G[j] {
				t.Fatalf("%s grad[%d] differs: %v vs %v", pa[i].Name, j, pa[i].G[j], pb[i].G[j])
			}
		}
	}

	stA := plain.NewDecodeState()
	stB := w.NewDecodeState()
	for _, tok := range tokens {
		a, err := plain.DecodeStep(stA, tok)
		if err != nil {
			t.Fatalf("unsharded DecodeStep: %v", err)
		}
		b, err := w.DecodeStep(stB, tok)
		if err != nil {
			t.Fatalf("sharded DecodeStep: %v", err)
		}
		for i := range a {
			if a[i] != b[i] {
				t.Fatalf("decode logit %d differs: %v vs %v", i, a[i], b[i])
			}
		}
	}
}

func TestCheckpointInterchangeable(t *testing.T) {
	sharded := testModel(t, 7)
	reg := device.NewRegistry(4)
	w, err := New(sharded, reg.List())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	plain := testModel(t, 999)
	if err := plain.LoadStateDict(w.StateDict()); err != nil {
		t.Fatalf("LoadStateDict from sharded: %v", err)
	}

	tokens := []int{1, 2, 3, 4}
	lossA, err := w.Loss(tokens)
	if err != nil {
		t.Fatalf("sharded Loss: %v", err)
	}
	lossB, err := plain.Loss(tokens)
	if err != nil {
		t.Fatalf("unsharded Loss: %v", err)
	}
	if lossA != lossB {
		t.Fatalf("loss differs after checkpoint exchange: %v vs %v", lossA, lossB)
	}
}

func TestTransferAccounting(t *testing.T) {
	m := testModel(t, 3)
	reg := device.NewRegistry(2)
	devs := reg.List()
	w, err := New(m, devs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tokens := []int{5, 6, 7}
	if _, err := w.ForwardBackward(tokens, 1); err != nil {
		t.Fatalf("ForwardBackward: %v", err)
	}

	// Forward crosses onto the second device once per position; backward
	// crosses back onto the first once per position.
	if got := devs[1].TransfersIn(); got != int64(len(tokens)) {
		t.Fatalf("device 1 transfers = %d, want %d", got, len(tokens))
	}
	if got := devs[0].TransfersIn(); got != int64(len(tokens)) {
		t.Fatalf("device 0 transfers = %d, want %d", got, len(tokens))
	}
	wantBytes := int64(len(tokens)) * int64(testConfig().EmbedDim) * 4
	if got := devs[1].BytesIn(); got != wantBytes {
		t.Fatalf("device 1 bytes = %d, want %d", got, wantBytes)
	}

	st := w.NewDecodeState()
	before := devs[1].TransfersIn()
	if _, err := w.DecodeStep(st, 1); err != nil {
		t.Fatalf("DecodeStep: %v", err)
	}
	if got := devs[1].TransfersIn(); got != before+1 {
		t.Fatalf("decode step transfers = %d, want %d", got, before+1)
	}
}

func TestPlacementReservesParameters(t *testing.T) {
	m := testModel(t, 3)
	reg := device.NewRegistry(2)
	devs := reg.List()
	if _, err := New(m, devs); err != nil {
		t.Fatalf("New: %v", err)
	}

	var reserved int64
	for _, d := range devs {
		if d.ReservedBytes() <= 0 {
			t.Fatalf("device %s holds no parameters", d.ID())
		}
		reserved += d.ReservedBytes()
	}
	if want := int64(m.NumParams()) * 4; reserved != want {
		t.Fatalf("reserved %d bytes across devices, want %d", reserved, want)
	}
}

func TestPlacementOverCapacity(t *testing.T) {
	m := testModel(t, 3)
	reg := device.NewRegistryWithCapacity(2, 64) // far too small
	devs := reg.List()

	if _, err := New(m, devs); !errors.Is(err, device.ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
	for _, d := range devs {
		if d.ReservedBytes() != 0 {
			t.Fatalf("device %s still holds %d bytes after failed placement", d.ID(), d.ReservedBytes())
		}
	}
}
