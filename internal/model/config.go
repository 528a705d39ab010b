package model

import "fmt"

// Config describes the shape of a decoder-only transformer.
type Config struct {
	VocabSize int `json:"vocab_size"`
	MaxSeq    int `json:"max_seq"`
	EmbedDim  int `json:"embed_dim"`
	NumLayers int `json:"num_layers"`
	NumHeads  int `json:"num_heads"`
}

// Validate checks the configuration before any allocation happens.
func (c Config) Validate() error {
	if c.VocabSize <= 0 {
		return fmt.Errorf("model: vocab size must be positive, got %d", c.VocabSize)
	}
	if c.MaxSeq < 2 {
		return fmt.Errorf("model: max sequence length must be at least 2, got %d", c.MaxSeq)
	}
	if c.EmbedDim <= 0 {
		return fmt.Errorf("model: embed dim must be positive, got %d", c.EmbedDim)
	}
	if c.NumLayers <= 0 {
		return fmt.Errorf("model: layer count must be positive, got %d", c.NumLayers)
	}
	if c.NumHeads <= 0 {
		return fmt.Errorf("model: head count must be positive, got %d", c.NumHeads)
	}
	if c.EmbedDim%c.NumHeads != 0 {
		return fmt.Errorf("model: embed dim %d not divisible by head count %d", c.EmbedDim, c.NumHeads)
	}
	return nil
}

// HeadDim returns the per-head dimension.
func (c Config) HeadDim() int { return c.EmbedDim / c.NumHeads }
