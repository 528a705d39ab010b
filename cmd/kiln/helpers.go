package main

import (
	"fmt"
	"time"

	"github.com/calder93/kiln/internal/checkpoint"
	"github.com/calder93/kiln/internal/device"
	"github.com/calder93/kiln/internal/model"
	"github.com/calder93/kiln/internal/shard"
	"github.com/calder93/kiln/internal/tokenizer"
)

func loadTokenizer() (*tokenizer.Tokenizer, error) {
	if vocabPath == "" || mergesPath == "" {
		return nil, fmt.Errorf("kiln: --vocab and --merges are required")
	}
	return tokenizer.Load(vocabPath, mergesPath)
}

// resolveDevices maps the --devices flag onto the host registry. An empty
// flag means the first device.
func resolveDevices() ([]*device.Device, error) {
	reg := device.Detect()
	ids := device.ParseList(deviceList)
	if len(ids) == 0 {
		all := reg.List()
		if len(all) == 0 {
			return nil, device.ErrNoDevices
		}
		return all[:1], nil
	}
	return reg.Resolve(ids)
}

// loadLM restores a model from --weights and shards it across the resolved
// devices. The concrete model is returned alongside for weight access.
func loadLM() (model.LM, *model.Model, error) {
	if weightsPath == "" {
		return nil, nil, fmt.Errorf("kiln: --weights is required")
	}
	sd, err := checkpoint.Load(weightsPath)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := model.InferConfig(sd, int(numHeads))
	if err != nil {
		return nil, nil, err
	}
	m, err := model.New(cfg, rngSeed())
	if err != nil {
		return nil, nil, err
	}
	if err := m.LoadStateDict(sd); err != nil {
		return nil, nil, err
	}
	return shardModel(m)
}

func shardModel(m *model.Model) (model.LM, *model.Model, error) {
	devs, err := resolveDevices()
	if err != nil {
		return nil, nil, err
	}
	if len(devs) == 1 {
		return m, m, nil
	}
	w, err := shard.New(m, devs)
	if err != nil {
		return nil, nil, err
	}
	return w, m, nil
}

func rngSeed() int64 {
	if seed != 0 {
		return seed
	}
	return time.Now().UnixNano()
}
