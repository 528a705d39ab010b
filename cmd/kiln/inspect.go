package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/urfave/cli/v3"

	"github.com/calder93/kiln/internal/checkpoint"
	"github.com/calder93/kiln/internal/model"
)

func inspectCmd() *cli.Command {
	var path string

	return &cli.Command{
		Name:  "inspect",
		Usage: "Print the contents of a checkpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "weights",
				Aliases:     []string{"w"},
				Usage:       "path to a .safetensors checkpoint",
				Required:    true,
				Destination: &path,
			},
			&cli.Int64Flag{
				Name:        "heads",
				Usage:       "attention head count for config inference",
				Value:       12,
				Destination: &numHeads,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			f, err := checkpoint.Open(path)
			if err != nil {
				return err
			}

			names := make([]string, 0, len(f.Tensors))
			for name := range f.Tensors {
				names = append(names, name)
			}
			sort.Strings(names)

			var totalBytes int64
			for _, name := range names {
				info := f.Tensors[name]
				fmt.Printf("%-24s %-5s %v\n", name, info.DType, info.Shape)
				totalBytes += info.End - info.Start
			}
			fmt.Printf("\ntensors: %d\ndata: %d bytes\n", len(names), totalBytes)

			sd, err := checkpoint.Load(path)
			if err != nil {
				return err
			}
			cfg, err := model.InferConfig(sd, int(numHeads))
			if err != nil {
				fmt.Printf("config: not a kiln model (%v)\n", err)
				return nil
			}
			fmt.Printf("config: vocab=%d context=%d embed=%d layers=%d heads=%d\n",
				cfg.VocabSize, cfg.MaxSeq, cfg.EmbedDim, cfg.NumLayers, cfg.NumHeads)
			return nil
		},
	}
}
