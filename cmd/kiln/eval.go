package main

import (
	"context"
	"fmt"
	"math"

	"github.com/urfave/cli/v3"

	"github.com/calder93/kiln/internal/logger"
	"github.com/calder93/kiln/internal/train"
)

func evalCmd() *cli.Command {
	var dataPath string

	flags := append(commonModelFlags(),
		&cli.StringFlag{
			Name:        "data",
			Usage:       "dataset to score (jsonl with prompt/text fields)",
			Required:    true,
			Destination: &dataPath,
		},
	)
	flags = append(flags, loggingFlags()...)

	return &cli.Command{
		Name:  "eval",
		Usage: "Score a dataset with a fine-tuned model",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyCommonConfig(cmd, LoadConfig())
			log := logger.ForFormat(logFormat, effectiveLogLevel())

			tok, err := loadTokenizer()
			if err != nil {
				return err
			}
			lm, m, err := loadLM()
			if err != nil {
				return err
			}

			raw, err := train.LoadJSONL(dataPath)
			if err != nil {
				return err
			}
			examples, err := train.BuildDataset(tok, raw, m.Config().MaxSeq)
			if err != nil {
				return err
			}

			tr := &train.Trainer{LM: lm, Log: log}
			loss, err := tr.Evaluate(examples)
			if err != nil {
				return err
			}
			fmt.Printf("examples: %d\nmean loss: %.4f\nperplexity: %.2f\n",
				len(examples), loss, math.Exp(float64(loss)))
			return nil
		},
	}
}
