package main

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/urfave/cli/v3"

	"github.com/calder93/kiln/internal/logger"
	"github.com/calder93/kiln/internal/sampler"
	"github.com/calder93/kiln/internal/train"
)

func generateCmd() *cli.Command {
	var (
		prompt string
		count  int64
		rawSep bool
	)

	flags := append(commonModelFlags(),
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "generation prompt",
			Required:    true,
			Destination: &prompt,
		},
		&cli.Int64Flag{
			Name:        "count",
			Usage:       "number of continuations to sample",
			Value:       1,
			Destination: &count,
		},
		&cli.BoolFlag{
			Name:        "raw",
			Usage:       "use the prompt as-is instead of appending the training separator",
			Destination: &rawSep,
		},
	)
	flags = append(flags, samplingFlags()...)
	flags = append(flags, loggingFlags()...)

	return &cli.Command{
		Name:  "generate",
		Usage: "Sample continuations from a fine-tuned model",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fileCfg := LoadConfig()
			applyCommonConfig(cmd, fileCfg)
			applySamplingConfig(cmd, fileCfg)
			log := logger.ForFormat(logFormat, effectiveLogLevel())

			tok, err := loadTokenizer()
			if err != nil {
				return err
			}
			lm, _, err := loadLM()
			if err != nil {
				return err
			}

			seedText := prompt
			if !rawSep {
				seedText += train.SepMarker
			}
			prefix, err := tok.Encode(seedText)
			if err != nil {
				return err
			}

			smp, err := sampler.New(sampler.Config{
				Temperature:  temperature,
				TopK:         int(topK),
				TopP:         topP,
				MaxNewTokens: int(maxNewTokens),
				StopOnEOS:    true,
				EOSID:        tok.EOSID(),
			}, rand.New(rand.NewSource(rngSeed())))
			if err != nil {
				return err
			}

			for i := int64(0); i < count; i++ {
				res, err := smp.Generate(lm, prefix)
				if err != nil {
					return err
				}
				text, err := tok.Decode(res.Tokens[len(prefix):])
				if err != nil {
					return err
				}
				if count > 1 && i > 0 {
					fmt.Println("----")
				}
				fmt.Println(text)
				log.Debug("generation", "tokens", len(res.Tokens)-len(prefix), "stop", res.Reason.String())
			}
			return nil
		},
	}
}
