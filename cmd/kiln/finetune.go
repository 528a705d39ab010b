package main

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/urfave/cli/v3"

	"github.com/calder93/kiln/internal/logger"
	"github.com/calder93/kiln/internal/model"
	"github.com/calder93/kiln/internal/optim"
	"github.com/calder93/kiln/internal/train"
)

func finetuneCmd() *cli.Command {
	var (
		trainPath    string
		evalPath     string
		label        string
		outDir       string
		epochs       int64
		batchSize    int64
		lr           float64
		warmup       int64
		weightDecay  float64
		clipNorm     float64
		evalEvery    int64
		samplePrompt string
		sampleCount  int64

		maxSeq    int64
		embedDim  int64
		numLayers int64
	)

	flags := append(commonModelFlags(),
		&cli.StringFlag{
			Name:        "train",
			Usage:       "training dataset (jsonl with prompt/text fields)",
			Required:    true,
			Destination: &trainPath,
		},
		&cli.StringFlag{
			Name:        "eval",
			Usage:       "held-out dataset (jsonl)",
			Destination: &evalPath,
		},
		&cli.StringFlag{
			Name:        "label",
			Usage:       "run label; artifacts go to <out>/<label>_runs",
			Value:       "finetune",
			Destination: &label,
		},
		&cli.StringFlag{
			Name:        "out",
			Usage:       "directory to create the run under",
			Value:       ".",
			Destination: &outDir,
		},
		&cli.Int64Flag{Name: "epochs", Value: 3, Destination: &epochs},
		&cli.Int64Flag{Name: "batch-size", Value: 8, Destination: &batchSize},
		&cli.Float64Flag{Name: "lr", Usage: "peak learning rate", Value: 3e-5, Destination: &lr},
		&cli.Int64Flag{Name: "warmup", Usage: "warmup steps", Value: 100, Destination: &warmup},
		&cli.Float64Flag{Name: "weight-decay", Value: 0.01, Destination: &weightDecay},
		&cli.Float64Flag{Name: "clip", Usage: "gradient norm limit (0 disables)", Value: 1.0, Destination: &clipNorm},
		&cli.Int64Flag{Name: "eval-every", Usage: "steps between evaluations (0 disables)", Value: 40, Destination: &evalEvery},
		&cli.StringFlag{Name: "sample-prompt", Usage: "prompt for generations at each evaluation (default: leading eval prompts)", Destination: &samplePrompt},
		&cli.Int64Flag{Name: "sample-count", Value: 3, Destination: &sampleCount},
		&cli.Int64Flag{Name: "max-seq", Usage: "context length for a fresh model", Value: 256, Destination: &maxSeq},
		&cli.Int64Flag{Name: "embed-dim", Usage: "embedding width for a fresh model", Value: 192, Destination: &embedDim},
		&cli.Int64Flag{Name: "layers", Usage: "block count for a fresh model", Value: 4, Destination: &numLayers},
	)
	flags = append(flags, samplingFlags()...)
	flags = append(flags, loggingFlags()...)

	return &cli.Command{
		Name:  "finetune",
		Usage: "Fine-tune a model on a prompt/text dataset",
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

			raw, err := train.LoadJSONL(trainPath)
			if err != nil {
				return err
			}

			var lm model.LM
			var m *model.Model
			if weightsPath != "" {
				lm, m, err = loadLM()
			} else {
				m, err = model.New(model.Config{
					VocabSize: tok.VocabSize(),
					MaxSeq:    int(maxSeq),
					EmbedDim:  int(embedDim),
					NumLayers: int(numLayers),
					NumHeads:  int(numHeads),
				}, rngSeed())
				if err == nil {
					lm, m, err = shardModel(m)
				}
			}
			if err != nil {
				return err
			}
			cfg := m.Config()

			trainSet, err := train.BuildDataset(tok, raw, cfg.MaxSeq)
			if err != nil {
				return err
			}
			var evalSet []train.Example
			if evalPath != "" {
				rawEval, err := train.LoadJSONL(evalPath)
				if err != nil {
					return err
				}
				if evalSet, err = train.BuildDataset(tok, rawEval, cfg.MaxSeq); err != nil {
					return err
				}
			}

			run, err := train.NewRun(outDir, label)
			if err != nil {
				return err
			}
			if err := run.WriteManifest(train.Fingerprint(trainSet)); err != nil {
				return err
			}

			adamCfg := optim.DefaultAdamW()
			adamCfg.LR = lr
			adamCfg.WeightDecay = weightDecay
			opt, err := optim.NewAdamW(m.Params(), adamCfg)
			if err != nil {
				return err
			}

			loopCfg := train.Config{
				Epochs:       int(epochs),
				BatchSize:    int(batchSize),
				EvalEvery:    int(evalEvery),
				ClipNorm:     clipNorm,
				SamplePrompt: samplePrompt,
				SampleCount:  int(sampleCount),
				MaxNewTokens: int(maxNewTokens),
				Progress:     true,
			}
			tr := &train.Trainer{
				LM:  lm,
				Tok: tok,
				Opt: opt,
				Sched: optim.LinearSchedule{
					Base:   lr,
					Warmup: int(warmup),
					Total:  loopCfg.TotalSteps(len(trainSet)),
				},
				Run: run,
				Log: log,
				Rng: rand.New(rand.NewSource(rngSeed())),
				Cfg: loopCfg,
			}

			log.Info("starting fine-tune",
				"run", run.Dir, "examples", len(trainSet), "eval_examples", len(evalSet),
				"vocab", cfg.VocabSize, "layers", cfg.NumLayers, "embed", cfg.EmbedDim)
			sum, err := tr.Train(ctx, trainSet, evalSet)
			if err != nil {
				return err
			}
			fmt.Printf("run %s: %d steps, best eval loss %.4f at step %d, final %.4f\n",
				run.Dir, sum.Steps, sum.BestLoss, sum.BestStep, sum.FinalLoss)
			return nil
		},
	}
}
