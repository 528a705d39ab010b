package train

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/schollz/progressbar/v3"

	"github.com/calder93/kiln/internal/checkpoint"
	"github.com/calder93/kiln/internal/logger"
	"github.com/calder93/kiln/internal/model"
	"github.com/calder93/kiln/internal/optim"
	"github.com/calder93/kiln/internal/sampler"
)

// Codec is the tokenizer surface the trainer needs: encoding sample
// prompts and decoding sampled continuations.
type Codec interface {
	Encoder
	Decode(ids []int) (string, error)
	EOSID() int
}

// Config holds the epoch-loop settings.
type Config struct {
	Epochs    int     `json:"epochs" yaml:"epochs"`
	BatchSize int     `json:"batch_size" yaml:"batch_size"`
	EvalEvery int     `json:"eval_every" yaml:"eval_every"` // steps between held-out evaluations, 0 disables
	ClipNorm  float64 `json:"clip_norm" yaml:"clip_norm"`   // global gradient norm limit, 0 disables

	// Sampled generations written at each evaluation point. Prompts
	// default to the leading held-out examples; SamplePrompt replaces
	// them when set. MaxNewTokens of zero disables sampling.
	SamplePrompt string `json:"sample_prompt" yaml:"sample_prompt"`
	SampleCount  int    `json:"sample_count" yaml:"sample_count"`
	MaxNewTokens int    `json:"max_new_tokens" yaml:"max_new_tokens"`

	Progress bool `json:"-" yaml:"-"`
}

// Validate rejects unusable loop settings.
func (c Config) Validate() error {
	if c.Epochs <= 0 {
		return fmt.Errorf("train: epochs must be positive, got %d", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("train: batch size must be positive, got %d", c.BatchSize)
	}
	if c.EvalEvery < 0 {
		return fmt.Errorf("train: eval_every must not be negative, got %d", c.EvalEvery)
	}
	if c.SamplePrompt != "" && c.MaxNewTokens <= 0 {
		return fmt.Errorf("train: max_new_tokens must be positive when sampling, got %d", c.MaxNewTokens)
	}
	return nil
}

// Summary reports what a completed run did.
type Summary struct {
	Steps     int
	BestLoss  float32
	BestStep  int
	FinalLoss float32
}

// Trainer runs the fine-tuning loop over a tokenized dataset. Examples are
// shuffled each epoch; gradients accumulate across a batch with the loss
// scaled by the batch size, then one optimizer step applies. Every
// EvalEvery steps the held-out set is scored and sampled generations are
// written; an improvement additionally snapshots the weights.
type Trainer struct {
	LM    model.LM
	Tok   Codec
	Opt   *optim.AdamW
	Sched optim.LinearSchedule
	Run   *Run // nil disables checkpoints, generations and the run log
	Log   logger.Logger
	Rng   *rand.Rand
	Cfg   Config
}

// TotalSteps returns how many optimizer steps a dataset of n examples
// takes under the configured epochs and batch size.
func (c Config) TotalSteps(n int) int {
	perEpoch := (n + c.BatchSize - 1) / c.BatchSize
	return perEpoch * c.Epochs
}

// Train runs the full loop and returns its summary.
func (t *Trainer) Train(ctx context.Context, trainSet, evalSet []Example) (Summary, error) {
	if err := t.Cfg.Validate(); err != nil {
		return Summary{}, err
	}
	if len(trainSet) == 0 {
		return Summary{}, fmt.Errorf("train: empty training set")
	}
	if t.Rng == nil {
		return Summary{}, fmt.Errorf("train: nil random source")
	}
	log := t.Log
	if log == nil {
		log = logger.Default()
	}

	sum := Summary{BestLoss: float32(math.Inf(1))}
	idx := make([]int, len(trainSet))
	for i := range idx {
		idx[i] = i
	}

	for epoch := 1; epoch <= t.Cfg.Epochs; epoch++ {
		t.Rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

		batches := (len(idx) + t.Cfg.BatchSize - 1) / t.Cfg.BatchSize
		var bar *progressbar.ProgressBar
		if t.Cfg.Progress {
			bar = progressbar.Default(int64(batches), fmt.Sprintf("epoch %d/%d", epoch, t.Cfg.Epochs))
		}

		for start := 0; start < len(idx); start += t.Cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				return sum, fmt.Errorf("train: interrupted: %w", err)
			}
			end := start + t.Cfg.BatchSize
			if end > len(idx) {
				end = len(idx)
			}
			batch := idx[start:end]

			t.LM.ZeroGrad()
			scale := float32(1) / float32(len(batch))
			var batchLoss float32
			for _, i := range batch {
				loss, err := t.LM.ForwardBackward(trainSet[i].Tokens, scale)
				if err != nil {
					return sum, fmt.Errorf("train: step %d: %w", sum.Steps+1, err)
				}
				batchLoss += loss * scale
			}

			gradNorm := optim.ClipGradNorm(t.LM.Params(), t.Cfg.ClipNorm)
			lr := t.Sched.LR(sum.Steps + 1)
			t.Opt.Step(lr)
			sum.Steps++
			if bar != nil {
				_ = bar.Add(1)
			}
			log.Debug("train step",
				"step", sum.Steps, "epoch", epoch, "loss", batchLoss, "lr", lr, "grad_norm", gradNorm)

			if t.Cfg.EvalEvery > 0 && sum.Steps%t.Cfg.EvalEvery == 0 && len(evalSet) > 0 {
				if err := t.evalPoint(&sum, evalSet, log); err != nil {
					return sum, err
				}
			}
		}
		if bar != nil {
			_ = bar.Finish()
		}
	}

	if len(evalSet) > 0 {
		final, err := t.Evaluate(evalSet)
		if err != nil {
			return sum, err
		}
		sum.FinalLoss = final
		log.Info("training finished", "steps", sum.Steps, "eval_loss", final, "best_loss", sum.BestLoss, "best_step", sum.BestStep)
	} else {
		log.Info("training finished", "steps", sum.Steps)
	}

	if t.Run != nil {
		if err := checkpoint.Save(t.Run.ModelPath("final"), t.LM.StateDict()); err != nil {
			return sum, err
		}
		if err := t.Run.LogLine("final steps=%d eval_loss=%.6f best_loss=%.6f best_step=%d",
			sum.Steps, sum.FinalLoss, sum.BestLoss, sum.BestStep); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func (t *Trainer) evalPoint(sum *Summary, evalSet []Example, log logger.Logger) error {
	loss, err := t.Evaluate(evalSet)
	if err != nil {
		return err
	}
	improved := loss < sum.BestLoss
	if improved {
		sum.BestLoss = loss
		sum.BestStep = sum.Steps
	}
	log.Info("evaluation", "step", sum.Steps, "eval_loss", loss, "improved", improved)

	if t.Run != nil {
		if err := t.Run.LogLine("step=%d eval_loss=%.6f improved=%t", sum.Steps, loss, improved); err != nil {
			return err
		}
		if improved {
			if err := checkpoint.Save(t.Run.ModelPath("best"), t.LM.StateDict()); err != nil {
				return err
			}
		}
		samples, err := t.sample(evalSet)
		if err != nil {
			return err
		}
		if len(samples) > 0 {
			if err := t.Run.WriteGenerations(sum.Steps, samples); err != nil {
				return err
			}
		}
	}
	return nil
}

// Evaluate returns the mean next-token loss over a held-out set.
func (t *Trainer) Evaluate(evalSet []Example) (float32, error) {
	if len(evalSet) == 0 {
		return 0, fmt.Errorf("train: empty evaluation set")
	}
	var total float64
	for i, ex := range evalSet {
		loss, err := t.LM.Loss(ex.Tokens)
		if err != nil {
			return 0, fmt.Errorf("train: evaluating example %d: %w", i, err)
		}
		total += float64(loss)
	}
	return float32(total / float64(len(evalSet))), nil
}

// sample draws continuations with nucleus sampling. Prompts come from the
// leading held-out examples; SamplePrompt replaces them when set.
func (t *Trainer) sample(evalSet []Example) ([]string, error) {
	if t.Tok == nil || t.Cfg.MaxNewTokens <= 0 {
		return nil, nil
	}
	count := t.Cfg.SampleCount
	if count <= 0 {
		count = 1
	}
	var prompts []string
	if t.Cfg.SamplePrompt != "" {
		for i := 0; i < count; i++ {
			prompts = append(prompts, t.Cfg.SamplePrompt)
		}
	} else {
		for i := 0; i < count && i < len(evalSet); i++ {
			prompts = append(prompts, evalSet[i].Prompt)
		}
	}
	if len(prompts) == 0 {
		return nil, nil
	}

	s, err := sampler.New(sampler.Config{
		Temperature:  1,
		TopP:         0.95,
		MaxNewTokens: t.Cfg.MaxNewTokens,
		StopOnEOS:    true,
		EOSID:        t.Tok.EOSID(),
	}, t.Rng)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(prompts))
	for _, prompt := range prompts {
		seed, err := t.Tok.Encode(prompt + SepMarker)
		if err != nil {
			return nil, fmt.Errorf("train: encoding sample prompt: %w", err)
		}
		res, err := s.Generate(t.LM, seed)
		if err != nil {
			return nil, fmt.Errorf("train: sampling: %w", err)
		}
		text, err := t.Tok.Decode(res.Tokens)
		if err != nil {
			return nil, fmt.Errorf("train: decoding sample: %w", err)
		}
		out = append(out, text)
	}
	return out, nil
}
