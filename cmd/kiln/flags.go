package main

import "github.com/urfave/cli/v3"

var (
	vocabPath   string
	mergesPath  string
	weightsPath string
	deviceList  string
	numHeads    int64

	temperature  float64
	topK         int64
	topP         float64
	maxNewTokens int64
	seed         int64

	logLevel  string
	logFormat string
	debug     bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "vocab",
			Usage:       "path to vocab.json",
			Destination: &vocabPath,
		},
		&cli.StringFlag{
			Name:        "merges",
			Usage:       "path to merges.txt",
			Destination: &mergesPath,
		},
		&cli.StringFlag{
			Name:        "weights",
			Aliases:     []string{"w"},
			Usage:       "path to a .safetensors checkpoint",
			Destination: &weightsPath,
		},
		&cli.Int64Flag{
			Name:        "heads",
			Usage:       "attention head count (not stored in checkpoints)",
			Value:       12,
			Destination: &numHeads,
		},
		&cli.StringFlag{
			Name:        "devices",
			Aliases:     []string{"d"},
			Usage:       "comma-separated device list, e.g. cpu:0,cpu:1 (empty means cpu:0)",
			Destination: &deviceList,
		},
	}
}

func samplingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Float64Flag{
			Name:        "temperature",
			Aliases:     []string{"temp", "t"},
			Usage:       "sampling temperature",
			Value:       1.0,
			Destination: &temperature,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Usage:       "keep only the k most probable tokens (0 disables)",
			Destination: &topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Usage:       "nucleus sampling threshold (1 disables)",
			Value:       0.95,
			Destination: &topP,
		},
		&cli.Int64Flag{
			Name:        "max-new-tokens",
			Aliases:     []string{"n"},
			Usage:       "maximum tokens generated beyond the prompt",
			Value:       64,
			Destination: &maxNewTokens,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "random seed (0 means time-based)",
			Destination: &seed,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func effectiveLogLevel() string {
	if debug {
		return "debug"
	}
	return logLevel
}
