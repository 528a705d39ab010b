package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/calder93/kiln/internal/api"
	"github.com/calder93/kiln/internal/logger"
	"github.com/calder93/kiln/internal/sampler"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
	)

	flags := append(commonModelFlags(),
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
	)
	flags = append(flags, samplingFlags()...)
	flags = append(flags, loggingFlags()...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve generations over HTTP",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fileCfg := LoadConfig()
			applyCommonConfig(cmd, fileCfg)
			applySamplingConfig(cmd, fileCfg)
			if fileCfg.ServerAddress != "" && !cmd.IsSet("addr") {
				addr = fileCfg.ServerAddress
			}
			log := logger.ForFormat(logFormat, effectiveLogLevel())

			tok, err := loadTokenizer()
			if err != nil {
				return err
			}
			lm, m, err := loadLM()
			if err != nil {
				return err
			}

			defaults := sampler.Config{
				Temperature:  temperature,
				TopK:         int(topK),
				TopP:         topP,
				MaxNewTokens: int(maxNewTokens),
				StopOnEOS:    true,
				EOSID:        tok.EOSID(),
			}
			server := api.NewServer(lm, tok, defaults, log)

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			cfg := m.Config()
			log.Info("starting server",
				"address", addr, "vocab", cfg.VocabSize, "layers", cfg.NumLayers, "context", cfg.MaxSeq)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
