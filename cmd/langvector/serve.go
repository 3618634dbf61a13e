package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/o2ter/LangVector/internal/api"
	"github.com/o2ter/LangVector/internal/chat"
	"github.com/o2ter/LangVector/internal/engine"
	"github.com/o2ter/LangVector/internal/inference"
	"github.com/o2ter/LangVector/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		slotTimeout time.Duration
		parallel    int
		workers     int
		rateLimit   float64
		burst       int
		embeddings  bool
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the model over HTTP",
		Flags: append(commonModelFlags(),
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
			&cli.DurationFlag{
				Name:        "slot-timeout",
				Usage:       "how long a request waits for a free sequence",
				Value:       30 * time.Second,
				Destination: &slotTimeout,
			},
			&cli.IntFlag{
				Name:        "parallel",
				Aliases:     []string{"np"},
				Usage:       "number of sequences served concurrently",
				Value:       1,
				Destination: &parallel,
			},
			&cli.IntFlag{
				Name:        "workers",
				Usage:       "async worker goroutines shared by the contexts",
				Value:       2,
				Destination: &workers,
			},
			&cli.Float64Flag{
				Name:        "rate-limit",
				Usage:       "requests per second over all clients (0 = unlimited)",
				Destination: &rateLimit,
			},
			&cli.IntFlag{
				Name:        "burst",
				Usage:       "rate limiter burst",
				Value:       8,
				Destination: &burst,
			},
			&cli.BoolFlag{
				Name:        "embeddings",
				Usage:       "enable /v1/embeddings on a dedicated context",
				Destination: &embeddings,
			},
			chatWrapperFlag(),
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(c, config)
			if config.ServerAddress != "" && !c.IsSet("addr") {
				addr = config.ServerAddress
			}
			if config.Parallel != nil && !c.IsSet("parallel") {
				parallel = *config.Parallel
			}
			if config.RateLimit != nil && !c.IsSet("rate-limit") {
				rateLimit = *config.RateLimit
			}
			if modelPath == "" {
				return errors.New("--model is required")
			}

			opts := contextOptions()
			opts.Sequences = max(parallel, 1)
			rt, err := inference.Loader{
				ModelPath: modelPath,
				Load:      loadOptions(),
				Context:   opts,
				Workers:   workers,
				Defaults:  config.genDefaults(),
			}.Open(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			wrapper, err := chat.Resolve(chatWrapper, rt.Model.Vocab())
			if err != nil {
				return err
			}
			cfg := api.Config{
				Runtime:     rt,
				Chat:        wrapper,
				SlotTimeout: slotTimeout,
				RateLimit:   rateLimit,
				Burst:       burst,
				Logger:      log.With("component", "api"),
			}
			if embeddings {
				embOpts := inference.DefaultEmbedderOptions()
				embOpts.ContextSize = rt.Context.BatchSize()
				embOpts.Threads = threads
				emb, err := inference.NewEmbedder(rt.Model, embOpts, engine.WithLogger(log))
				if err != nil {
					return err
				}
				defer func() { _ = emb.Close() }()
				cfg.Embedder = emb
			}

			server := api.NewServer(cfg)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "sequences", opts.Sequences, "chat", wrapper.Name())
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
