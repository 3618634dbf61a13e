package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/o2ter/LangVector/internal/engine"
	"github.com/o2ter/LangVector/internal/inference"
	"github.com/o2ter/LangVector/internal/logger"
	"github.com/o2ter/LangVector/internal/model"
)

func embedCmd() *cli.Command {
	var (
		normalize string
		pooling   string
	)

	return &cli.Command{
		Name:      "embed",
		Usage:     "Print the embedding of one or more texts",
		ArgsUsage: "<text> [text...]",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "normalize",
				Usage:       "normalization (none, maxabs, taxicab, l2)",
				Value:       "l2",
				Destination: &normalize,
			},
			&cli.StringFlag{
				Name:        "pooling",
				Usage:       "pooling (none, mean, cls, last); empty uses the model default",
				Destination: &pooling,
			},
			jsonFlag(),
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyModelConfig(c, config)
			if modelPath == "" {
				return errors.New("--model is required")
			}
			if c.Args().Len() == 0 {
				return errors.New("expected at least one text argument")
			}
			norm, err := engine.ParseNormalization(normalize)
			if err != nil {
				return err
			}
			pool, err := model.ParsePooling(pooling)
			if err != nil {
				return err
			}

			h, err := model.Load(ctx, modelPath, loadOptions())
			if err != nil {
				return err
			}
			defer h.Dispose()

			emb, err := inference.NewEmbedder(h, inference.EmbedderOptions{
				ContextSize: contextSize,
				Threads:     threads,
				Pooling:     pool,
			}, engine.WithLogger(logger.FromContext(ctx)))
			if err != nil {
				return err
			}
			defer func() { _ = emb.Close() }()

			vectors := make([][]float32, 0, c.Args().Len())
			for _, text := range c.Args().Slice() {
				v, err := emb.Embed(ctx, text, norm)
				if err != nil {
					return fmt.Errorf("embed %q: %w", text, err)
				}
				vectors = append(vectors, v)
			}
			if jsonOutput {
				return printJSON(vectors)
			}
			for _, v := range vectors {
				parts := make([]string, len(v))
				for i, x := range v {
					parts[i] = fmt.Sprintf("%.6f", x)
				}
				fmt.Println(strings.Join(parts, " "))
			}
			if len(vectors) > 1 {
				for i := 1; i < len(vectors); i++ {
					sim, err := engine.CosineSimilarity(vectors[0], vectors[i])
					if err != nil {
						return err
					}
					fmt.Printf("cosine(0, %d) = %.6f\n", i, sim)
				}
			}
			return nil
		},
	}
}
