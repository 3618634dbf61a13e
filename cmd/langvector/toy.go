package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/o2ter/LangVector/internal/gguf"
	"github.com/o2ter/LangVector/internal/logger"
	"github.com/o2ter/LangVector/internal/model"
	"github.com/o2ter/LangVector/internal/toy"
)

func toyCmd() *cli.Command {
	var (
		out       string
		seed      int64
		typ       string
		layers    int
		embd      int
		ctxLen    int
		tieOutput bool
		pooling   string
	)
	def := toy.DefaultConfig()

	return &cli.Command{
		Name:  "toy",
		Usage: "Write a small random llama model for testing",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output .gguf path", Destination: &out},
			&cli.Int64Flag{Name: "seed", Usage: "weight seed", Value: int64(def.Seed), Destination: &seed},
			&cli.StringFlag{Name: "type", Usage: "projection type (f32, f16, bf16, q8_0)", Value: "f32", Destination: &typ},
			&cli.IntFlag{Name: "layers", Usage: "transformer blocks", Value: def.Layers, Destination: &layers},
			&cli.IntFlag{Name: "embd", Usage: "embedding size (multiple of 8)", Value: def.Embd, Destination: &embd},
			&cli.IntFlag{Name: "context", Usage: "training context length", Value: def.Context, Destination: &ctxLen},
			&cli.BoolFlag{Name: "tie-output", Usage: "reuse the token embeddings for logits", Destination: &tieOutput},
			&cli.StringFlag{Name: "pooling", Usage: "pooling type stored in the metadata (none, mean, cls, last)", Destination: &pooling},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if out == "" {
				return errors.New("--out is required")
			}
			tt, err := parseTensorType(typ)
			if err != nil {
				return err
			}
			pool, err := model.ParsePooling(pooling)
			if err != nil {
				return err
			}

			cfg := def
			cfg.Seed = uint64(seed)
			cfg.Type = tt
			cfg.Layers = layers
			cfg.Embd = embd
			cfg.FFN = embd * 2
			cfg.Context = ctxLen
			cfg.TieOutput = tieOutput
			cfg.Pooling = int(pool)
			if err := toy.Write(out, cfg); err != nil {
				return err
			}
			logger.FromContext(ctx).Info("wrote toy model", "path", out, "type", tt.String(), "vocab", toy.VocabSize())
			return nil
		},
	}
}

func parseTensorType(s string) (gguf.TensorType, error) {
	switch strings.ToLower(s) {
	case "f32":
		return gguf.TypeF32, nil
	case "f16":
		return gguf.TypeF16, nil
	case "bf16":
		return gguf.TypeBF16, nil
	case "q8_0", "q8":
		return gguf.TypeQ8_0, nil
	}
	return 0, fmt.Errorf("unsupported tensor type %q", s)
}
