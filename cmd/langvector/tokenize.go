package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/o2ter/LangVector/internal/model"
)

func tokenizeCmd() *cli.Command {
	var (
		noSpecial    bool
		parseSpecial bool
		pieces       bool
	)

	return &cli.Command{
		Name:      "tokenize",
		Usage:     "Print the token ids of a text",
		ArgsUsage: "<text>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to .gguf file",
				Destination: &modelPath,
			},
			&cli.BoolFlag{
				Name:        "no-special",
				Usage:       "do not add BOS/EOS",
				Destination: &noSpecial,
			},
			&cli.BoolFlag{
				Name:        "parse-special",
				Usage:       "match special token texts in the input",
				Destination: &parseSpecial,
			},
			&cli.BoolFlag{
				Name:        "pieces",
				Usage:       "print the piece of every token",
				Destination: &pieces,
			},
			jsonFlag(),
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if modelPath == "" {
				modelPath = config.Model
			}
			if modelPath == "" {
				return errors.New("--model is required")
			}
			if c.Args().Len() != 1 {
				return errors.New("expected exactly one text argument")
			}

			opts := model.DefaultLoadOptions()
			opts.VocabOnly = true
			h, err := model.Load(ctx, modelPath, opts)
			if err != nil {
				return err
			}
			defer h.Dispose()

			tokens, err := h.Tokenize(c.Args().First(), !noSpecial, parseSpecial)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(tokens)
			}
			for _, id := range tokens {
				if pieces {
					piece, err := h.TokenPiece(id, true)
					if err != nil {
						return err
					}
					fmt.Printf("%6d -> %q\n", id, piece)
				} else {
					fmt.Println(id)
				}
			}
			return nil
		},
	}
}
