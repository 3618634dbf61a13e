package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/urfave/cli/v3"

	"github.com/o2ter/LangVector/internal/chat"
	"github.com/o2ter/LangVector/internal/inference"
	"github.com/o2ter/LangVector/internal/logger"
)

func generateCmd() *cli.Command {
	var (
		prompt           string
		maxTokens        int
		seed             int64
		temp             float64
		topK             int
		topP             float64
		minP             float64
		typicalP         float64
		repeatPenalty    float64
		repeatLastN      int
		frequencyPenalty float64
		presencePenalty  float64
		chatMode         bool
		system           string
	)

	return &cli.Command{
		Name:    "generate",
		Aliases: []string{"gen"},
		Usage:   "Generate a completion for a prompt",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text",
				Destination: &prompt,
			},
			&cli.IntFlag{
				Name:        "max-tokens",
				Aliases:     []string{"n"},
				Usage:       "number of tokens to generate (-1 = until end of generation)",
				Value:       -1,
				Destination: &maxTokens,
			},
			&cli.StringSliceFlag{
				Name:  "stop",
				Usage: "stop when this text is generated (repeatable)",
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "sampler seed (-1 = random)",
				Value:       -1,
				Destination: &seed,
			},
			&cli.Float64Flag{
				Name:        "temp",
				Aliases:     []string{"temperature"},
				Usage:       "sampling temperature (0 = greedy)",
				Value:       0.8,
				Destination: &temp,
			},
			&cli.IntFlag{
				Name:        "top-k",
				Usage:       "top_k sampling parameter (0 = disabled)",
				Value:       40,
				Destination: &topK,
			},
			&cli.Float64Flag{
				Name:        "top-p",
				Usage:       "top_p sampling parameter",
				Value:       0.95,
				Destination: &topP,
			},
			&cli.Float64Flag{
				Name:        "min-p",
				Usage:       "min_p sampling parameter (0.0 = disabled)",
				Value:       0.05,
				Destination: &minP,
			},
			&cli.Float64Flag{
				Name:        "typical-p",
				Usage:       "locally typical sampling (1.0 = disabled)",
				Value:       1,
				Destination: &typicalP,
			},
			&cli.Float64Flag{
				Name:        "repeat-penalty",
				Usage:       "repetition penalty (1.0 = disabled)",
				Value:       1.1,
				Destination: &repeatPenalty,
			},
			&cli.IntFlag{
				Name:        "repeat-last-n",
				Usage:       "tokens considered for penalties (0 = disabled, -1 = context size)",
				Value:       64,
				Destination: &repeatLastN,
			},
			&cli.Float64Flag{
				Name:        "frequency-penalty",
				Usage:       "frequency penalty (0.0 = disabled)",
				Destination: &frequencyPenalty,
			},
			&cli.Float64Flag{
				Name:        "presence-penalty",
				Usage:       "presence penalty (0.0 = disabled)",
				Destination: &presencePenalty,
			},
			&cli.BoolFlag{
				Name:        "chat",
				Usage:       "send the prompt as a user turn in the model's chat format",
				Destination: &chatMode,
			},
			&cli.StringFlag{
				Name:        "system",
				Usage:       "system message for --chat",
				Destination: &system,
			},
			chatWrapperFlag(),
			jsonFlag(),
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(c, config)
			if modelPath == "" {
				return errors.New("--model is required")
			}
			if prompt == "" {
				return errors.New("--prompt is required")
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()

			rt, err := inference.Loader{
				ModelPath: modelPath,
				Load:      loadOptions(),
				Context:   contextOptions(),
				Defaults:  config.genDefaults(),
			}.Open(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			session, err := rt.Session(0)
			if err != nil {
				return err
			}
			defer func() { _ = session.Close() }()

			req := inference.RequestOptions{
				Prompt:           prompt,
				StopTriggers:     c.StringSlice("stop"),
				MaxTokens:        setOrNil(c, "max-tokens", maxTokens),
				Seed:             setOrNil(c, "seed", seed),
				Temperature:      setOrNil(c, "temp", temp),
				TopK:             setOrNil(c, "top-k", topK),
				TopP:             setOrNil(c, "top-p", topP),
				MinP:             setOrNil(c, "min-p", minP),
				TypicalP:         setOrNil(c, "typical-p", typicalP),
				RepeatPenalty:    setOrNil(c, "repeat-penalty", repeatPenalty),
				RepeatLastN:      setOrNil(c, "repeat-last-n", repeatLastN),
				FrequencyPenalty: setOrNil(c, "frequency-penalty", frequencyPenalty),
				PresencePenalty:  setOrNil(c, "presence-penalty", presencePenalty),
			}
			opts := inference.ResolveRequest(req, rt.Defaults)
			if !jsonOutput {
				opts.OnText = func(text string) { fmt.Print(text) }
			}

			text, addBOS := prompt, true
			if chatMode {
				w, err := chat.Resolve(chatWrapper, rt.Model.Vocab())
				if err != nil {
					return err
				}
				var msgs []chat.Message
				if system != "" {
					msgs = append(msgs, chat.Message{Role: chat.RoleSystem, Content: system})
				}
				msgs = append(msgs, chat.Message{Role: chat.RoleUser, Content: prompt})
				text, err = w.Render(chat.Options{Messages: msgs, AddGenerationPrompt: true})
				if err != nil {
					return err
				}
				addBOS = w.AddBOS()
				opts.StopTriggers = append(opts.StopTriggers, w.StopTriggers(rt.Model.Vocab())...)
				log.Debug("rendered chat prompt", "wrapper", w.Name())
			}

			tokens, err := rt.Model.Tokenize(text, addBOS, true)
			if err != nil {
				return err
			}
			res, err := session.Generate(ctx, tokens, opts)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(res)
			}
			fmt.Println()
			log.Info("generation finished",
				"stop_reason", res.StopReason,
				"prompt_tokens", res.Stats.PromptTokens,
				"tokens", res.Stats.TokensGenerated,
				"duration", res.Stats.Duration,
				"tps", fmt.Sprintf("%.2f", res.Stats.TPS),
			)
			return nil
		},
	}
}

// setOrNil returns &v when the flag was given on the command line, so
// config defaults still apply to the rest.
func setOrNil[T any](c *cli.Command, name string, v T) *T {
	if !c.IsSet(name) {
		return nil
	}
	return &v
}
