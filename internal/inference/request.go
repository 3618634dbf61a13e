package inference

import "github.com/o2ter/LangVector/internal/logits"

// RequestOptions are per request overrides. Nil fields keep the defaults.
type RequestOptions struct {
	Prompt       string
	MaxTokens    *int
	StopTriggers []string

	Seed             *int64
	Temperature      *float64
	TopK             *int
	TopP             *float64
	MinP             *float64
	TypicalP         *float64
	RepeatPenalty    *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	RepeatLastN      *int
	PenalizeNewline  *bool
	Bias             map[int32]float32
}

// GenDefaults are the configured sampling defaults, typically from the
// config file.
type GenDefaults struct {
	MaxTokens     *int
	Temperature   *float64
	TopK          *int
	TopP          *float64
	MinP          *float64
	RepeatPenalty *float64
	RepeatLastN   *int
}

// ResolveRequest layers opts over defaults over the built in sampler
// defaults.
func ResolveRequest(opts RequestOptions, defaults GenDefaults) GenerateOptions {
	cfg := logits.DefaultConfig()
	out := GenerateOptions{
		MaxTokens:    -1,
		StopTriggers: opts.StopTriggers,
	}

	if defaults.MaxTokens != nil {
		out.MaxTokens = *defaults.MaxTokens
	}
	if defaults.Temperature != nil && *defaults.Temperature >= 0 {
		cfg.Temperature = float32(*defaults.Temperature)
	}
	if defaults.TopK != nil && *defaults.TopK >= 0 {
		cfg.TopK = *defaults.TopK
	}
	if defaults.TopP != nil && *defaults.TopP > 0 && *defaults.TopP <= 1 {
		cfg.TopP = float32(*defaults.TopP)
	}
	if defaults.MinP != nil && *defaults.MinP >= 0 {
		cfg.MinP = float32(*defaults.MinP)
	}
	if defaults.RepeatPenalty != nil && *defaults.RepeatPenalty > 0 {
		cfg.RepeatPenalty = float32(*defaults.RepeatPenalty)
	}
	if defaults.RepeatLastN != nil {
		cfg.RepeatLastN = *defaults.RepeatLastN
	}

	if opts.MaxTokens != nil {
		out.MaxTokens = *opts.MaxTokens
	}
	if opts.Seed != nil {
		cfg.Seed = *opts.Seed
	}
	if opts.Temperature != nil {
		cfg.Temperature = float32(*opts.Temperature)
	}
	if opts.TopK != nil {
		cfg.TopK = *opts.TopK
	}
	if opts.TopP != nil {
		cfg.TopP = float32(*opts.TopP)
	}
	if opts.MinP != nil {
		cfg.MinP = float32(*opts.MinP)
	}
	if opts.TypicalP != nil {
		cfg.TypicalP = float32(*opts.TypicalP)
	}
	if opts.RepeatPenalty != nil {
		cfg.RepeatPenalty = float32(*opts.RepeatPenalty)
	}
	if opts.FrequencyPenalty != nil {
		cfg.FrequencyPenalty = float32(*opts.FrequencyPenalty)
	}
	if opts.PresencePenalty != nil {
		cfg.PresencePenalty = float32(*opts.PresencePenalty)
	}
	if opts.RepeatLastN != nil {
		cfg.RepeatLastN = *opts.RepeatLastN
	}
	if opts.PenalizeNewline != nil {
		cfg.PenalizeNewline = *opts.PenalizeNewline
	}
	if len(opts.Bias) > 0 {
		cfg.Bias = opts.Bias
	}

	out.Sampler = cfg
	return out
}
