package logits

// Config selects the stages of a sampler chain. Zero values disable the
// corresponding stage except where noted.
type Config struct {
	// Seed of the terminal draw. -1 picks a fresh random seed.
	Seed int64
	// Temperature <= 0 selects the highest logit, lowest id on ties.
	Temperature float32
	TopK        int
	TopP        float32
	MinP        float32
	TypicalP    float32
	// MinKeep is the smallest candidate set shaping may leave; at least 1.
	MinKeep int

	RepeatPenalty    float32
	FrequencyPenalty float32
	PresencePenalty  float32
	// RepeatLastN is the penalty window. -1 uses the whole history and 0
	// disables penalties.
	RepeatLastN     int
	PenalizeNewline bool

	// Bias is added to the logit of each listed token. -Inf masks a token
	// unless it ends generation.
	Bias map[int32]float32

	Grammar Grammar
}

// DefaultConfig mirrors the CLI defaults.
func DefaultConfig() Config {
	return Config{
		Seed:          -1,
		Temperature:   0.8,
		TopK:          40,
		TopP:          0.95,
		MinP:          0.05,
		TypicalP:      1,
		MinKeep:       1,
		RepeatPenalty: 1.1,
		RepeatLastN:   64,
	}
}

// Greedy returns a config that always picks the most likely token.
func Greedy() Config {
	return Config{Seed: 0, Temperature: 0, RepeatLastN: 0}
}

func (c Config) minKeep() int { return max(1, c.MinKeep) }

func (c Config) penalties() bool {
	if c.RepeatLastN == 0 {
		return false
	}
	return (c.RepeatPenalty != 0 && c.RepeatPenalty != 1) || c.FrequencyPenalty != 0 || c.PresencePenalty != 0
}
