package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/o2ter/LangVector/internal/inference"
)

// Config represents the config file (~/.config/langvector/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	Model string `yaml:"model"`

	ContextSize    *int  `yaml:"ctx_size"`
	BatchSize      *int  `yaml:"batch_size"`
	Threads        *int  `yaml:"threads"`
	FlashAttention *bool `yaml:"flash_attn"`

	// ChatWrapper names the chat prompt format: auto, llama3 or chatml.
	ChatWrapper string `yaml:"chat_wrapper"`

	// Sampling defaults
	Temperature   *float64 `yaml:"temperature"`
	TopK          *int     `yaml:"top_k"`
	TopP          *float64 `yaml:"top_p"`
	MinP          *float64 `yaml:"min_p"`
	RepeatPenalty *float64 `yaml:"repeat_penalty"`
	RepeatLastN   *int     `yaml:"repeat_last_n"`
	MaxTokens     *int     `yaml:"max_tokens"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string   `yaml:"server_address"`
	Parallel      *int     `yaml:"parallel"`
	RateLimit     *float64 `yaml:"rate_limit"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "langvector", "config.yaml")
}

// LoadConfig reads path, or the default location when path is empty. A
// missing file yields a zero Config; a malformed one is an error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
	}
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyModelConfig applies config file defaults to the model flags that
// were not set explicitly.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.Model != "" && !c.IsSet("model") {
		modelPath = cfg.Model
	}
	if cfg.ContextSize != nil && !c.IsSet("ctx-size") {
		contextSize = *cfg.ContextSize
	}
	if cfg.BatchSize != nil && !c.IsSet("batch-size") {
		batchSize = *cfg.BatchSize
	}
	if cfg.Threads != nil && !c.IsSet("threads") {
		threads = *cfg.Threads
	}
	if cfg.FlashAttention != nil && !c.IsSet("flash-attn") {
		flashAttn = *cfg.FlashAttention
	}
	if cfg.ChatWrapper != "" && !c.IsSet("chat-wrapper") {
		chatWrapper = cfg.ChatWrapper
	}
}

// genDefaults are the sampling defaults of the config file.
func (cfg Config) genDefaults() inference.GenDefaults {
	return inference.GenDefaults{
		MaxTokens:     cfg.MaxTokens,
		Temperature:   cfg.Temperature,
		TopK:          cfg.TopK,
		TopP:          cfg.TopP,
		MinP:          cfg.MinP,
		RepeatPenalty: cfg.RepeatPenalty,
		RepeatLastN:   cfg.RepeatLastN,
	}
}
