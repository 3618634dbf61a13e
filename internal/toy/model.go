// Package toy writes small deterministic llama style models. They carry a
// real SentencePiece vocabulary with byte fallback so every code path of
// the engine can run against them without external downloads.
package toy

import (
	"fmt"
	"math"

	"github.com/o2ter/LangVector/internal/gguf"
	"github.com/o2ter/LangVector/internal/tensor"
)

// Fixed token ids of the toy vocabulary.
const (
	TokenUNK   int32 = 0
	TokenBOS   int32 = 1
	TokenEOS   int32 = 2
	TokenEOT   int32 = 3
	firstByte  int32 = 4
	firstPiece int32 = firstByte + 256
)

// EOTText is the chat turn terminator stored at TokenEOT.
const EOTText = "<|im_end|>"

type Config struct {
	Arch    string
	Embd    int
	Layers  int
	Heads   int
	KVHeads int
	FFN     int
	Context int
	Seed    uint64
	// Type is the storage type of the projection matrices.
	Type gguf.TensorType
	// TieOutput omits output.weight so logits reuse the embeddings.
	TieOutput bool
	// Pooling is written as <arch>.pooling_type when >= 0.
	Pooling int
}

func DefaultConfig() Config {
	return Config{
		Arch:    "llama",
		Embd:    32,
		Layers:  2,
		Heads:   4,
		KVHeads: 2,
		FFN:     64,
		Context: 256,
		Seed:    1,
		Type:    gguf.TypeF32,
		Pooling: -1,
	}
}

var pieces = []string{
	"▁", "he", "ll", "llo", "hello", "▁hello", "or", "ld", "▁w", "▁wor", "▁world",
	"in", "er", "th", "▁t", "▁th", "▁the", "▁a", "an", "▁an", "and", "▁and",
}

// Vocabulary returns the token texts, scores and GGUF token types.
func Vocabulary() ([]string, []float32, []int32) {
	tokens := []string{"<unk>", "<s>", "</s>", EOTText}
	types := []int32{2, 3, 3, 3}
	for b := range 256 {
		tokens = append(tokens, fmt.Sprintf("<0x%02X>", b))
		types = append(types, 6)
	}
	for c := byte('!'); c <= '~'; c++ {
		tokens = append(tokens, string(c))
		types = append(types, 1)
	}
	for _, p := range pieces {
		tokens = append(tokens, p)
		types = append(types, 1)
	}
	scores := make([]float32, len(tokens))
	for i := int(firstPiece); i < len(tokens); i++ {
		// Longer pieces merge first.
		scores[i] = float32(len(tokens[i])) - float32(i)/1000
	}
	return tokens, scores, types
}

// VocabSize is the number of tokens in the toy vocabulary.
func VocabSize() int {
	tokens, _, _ := Vocabulary()
	return len(tokens)
}

// Write creates the model file at path.
func Write(path string, cfg Config) error {
	w, err := Build(cfg)
	if err != nil {
		return err
	}
	return w.WriteFile(path)
}

// Build assembles the model in memory.
func Build(cfg Config) (*gguf.Writer, error) {
	if cfg.Arch == "" {
		cfg.Arch = "llama"
	}
	if cfg.Heads <= 0 || cfg.KVHeads <= 0 || cfg.Embd%cfg.Heads != 0 {
		return nil, fmt.Errorf("toy: embedding %d does not split into %d heads", cfg.Embd, cfg.Heads)
	}
	tokens, scores, types := Vocabulary()
	vocab := len(tokens)
	headDim := cfg.Embd / cfg.Heads
	kvDim := headDim * cfg.KVHeads
	arch := cfg.Arch

	w := gguf.NewWriter()
	meta := []struct {
		key string
		val any
	}{
		{"general.architecture", arch},
		{"general.name", "toy"},
		{arch + ".context_length", uint32(cfg.Context)},
		{arch + ".embedding_length", uint32(cfg.Embd)},
		{arch + ".block_count", uint32(cfg.Layers)},
		{arch + ".feed_forward_length", uint32(cfg.FFN)},
		{arch + ".attention.head_count", uint32(cfg.Heads)},
		{arch + ".attention.head_count_kv", uint32(cfg.KVHeads)},
		{arch + ".rope.freq_base", float32(10000)},
		{arch + ".attention.layer_norm_rms_epsilon", float32(1e-5)},
		{"tokenizer.ggml.model", "llama"},
		{"tokenizer.ggml.tokens", tokens},
		{"tokenizer.ggml.scores", scores},
		{"tokenizer.ggml.token_type", types},
		{"tokenizer.ggml.unknown_token_id", uint32(TokenUNK)},
		{"tokenizer.ggml.bos_token_id", uint32(TokenBOS)},
		{"tokenizer.ggml.eos_token_id", uint32(TokenEOS)},
		{"tokenizer.ggml.eot_token_id", uint32(TokenEOT)},
		{"tokenizer.ggml.add_bos_token", true},
		{"tokenizer.ggml.add_eos_token", false},
	}
	if cfg.Pooling >= 0 {
		meta = append(meta, struct {
			key string
			val any
		}{arch + ".pooling_type", uint32(cfg.Pooling)})
	}
	for _, m := range meta {
		if err := w.Set(m.key, m.val); err != nil {
			return nil, err
		}
	}

	seed := cfg.Seed
	next := func() uint64 {
		seed++
		return seed
	}
	matrix := func(name string, rows, cols int, typ gguf.TensorType) error {
		m := tensor.NewMat(rows, cols)
		tensor.FillRand(&m, next(), float32(1/math.Sqrt(float64(cols))))
		return w.AddF32(name, typ, []uint64{uint64(cols), uint64(rows)}, m.Data)
	}
	ones := func(name string, n int) error {
		v := make([]float32, n)
		for i := range v {
			v[i] = 1
		}
		return w.AddF32(name, gguf.TypeF32, []uint64{uint64(n)}, v)
	}

	if err := matrix("token_embd.weight", vocab, cfg.Embd, gguf.TypeF32); err != nil {
		return nil, err
	}
	for i := range cfg.Layers {
		name := func(s string) string { return fmt.Sprintf("blk.%d.%s.weight", i, s) }
		steps := []error{
			ones(name("attn_norm"), cfg.Embd),
			matrix(name("attn_q"), cfg.Embd, cfg.Embd, cfg.Type),
			matrix(name("attn_k"), kvDim, cfg.Embd, cfg.Type),
			matrix(name("attn_v"), kvDim, cfg.Embd, cfg.Type),
			matrix(name("attn_output"), cfg.Embd, cfg.Embd, cfg.Type),
			ones(name("ffn_norm"), cfg.Embd),
			matrix(name("ffn_gate"), cfg.FFN, cfg.Embd, cfg.Type),
			matrix(name("ffn_up"), cfg.FFN, cfg.Embd, cfg.Type),
			matrix(name("ffn_down"), cfg.Embd, cfg.FFN, cfg.Type),
		}
		for _, err := range steps {
			if err != nil {
				return nil, err
			}
		}
	}
	if err := ones("output_norm.weight", cfg.Embd); err != nil {
		return nil, err
	}
	if !cfg.TieOutput {
		if err := matrix("output.weight", vocab, cfg.Embd, gguf.TypeF32); err != nil {
			return nil, err
		}
	}
	return w, nil
}
