package model

import (
	"fmt"

	"github.com/o2ter/LangVector/internal/gguf"
)

// PoolingType selects how per-token hidden states reduce to one vector per
// sequence in embeddings mode.
type PoolingType int

const (
	PoolingUnspecified PoolingType = -1
	PoolingNone        PoolingType = 0
	PoolingMean        PoolingType = 1
	PoolingCLS         PoolingType = 2
	PoolingLast        PoolingType = 3
)

func (p PoolingType) String() string {
	switch p {
	case PoolingNone:
		return "none"
	case PoolingMean:
		return "mean"
	case PoolingCLS:
		return "cls"
	case PoolingLast:
		return "last"
	default:
		return "unspecified"
	}
}

// ParsePooling maps a CLI/config value to a PoolingType.
func ParsePooling(s string) (PoolingType, error) {
	switch s {
	case "", "default":
		return PoolingUnspecified, nil
	case "none":
		return PoolingNone, nil
	case "mean":
		return PoolingMean, nil
	case "cls":
		return PoolingCLS, nil
	case "last":
		return PoolingLast, nil
	}
	return PoolingUnspecified, fmt.Errorf("unknown pooling %q", s)
}

// Hyperparameters of a llama style decoder.
type Hyperparameters struct {
	Arch          string
	ContextLength int
	EmbeddingSize int
	BlockCount    int
	FFNSize       int
	HeadCount     int
	HeadCountKV   int
	RopeFreqBase  float64
	RMSEpsilon    float32
	Pooling       PoolingType
}

func (h Hyperparameters) HeadDim() int { return h.EmbeddingSize / h.HeadCount }

// KVDim is the width of one cached key or value row.
func (h Hyperparameters) KVDim() int { return h.HeadDim() * h.HeadCountKV }

func readHyperparameters(kv map[string]gguf.Value, vocabOnly bool) (Hyperparameters, error) {
	arch, err := gguf.MustGetString(kv, "general.architecture")
	if err != nil {
		return Hyperparameters{}, err
	}
	hp := Hyperparameters{
		Arch:         arch,
		RopeFreqBase: 10000,
		RMSEpsilon:   1e-5,
		Pooling:      PoolingUnspecified,
	}
	num := func(key string) (int, bool) {
		v, ok := gguf.GetUint64(kv, arch+"."+key)
		return int(v), ok
	}
	hp.ContextLength, _ = num("context_length")
	hp.EmbeddingSize, _ = num("embedding_length")
	hp.BlockCount, _ = num("block_count")
	hp.FFNSize, _ = num("feed_forward_length")
	hp.HeadCount, _ = num("attention.head_count")
	if n, ok := num("attention.head_count_kv"); ok {
		hp.HeadCountKV = n
	} else {
		hp.HeadCountKV = hp.HeadCount
	}
	if v, ok := gguf.GetFloat64(kv, arch+".rope.freq_base"); ok && v > 0 {
		hp.RopeFreqBase = v
	}
	if v, ok := gguf.GetFloat64(kv, arch+".attention.layer_norm_rms_epsilon"); ok && v > 0 {
		hp.RMSEpsilon = float32(v)
	}
	if p, ok := num("pooling_type"); ok {
		hp.Pooling = PoolingType(p)
	}

	if vocabOnly {
		return hp, nil
	}
	switch {
	case hp.EmbeddingSize <= 0 || hp.BlockCount <= 0 || hp.FFNSize <= 0:
		return hp, fmt.Errorf("%s: missing embedding_length, block_count or feed_forward_length", arch)
	case hp.HeadCount <= 0 || hp.HeadCountKV <= 0:
		return hp, fmt.Errorf("%s: invalid head counts %d/%d", arch, hp.HeadCount, hp.HeadCountKV)
	case hp.EmbeddingSize%hp.HeadCount != 0 || hp.HeadDim()%2 != 0:
		return hp, fmt.Errorf("%s: embedding size %d does not split into even heads of %d", arch, hp.EmbeddingSize, hp.HeadCount)
	case hp.HeadCount%hp.HeadCountKV != 0:
		return hp, fmt.Errorf("%s: head count %d is not a multiple of kv heads %d", arch, hp.HeadCount, hp.HeadCountKV)
	case hp.ContextLength <= 0:
		return hp, fmt.Errorf("%s: missing context_length", arch)
	}
	return hp, nil
}
