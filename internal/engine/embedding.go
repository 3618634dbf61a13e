package engine

import (
	"fmt"
	"math"

	"github.com/o2ter/LangVector/internal/tensor"
)

// Normalization selects how EmbeddingFor scales the returned vector.
type Normalization int

const (
	// NormalizeNone returns the raw hidden state.
	NormalizeNone Normalization = iota
	// NormalizeMaxAbs scales the largest component to the int16 range.
	NormalizeMaxAbs
	NormalizeTaxicab
	NormalizeL2
)

func (n Normalization) String() string {
	switch n {
	case NormalizeNone:
		return "none"
	case NormalizeMaxAbs:
		return "maxabs"
	case NormalizeTaxicab:
		return "taxicab"
	case NormalizeL2:
		return "l2"
	}
	return fmt.Sprintf("Normalization(%d)", int(n))
}

// ParseNormalization maps a CLI/API value to a Normalization.
func ParseNormalization(s string) (Normalization, error) {
	switch s {
	case "none", "raw":
		return NormalizeNone, nil
	case "maxabs", "int16":
		return NormalizeMaxAbs, nil
	case "taxicab", "l1":
		return NormalizeTaxicab, nil
	case "l2", "euclidean", "":
		return NormalizeL2, nil
	}
	return NormalizeNone, fmt.Errorf("unknown normalization %q", s)
}

// Normalize returns a scaled copy of v.
func Normalize(v []float32, mode Normalization) []float32 {
	out := make([]float32, len(v))
	switch mode {
	case NormalizeMaxAbs:
		tensor.ScaleInto(out, v, tensor.MaxAbs(v)/32760)
	case NormalizeTaxicab:
		tensor.ScaleInto(out, v, tensor.SumAbs(v))
	case NormalizeL2:
		tensor.ScaleInto(out, v, tensor.L2(v))
	default:
		copy(out, v)
	}
	return out
}

// EmbeddingFor returns the pooled embedding of seq. Without one it falls
// back to the hidden state of the last output row of the last decode.
func (c *Context) EmbeddingFor(seq int, mode Normalization) ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return nil, err
	}
	if !c.opts.Embeddings || c.hidden == nil {
		return nil, fmt.Errorf("%w: context not created in embeddings mode", ErrEmbeddingUnavailable)
	}
	if v, ok := c.seqEmbd[seq]; ok {
		return Normalize(v, mode), nil
	}
	if c.lastOutput >= 0 {
		embd := c.model.Hyperparameters().EmbeddingSize
		row := c.hidden[c.lastOutput*embd : (c.lastOutput+1)*embd]
		return Normalize(row, mode), nil
	}
	return nil, fmt.Errorf("%w: sequence %d", ErrEmbeddingUnavailable, seq)
}

// CosineSimilarity of two equally sized vectors. Zero vectors give 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("engine: vector sizes differ: %d vs %d", len(a), len(b))
	}
	na, nb := tensor.L2(a), tensor.L2(b)
	if na == 0 || nb == 0 {
		return 0, nil
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (na * nb), nil
}

// EuclideanDistance between two equally sized vectors.
func EuclideanDistance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("engine: vector sizes differ: %d vs %d", len(a), len(b))
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum), nil
}
