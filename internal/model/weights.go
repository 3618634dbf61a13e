package model

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/o2ter/LangVector/internal/gguf"
	"github.com/o2ter/LangVector/internal/tensor"
)

// Layer holds the weights of one decoder block. Matrices are stored
// out x in so that MatVec maps an input row to an output row.
type Layer struct {
	AttnNorm []float32
	Wq       tensor.Mat
	Wk       tensor.Mat
	Wv       tensor.Mat
	Wo       tensor.Mat

	FFNNorm []float32
	Gate    tensor.Mat
	Up      tensor.Mat
	Down    tensor.Mat
}

// Weights is the decoded network. It is read-only after load.
type Weights struct {
	hp         Hyperparameters
	TokenEmbd  tensor.Mat
	Layers     []Layer
	OutputNorm []float32
	// Output aliases TokenEmbd when the model ties its embeddings.
	Output  tensor.Mat
	invFreq []float64
	params  uint64
}

// tensorLoader decodes tensors and reports progress after each one.
type tensorLoader struct {
	ctx      context.Context
	file     *gguf.File
	zeroCopy bool
	total    uint64
	done     uint64
	progress func(float32) bool
	params   uint64
}

func (l *tensorLoader) step(size uint64) error {
	l.done += size
	if err := l.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrLoadCancelled, err)
	}
	if l.progress == nil || l.total == 0 {
		return nil
	}
	// 1.0 is reserved for the final report once the handle is ready.
	p := min(float32(float64(l.done)/float64(l.total)), 0.99)
	if !l.progress(p) {
		return ErrLoadCancelled
	}
	return nil
}

func (l *tensorLoader) floats(name string, want ...uint64) ([]float32, error) {
	info, ok := l.file.TensorByName(name)
	if !ok {
		return nil, fmt.Errorf("missing tensor %s", name)
	}
	if len(info.Dims) != len(want) {
		return nil, fmt.Errorf("tensor %s: expected %d dims, got %v", name, len(want), info.Dims)
	}
	for i, d := range want {
		if info.Dims[i] != d {
			return nil, fmt.Errorf("tensor %s: expected shape %v, got %v", name, want, info.Dims)
		}
	}
	raw, err := l.file.TensorBytes(info)
	if err != nil {
		return nil, err
	}
	n := int(info.Elements())
	var out []float32
	if info.Type == gguf.TypeF32 && l.zeroCopy && uintptr(unsafe.Pointer(&raw[0]))%4 == 0 {
		// Alias the read-only mapping. Little-endian hosts only.
		out = unsafe.Slice((*float32)(unsafe.Pointer(&raw[0])), n)
	} else {
		out, err = gguf.DecodeF32(info.Type, raw, n)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
	}
	l.params += uint64(n)
	if err := l.step(uint64(len(raw))); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *tensorLoader) vec(name string, n int) ([]float32, error) {
	return l.floats(name, uint64(n))
}

func (l *tensorLoader) mat(name string, rows, cols int) (tensor.Mat, error) {
	data, err := l.floats(name, uint64(cols), uint64(rows))
	if err != nil {
		return tensor.Mat{}, err
	}
	return tensor.NewMatFromData(rows, cols, data)
}

func loadWeights(l *tensorLoader, hp Hyperparameters, vocabSize int) (*Weights, error) {
	embd := hp.EmbeddingSize
	kvDim := hp.KVDim()
	w := &Weights{
		hp:      hp,
		Layers:  make([]Layer, hp.BlockCount),
		invFreq: tensor.RoPEFreqs(hp.HeadDim(), hp.RopeFreqBase),
	}

	var err error
	if w.TokenEmbd, err = l.mat("token_embd.weight", vocabSize, embd); err != nil {
		return nil, err
	}
	for i := range w.Layers {
		layer := &w.Layers[i]
		name := func(s string) string { return fmt.Sprintf("blk.%d.%s.weight", i, s) }
		if layer.AttnNorm, err = l.vec(name("attn_norm"), embd); err != nil {
			return nil, err
		}
		if layer.Wq, err = l.mat(name("attn_q"), embd, embd); err != nil {
			return nil, err
		}
		if layer.Wk, err = l.mat(name("attn_k"), kvDim, embd); err != nil {
			return nil, err
		}
		if layer.Wv, err = l.mat(name("attn_v"), kvDim, embd); err != nil {
			return nil, err
		}
		if layer.Wo, err = l.mat(name("attn_output"), embd, embd); err != nil {
			return nil, err
		}
		if layer.FFNNorm, err = l.vec(name("ffn_norm"), embd); err != nil {
			return nil, err
		}
		if layer.Gate, err = l.mat(name("ffn_gate"), hp.FFNSize, embd); err != nil {
			return nil, err
		}
		if layer.Up, err = l.mat(name("ffn_up"), hp.FFNSize, embd); err != nil {
			return nil, err
		}
		if layer.Down, err = l.mat(name("ffn_down"), embd, hp.FFNSize); err != nil {
			return nil, err
		}
	}
	if w.OutputNorm, err = l.vec("output_norm.weight", embd); err != nil {
		return nil, err
	}
	if _, ok := l.file.TensorByName("output.weight"); ok {
		if w.Output, err = l.mat("output.weight", vocabSize, embd); err != nil {
			return nil, err
		}
	} else {
		w.Output = w.TokenEmbd
	}
	w.params = l.params
	return w, nil
}
