package model

import (
	"math"

	"github.com/o2ter/LangVector/internal/tensor"
)

// KVStore is the view of the cache used by the forward pass.
type KVStore interface {
	Key(layer, cell int) []float32
	Value(layer, cell int) []float32
	Cells() int
	// Visible reports whether cell may be attended to by a token at pos
	// that belongs to seqs.
	Visible(cell int, seqs []int, pos int32) bool
}

// Scratch holds per-token activations. One Scratch must not be shared by
// concurrent forward passes.
type Scratch struct {
	x, xb, xb2 []float32
	q, k, v    []float32
	hb, hb2    []float32
	att        []float32
	acc        []float32
	visible    []int
	hidden     []float32
}

func NewScratch(hp Hyperparameters) *Scratch {
	embd, kvDim := hp.EmbeddingSize, hp.KVDim()
	return &Scratch{
		x:      make([]float32, embd),
		xb:     make([]float32, embd),
		xb2:    make([]float32, embd),
		q:      make([]float32, embd),
		k:      make([]float32, kvDim),
		v:      make([]float32, kvDim),
		hb:     make([]float32, hp.FFNSize),
		hb2:    make([]float32, hp.FFNSize),
		acc:    make([]float32, hp.HeadDim()),
		hidden: make([]float32, embd),
	}
}

// Forward evaluates token at pos. The token's key and value rows are
// written to cell, which must already be marked as belonging to seqs.
// The returned hidden state is the output-normalised activation and
// aliases s until the next call.
func (w *Weights) Forward(s *Scratch, kv KVStore, token, pos int32, cell int, seqs []int, threads int, flash bool) []float32 {
	hp := w.hp
	headDim := hp.HeadDim()
	group := hp.HeadCount / hp.HeadCountKV
	scale := float32(1 / math.Sqrt(float64(headDim)))

	copy(s.x, w.TokenEmbd.Row(int(token)))

	s.visible = s.visible[:0]
	for c := range kv.Cells() {
		if kv.Visible(c, seqs, pos) {
			s.visible = append(s.visible, c)
		}
	}
	if cap(s.att) < len(s.visible) {
		s.att = make([]float32, len(s.visible))
	}
	scores := s.att[:len(s.visible)]

	for l := range w.Layers {
		layer := &w.Layers[l]
		tensor.RMSNorm(s.xb, s.x, layer.AttnNorm, hp.RMSEpsilon)
		tensor.MatVecParallel(s.q, &layer.Wq, s.xb, threads)
		tensor.MatVecParallel(s.k, &layer.Wk, s.xb, threads)
		tensor.MatVecParallel(s.v, &layer.Wv, s.xb, threads)
		tensor.ApplyRoPE(s.q, hp.HeadCount, headDim, pos, w.invFreq)
		tensor.ApplyRoPE(s.k, hp.HeadCountKV, headDim, pos, w.invFreq)
		copy(kv.Key(l, cell), s.k)
		copy(kv.Value(l, cell), s.v)

		for h := range hp.HeadCount {
			q := s.q[h*headDim : (h+1)*headDim]
			off := (h / group) * headDim
			out := s.xb2[h*headDim : (h+1)*headDim]
			if flash {
				attendStreaming(out, s.acc, q, kv, l, off, s.visible, scale)
			} else {
				attendTwoPass(out, scores, q, kv, l, off, s.visible, scale)
			}
		}
		tensor.MatVecParallel(s.xb, &layer.Wo, s.xb2, threads)
		tensor.Add(s.x, s.xb)

		tensor.RMSNorm(s.xb, s.x, layer.FFNNorm, hp.RMSEpsilon)
		tensor.MatVecParallel(s.hb, &layer.Gate, s.xb, threads)
		tensor.MatVecParallel(s.hb2, &layer.Up, s.xb, threads)
		tensor.SiluMul(s.hb, s.hb, s.hb2)
		tensor.MatVecParallel(s.xb, &layer.Down, s.hb, threads)
		tensor.Add(s.x, s.xb)
	}

	tensor.RMSNorm(s.hidden, s.x, w.OutputNorm, hp.RMSEpsilon)
	return s.hidden
}

// Logits projects a hidden state onto the vocabulary.
func (w *Weights) Logits(dst, hidden []float32, threads int) {
	tensor.MatVecParallel(dst, &w.Output, hidden, threads)
}

// attendStreaming keeps a running max and denominator so scores are never
// materialised.
func attendStreaming(out, acc, q []float32, kv KVStore, layer, off int, cells []int, scale float32) {
	headDim := len(q)
	clear(acc)
	m := float32(math.Inf(-1))
	var denom float32
	for _, c := range cells {
		k := kv.Key(layer, c)[off : off+headDim]
		score := tensor.Dot(q, k) * scale
		next := max(m, score)
		corr := float32(math.Exp(float64(m - next)))
		p := float32(math.Exp(float64(score - next)))
		denom = denom*corr + p
		v := kv.Value(layer, c)[off : off+headDim]
		for i := range acc {
			acc[i] = acc[i]*corr + p*v[i]
		}
		m = next
	}
	if denom == 0 {
		clear(out)
		return
	}
	for i := range out {
		out[i] = acc[i] / denom
	}
}

func attendTwoPass(out, scores, q []float32, kv KVStore, layer, off int, cells []int, scale float32) {
	headDim := len(q)
	for i, c := range cells {
		scores[i] = tensor.Dot(q, kv.Key(layer, c)[off:off+headDim]) * scale
	}
	tensor.Softmax(scores)
	clear(out)
	for i, c := range cells {
		v := kv.Value(layer, c)[off : off+headDim]
		for j := range out {
			out[j] += scores[i] * v[j]
		}
	}
}
