package engine

import (
	"fmt"
	"slices"
)

// Batch is a set of tokens submitted to one Decode call. It is read
// synchronously and never retained by the context.
type Batch struct {
	Tokens    []int32
	Positions []int32
	Seqs      [][]int
	Logits    []bool

	capacity int
}

// NewBatch returns an empty batch. capacity <= 0 leaves it unbounded.
func NewBatch(capacity int) *Batch {
	b := &Batch{capacity: capacity}
	if capacity > 0 {
		b.Tokens = make([]int32, 0, capacity)
		b.Positions = make([]int32, 0, capacity)
		b.Seqs = make([][]int, 0, capacity)
		b.Logits = make([]bool, 0, capacity)
	}
	return b
}

// BatchFromSlices builds a batch with one sequence per token.
func BatchFromSlices(tokens, positions []int32, seqIDs []int, wantLogits []bool) (*Batch, error) {
	n := len(tokens)
	if len(positions) != n || len(seqIDs) != n || len(wantLogits) != n {
		return nil, fmt.Errorf("%w: mismatched batch slices: %d tokens, %d positions, %d sequence ids, %d logit flags",
			ErrDecodeFailed, n, len(positions), len(seqIDs), len(wantLogits))
	}
	b := NewBatch(0)
	for i := range tokens {
		b.add(tokens[i], positions[i], []int{seqIDs[i]}, wantLogits[i])
	}
	return b, nil
}

// Add appends a token. It fails once the batch holds capacity tokens.
func (b *Batch) Add(token, pos int32, seqs []int, logits bool) error {
	if b.capacity > 0 && len(b.Tokens) >= b.capacity {
		return fmt.Errorf("%w: capacity %d", ErrBatchTooLarge, b.capacity)
	}
	b.add(token, pos, slices.Clone(seqs), logits)
	return nil
}

func (b *Batch) add(token, pos int32, seqs []int, logits bool) {
	b.Tokens = append(b.Tokens, token)
	b.Positions = append(b.Positions, pos)
	b.Seqs = append(b.Seqs, seqs)
	b.Logits = append(b.Logits, logits)
}

func (b *Batch) Len() int { return len(b.Tokens) }

func (b *Batch) Clear() {
	b.Tokens = b.Tokens[:0]
	b.Positions = b.Positions[:0]
	b.Seqs = b.Seqs[:0]
	b.Logits = b.Logits[:0]
}

// SetLogitsLast requests logits for the final token only.
func (b *Batch) SetLogitsLast() {
	for i := range b.Logits {
		b.Logits[i] = i == len(b.Logits)-1
	}
}
