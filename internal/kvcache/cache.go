// Package kvcache stores the attention keys and values of every decoded
// token together with the positions and sequences each cell belongs to.
package kvcache

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

var (
	// ErrSlotsExhausted is returned when a batch needs more free cells than
	// the cache has.
	ErrSlotsExhausted = errors.New("kvcache: no free cells")
	// ErrShiftInvariant is returned when a shift would leave the cache in a
	// state that no longer matches the sequences it describes.
	ErrShiftInvariant = errors.New("kvcache: shift invariant violated")
	// ErrInvalidSequence rejects a sequence id outside the cache. Nothing
	// is modified.
	ErrInvalidSequence = errors.New("kvcache: invalid sequence")
)

type Config struct {
	Cells        int
	Layers       int
	KVDim        int
	MaxSequences int
}

// Rotator moves a stored key row by delta positions.
type Rotator func(key []float32, delta int32)

type cell struct {
	pos       int32
	sequences []int
}

func (c *cell) free() bool { return len(c.sequences) == 0 }

func (c *cell) has(seq int) bool {
	if seq < 0 {
		return !c.free()
	}
	return slices.Contains(c.sequences, seq)
}

// cellRange is the span of cell indices that hold a sequence.
type cellRange struct {
	min int
	max int
}

func newRange() cellRange {
	return cellRange{min: math.MaxInt, max: 0}
}

// Cache is not safe for concurrent use; the owning context serialises
// access.
type Cache struct {
	cfg        Config
	cells      []cell
	keys       [][]float32
	values     [][]float32
	cellRanges map[int]cellRange
	used       int
}

func New(cfg Config) (*Cache, error) {
	if cfg.Cells <= 0 || cfg.Layers <= 0 || cfg.KVDim <= 0 || cfg.MaxSequences <= 0 {
		return nil, fmt.Errorf("kvcache: invalid config %+v", cfg)
	}
	c := &Cache{
		cfg:        cfg,
		cells:      make([]cell, cfg.Cells),
		keys:       make([][]float32, cfg.Layers),
		values:     make([][]float32, cfg.Layers),
		cellRanges: make(map[int]cellRange),
	}
	for l := range cfg.Layers {
		c.keys[l] = make([]float32, cfg.Cells*cfg.KVDim)
		c.values[l] = make([]float32, cfg.Cells*cfg.KVDim)
	}
	return c, nil
}

func (c *Cache) Size() int         { return len(c.cells) }
func (c *Cache) Cells() int        { return len(c.cells) }
func (c *Cache) Used() int         { return c.used }
func (c *Cache) MaxSequences() int { return c.cfg.MaxSequences }

// Bytes is the size of the key and value storage.
func (c *Cache) Bytes() int64 {
	return int64(2*c.cfg.Layers*c.cfg.Cells*c.cfg.KVDim) * 4
}

func (c *Cache) Key(layer, idx int) []float32 {
	d := c.cfg.KVDim
	return c.keys[layer][idx*d : (idx+1)*d]
}

func (c *Cache) Value(layer, idx int) []float32 {
	d := c.cfg.KVDim
	return c.values[layer][idx*d : (idx+1)*d]
}

// ValidSequence reports whether seq names a single sequence.
func (c *Cache) ValidSequence(seq int) bool {
	return seq >= 0 && seq < c.cfg.MaxSequences
}

// validSelector additionally accepts -1 for "every sequence".
func (c *Cache) validSelector(seq int) bool {
	return seq >= -1 && seq < c.cfg.MaxSequences
}

// FindSlots returns n free cells, lowest index first, without claiming
// them.
func (c *Cache) FindSlots(n int) ([]int, error) {
	if n > len(c.cells)-c.used {
		return nil, fmt.Errorf("%w: need %d, %d of %d free", ErrSlotsExhausted, n, len(c.cells)-c.used, len(c.cells))
	}
	out := make([]int, 0, n)
	for i := range c.cells {
		if len(out) == n {
			break
		}
		if c.cells[i].free() {
			out = append(out, i)
		}
	}
	return out, nil
}

// Occupy assigns a free cell to a token at pos in seqs.
func (c *Cache) Occupy(idx int, pos int32, seqs []int) error {
	if idx < 0 || idx >= len(c.cells) {
		return fmt.Errorf("kvcache: cell %d out of range", idx)
	}
	if !c.cells[idx].free() {
		return fmt.Errorf("kvcache: cell %d already in use", idx)
	}
	if len(seqs) == 0 {
		return fmt.Errorf("kvcache: cell %d assigned to no sequence", idx)
	}
	for _, s := range seqs {
		if !c.ValidSequence(s) {
			return fmt.Errorf("kvcache: invalid sequence %d", s)
		}
	}
	c.cells[idx] = cell{pos: pos, sequences: slices.Clone(seqs)}
	c.used++
	for _, s := range seqs {
		r, ok := c.cellRanges[s]
		if !ok {
			r = newRange()
		}
		r.min = min(r.min, idx)
		r.max = max(r.max, idx)
		c.cellRanges[s] = r
	}
	return nil
}

// Release frees cells claimed by a decode that did not complete.
func (c *Cache) Release(cells []int) {
	for _, idx := range cells {
		if idx < 0 || idx >= len(c.cells) || c.cells[idx].free() {
			continue
		}
		c.freeCell(idx)
	}
	c.updateRanges()
}

func (c *Cache) freeCell(idx int) {
	c.cells[idx] = cell{}
	c.used--
}

func (c *Cache) updateRanges() {
	clear(c.cellRanges)
	for i := range c.cells {
		for _, s := range c.cells[i].sequences {
			r, ok := c.cellRanges[s]
			if !ok {
				r = newRange()
			}
			r.min = min(r.min, i)
			r.max = max(r.max, i)
			c.cellRanges[s] = r
		}
	}
}

// span is the index range to scan for seq.
func (c *Cache) span(seq int) (int, int, bool) {
	if seq < 0 {
		return 0, len(c.cells) - 1, c.used > 0
	}
	r, ok := c.cellRanges[seq]
	return r.min, r.max, ok
}

func bounds(start, end int32) (int32, int32) {
	if start < 0 {
		start = 0
	}
	if end < 0 {
		end = math.MaxInt32
	}
	return start, end
}

// RemoveSequence drops every position of seq; seq < 0 clears all
// sequences.
func (c *Cache) RemoveSequence(seq int) bool {
	return c.RemoveRange(seq, 0, -1)
}

// RemoveRange drops positions [start, end) of seq. A negative start means
// 0 and a negative end means the end of the sequence. It reports false
// only for a sequence id the cache cannot hold.
func (c *Cache) RemoveRange(seq int, start, end int32) bool {
	if !c.validSelector(seq) {
		return false
	}
	start, end = bounds(start, end)
	lo, hi, ok := c.span(seq)
	if !ok {
		return true
	}
	for i := lo; i <= hi; i++ {
		cl := &c.cells[i]
		if !cl.has(seq) || cl.pos < start || cl.pos >= end {
			continue
		}
		if seq < 0 {
			cl.sequences = nil
		} else {
			cl.sequences = slices.DeleteFunc(cl.sequences, func(s int) bool { return s == seq })
		}
		if cl.free() {
			c.freeCell(i)
		}
	}
	c.updateRanges()
	return true
}

// ShiftRange adds delta to the positions [start, end) of seq and rotates
// the stored keys to match. Cells pushed below position 0 are freed. The
// cache is unchanged when an error is returned.
func (c *Cache) ShiftRange(seq int, start, end, delta int32, rotate Rotator) error {
	if !c.validSelector(seq) {
		return fmt.Errorf("%w: %d", ErrInvalidSequence, seq)
	}
	if delta == 0 {
		return nil
	}
	start, end = bounds(start, end)
	lo, hi, ok := c.span(seq)
	if !ok {
		return nil
	}

	var moved []int
	for i := lo; i <= hi; i++ {
		cl := &c.cells[i]
		if !cl.has(seq) || cl.pos < start || cl.pos >= end {
			continue
		}
		if seq >= 0 && len(cl.sequences) > 1 {
			return fmt.Errorf("%w: cell %d at position %d is shared by sequences %v", ErrShiftInvariant, i, cl.pos, cl.sequences)
		}
		moved = append(moved, i)
	}

	for _, i := range moved {
		cl := &c.cells[i]
		next := int64(cl.pos) + int64(delta)
		if next < 0 {
			c.freeCell(i)
			continue
		}
		if next > math.MaxInt32 {
			next = math.MaxInt32
		}
		cl.pos = int32(next)
		if rotate != nil {
			for l := range c.keys {
				rotate(c.Key(l, i), delta)
			}
		}
	}
	c.updateRanges()
	return nil
}

// Visible reports whether a token at pos in seqs may attend to idx.
func (c *Cache) Visible(idx int, seqs []int, pos int32) bool {
	cl := &c.cells[idx]
	if cl.free() || cl.pos > pos {
		return false
	}
	for _, s := range seqs {
		if slices.Contains(cl.sequences, s) {
			return true
		}
	}
	return false
}

// SeqPosRange returns the lowest and highest position held for seq.
func (c *Cache) SeqPosRange(seq int) (lo, hi int32, ok bool) {
	if !c.ValidSequence(seq) {
		return 0, 0, false
	}
	first, last, found := c.span(seq)
	if !found {
		return 0, 0, false
	}
	lo, hi = math.MaxInt32, -1
	for i := first; i <= last; i++ {
		if c.cells[i].has(seq) {
			lo = min(lo, c.cells[i].pos)
			hi = max(hi, c.cells[i].pos)
		}
	}
	return lo, hi, hi >= 0
}

// Positions lists the positions held for seq in ascending order.
func (c *Cache) Positions(seq int) []int32 {
	var out []int32
	lo, hi, ok := c.span(seq)
	if !ok || seq < 0 {
		return nil
	}
	for i := lo; i <= hi; i++ {
		if c.cells[i].has(seq) {
			out = append(out, c.cells[i].pos)
		}
	}
	slices.Sort(out)
	return out
}

// Clear frees every cell.
func (c *Cache) Clear() {
	for i := range c.cells {
		c.cells[i] = cell{}
	}
	c.used = 0
	clear(c.cellRanges)
}
