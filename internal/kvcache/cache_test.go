package kvcache

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newTestCache(t *testing.T, cells, seqs int) *Cache {
	t.Helper()
	c, err := New(Config{Cells: cells, Layers: 2, KVDim: 4, MaxSequences: seqs})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

// fill places tokens at positions [from, to) of seq.
func fill(t *testing.T, c *Cache, seq int, from, to int32) {
	t.Helper()
	slots, err := c.FindSlots(int(to - from))
	if err != nil {
		t.Fatalf("find slots: %v", err)
	}
	for i, idx := range slots {
		if err := c.Occupy(idx, from+int32(i), []int{seq}); err != nil {
			t.Fatalf("occupy: %v", err)
		}
	}
}

func positions(from, to int32) []int32 {
	var out []int32
	for p := from; p < to; p++ {
		out = append(out, p)
	}
	return out
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Cells: 0, Layers: 1, KVDim: 1, MaxSequences: 1}); err == nil {
		t.Fatalf("expected error for zero cells")
	}
}

func TestFindSlotsExhausted(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 8, 1)
	fill(t, c, 0, 0, 6)
	if _, err := c.FindSlots(3); !errors.Is(err, ErrSlotsExhausted) {
		t.Fatalf("expected ErrSlotsExhausted, got %v", err)
	}
	if c.Used() != 6 {
		t.Fatalf("expected failed search to leave 6 used, got %d", c.Used())
	}
	slots, err := c.FindSlots(2)
	if err != nil {
		t.Fatalf("find slots: %v", err)
	}
	if diff := cmp.Diff([]int{6, 7}, slots); diff != "" {
		t.Fatalf("slots mismatch (-want +got):\n%s", diff)
	}
}

func TestOccupyRejectsBadInput(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 4, 2)
	if err := c.Occupy(0, 0, []int{2}); err == nil {
		t.Fatalf("expected error for sequence out of range")
	}
	if err := c.Occupy(0, 0, nil); err == nil {
		t.Fatalf("expected error for empty sequence set")
	}
	if err := c.Occupy(0, 0, []int{0}); err != nil {
		t.Fatalf("occupy: %v", err)
	}
	if err := c.Occupy(0, 1, []int{1}); err == nil {
		t.Fatalf("expected error for occupied cell")
	}
}

func TestReleaseRollsBack(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 8, 1)
	fill(t, c, 0, 0, 3)
	slots, _ := c.FindSlots(2)
	for i, idx := range slots {
		_ = c.Occupy(idx, int32(3+i), []int{0})
	}
	c.Release(slots)
	if c.Used() != 3 {
		t.Fatalf("expected 3 used after release, got %d", c.Used())
	}
	if diff := cmp.Diff(positions(0, 3), c.Positions(0)); diff != "" {
		t.Fatalf("positions mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoveRange(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 16, 2)
	fill(t, c, 0, 0, 8)
	fill(t, c, 1, 0, 4)

	if !c.RemoveRange(0, 2, 5) {
		t.Fatalf("expected remove to succeed")
	}
	want := []int32{0, 1, 5, 6, 7}
	if diff := cmp.Diff(want, c.Positions(0)); diff != "" {
		t.Fatalf("positions mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(positions(0, 4), c.Positions(1)); diff != "" {
		t.Fatalf("other sequence changed (-want +got):\n%s", diff)
	}

	if !c.RemoveRange(0, 6, -1) {
		t.Fatalf("expected open ended remove to succeed")
	}
	if diff := cmp.Diff([]int32{0, 1, 5}, c.Positions(0)); diff != "" {
		t.Fatalf("positions mismatch (-want +got):\n%s", diff)
	}

	if !c.RemoveRange(0, 100, 200) {
		t.Fatalf("removing nothing must succeed")
	}
	if c.RemoveRange(2, 0, -1) || c.RemoveRange(-2, 0, -1) {
		t.Fatalf("expected invalid sequence ids to fail")
	}

	if !c.RemoveSequence(-1) {
		t.Fatalf("expected remove all to succeed")
	}
	if c.Used() != 0 {
		t.Fatalf("expected empty cache, got %d used", c.Used())
	}
}

func TestRemoveSharedCellKeepsOtherSequence(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 4, 2)
	if err := c.Occupy(0, 0, []int{0, 1}); err != nil {
		t.Fatalf("occupy: %v", err)
	}
	c.RemoveSequence(0)
	if c.Used() != 1 {
		t.Fatalf("expected shared cell to stay used, got %d", c.Used())
	}
	if !c.Visible(0, []int{1}, 0) || c.Visible(0, []int{0}, 0) {
		t.Fatalf("expected cell to belong to sequence 1 only")
	}
}

func TestShiftRange(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 16, 1)
	fill(t, c, 0, 0, 10)
	for l := range 2 {
		for i := range 10 {
			c.Key(l, i)[0] = float32(i)
		}
	}

	var rotated int
	rotate := func(key []float32, delta int32) {
		rotated++
		key[0] += float32(delta) * 100
	}

	c.RemoveRange(0, 2, 5)
	if err := c.ShiftRange(0, 5, -1, -3, rotate); err != nil {
		t.Fatalf("shift: %v", err)
	}
	if diff := cmp.Diff(positions(0, 7), c.Positions(0)); diff != "" {
		t.Fatalf("positions mismatch (-want +got):\n%s", diff)
	}
	if rotated != 5*2 {
		t.Fatalf("expected 10 key rotations, got %d", rotated)
	}
	if got := c.Key(1, 9)[0]; got != 9-300 {
		t.Fatalf("expected rotated key %v, got %v", 9-300, got)
	}
	if got := c.Key(1, 0)[0]; got != 0 {
		t.Fatalf("expected untouched key, got %v", got)
	}

	lo, hi, ok := c.SeqPosRange(0)
	if !ok || lo != 0 || hi != 6 {
		t.Fatalf("expected range [0,6], got [%d,%d] ok=%v", lo, hi, ok)
	}
}

func TestShiftBelowZeroFrees(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 8, 1)
	fill(t, c, 0, 0, 4)
	if err := c.ShiftRange(0, 0, -1, -2, nil); err != nil {
		t.Fatalf("shift: %v", err)
	}
	if diff := cmp.Diff([]int32{0, 1}, c.Positions(0)); diff != "" {
		t.Fatalf("positions mismatch (-want +got):\n%s", diff)
	}
	if c.Used() != 2 {
		t.Fatalf("expected 2 used, got %d", c.Used())
	}
}

func TestShiftSharedCellFails(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 4, 2)
	_ = c.Occupy(0, 0, []int{0})
	_ = c.Occupy(1, 1, []int{0, 1})
	err := c.ShiftRange(0, 0, -1, 1, nil)
	if !errors.Is(err, ErrShiftInvariant) {
		t.Fatalf("expected ErrShiftInvariant, got %v", err)
	}
	if diff := cmp.Diff([]int32{0, 1}, c.Positions(0)); diff != "" {
		t.Fatalf("failed shift modified the cache (-want +got):\n%s", diff)
	}
	if err := c.ShiftRange(5, 0, -1, 1, nil); !errors.Is(err, ErrInvalidSequence) || errors.Is(err, ErrShiftInvariant) {
		t.Fatalf("expected ErrInvalidSequence for bad sequence, got %v", err)
	}
}

func TestVisibleIsCausal(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 4, 2)
	fill(t, c, 0, 0, 3)
	if !c.Visible(1, []int{0}, 1) {
		t.Fatalf("expected same position to be visible")
	}
	if c.Visible(2, []int{0}, 1) {
		t.Fatalf("expected future position to be hidden")
	}
	if c.Visible(0, []int{1}, 5) {
		t.Fatalf("expected other sequence to be hidden")
	}
	if c.Visible(3, []int{0}, 5) {
		t.Fatalf("expected free cell to be hidden")
	}
}

func TestClearAndBytes(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 8, 1)
	if c.Bytes() != 2*2*8*4*4 {
		t.Fatalf("unexpected byte size %d", c.Bytes())
	}
	fill(t, c, 0, 0, 5)
	c.Clear()
	if c.Used() != 0 || c.Positions(0) != nil {
		t.Fatalf("expected empty cache after clear")
	}
	if _, _, ok := c.SeqPosRange(0); ok {
		t.Fatalf("expected no range after clear")
	}
}
