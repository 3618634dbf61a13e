package logits

import (
	"cmp"
	"math"
	"slices"
)

// Candidate is a token considered by the sampler.
type Candidate struct {
	ID    int32
	Logit float32
	P     float32
}

// Candidates is the working set of a sampler chain.
type Candidates struct {
	Data []Candidate
	// Sorted is set once Data is ordered by descending logit.
	Sorted bool
}

func (c *Candidates) reset(logits []float32) {
	if cap(c.Data) < len(logits) {
		c.Data = make([]Candidate, len(logits))
	}
	c.Data = c.Data[:len(logits)]
	for i, l := range logits {
		c.Data[i] = Candidate{ID: int32(i), Logit: l}
	}
	c.Sorted = false
}

// Mask removes id from the selectable set.
func (c *Candidates) Mask(id int32) {
	for i := range c.Data {
		if c.Data[i].ID == id {
			c.Data[i].Logit = float32(math.Inf(-1))
			return
		}
	}
}

// dropMasked removes every -Inf candidate and reports how many remain.
func (c *Candidates) dropMasked() int {
	c.Data = slices.DeleteFunc(c.Data, func(x Candidate) bool {
		return math.IsInf(float64(x.Logit), -1) || math.IsNaN(float64(x.Logit))
	})
	return len(c.Data)
}

func (c *Candidates) sort() {
	if c.Sorted {
		return
	}
	slices.SortStableFunc(c.Data, func(a, b Candidate) int {
		if a.Logit != b.Logit {
			return cmp.Compare(b.Logit, a.Logit)
		}
		return cmp.Compare(a.ID, b.ID)
	})
	c.Sorted = true
}

// softmax fills P from Logit.
func (c *Candidates) softmax() {
	if len(c.Data) == 0 {
		return
	}
	maxv := c.Data[0].Logit
	for _, x := range c.Data[1:] {
		maxv = max(maxv, x.Logit)
	}
	var sum float64
	for i := range c.Data {
		e := math.Exp(float64(c.Data[i].Logit - maxv))
		c.Data[i].P = float32(e)
		sum += e
	}
	for i := range c.Data {
		c.Data[i].P = float32(float64(c.Data[i].P) / sum)
	}
}

// argmax returns the highest logit, lowest id on ties.
func (c *Candidates) argmax() int32 {
	best := c.Data[0]
	for _, x := range c.Data[1:] {
		if x.Logit > best.Logit || (x.Logit == best.Logit && x.ID < best.ID) {
			best = x
		}
	}
	return best.ID
}
