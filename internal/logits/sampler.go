package logits

import (
	"errors"
	"math"
	"math/rand/v2"
	"slices"
)

// ErrNoCandidates is returned when every token has been masked.
var ErrNoCandidates = errors.New("logits: no selectable candidates")

// Grammar constrains the tokens a sampler may produce. Generation picks it
// up from Config.Grammar, which inference.GenerateOptions carries as
// Sampler; neither the HTTP API nor the CLI sets one yet.
type Grammar interface {
	// Apply masks candidates that cannot continue the accepted text.
	Apply(c *Candidates)
	// Accept advances the grammar past id.
	Accept(id int32) error
}

// Vocab is the part of a vocabulary the sampler needs.
type Vocab struct {
	Newline int32
	IsEOG   func(id int32) bool
}

// Stage is one step of a sampler chain.
type Stage interface {
	Apply(c *Candidates)
}

type Sampler struct {
	cfg   Config
	vocab Vocab
	rng   *rand.Rand
	cands Candidates

	// filters run on the full vocabulary, shaping only when sampling.
	filters []Stage
	shaping []Stage
	window  []int32

	counts    []int32
	seenMark  []uint32
	seenEpoch uint32
	seenList  []int32
}

// NewSampler assembles the chain for cfg.
func NewSampler(cfg Config, vocab Vocab) *Sampler {
	if vocab.IsEOG == nil {
		vocab.IsEOG = func(int32) bool { return false }
	}
	s := &Sampler{vocab: vocab}
	s.configure(cfg)
	return s
}

func newRand(seed int64) *rand.Rand {
	if seed == -1 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	u := uint64(seed)
	return rand.New(rand.NewPCG(u, u^0x9e3779b97f4a7c15))
}

// Update replaces the configuration. The random source is kept unless the
// seed changes, so a stream of draws continues across calls.
func (s *Sampler) Update(cfg Config) {
	s.configure(cfg)
}

func (s *Sampler) configure(cfg Config) {
	if s.rng == nil || cfg.Seed != s.cfg.Seed {
		s.rng = newRand(cfg.Seed)
	}
	s.cfg = cfg
	s.filters = s.filters[:0]
	s.shaping = s.shaping[:0]
	if len(cfg.Bias) > 0 {
		s.filters = append(s.filters, biasStage{bias: cfg.Bias, isEOG: s.vocab.IsEOG})
	}
	if cfg.penalties() {
		s.filters = append(s.filters, penaltyStage{s: s})
	}
	if cfg.Grammar != nil {
		s.filters = append(s.filters, grammarStage{g: cfg.Grammar})
	}
	if cfg.Temperature > 0 {
		keep := cfg.minKeep()
		s.shaping = append(s.shaping,
			topKStage{k: cfg.TopK, keep: keep},
			topPStage{p: cfg.TopP, keep: keep},
			minPStage{p: cfg.MinP, keep: keep},
			typicalStage{p: cfg.TypicalP, keep: keep},
			temperatureStage{t: cfg.Temperature},
		)
	}
}

func (s *Sampler) Config() Config { return s.cfg }

// Sample runs the chain over logits. history feeds the penalty stage and
// may be nil.
func (s *Sampler) Sample(logits []float32, history *History) (int32, error) {
	if len(logits) == 0 {
		return -1, ErrNoCandidates
	}
	s.window = s.window[:0]
	if history != nil {
		s.window = history.Last(s.cfg.RepeatLastN)
	}
	if id, ok := s.run(logits, true); ok {
		return id, nil
	}
	// The bias or the grammar masked everything: retry without bias.
	if id, ok := s.run(logits, false); ok {
		return id, nil
	}
	return -1, ErrNoCandidates
}

// Accept informs the grammar of the token the caller committed to.
func (s *Sampler) Accept(id int32) error {
	if s.cfg.Grammar == nil {
		return nil
	}
	return s.cfg.Grammar.Accept(id)
}

func (s *Sampler) run(logits []float32, bias bool) (int32, bool) {
	c := &s.cands
	c.reset(logits)
	// Data[i].ID == i until the first stage that drops or sorts.
	for _, st := range s.filters {
		if _, ok := st.(biasStage); ok && !bias {
			continue
		}
		st.Apply(c)
	}
	if c.dropMasked() == 0 {
		return -1, false
	}
	if s.cfg.Temperature <= 0 {
		return c.argmax(), true
	}
	for _, st := range s.shaping {
		st.Apply(c)
	}
	c.softmax()
	return s.draw(c), true
}

type biasStage struct {
	bias  map[int32]float32
	isEOG func(int32) bool
}

func (b biasStage) Apply(c *Candidates) {
	for id, v := range b.bias {
		if id < 0 || int(id) >= len(c.Data) {
			continue
		}
		if math.IsInf(float64(v), -1) && b.isEOG(id) {
			continue
		}
		c.Data[id].Logit += v
	}
}

type penaltyStage struct{ s *Sampler }

func (p penaltyStage) Apply(c *Candidates) { p.s.applyPenalties(c, p.s.window) }

type grammarStage struct{ g Grammar }

func (g grammarStage) Apply(c *Candidates) { g.g.Apply(c) }

type topKStage struct{ k, keep int }

func (t topKStage) Apply(c *Candidates) { topK(c, t.k, t.keep) }

type topPStage struct {
	p    float32
	keep int
}

func (t topPStage) Apply(c *Candidates) { topP(c, t.p, t.keep) }

type minPStage struct {
	p    float32
	keep int
}

func (t minPStage) Apply(c *Candidates) { minP(c, t.p, t.keep) }

type typicalStage struct {
	p    float32
	keep int
}

func (t typicalStage) Apply(c *Candidates) { typical(c, t.p, t.keep) }

type temperatureStage struct{ t float32 }

func (t temperatureStage) Apply(c *Candidates) {
	inv := 1 / t.t
	for i := range c.Data {
		c.Data[i].Logit *= inv
	}
}

// applyPenalties uses an epoch-stamped mark per token so the window is
// counted without clearing vocabulary sized buffers on every call.
func (s *Sampler) applyPenalties(c *Candidates, window []int32) {
	if len(window) == 0 {
		return
	}
	n := len(c.Data)
	if len(s.seenMark) < n {
		s.seenMark = make([]uint32, n)
		s.counts = make([]int32, n)
	}
	s.seenEpoch++
	if s.seenEpoch == 0 {
		clear(s.seenMark)
		s.seenEpoch = 1
	}
	s.seenList = s.seenList[:0]
	for _, id := range window {
		if id < 0 || int(id) >= n {
			continue
		}
		if s.seenMark[id] != s.seenEpoch {
			s.seenMark[id] = s.seenEpoch
			s.counts[id] = 0
			s.seenList = append(s.seenList, id)
		}
		s.counts[id]++
	}

	repeat := s.cfg.RepeatPenalty
	if repeat == 0 {
		repeat = 1
	}
	for _, id := range s.seenList {
		if id == s.vocab.Newline && !s.cfg.PenalizeNewline {
			continue
		}
		l := &c.Data[id].Logit
		if *l > 0 {
			*l /= repeat
		} else {
			*l *= repeat
		}
		*l -= float32(s.counts[id])*s.cfg.FrequencyPenalty + s.cfg.PresencePenalty
	}
}

func topK(c *Candidates, k, keep int) {
	if k <= 0 || k >= len(c.Data) {
		return
	}
	c.sort()
	c.Data = c.Data[:max(k, keep)]
}

func topP(c *Candidates, p float32, keep int) {
	if p <= 0 || p >= 1 {
		return
	}
	c.sort()
	c.softmax()
	var cum float32
	for i := range c.Data {
		cum += c.Data[i].P
		if cum >= p && i+1 >= keep {
			c.Data = c.Data[:i+1]
			return
		}
	}
}

func minP(c *Candidates, p float32, keep int) {
	if p <= 0 || p > 1 {
		return
	}
	c.sort()
	c.softmax()
	threshold := c.Data[0].P * p
	n := keep
	for n < len(c.Data) && c.Data[n].P >= threshold {
		n++
	}
	c.Data = c.Data[:min(n, len(c.Data))]
}

// typical keeps the tokens whose surprise is closest to the entropy of the
// distribution until their mass reaches p.
func typical(c *Candidates, p float32, keep int) {
	if p <= 0 || p >= 1 {
		return
	}
	c.softmax()
	var entropy float64
	for _, x := range c.Data {
		if x.P > 0 {
			entropy -= float64(x.P) * math.Log(float64(x.P))
		}
	}
	dist := func(x Candidate) float64 {
		return math.Abs(-math.Log(float64(x.P)) - entropy)
	}
	slices.SortStableFunc(c.Data, func(a, b Candidate) int {
		da, db := dist(a), dist(b)
		switch {
		case da < db:
			return -1
		case da > db:
			return 1
		}
		return 0
	})
	c.Sorted = false
	var cum float32
	for i := range c.Data {
		cum += c.Data[i].P
		if cum >= p && i+1 >= keep {
			c.Data = c.Data[:i+1]
			return
		}
	}
}

func (s *Sampler) draw(c *Candidates) int32 {
	r := float32(s.rng.Float64())
	var cum float32
	for _, x := range c.Data {
		cum += x.P
		if r < cum {
			return x.ID
		}
	}
	return c.Data[len(c.Data)-1].ID
}
