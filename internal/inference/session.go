package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/o2ter/LangVector/internal/engine"
	"github.com/o2ter/LangVector/internal/logits"
)

var (
	ErrSessionClosed   = errors.New("inference: session closed")
	ErrPromptTooLong   = errors.New("inference: prompt does not fit the context")
	ErrInvalidSequence = errors.New("inference: invalid sequence id")
)

// shiftKeep is the share of the budget kept across a context shift.
const shiftKeep = 0.9

// Session evaluates one sequence of a context and remembers which tokens
// the cache holds for it. A Session is not safe for concurrent use.
type Session struct {
	ctx    *engine.Context
	seq    int
	budget int
	bos    int32

	tokens  []int32
	logits  []float32
	sampler *logits.Sampler
	history *logits.History
	closed  bool
	shifts  int
}

type SessionOption func(*Session)

// WithBudget caps the cells the session may hold. The default splits the
// context evenly between its sequences.
func WithBudget(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.budget = n
		}
	}
}

func NewSession(c *engine.Context, seq int, options ...SessionOption) (*Session, error) {
	if c.Disposed() {
		return nil, engine.ErrContextDisposed
	}
	if seq < 0 || seq >= c.MaxSequences() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSequence, seq)
	}
	s := &Session{
		ctx:    c,
		seq:    seq,
		budget: c.ContextSize() / c.MaxSequences(),
		bos:    c.Model().Vocab().Specials().BOS,
	}
	for _, o := range options {
		o(s)
	}
	s.budget = min(s.budget, c.ContextSize())
	s.history = logits.NewHistory(s.budget)
	return s, nil
}

func (s *Session) Context() *engine.Context { return s.ctx }
func (s *Session) Sequence() int             { return s.seq }
func (s *Session) Budget() int               { return s.budget }

// Shifts counts the context shifts performed so far.
func (s *Session) Shifts() int { return s.shifts }

// Tokens returns a copy of the evaluated tokens in position order.
func (s *Session) Tokens() []int32 {
	return append([]int32(nil), s.tokens...)
}

// Evaluate decodes tokens after the ones already held, in chunks of the
// batch size. Only the final token produces logits. When the sequence
// would outgrow its budget the middle of the history is dropped and the
// tail shifted down.
func (s *Session) Evaluate(ctx context.Context, tokens []int32) error {
	if s.closed {
		return ErrSessionClosed
	}
	if len(tokens) == 0 {
		return nil
	}
	head := s.keepHead()
	chunkSize := min(s.ctx.BatchSize(), s.budget-head)
	if chunkSize <= 0 {
		return fmt.Errorf("%w: budget %d", ErrPromptTooLong, s.budget)
	}

	batch := engine.NewBatch(chunkSize)
	seqs := []int{s.seq}
	for start := 0; start < len(tokens); start += chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := tokens[start:min(start+chunkSize, len(tokens))]
		if len(s.tokens)+len(chunk) > s.budget {
			if err := s.shift(len(chunk)); err != nil {
				return err
			}
		}

		batch.Clear()
		pos := int32(len(s.tokens))
		for i, tok := range chunk {
			if err := batch.Add(tok, pos+int32(i), seqs, false); err != nil {
				return err
			}
		}
		last := start+len(chunk) == len(tokens)
		var err error
		if last {
			batch.SetLogitsLast()
			s.logits, err = s.ctx.DecodeLast(batch)
		} else {
			err = s.ctx.Decode(batch)
		}
		if err != nil {
			return fmt.Errorf("inference: evaluate sequence %d: %w", s.seq, err)
		}
		s.tokens = append(s.tokens, chunk...)
	}
	return nil
}

func (s *Session) keepHead() int {
	if len(s.tokens) > 0 && s.tokens[0] == s.bos {
		return 1
	}
	return 0
}

// shift frees room for n more tokens. It keeps a leading BOS and the most
// recent tokens up to the shiftKeep share of the budget.
func (s *Session) shift(n int) error {
	head := s.keepHead()
	tail := min(len(s.tokens)-head, int(float64(s.budget)*shiftKeep)-head-n)
	tail = max(tail, 0)
	discard := len(s.tokens) - head - tail
	if discard <= 0 {
		return nil
	}

	from, to := int32(head), int32(head+discard)
	if _, err := s.ctx.RemoveRange(s.seq, from, to); err != nil {
		return err
	}
	if err := s.ctx.ShiftRange(s.seq, to, -1, -int32(discard)); err != nil {
		return err
	}
	s.tokens = append(s.tokens[:head], s.tokens[head+discard:]...)
	s.shifts++
	return nil
}

// Reuse brings the sequence to tokens while keeping the longest common
// prefix already in the cache. The final token is always evaluated again
// so fresh logits are available. It returns the number of reused tokens.
func (s *Session) Reuse(ctx context.Context, tokens []int32) (int, error) {
	if s.closed {
		return 0, ErrSessionClosed
	}
	n := commonPrefix(s.tokens, tokens)
	if n == len(tokens) && n > 0 {
		n--
	}
	if n < len(s.tokens) {
		if _, err := s.ctx.RemoveRange(s.seq, int32(n), -1); err != nil {
			return 0, err
		}
		s.tokens = s.tokens[:n]
		s.logits = nil
	}
	return n, s.Evaluate(ctx, tokens[n:])
}

func commonPrefix(a, b []int32) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// Logits returns the logits of the last evaluated token, or nil.
func (s *Session) Logits() []float32 { return s.logits }

// Sample draws the next token from the logits of the last evaluation with
// the sequence's own sampler and penalty history.
func (s *Session) Sample(cfg logits.Config) (int32, error) {
	if s.closed {
		return -1, ErrSessionClosed
	}
	if s.logits == nil {
		return -1, engine.ErrNoLogitsAvailable
	}
	if s.sampler == nil {
		v := s.ctx.Model().Vocab()
		s.sampler = logits.NewSampler(cfg, logits.Vocab{
			Newline: v.Specials().NL,
			IsEOG:   v.IsEOG,
		})
	} else {
		s.sampler.Update(cfg)
	}
	return s.sampler.Sample(s.logits, s.history)
}

// Accept records tok for repetition penalties and advances the grammar.
func (s *Session) Accept(tok int32) error {
	s.history.Push(tok)
	if s.sampler != nil {
		return s.sampler.Accept(tok)
	}
	return nil
}

// Reset clears the sequence from the cache and forgets its tokens.
func (s *Session) Reset() error {
	if s.closed {
		return ErrSessionClosed
	}
	s.tokens = s.tokens[:0]
	s.logits = nil
	s.history.Reset()
	_, err := s.ctx.RemoveSequence(s.seq)
	return err
}

// Close releases the sequence. The context stays open.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.tokens = nil
	if s.ctx.Disposed() {
		return nil
	}
	_, err := s.ctx.RemoveSequence(s.seq)
	return err
}
