package inference

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/o2ter/LangVector/internal/logits"
	"github.com/o2ter/LangVector/internal/model"
)

type GenerateOptions struct {
	// MaxTokens caps generated tokens; < 0 means no cap, the session
	// shifts its context as needed.
	MaxTokens    int
	StopTriggers []string
	Sampler      logits.Config
	// StopTokens end generation when sampled. Empty uses the EOG tokens
	// of the model.
	StopTokens []int32
	// OnText receives text as it becomes final. Partial stop triggers and
	// incomplete UTF-8 are held back.
	OnText func(string)
}

// Generate evaluates prompt (reusing the common prefix held by the
// session) and samples until a stop condition. A cancelled ctx ends
// generation with StopAbort and no error.
func (s *Session) Generate(ctx context.Context, prompt []int32, opts GenerateOptions) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("inference: generation panicked: %v\n%s", r, debug.Stack())
		}
	}()
	if s.closed {
		return Result{}, ErrSessionClosed
	}
	if len(prompt) == 0 {
		return Result{}, fmt.Errorf("%w: empty prompt", ErrPromptTooLong)
	}
	if len(prompt) > s.budget {
		return Result{}, fmt.Errorf("%w: %d tokens, budget %d", ErrPromptTooLong, len(prompt), s.budget)
	}

	start := time.Now()
	stop := opts.StopTokens
	if len(stop) == 0 {
		stop = BuildStopTokens(s.ctx.Model().Vocab())
	}

	reused, err := s.Reuse(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			res.StopReason = StopAbort
			return res, nil
		}
		return res, err
	}
	res.Stats.PromptTokens = len(prompt)
	res.Stats.ReusedTokens = reused

	s.history.Reset()
	for _, tok := range prompt {
		s.history.Push(tok)
	}

	out := newTextStream(opts.StopTriggers, opts.OnText)
	genStart := time.Now()
	for {
		if opts.MaxTokens >= 0 && len(res.Tokens) >= opts.MaxTokens {
			res.StopReason = StopMaxTokens
			break
		}
		if ctx.Err() != nil {
			res.StopReason = StopAbort
			break
		}

		tok, err := s.Sample(opts.Sampler)
		if err != nil {
			return res, err
		}
		if slices.Contains(stop, tok) {
			res.StopReason = StopEOG
			break
		}
		if err := s.Accept(tok); err != nil {
			return res, err
		}
		res.Tokens = append(res.Tokens, tok)

		if trig, hit := out.push(model.Piece(s.ctx.Model().Vocab(), tok, false)); hit {
			res.StopReason = StopTrigger
			res.Trigger = trig
			break
		}

		if err := s.Evaluate(ctx, []int32{tok}); err != nil {
			if ctx.Err() != nil {
				res.StopReason = StopAbort
				break
			}
			return res, err
		}
	}

	if res.StopReason != StopTrigger {
		out.flush()
	}
	res.Text = out.text()
	res.Stats.TokensGenerated = len(res.Tokens)
	res.Stats.Duration = time.Since(start)
	if d := time.Since(genStart); d > 0 {
		res.Stats.TPS = float64(len(res.Tokens)) / d.Seconds()
	}
	return res, nil
}

// textStream accumulates generated text and releases the part that can no
// longer become a stop trigger.
type textStream struct {
	buf      []byte
	emitted  int
	triggers []string
	onText   func(string)
}

func newTextStream(triggers []string, onText func(string)) *textStream {
	t := &textStream{onText: onText}
	for _, trig := range triggers {
		if trig != "" {
			t.triggers = append(t.triggers, trig)
		}
	}
	return t
}

// push appends piece. On a trigger match the text is cut before the
// trigger and the trigger is returned.
func (t *textStream) push(piece string) (string, bool) {
	t.buf = append(t.buf, piece...)

	at, found := -1, ""
	pending := string(t.buf[t.emitted:])
	for _, trig := range t.triggers {
		if i := strings.Index(pending, trig); i >= 0 && (at < 0 || i < at) {
			at, found = i, trig
		}
	}
	if at >= 0 {
		t.buf = t.buf[:t.emitted+at]
		t.emit(len(t.buf))
		return found, true
	}

	end := completeUTF8(t.buf, t.emitted)
	end = min(end, len(t.buf)-t.heldBack())
	t.emit(end)
	return "", false
}

// heldBack is the length of the longest suffix of the pending text that
// starts a trigger.
func (t *textStream) heldBack() int {
	pending := t.buf[t.emitted:]
	hold := 0
	for _, trig := range t.triggers {
		for k := min(len(trig)-1, len(pending)); k > hold; k-- {
			if strings.HasSuffix(string(pending), trig[:k]) {
				hold = k
				break
			}
		}
	}
	return hold
}

func (t *textStream) emit(end int) {
	if end <= t.emitted {
		return
	}
	if t.onText != nil {
		t.onText(string(t.buf[t.emitted:end]))
	}
	t.emitted = end
}

func (t *textStream) flush()       { t.emit(len(t.buf)) }
func (t *textStream) text() string { return string(t.buf) }

// completeUTF8 returns the end of the longest prefix of buf that does not
// finish inside a multi-byte sequence, never below from.
func completeUTF8(buf []byte, from int) int {
	end := len(buf)
	for i := end - 1; i >= from && i >= end-utf8.UTFMax; i-- {
		if !utf8.RuneStart(buf[i]) {
			continue
		}
		if !utf8.FullRune(buf[i:end]) {
			return i
		}
		break
	}
	return end
}
