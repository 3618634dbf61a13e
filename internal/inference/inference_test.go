package inference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/o2ter/LangVector/internal/engine"
	"github.com/o2ter/LangVector/internal/logger"
	"github.com/o2ter/LangVector/internal/logits"
	"github.com/o2ter/LangVector/internal/model"
	"github.com/o2ter/LangVector/internal/toy"
)

func testContext() context.Context {
	return logger.WithContext(context.Background(), logger.Discard())
}

func writeToy(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toy.gguf")
	if err := toy.Write(path, toy.DefaultConfig()); err != nil {
		t.Fatalf("write toy model: %v", err)
	}
	return path
}

func openRuntime(t *testing.T, opts engine.Options) *Runtime {
	t.Helper()
	rt, err := Loader{
		ModelPath: writeToy(t),
		Load:      model.DefaultLoadOptions(),
		Context:   opts,
	}.Open(testContext())
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(rt.Close)
	return rt
}

func newSession(t *testing.T, rt *Runtime, seq int, options ...SessionOption) *Session {
	t.Helper()
	s, err := rt.Session(seq, options...)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func prompt(rt *Runtime, text string) []int32 {
	return rt.Model.Vocab().Tokenize(text, true, false)
}

// never matches a sampled id, so only MaxTokens ends generation
var noStop = []int32{-1}

func TestBuildStopTokens(t *testing.T) {
	t.Parallel()

	rt := openRuntime(t, engine.Options{ContextSize: 64})
	if diff := cmp.Diff([]int32{toy.TokenEOS, toy.TokenEOT}, BuildStopTokens(rt.Model.Vocab())); diff != "" {
		t.Fatalf("stop tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveRequest(t *testing.T) {
	t.Parallel()

	temp := 0.5
	maxTokens := 32
	topK := 7
	override := 0.0
	seed := int64(9)

	got := ResolveRequest(RequestOptions{
		Temperature:  &override,
		Seed:         &seed,
		StopTriggers: []string{"\n\n"},
	}, GenDefaults{Temperature: &temp, MaxTokens: &maxTokens, TopK: &topK})

	if got.MaxTokens != 32 {
		t.Fatalf("expected max tokens from defaults, got %d", got.MaxTokens)
	}
	if got.Sampler.Temperature != 0 {
		t.Fatalf("expected request temperature 0, got %v", got.Sampler.Temperature)
	}
	if got.Sampler.TopK != 7 || got.Sampler.Seed != 9 {
		t.Fatalf("unexpected sampler %+v", got.Sampler)
	}
	if got.Sampler.TopP != logits.DefaultConfig().TopP {
		t.Fatalf("expected built in top-p, got %v", got.Sampler.TopP)
	}
	if diff := cmp.Diff([]string{"\n\n"}, got.StopTriggers); diff != "" {
		t.Fatalf("triggers mismatch (-want +got):\n%s", diff)
	}

	if unset := ResolveRequest(RequestOptions{}, GenDefaults{}); unset.MaxTokens != -1 {
		t.Fatalf("expected unlimited tokens, got %d", unset.MaxTokens)
	}
}

func TestTextStreamHoldsBackTriggers(t *testing.T) {
	t.Parallel()

	var chunks []string
	out := newTextStream([]string{"</s>", ""}, func(s string) { chunks = append(chunks, s) })
	for _, piece := range []string{"Hel", "lo <", "/s"} {
		if _, hit := out.push(piece); hit {
			t.Fatalf("unexpected trigger at %q", piece)
		}
	}
	trig, hit := out.push(">tail")
	if !hit || trig != "</s>" {
		t.Fatalf("expected trigger </s>, got %q %v", trig, hit)
	}
	if diff := cmp.Diff([]string{"Hel", "lo "}, chunks); diff != "" {
		t.Fatalf("chunks mismatch (-want +got):\n%s", diff)
	}
	if out.text() != "Hello " {
		t.Fatalf("expected text cut before trigger, got %q", out.text())
	}
}

func TestTextStreamReleasesFalseStart(t *testing.T) {
	t.Parallel()

	var got strings.Builder
	out := newTextStream([]string{"STOP"}, func(s string) { got.WriteString(s) })
	out.push("ST")
	if got.Len() != 0 {
		t.Fatalf("expected partial trigger held back, got %q", got.String())
	}
	out.push("AR")
	if got.String() != "STAR" {
		t.Fatalf("expected released text, got %q", got.String())
	}
}

func TestTextStreamHoldsIncompleteUTF8(t *testing.T) {
	t.Parallel()

	var chunks []string
	out := newTextStream(nil, func(s string) { chunks = append(chunks, s) })
	out.push("a\xe4\xb8")
	out.push("\x96")
	out.flush()
	if diff := cmp.Diff([]string{"a", "世"}, chunks); diff != "" {
		t.Fatalf("chunks mismatch (-want +got):\n%s", diff)
	}
}

func TestSessionRejectsInvalidSequence(t *testing.T) {
	t.Parallel()

	rt := openRuntime(t, engine.Options{ContextSize: 64, Sequences: 2})
	for _, seq := range []int{-1, 2} {
		if _, err := rt.Session(seq); !errors.Is(err, ErrInvalidSequence) {
			t.Fatalf("seq %d: expected ErrInvalidSequence, got %v", seq, err)
		}
	}
	s := newSession(t, rt, 1)
	if s.Budget() != 32 {
		t.Fatalf("expected an even split of 32 cells, got %d", s.Budget())
	}
}

func TestSessionEvaluateInChunks(t *testing.T) {
	t.Parallel()

	rt := openRuntime(t, engine.Options{ContextSize: 64, BatchSize: 4})
	s := newSession(t, rt, 0)
	tokens := prompt(rt, "hello world and the")
	if len(tokens) <= 4 {
		t.Fatalf("expected a prompt longer than one batch, got %d tokens", len(tokens))
	}
	if err := s.Evaluate(testContext(), tokens); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if diff := cmp.Diff(tokens, s.Tokens()); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
	lo, hi, ok := rt.Context.SeqPosRange(0)
	if !ok || lo != 0 || hi != int32(len(tokens)-1) {
		t.Fatalf("expected positions [0,%d], got [%d,%d] %v", len(tokens)-1, lo, hi, ok)
	}
	if len(s.Logits()) != rt.Model.Vocab().Size() {
		t.Fatalf("expected logits of the final token, got %d values", len(s.Logits()))
	}
}

func TestSessionReuseKeepsCommonPrefix(t *testing.T) {
	t.Parallel()

	rt := openRuntime(t, engine.Options{ContextSize: 64})
	s := newSession(t, rt, 0)
	ctx := testContext()

	first := prompt(rt, "hello world")
	if _, err := s.Reuse(ctx, first); err != nil {
		t.Fatalf("reuse: %v", err)
	}
	want := append([]float32(nil), s.Logits()...)

	n, err := s.Reuse(ctx, first)
	if err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if n != len(first)-1 {
		t.Fatalf("expected %d reused tokens, got %d", len(first)-1, n)
	}
	for i, v := range s.Logits() {
		if math.Abs(float64(v-want[i])) > 1e-4 {
			t.Fatalf("logit %d: expected %v, got %v", i, want[i], v)
		}
	}

	second := append(append([]int32(nil), first[:2]...), prompt(rt, "the")[1:]...)
	n, err = s.Reuse(ctx, second)
	if err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 reused tokens, got %d", n)
	}
	if got := rt.Context.UsedCells(); got != len(second) {
		t.Fatalf("expected %d used cells, got %d", len(second), got)
	}
}

func TestGenerateMaxTokensIsDeterministic(t *testing.T) {
	t.Parallel()

	rt := openRuntime(t, engine.Options{ContextSize: 128})
	s := newSession(t, rt, 0)
	p := prompt(rt, "hello")

	var streamed strings.Builder
	opts := GenerateOptions{
		MaxTokens:  6,
		Sampler:    logits.Greedy(),
		StopTokens: noStop,
		OnText:     func(text string) { streamed.WriteString(text) },
	}
	first, err := s.Generate(testContext(), p, opts)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if first.StopReason != StopMaxTokens || len(first.Tokens) != 6 {
		t.Fatalf("expected 6 tokens and maxTokens, got %d %s", len(first.Tokens), first.StopReason)
	}
	if streamed.String() != first.Text {
		t.Fatalf("expected streamed text %q to equal result %q", streamed.String(), first.Text)
	}

	opts.OnText = nil
	second, err := s.Generate(testContext(), p, opts)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if second.Stats.ReusedTokens != len(p)-1 {
		t.Fatalf("expected %d reused tokens, got %d", len(p)-1, second.Stats.ReusedTokens)
	}
	if diff := cmp.Diff(first.Tokens, second.Tokens); diff != "" {
		t.Fatalf("greedy generation differs (-first +second):\n%s", diff)
	}
}

func TestGenerateShiftsPastContextSize(t *testing.T) {
	t.Parallel()

	rt := openRuntime(t, engine.Options{ContextSize: 32})
	s := newSession(t, rt, 0)
	p := prompt(rt, "hello world")

	res, err := s.Generate(testContext(), p, GenerateOptions{
		MaxTokens:  80,
		Sampler:    logits.Greedy(),
		StopTokens: noStop,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(res.Tokens) != 80 {
		t.Fatalf("expected 80 tokens, got %d", len(res.Tokens))
	}
	if s.Shifts() == 0 {
		t.Fatalf("expected at least one context shift")
	}
	held := s.Tokens()
	if len(held) > 32 || held[0] != toy.TokenBOS {
		t.Fatalf("expected at most 32 tokens led by BOS, got %d starting with %d", len(held), held[0])
	}
	if got := rt.Context.UsedCells(); got != len(held) {
		t.Fatalf("expected %d used cells, got %d", len(held), got)
	}
	lo, hi, _ := rt.Context.SeqPosRange(0)
	if lo != 0 || hi != int32(len(held)-1) {
		t.Fatalf("expected contiguous positions [0,%d], got [%d,%d]", len(held)-1, lo, hi)
	}
}

// pieceGrammar only admits the listed tokens.
type pieceGrammar struct {
	allowed  []int32
	accepted []int32
}

func (g *pieceGrammar) Apply(c *logits.Candidates) {
	for i := range c.Data {
		if !slices.Contains(g.allowed, c.Data[i].ID) {
			c.Data[i].Logit = float32(math.Inf(-1))
		}
	}
}

func (g *pieceGrammar) Accept(id int32) error {
	if !slices.Contains(g.allowed, id) {
		return fmt.Errorf("token %d not allowed", id)
	}
	g.accepted = append(g.accepted, id)
	return nil
}

func TestGenerateFollowsGrammar(t *testing.T) {
	t.Parallel()

	rt := openRuntime(t, engine.Options{ContextSize: 64})
	s := newSession(t, rt, 0)
	var allowed []int32
	for _, piece := range []string{"▁hello", "▁world"} {
		id, ok := rt.Model.Vocab().Lookup(piece)
		if !ok {
			t.Fatalf("missing %q", piece)
		}
		allowed = append(allowed, id)
	}
	g := &pieceGrammar{allowed: allowed}
	cfg := logits.Greedy()
	cfg.Grammar = g

	res, err := s.Generate(testContext(), prompt(rt, "and the"), GenerateOptions{
		MaxTokens:  5,
		Sampler:    cfg,
		StopTokens: noStop,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if diff := cmp.Diff(res.Tokens, g.accepted); diff != "" {
		t.Fatalf("grammar did not see every token (-generated +accepted):\n%s", diff)
	}
	if len(res.Tokens) != 5 {
		t.Fatalf("expected 5 tokens, got %d", len(res.Tokens))
	}
}

func TestGenerateStopsOnEOG(t *testing.T) {
	t.Parallel()

	rt := openRuntime(t, engine.Options{ContextSize: 64})
	s := newSession(t, rt, 0)
	cfg := logits.Greedy()
	cfg.Bias = map[int32]float32{toy.TokenEOT: 100}

	res, err := s.Generate(testContext(), prompt(rt, "hello"), GenerateOptions{MaxTokens: 10, Sampler: cfg})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.StopReason != StopEOG || len(res.Tokens) != 0 {
		t.Fatalf("expected immediate eogToken, got %s after %d tokens", res.StopReason, len(res.Tokens))
	}
}

func TestGenerateAbort(t *testing.T) {
	t.Parallel()

	rt := openRuntime(t, engine.Options{ContextSize: 64})
	s := newSession(t, rt, 0)
	ctx, cancel := context.WithCancel(testContext())
	cancel()

	res, err := s.Generate(ctx, prompt(rt, "hello"), GenerateOptions{MaxTokens: 10, Sampler: logits.Greedy()})
	if err != nil {
		t.Fatalf("expected no error on abort, got %v", err)
	}
	if res.StopReason != StopAbort {
		t.Fatalf("expected abort, got %s", res.StopReason)
	}
}

func TestGenerateRejectsOversizedPrompt(t *testing.T) {
	t.Parallel()

	rt := openRuntime(t, engine.Options{ContextSize: 64})
	s := newSession(t, rt, 0, WithBudget(3))
	_, err := s.Generate(testContext(), prompt(rt, "hello world and the"), GenerateOptions{Sampler: logits.Greedy()})
	if !errors.Is(err, ErrPromptTooLong) {
		t.Fatalf("expected ErrPromptTooLong, got %v", err)
	}
}

func TestSessionCloseReleasesSequence(t *testing.T) {
	t.Parallel()

	rt := openRuntime(t, engine.Options{ContextSize: 64})
	s, err := rt.Session(0)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Evaluate(testContext(), prompt(rt, "hello")); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := rt.Context.UsedCells(); got != 0 {
		t.Fatalf("expected no used cells, got %d", got)
	}
	if err := s.Evaluate(testContext(), []int32{toy.TokenBOS}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestRuntimeCloseDisposesModel(t *testing.T) {
	t.Parallel()

	rt := openRuntime(t, engine.Options{ContextSize: 32})
	if _, err := rt.Model.Tokenize("hello", true, false); err != nil {
		t.Fatalf("expected an open runtime to tokenize, got %v", err)
	}
	rt.Close()
	rt.Close()
	if _, err := rt.Model.Tokenize("hello", true, false); !errors.Is(err, model.ErrModelDisposed) {
		t.Fatalf("expected ErrModelDisposed, got %v", err)
	}
	if rt.Model.Alive() {
		t.Fatalf("expected the model to be released")
	}
}

func TestEmbedder(t *testing.T) {
	t.Parallel()

	ctx := testContext()
	h, err := model.Load(ctx, writeToy(t), model.DefaultLoadOptions())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Cleanup(h.Dispose)

	opts := DefaultEmbedderOptions()
	opts.ContextSize = 8
	e, err := NewEmbedder(h, opts, engine.WithLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("new embedder: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })

	v, err := e.Embed(ctx, "hello", engine.NormalizeL2)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(v) != h.Hyperparameters().EmbeddingSize {
		t.Fatalf("expected %d dims, got %d", h.Hyperparameters().EmbeddingSize, len(v))
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if math.Abs(sum-1) > 1e-4 {
		t.Fatalf("expected unit length, got %v", math.Sqrt(sum))
	}

	again, err := e.Embed(ctx, "hello", engine.NormalizeL2)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if diff := cmp.Diff(v, again); diff != "" {
		t.Fatalf("embedding not stable (-first +second):\n%s", diff)
	}

	long := make([]int32, 9)
	for i := range long {
		long[i] = toy.TokenBOS
	}
	if _, err := e.EmbedTokens(ctx, long, engine.NormalizeL2); !errors.Is(err, ErrTooManyTokens) {
		t.Fatalf("expected ErrTooManyTokens, got %v", err)
	}
}
