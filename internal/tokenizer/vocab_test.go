package tokenizer

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testSPMVocab(t *testing.T) *Vocab {
	t.Helper()
	tokens := []string{"<unk>", "<s>", "</s>", "<|im_end|>"}
	types := []int32{2, 3, 3, 3}
	scores := []float32{0, 0, 0, 0}
	for b := range 256 {
		tokens = append(tokens, fmt.Sprintf("<0x%02X>", b))
		types = append(types, 6)
		scores = append(scores, 0)
	}
	for i, w := range []string{"▁", "h", "e", "l", "o", "w", "r", "d", "he", "ll", "llo", "hello", "▁hello", "▁w", "or", "▁wor", "ld", "▁world"} {
		tokens = append(tokens, w)
		types = append(types, 1)
		scores = append(scores, float32(-i))
	}
	v, err := New(Config{
		Model:      "llama",
		Tokens:     tokens,
		Scores:     scores,
		TokenTypes: types,
		BOS:        1,
		EOS:        2,
		UNK:        0,
		EOT:        -1,
		EOM:        -1,
		SEP:        -1,
		PAD:        -1,
		Prefix:     -1,
		Suffix:     -1,
		Middle:     -1,
	})
	if err != nil {
		t.Fatalf("new vocab: %v", err)
	}
	return v
}

func testBPEVocab(t *testing.T) *Vocab {
	t.Helper()
	enc, _ := bytesToUnicode()
	var tokens []string
	var types []int32
	for b := range 256 {
		tokens = append(tokens, enc[byte(b)])
		types = append(types, 1)
	}
	tokens = append(tokens, "he", "ll", "hell", "hello", "Ġw", "<|endoftext|>")
	types = append(types, 1, 1, 1, 1, 1, 3)
	f := false
	v, err := New(Config{
		Model:      "gpt2",
		Tokens:     tokens,
		TokenTypes: types,
		Merges:     []string{"h e", "l l", "he ll", "hell o", "Ġ w"},
		BOS:        -1,
		EOS:        int32(len(tokens) - 1),
		UNK:        -1,
		EOT:        -1,
		EOM:        -1,
		SEP:        -1,
		PAD:        -1,
		Prefix:     -1,
		Suffix:     -1,
		Middle:     -1,
		AddBOS:     &f,
	})
	if err != nil {
		t.Fatalf("new vocab: %v", err)
	}
	return v
}

func TestSPMTokenizeMergesByScore(t *testing.T) {
	t.Parallel()
	v := testSPMVocab(t)

	got := v.Tokenize("hello world", false, false)
	want := []int32{mustLookup(t, v, "▁hello"), mustLookup(t, v, "▁world")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}

	withBOS := v.Tokenize("hello", true, false)
	if withBOS[0] != 1 {
		t.Fatalf("expected BOS first, got %v", withBOS)
	}
}

func TestSPMByteFallback(t *testing.T) {
	t.Parallel()
	v := testSPMVocab(t)

	got := v.Tokenize("é", false, false)
	// "▁" then the two UTF-8 bytes of é
	want := []int32{mustLookup(t, v, "▁"), mustLookup(t, v, "<0xC3>"), mustLookup(t, v, "<0xA9>")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	vocabs := map[string]*Vocab{
		"spm": testSPMVocab(t),
		"bpe": testBPEVocab(t),
	}
	inputs := []string{
		"hello world",
		" leading space",
		"trailing space ",
		"multi\nline\ttext",
		"héllo 世界 🚀",
		"",
		"hello<|im_end|>world",
	}
	for name, v := range vocabs {
		for _, in := range inputs {
			t.Run(fmt.Sprintf("%s/%q", name, in), func(t *testing.T) {
				t.Parallel()
				toks := v.Tokenize(in, false, true)
				out := v.Detokenize(toks, false, true)
				if out != in {
					t.Fatalf("round trip mismatch: want %q, got %q (tokens %v)", in, out, toks)
				}
			})
		}
	}
}

func TestParseSpecial(t *testing.T) {
	t.Parallel()
	v := testSPMVocab(t)

	parsed := v.Tokenize("hello<|im_end|>", false, true)
	if parsed[len(parsed)-1] != 3 {
		t.Fatalf("expected control token 3 last, got %v", parsed)
	}
	plain := v.Tokenize("hello<|im_end|>", false, false)
	for _, id := range plain {
		if id == 3 {
			t.Fatalf("control token must not appear without parseSpecial, got %v", plain)
		}
	}
	if got := v.Detokenize(parsed, false, false); got != "hello" {
		t.Fatalf("expected control token hidden, got %q", got)
	}
}

func TestDetokenizeIntoReportsSize(t *testing.T) {
	t.Parallel()
	v := testSPMVocab(t)

	toks := v.Tokenize("hello world", false, false)
	n := v.DetokenizeInto(make([]byte, 3), toks, false, false)
	if n != -len("hello world") {
		t.Fatalf("expected %d, got %d", -len("hello world"), n)
	}
	buf := make([]byte, -n)
	if got := v.DetokenizeInto(buf, toks, false, false); got != len(buf) {
		t.Fatalf("expected %d bytes, got %d", len(buf), got)
	}

	piece := make([]byte, 1)
	if got := v.TokenToPiece(mustLookup(t, v, "▁hello"), piece, false, false); got != -6 {
		t.Fatalf("expected -6, got %d", got)
	}
}

func TestRemoveSpecialDropsBOS(t *testing.T) {
	t.Parallel()
	v := testSPMVocab(t)

	toks := v.Tokenize("hello", true, false)
	if got := v.Detokenize(toks, true, true); got != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}
}

func TestAttributesAndSpecials(t *testing.T) {
	t.Parallel()
	v := testSPMVocab(t)

	if !v.Attr(1).Has(AttrControl) {
		t.Fatal("expected <s> to be control")
	}
	if v.Attr(-1) != AttrUndefined || v.Attr(99999) != AttrUndefined {
		t.Fatal("expected out of range ids to be undefined")
	}
	if v.Specials().NL != mustLookup(t, v, "<0x0A>") {
		t.Fatalf("expected newline byte token, got %d", v.Specials().NL)
	}
	if add, explicit := v.AddBOS(); !add || explicit {
		t.Fatalf("expected implicit add_bos for spm, got add=%v explicit=%v", add, explicit)
	}
	if diff := cmp.Diff([]int32{2, 3}, v.EOG()); diff != "" {
		t.Fatalf("eog mismatch (-want +got):\n%s", diff)
	}
}

func TestNewRejectsUnknownModel(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Model: "wordpiece", Tokens: []string{"a"}}); err == nil {
		t.Fatal("expected error for unsupported model")
	}
	if _, err := New(Config{Model: "llama"}); err == nil {
		t.Fatal("expected error for empty vocab")
	}
}

func mustLookup(t *testing.T, v *Vocab, text string) int32 {
	t.Helper()
	id, ok := v.Lookup(text)
	if !ok {
		t.Fatalf("token %q not in vocab", text)
	}
	return id
}
