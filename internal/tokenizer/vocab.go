package tokenizer

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/o2ter/LangVector/internal/gguf"
)

var ErrInvalidVocab = errors.New("tokenizer: invalid vocabulary")

// VocabType identifies the tokenization algorithm of a vocabulary.
type VocabType int

const (
	VocabNone VocabType = iota
	VocabSPM            // SentencePiece style: score driven merges, byte fallback
	VocabBPE            // GPT-2 style byte-level BPE
)

func (t VocabType) String() string {
	switch t {
	case VocabSPM:
		return "spm"
	case VocabBPE:
		return "bpe"
	default:
		return "none"
	}
}

// TokenAttr is a bitset of token attributes. The zero value means the
// token is undefined.
type TokenAttr uint32

const (
	AttrUndefined   TokenAttr = 0
	AttrUnknown     TokenAttr = 1 << 0
	AttrUnused      TokenAttr = 1 << 1
	AttrNormal      TokenAttr = 1 << 2
	AttrControl     TokenAttr = 1 << 3
	AttrUserDefined TokenAttr = 1 << 4
	AttrByte        TokenAttr = 1 << 5
)

func (a TokenAttr) Has(flag TokenAttr) bool { return a&flag != 0 }

// attrFromType maps tokenizer.ggml.token_type values.
func attrFromType(t int32) TokenAttr {
	switch t {
	case 1:
		return AttrNormal
	case 2:
		return AttrUnknown
	case 3:
		return AttrControl
	case 4:
		return AttrUserDefined
	case 5:
		return AttrUnused
	case 6:
		return AttrByte
	default:
		return AttrUndefined
	}
}

// Specials holds the special token ids of a vocabulary; -1 when absent.
type Specials struct {
	BOS, EOS, EOT, EOM int32
	UNK, SEP, PAD, NL  int32
	Prefix, Suffix     int32
	Middle             int32
}

// Vocab is an immutable vocabulary plus the tokenizer for its type. It is
// safe for concurrent use.
type Vocab struct {
	typ      VocabType
	pre      string
	tokens   []string
	scores   []float32
	attrs    []TokenAttr
	index    map[string]int32
	specials Specials
	eog      map[int32]struct{}

	addBOS, addEOS       bool
	addBOSSet, addEOSSet bool
	addSpacePrefix       bool

	// parse-special candidates, longest first
	specialTexts []string

	bpe *bpeState
}

// Config is the decoded tokenizer section of a model file.
type Config struct {
	Model      string
	Pre        string
	Tokens     []string
	Scores     []float32
	TokenTypes []int32
	Merges     []string

	BOS, EOS, EOT, EOM int32
	UNK, SEP, PAD      int32
	Prefix, Suffix     int32
	Middle             int32
	EOG                []int32

	AddBOS, AddEOS *bool
	AddSpacePrefix *bool
}

// ConfigFromGGUF reads the tokenizer.ggml.* keys.
func ConfigFromGGUF(kv map[string]gguf.Value) (Config, error) {
	var cfg Config
	var ok bool
	cfg.Model, ok = gguf.GetString(kv, "tokenizer.ggml.model")
	if !ok {
		return cfg, fmt.Errorf("%w: missing tokenizer.ggml.model", ErrInvalidVocab)
	}
	cfg.Pre, _ = gguf.GetString(kv, "tokenizer.ggml.pre")
	cfg.Tokens, ok = gguf.GetArray[string](kv, "tokenizer.ggml.tokens")
	if !ok {
		return cfg, fmt.Errorf("%w: missing tokenizer.ggml.tokens", ErrInvalidVocab)
	}
	cfg.Scores, _ = gguf.GetArray[float32](kv, "tokenizer.ggml.scores")
	cfg.TokenTypes, _ = gguf.GetInt32Array(kv, "tokenizer.ggml.token_type")
	cfg.Merges, _ = gguf.GetArray[string](kv, "tokenizer.ggml.merges")
	cfg.EOG, _ = gguf.GetInt32Array(kv, "tokenizer.ggml.eog_token_ids")

	id := func(name string) int32 {
		if v, ok := gguf.GetInt64(kv, "tokenizer.ggml."+name+"_token_id"); ok {
			return int32(v)
		}
		return -1
	}
	cfg.BOS = id("bos")
	cfg.EOS = id("eos")
	cfg.EOT = id("eot")
	cfg.EOM = id("eom")
	cfg.UNK = id("unknown")
	cfg.SEP = id("seperator")
	if cfg.SEP < 0 {
		cfg.SEP = id("separator")
	}
	cfg.PAD = id("padding")
	cfg.Prefix = id("prefix")
	cfg.Suffix = id("suffix")
	cfg.Middle = id("middle")

	flag := func(key string) *bool {
		if v, ok := gguf.GetBool(kv, key); ok {
			return &v
		}
		return nil
	}
	cfg.AddBOS = flag("tokenizer.ggml.add_bos_token")
	cfg.AddEOS = flag("tokenizer.ggml.add_eos_token")
	cfg.AddSpacePrefix = flag("tokenizer.ggml.add_space_prefix")
	return cfg, nil
}

// legacyEOG are texts commonly used for end-of-turn markers in chat models.
var legacyEOG = []string{
	"<|eot_id|>", "<|im_end|>", "<|end|>", "<end_of_turn>", "<|endoftext|>", "<|end_of_text|>", "</s>",
}

// New builds a vocabulary from cfg.
func New(cfg Config) (*Vocab, error) {
	n := len(cfg.Tokens)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty token list", ErrInvalidVocab)
	}
	v := &Vocab{
		pre:    cfg.Pre,
		tokens: cfg.Tokens,
		scores: make([]float32, n),
		attrs:  make([]TokenAttr, n),
		index:  make(map[string]int32, n),
		eog:    make(map[int32]struct{}),
	}
	switch cfg.Model {
	case "llama", "spm":
		v.typ = VocabSPM
		v.addSpacePrefix = true
	case "gpt2", "bpe":
		v.typ = VocabBPE
	case "none", "no_vocab":
		v.typ = VocabNone
	default:
		return nil, fmt.Errorf("%w: unsupported tokenizer model %q", ErrInvalidVocab, cfg.Model)
	}
	if cfg.AddSpacePrefix != nil {
		v.addSpacePrefix = *cfg.AddSpacePrefix
	}

	copy(v.scores, cfg.Scores)
	for i, t := range cfg.Tokens {
		if _, dup := v.index[t]; !dup {
			v.index[t] = int32(i)
		}
		if i < len(cfg.TokenTypes) {
			v.attrs[i] = attrFromType(cfg.TokenTypes[i])
		} else {
			v.attrs[i] = AttrNormal
		}
	}

	check := func(id int32) int32 {
		if id < 0 || int(id) >= n {
			return -1
		}
		return id
	}
	v.specials = Specials{
		BOS:    check(cfg.BOS),
		EOS:    check(cfg.EOS),
		EOT:    check(cfg.EOT),
		EOM:    check(cfg.EOM),
		UNK:    check(cfg.UNK),
		SEP:    check(cfg.SEP),
		PAD:    check(cfg.PAD),
		Prefix: check(cfg.Prefix),
		Suffix: check(cfg.Suffix),
		Middle: check(cfg.Middle),
		NL:     -1,
	}
	switch v.typ {
	case VocabSPM:
		if id, ok := v.index["<0x0A>"]; ok {
			v.specials.NL = id
		} else if id, ok := v.index["\n"]; ok {
			v.specials.NL = id
		}
	case VocabBPE:
		if id, ok := v.index["Ċ"]; ok {
			v.specials.NL = id
		}
	}

	if cfg.AddBOS != nil {
		v.addBOS, v.addBOSSet = *cfg.AddBOS, true
	} else {
		v.addBOS = v.typ == VocabSPM
	}
	if cfg.AddEOS != nil {
		v.addEOS, v.addEOSSet = *cfg.AddEOS, true
	}

	for _, id := range []int32{v.specials.EOS, v.specials.EOT, v.specials.EOM} {
		if id >= 0 {
			v.eog[id] = struct{}{}
		}
	}
	for _, id := range cfg.EOG {
		if id >= 0 && int(id) < n {
			v.eog[id] = struct{}{}
		}
	}
	for _, text := range legacyEOG {
		if id, ok := v.index[text]; ok && v.attrs[id].Has(AttrControl) {
			v.eog[id] = struct{}{}
		}
	}

	for i, t := range cfg.Tokens {
		if t != "" && v.attrs[i].Has(AttrControl|AttrUserDefined) {
			v.specialTexts = append(v.specialTexts, t)
		}
	}
	sortLongestFirst(v.specialTexts)

	if v.typ == VocabBPE {
		v.bpe = newBPEState(cfg.Merges, cfg.Pre)
	}
	return v, nil
}

func (v *Vocab) Type() VocabType    { return v.typ }
func (v *Vocab) Size() int          { return len(v.tokens) }
func (v *Vocab) Specials() Specials { return v.specials }

// AddBOS reports whether a BOS token is prepended and whether the model
// declared this explicitly.
func (v *Vocab) AddBOS() (add, explicit bool) { return v.addBOS, v.addBOSSet }

func (v *Vocab) AddEOS() bool { return v.addEOS }

func (v *Vocab) valid(id int32) bool { return id >= 0 && int(id) < len(v.tokens) }

// Text returns the raw vocabulary entry of id.
func (v *Vocab) Text(id int32) string {
	if !v.valid(id) {
		return ""
	}
	return v.tokens[id]
}

func (v *Vocab) Score(id int32) float32 {
	if !v.valid(id) {
		return 0
	}
	return v.scores[id]
}

// Attr returns the attributes of id; invalid ids are undefined.
func (v *Vocab) Attr(id int32) TokenAttr {
	if !v.valid(id) {
		return AttrUndefined
	}
	return v.attrs[id]
}

// Lookup returns the id of an exact vocabulary entry.
func (v *Vocab) Lookup(text string) (int32, bool) {
	id, ok := v.index[text]
	return id, ok
}

func (v *Vocab) IsEOG(id int32) bool {
	_, ok := v.eog[id]
	return ok
}

// EOG returns the end-of-generation ids in ascending order.
func (v *Vocab) EOG() []int32 {
	out := make([]int32, 0, len(v.eog))
	for id := range v.eog {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func sortLongestFirst(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && len(s[j]) > len(s[j-1]); j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// spaceMarker is the SentencePiece whitespace symbol.
const spaceMarker = "▁"

func escapeSpaces(s string) string   { return strings.ReplaceAll(s, " ", spaceMarker) }
func unescapeSpaces(s string) string { return strings.ReplaceAll(s, spaceMarker, " ") }
