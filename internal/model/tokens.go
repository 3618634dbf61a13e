package model

import "github.com/o2ter/LangVector/internal/tokenizer"

// specials reads the special token table once the handle is known to be
// usable.
func (h *Handle) specials() (tokenizer.Specials, error) {
	if err := h.check(); err != nil {
		return tokenizer.Specials{}, err
	}
	return h.vocab.Specials(), nil
}

func (h *Handle) special(pick func(tokenizer.Specials) int32) (int32, error) {
	s, err := h.specials()
	if err != nil {
		return -1, err
	}
	return pick(s), nil
}

func (h *Handle) TokenBOS() (int32, error) {
	return h.special(func(s tokenizer.Specials) int32 { return s.BOS })
}
func (h *Handle) TokenEOS() (int32, error) {
	return h.special(func(s tokenizer.Specials) int32 { return s.EOS })
}
func (h *Handle) TokenNL() (int32, error) {
	return h.special(func(s tokenizer.Specials) int32 { return s.NL })
}
func (h *Handle) TokenPrefix() (int32, error) {
	return h.special(func(s tokenizer.Specials) int32 { return s.Prefix })
}
func (h *Handle) TokenMiddle() (int32, error) {
	return h.special(func(s tokenizer.Specials) int32 { return s.Middle })
}
func (h *Handle) TokenSuffix() (int32, error) {
	return h.special(func(s tokenizer.Specials) int32 { return s.Suffix })
}
func (h *Handle) TokenEOT() (int32, error) {
	return h.special(func(s tokenizer.Specials) int32 { return s.EOT })
}
func (h *Handle) TokenSEP() (int32, error) {
	return h.special(func(s tokenizer.Specials) int32 { return s.SEP })
}
func (h *Handle) TokenPAD() (int32, error) {
	return h.special(func(s tokenizer.Specials) int32 { return s.PAD })
}

// ControlToken returns id when it is a control token or has no defined
// attributes, and -1 otherwise.
func (h *Handle) ControlToken(id int32) (int32, error) {
	if err := h.check(); err != nil {
		return -1, err
	}
	if id < 0 || int(id) >= h.vocab.Size() {
		return -1, nil
	}
	attr := h.vocab.Attr(id)
	if attr == tokenizer.AttrUndefined || attr.Has(tokenizer.AttrControl) {
		return id, nil
	}
	return -1, nil
}

// PlainToken returns id when it is neither undefined nor unknown, and -1
// otherwise.
func (h *Handle) PlainToken(id int32) (int32, error) {
	if err := h.check(); err != nil {
		return -1, err
	}
	if id < 0 || int(id) >= h.vocab.Size() {
		return -1, nil
	}
	attr := h.vocab.Attr(id)
	if attr == tokenizer.AttrUndefined || attr.Has(tokenizer.AttrUnknown) {
		return -1, nil
	}
	return id, nil
}

func (h *Handle) TokenAttributes(id int32) (tokenizer.TokenAttr, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	return h.vocab.Attr(id), nil
}

func (h *Handle) TokenText(id int32) (string, error) {
	if err := h.check(); err != nil {
		return "", err
	}
	return h.vocab.Text(id), nil
}

func (h *Handle) TokenScore(id int32) (float32, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	return h.vocab.Score(id), nil
}

func (h *Handle) IsEndOfGeneration(id int32) (bool, error) {
	if err := h.check(); err != nil {
		return false, err
	}
	return h.vocab.IsEOG(id), nil
}

func (h *Handle) EOGTokens() ([]int32, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	return h.vocab.EOG(), nil
}

func (h *Handle) VocabularyType() (tokenizer.VocabType, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	return h.vocab.Type(), nil
}

// ShouldPrependBOS follows tokenizer.ggml.add_bos_token when the model
// sets it and falls back to the vocabulary type.
func (h *Handle) ShouldPrependBOS() (bool, error) {
	if err := h.check(); err != nil {
		return false, err
	}
	add, explicit := h.vocab.AddBOS()
	if explicit {
		return add, nil
	}
	return h.vocab.Type() == tokenizer.VocabSPM, nil
}

// Tokenize converts text to token ids. addSpecial adds the BOS/EOS tokens
// the model asks for; parseSpecial matches control token texts inside text.
func (h *Handle) Tokenize(text string, addSpecial, parseSpecial bool) ([]int32, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	return h.vocab.Tokenize(text, addSpecial, parseSpecial), nil
}

// Detokenize renders tokens back to text. removeSpecial drops a leading
// BOS and trailing EOS; unparseSpecial renders control tokens verbatim.
func (h *Handle) Detokenize(tokens []int32, removeSpecial, unparseSpecial bool) (string, error) {
	if err := h.check(); err != nil {
		return "", err
	}
	return h.vocab.Detokenize(tokens, removeSpecial, unparseSpecial), nil
}

// TokenPiece renders a single token.
func (h *Handle) TokenPiece(id int32, special bool) (string, error) {
	if err := h.check(); err != nil {
		return "", err
	}
	return Piece(h.vocab, id, special), nil
}

// Piece renders one token of v, growing the buffer when the first
// attempt reports a larger size.
func Piece(v *tokenizer.Vocab, id int32, special bool) string {
	buf := make([]byte, 16)
	n := v.TokenToPiece(id, buf, false, special)
	if n < 0 {
		buf = make([]byte, -n)
		n = v.TokenToPiece(id, buf, false, special)
	}
	return string(buf[:max(n, 0)])
}
