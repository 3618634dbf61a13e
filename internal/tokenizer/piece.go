package tokenizer

import (
	"strconv"
	"strings"
)

const unknownPiece = " ⁇ "

// piece renders one token. Control tokens render only when special is set.
func (v *Vocab) piece(id int32, special bool, dst []byte) []byte {
	if !v.valid(id) {
		return dst
	}
	attr := v.attrs[id]
	text := v.tokens[id]
	switch {
	case attr.Has(AttrControl):
		if special {
			dst = append(dst, text...)
		}
	case attr.Has(AttrUnknown):
		dst = append(dst, unknownPiece...)
	case attr.Has(AttrByte):
		if b, ok := parseByteToken(text); ok {
			dst = append(dst, b)
		}
	case attr.Has(AttrUserDefined):
		dst = append(dst, text...)
	case attr.Has(AttrNormal):
		switch v.typ {
		case VocabSPM:
			dst = append(dst, unescapeSpaces(text)...)
		case VocabBPE:
			dst = v.bpe.decode(text, dst)
		default:
			dst = append(dst, text...)
		}
	}
	return dst
}

func parseByteToken(text string) (byte, bool) {
	if len(text) != 6 || !strings.HasPrefix(text, "<0x") || text[5] != '>' {
		return 0, false
	}
	n, err := strconv.ParseUint(text[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(n), true
}

// TokenToPiece writes the text of id into buf. lstrip drops one leading
// space. It returns the number of bytes written, or the negated required
// size when buf is too small, in which case buf is left untouched.
func (v *Vocab) TokenToPiece(id int32, buf []byte, lstrip, special bool) int {
	p := v.piece(id, special, nil)
	if lstrip && len(p) > 0 && p[0] == ' ' {
		p = p[1:]
	}
	if len(p) > len(buf) {
		return -len(p)
	}
	return copy(buf, p)
}

// DetokenizeInto renders tokens into buf with the same size contract as
// TokenToPiece. removeSpecial drops the BOS/EOS the vocabulary adds
// automatically; unparseSpecial renders control tokens as text.
func (v *Vocab) DetokenizeInto(buf []byte, tokens []int32, removeSpecial, unparseSpecial bool) int {
	if removeSpecial {
		if v.addBOS && len(tokens) > 0 && tokens[0] == v.specials.BOS {
			tokens = tokens[1:]
		}
		if v.addEOS && len(tokens) > 0 && tokens[len(tokens)-1] == v.specials.EOS {
			tokens = tokens[:len(tokens)-1]
		}
	}

	var out []byte
	removeSpace := v.addSpacePrefix
	for _, id := range tokens {
		start := len(out)
		out = v.piece(id, unparseSpecial, out)
		if len(out) == start {
			continue
		}
		if removeSpace && out[start] == ' ' {
			out = append(out[:start], out[start+1:]...)
		}
		removeSpace = false
	}
	if len(out) > len(buf) {
		return -len(out)
	}
	return copy(buf, out)
}

// Detokenize renders tokens to a string. The output length is unknown up
// front, so it renders into a guessed buffer and retries once at the exact
// size reported back.
func (v *Vocab) Detokenize(tokens []int32, removeSpecial, unparseSpecial bool) string {
	buf := make([]byte, len(tokens)*4)
	n := v.DetokenizeInto(buf, tokens, removeSpecial, unparseSpecial)
	if n < 0 {
		buf = make([]byte, -n)
		n = v.DetokenizeInto(buf, tokens, removeSpecial, unparseSpecial)
	}
	return string(buf[:n])
}
