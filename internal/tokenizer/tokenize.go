package tokenizer

import (
	"fmt"
	"strings"
)

type textPart struct {
	text      string
	isSpecial bool
}

// Tokenize converts text into token ids. addSpecial adds the BOS/EOS tokens
// the vocabulary asks for; parseSpecial recognises control and user-defined
// token texts inside text instead of tokenizing them as plain characters.
func (v *Vocab) Tokenize(text string, addSpecial, parseSpecial bool) []int32 {
	var out []int32
	if addSpecial && v.addBOS && v.specials.BOS >= 0 {
		out = append(out, v.specials.BOS)
	}

	parts := []textPart{{text: text}}
	if parseSpecial {
		parts = splitSpecials(text, v.specialTexts)
	}
	for i, part := range parts {
		if part.isSpecial {
			out = append(out, v.index[part.text])
			continue
		}
		switch v.typ {
		case VocabSPM:
			out = v.encodeSPM(out, part.text, i == 0)
		case VocabBPE:
			out = v.encodeBPE(out, part.text)
		}
	}

	if addSpecial && v.addEOS && v.specials.EOS >= 0 {
		out = append(out, v.specials.EOS)
	}
	return out
}

// mergeable reports whether id may be produced by merging plain text.
func (v *Vocab) mergeable(id int32) bool {
	return v.attrs[id].Has(AttrNormal | AttrUserDefined)
}

func (v *Vocab) encodeSPM(out []int32, text string, first bool) []int32 {
	if text == "" {
		return out
	}
	if first && v.addSpacePrefix {
		text = " " + text
	}
	syms := splitRunes(escapeSpaces(text))

	// Merge the highest scoring adjacent pair until no pair forms a known
	// token. Ties go to the leftmost pair.
	for len(syms) > 1 {
		best := -1
		var bestScore float32
		for i := 0; i+1 < len(syms); i++ {
			id, ok := v.index[syms[i]+syms[i+1]]
			if !ok || !v.mergeable(id) {
				continue
			}
			if best < 0 || v.scores[id] > bestScore {
				best = i
				bestScore = v.scores[id]
			}
		}
		if best < 0 {
			break
		}
		syms[best] += syms[best+1]
		syms = append(syms[:best+1], syms[best+2:]...)
	}

	for _, s := range syms {
		if id, ok := v.index[s]; ok && v.mergeable(id) {
			out = append(out, id)
			continue
		}
		out = v.byteFallback(out, s)
	}
	return out
}

func (v *Vocab) byteFallback(out []int32, s string) []int32 {
	for _, b := range []byte(s) {
		if id, ok := v.index[fmt.Sprintf("<0x%02X>", b)]; ok {
			out = append(out, id)
		} else if v.specials.UNK >= 0 {
			out = append(out, v.specials.UNK)
		}
	}
	return out
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// splitSpecials cuts text around occurrences of specials, longest match
// first.
func splitSpecials(text string, specials []string) []textPart {
	if len(specials) == 0 {
		return []textPart{{text: text}}
	}
	var parts []textPart
	var buf strings.Builder
	for i := 0; i < len(text); {
		match := ""
		for _, sp := range specials {
			if strings.HasPrefix(text[i:], sp) {
				match = sp
				break
			}
		}
		if match != "" {
			if buf.Len() > 0 {
				parts = append(parts, textPart{text: buf.String()})
				buf.Reset()
			}
			parts = append(parts, textPart{text: match, isSpecial: true})
			i += len(match)
			continue
		}
		buf.WriteByte(text[i])
		i++
	}
	if buf.Len() > 0 {
		parts = append(parts, textPart{text: buf.String()})
	}
	return parts
}
