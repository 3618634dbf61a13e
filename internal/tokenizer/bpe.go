package tokenizer

import (
	"regexp"
	"strings"
	"sync"
)

type pair struct {
	a, b string
}

// bpeState holds the byte-level BPE tables. The merge cache is shared by
// concurrent callers.
type bpeState struct {
	ranks        map[pair]int
	byteEncoder  map[byte]string
	byteDecoder  map[string]byte
	pattern      *regexp.Regexp
	ignoreMerges bool
	cache        sync.Map
}

func newBPEState(merges []string, pre string) *bpeState {
	ranks := make(map[pair]int, len(merges))
	rank := 0
	for _, line := range merges {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		a, b, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		p := pair{a: a, b: b}
		if _, ok := ranks[p]; !ok {
			ranks[p] = rank
			rank++
		}
	}

	enc, dec := bytesToUnicode()
	// Go regexp does not support lookahead, so the trailing whitespace
	// branch collapses into a plain \s+ match.
	pat := regexp.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`)
	ignoreMerges := false
	switch pre {
	case "llama3", "llama-v3", "llama-bpe", "falcon3", "pixtral":
		pat = regexp.MustCompile(`(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`)
		ignoreMerges = true
	}
	return &bpeState{
		ranks:        ranks,
		byteEncoder:  enc,
		byteDecoder:  dec,
		pattern:      pat,
		ignoreMerges: ignoreMerges,
	}
}

func (v *Vocab) encodeBPE(out []int32, text string) []int32 {
	st := v.bpe
	for _, word := range st.pattern.FindAllString(text, -1) {
		var b strings.Builder
		for _, by := range []byte(word) {
			b.WriteString(st.byteEncoder[by])
		}
		for _, piece := range st.merge(b.String(), v.index) {
			if id, ok := v.index[piece]; ok {
				out = append(out, id)
				continue
			}
			for _, r := range piece {
				if id, ok := v.index[string(r)]; ok {
					out = append(out, id)
				} else if v.specials.UNK >= 0 {
					out = append(out, v.specials.UNK)
				}
			}
		}
	}
	return out
}

func (st *bpeState) merge(token string, index map[string]int32) []string {
	if v, ok := st.cache.Load(token); ok {
		return v.([]string)
	}
	if st.ignoreMerges {
		if _, ok := index[token]; ok {
			out := []string{token}
			st.cache.Store(token, out)
			return out
		}
	}
	word := splitRunes(token)
	for len(word) > 1 {
		bestRank := int(^uint(0) >> 1)
		best := -1
		for i := 0; i+1 < len(word); i++ {
			if rank, ok := st.ranks[pair{a: word[i], b: word[i+1]}]; ok && rank < bestRank {
				bestRank = rank
				best = i
			}
		}
		if best < 0 {
			break
		}
		p := pair{a: word[best], b: word[best+1]}
		word = mergePair(word, p)
	}
	st.cache.Store(token, word)
	return word
}

func mergePair(word []string, p pair) []string {
	out := make([]string, 0, len(word))
	for i := 0; i < len(word); i++ {
		if i < len(word)-1 && word[i] == p.a && word[i+1] == p.b {
			out = append(out, word[i]+word[i+1])
			i++
			continue
		}
		out = append(out, word[i])
	}
	return out
}

func (st *bpeState) decode(text string, dst []byte) []byte {
	for _, r := range text {
		if by, ok := st.byteDecoder[string(r)]; ok {
			dst = append(dst, by)
		} else {
			dst = append(dst, string(r)...)
		}
	}
	return dst
}

// bytesToUnicode maps bytes to unicode strings to make BPE reversible.
func bytesToUnicode() (map[byte]string, map[string]byte) {
	var bs []int
	for i := int('!'); i <= int('~'); i++ {
		bs = append(bs, i)
	}
	for i := int('¡'); i <= int('¬'); i++ {
		bs = append(bs, i)
	}
	for i := int('®'); i <= int('ÿ'); i++ {
		bs = append(bs, i)
	}

	cs := make([]int, len(bs))
	copy(cs, bs)
	n := 0
	for b := 0; b < 256; b++ {
		found := false
		for _, v := range bs {
			if v == b {
				found = true
				break
			}
		}
		if !found {
			bs = append(bs, b)
			cs = append(cs, 256+n)
			n++
		}
	}

	byteEncoder := make(map[byte]string, len(bs))
	byteDecoder := make(map[string]byte, len(bs))
	for i := 0; i < len(bs); i++ {
		b := byte(bs[i])
		s := string(rune(cs[i]))
		byteEncoder[b] = s
		byteDecoder[s] = b
	}
	return byteEncoder, byteDecoder
}
