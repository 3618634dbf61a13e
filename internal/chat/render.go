package chat

import (
	"fmt"
	"slices"
	"strings"

	"github.com/goccy/go-json"

	"github.com/o2ter/LangVector/internal/tokenizer"
)

// Lookup returns the wrapper registered under name.
func Lookup(name string) (Wrapper, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "llama3", "llama-3":
		return Llama3{}, true
	case "chatml":
		return ChatML{}, true
	default:
		return nil, false
	}
}

// ForVocab picks a wrapper from the turn markers the vocabulary defines.
func ForVocab(v *tokenizer.Vocab) Wrapper {
	if _, ok := v.Lookup(llama3EOT); ok {
		return Llama3{}
	}
	if _, ok := v.Lookup(chatMLEnd); ok {
		return ChatML{}
	}
	return Llama3{}
}

// Resolve maps a configured wrapper name to a wrapper. Empty and "auto"
// pick from the vocabulary.
func Resolve(name string, v *tokenizer.Vocab) (Wrapper, error) {
	if name == "" || strings.EqualFold(name, "auto") {
		return ForVocab(v), nil
	}
	w, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("chat: unknown wrapper %q", name)
	}
	return w, nil
}

// vocabStops returns the texts of the vocabulary's turn ending tokens
// followed by extra, without duplicates.
func vocabStops(v *tokenizer.Vocab, extra ...string) []string {
	var out []string
	if v != nil {
		sp := v.Specials()
		for _, id := range []int32{sp.EOT, sp.EOS} {
			if text := v.Text(id); text != "" && !slices.Contains(out, text) {
				out = append(out, text)
			}
		}
	}
	for _, text := range extra {
		if !slices.Contains(out, text) {
			out = append(out, text)
		}
	}
	return out
}

func jsonString(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
