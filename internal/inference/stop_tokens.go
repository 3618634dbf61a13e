package inference

import (
	"slices"
	"strings"

	"github.com/o2ter/LangVector/internal/tokenizer"
)

// legacyStop are texts some models use at id 2 without flagging them as
// end of generation.
var legacyStop = []string{"<|endoftext|>", "<|end_of_text|>", "</s>", "<|im_end|>"}

// BuildStopTokens collects the ids that end generation: every EOG token of
// the vocabulary, plus a legacy terminator at id 2 when the model left it
// unflagged.
func BuildStopTokens(v *tokenizer.Vocab) []int32 {
	stop := v.EOG()
	if v.Size() > 2 && !slices.Contains(stop, 2) {
		text := strings.ToLower(strings.TrimSpace(v.Text(2)))
		if slices.Contains(legacyStop, text) && v.Attr(2).Has(tokenizer.AttrControl) {
			stop = append(stop, 2)
		}
	}
	slices.Sort(stop)
	return stop
}
