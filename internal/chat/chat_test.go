package chat

import (
	"errors"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/o2ter/LangVector/internal/tokenizer"
)

func testVocab(t *testing.T, tokens ...string) *tokenizer.Vocab {
	t.Helper()
	v, err := tokenizer.New(tokenizer.Config{
		Model:  "none",
		Tokens: tokens,
		BOS:    -1,
		EOS:    1,
		EOT:    2,
		EOM:    -1,
		UNK:    0,
		SEP:    -1,
		PAD:    -1,
		Prefix: -1,
		Suffix: -1,
		Middle: -1,
	})
	if err != nil {
		t.Fatalf("new vocab: %v", err)
	}
	return v
}

func TestLlama3RenderDefaultSystem(t *testing.T) {
	t.Parallel()

	out, err := Llama3{}.Render(Options{
		Messages:            []Message{{Role: RoleUser, Content: "hello"}},
		AddGenerationPrompt: true,
	})
	if err != nil {
		t.Fatalf("render error: %v", err)
	}
	want := "<|begin_of_text|><|start_header_id|>system<|end_header_id|>\n\n" + defaultSystemMessage + "<|eot_id|>" +
		"<|start_header_id|>user<|end_header_id|>\n\nhello<|eot_id|>" +
		"<|start_header_id|>assistant<|end_header_id|>\n\n"
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("render mismatch (-want +got):\n%s", diff)
	}
}

func TestLlama3RenderFunctions(t *testing.T) {
	t.Parallel()

	out, err := Llama3{}.Render(Options{
		Messages: []Message{
			{Role: RoleSystem, Content: "be brief"},
			{Role: RoleUser, Content: "weather?"},
			{Role: RoleAssistant, Calls: []FunctionCall{{
				Name:   "weather",
				Params: map[string]any{"city": "Paris"},
				Result: map[string]any{"temp": 21},
			}}},
			{Role: RoleAssistant, Content: "It is 21 degrees."},
		},
		Functions: []Function{{Name: "weather", Description: "Current weather", Params: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("render error: %v", err)
	}
	for _, want := range []string{
		"system<|end_header_id|>\n\nbe brief\n\nThe assistant calls the provided functions",
		"// Current weather\nfunction weather(params: {\"type\":\"object\"});",
		"assistant<|end_header_id|>\n\n||call: weather({\"city\":\"Paris\"})<|eot_id|>",
		"<|start_header_id|>function_call_result<|end_header_id|>\n\n{\"temp\":21}<|eot_id|>",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output: %q", want, out)
		}
	}
	if !strings.HasSuffix(out, "It is 21 degrees.<|eot_id|>") {
		t.Fatalf("expected closed final turn without a generation prompt: %q", out)
	}
}

func TestRenderUnknownRole(t *testing.T) {
	t.Parallel()

	opts := Options{Messages: []Message{{Role: "narrator", Content: "once"}}}
	for _, w := range []Wrapper{Llama3{}, ChatML{}} {
		if _, err := w.Render(opts); !errors.Is(err, ErrUnknownRole) {
			t.Fatalf("%s: expected ErrUnknownRole, got %v", w.Name(), err)
		}
	}
}

func TestParseLlama3RoundTrip(t *testing.T) {
	t.Parallel()

	history := []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "weather?"},
		{Role: RoleAssistant, Calls: []FunctionCall{{
			Name:   "weather",
			Params: json.RawMessage(`{"city":"Paris"}`),
			Result: json.RawMessage(`{"temp":21}`),
		}}},
		{Role: RoleAssistant, Content: "It is 21 degrees."},
	}
	text, err := Llama3{}.Render(Options{Messages: history})
	if err != nil {
		t.Fatalf("render error: %v", err)
	}
	got, err := ParseLlama3(text)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if diff := cmp.Diff(history, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParseLlama3Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
	}{
		{name: "no begin", text: "<|start_header_id|>user<|end_header_id|>\n\nhi<|eot_id|>"},
		{name: "no header", text: "<|begin_of_text|>hi"},
		{name: "open header", text: "<|begin_of_text|><|start_header_id|>user"},
		{name: "unknown role", text: "<|begin_of_text|><|start_header_id|>narrator<|end_header_id|>\n\nhi<|eot_id|>"},
		{name: "orphan result", text: "<|begin_of_text|><|start_header_id|>function_call_result<|end_header_id|>\n\n1<|eot_id|>"},
		{name: "bad call", text: "<|begin_of_text|><|start_header_id|>assistant<|end_header_id|>\n\n||call: weather<|eot_id|>"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseLlama3(tc.text); !errors.Is(err, ErrInvalidHistory) {
				t.Fatalf("expected ErrInvalidHistory, got %v", err)
			}
		})
	}
}

func TestChatMLRender(t *testing.T) {
	t.Parallel()

	out, err := ChatML{}.Render(Options{
		Messages: []Message{
			{Role: RoleUser, Content: "weather?"},
			{Role: RoleAssistant, Calls: []FunctionCall{{Name: "weather", Params: map[string]any{"city": "Paris"}}}},
			{Role: RoleTool, Content: `{"temp":21}`},
		},
		Functions:           []Function{{Name: "weather"}},
		AddGenerationPrompt: true,
	})
	if err != nil {
		t.Fatalf("render error: %v", err)
	}
	if !strings.HasPrefix(out, "<|im_start|>system\nList of tools: [") {
		t.Fatalf("expected tool list system turn: %q", out)
	}
	for _, want := range []string{
		"<|im_start|>user\nweather?<|im_end|>\n",
		"<|im_start|>assistant\n<tool_call>\n{\"name\": \"weather\", \"arguments\": {\"city\":\"Paris\"}}\n</tool_call><|im_end|>\n",
		"<|im_start|>tool\n<tool_response>\n{\"temp\":21}\n</tool_response><|im_end|>\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output: %q", want, out)
		}
	}
	if !strings.HasSuffix(out, "<|im_start|>assistant\n") {
		t.Fatalf("expected generation prompt suffix: %q", out)
	}
}

func TestWrapperSelection(t *testing.T) {
	t.Parallel()

	llama := testVocab(t, "<unk>", "<|end_of_text|>", "<|eot_id|>")
	chatml := testVocab(t, "<unk>", "</s>", "<|im_end|>")

	if w := ForVocab(llama); w.Name() != "llama3" {
		t.Fatalf("expected llama3 for a llama 3 vocabulary, got %s", w.Name())
	}
	if w := ForVocab(chatml); w.Name() != "chatml" {
		t.Fatalf("expected chatml for a chatml vocabulary, got %s", w.Name())
	}

	w, err := Resolve("auto", chatml)
	if err != nil || w.Name() != "chatml" {
		t.Fatalf("expected auto to follow the vocabulary, got %v %v", w, err)
	}
	w, err = Resolve("Llama3", chatml)
	if err != nil || w.Name() != "llama3" {
		t.Fatalf("expected explicit llama3, got %v %v", w, err)
	}
	if _, err := Resolve("alpaca", chatml); err == nil {
		t.Fatalf("expected error for unknown wrapper")
	}

	if diff := cmp.Diff([]string{"<|eot_id|>", "<|end_of_text|>"}, Llama3{}.StopTriggers(llama)); diff != "" {
		t.Fatalf("llama3 stop triggers (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"<|im_end|>", "</s>"}, ChatML{}.StopTriggers(chatml)); diff != "" {
		t.Fatalf("chatml stop triggers (-want +got):\n%s", diff)
	}
}
