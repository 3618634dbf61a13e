package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/o2ter/LangVector/internal/engine"
	"github.com/o2ter/LangVector/internal/inference"
	"github.com/o2ter/LangVector/internal/logger"
	"github.com/o2ter/LangVector/internal/model"
	"github.com/o2ter/LangVector/internal/toy"
)

type testOptions struct {
	sequences  int
	embeddings bool
	rateLimit  float64
	timeout    time.Duration
}

func newTestServer(t *testing.T, o testOptions) (*Server, *echo.Echo) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toy.gguf")
	if err := toy.Write(path, toy.DefaultConfig()); err != nil {
		t.Fatalf("write toy model: %v", err)
	}
	ctx := logger.WithContext(context.Background(), logger.Discard())
	rt, err := inference.Loader{
		ModelPath: path,
		Load:      model.DefaultLoadOptions(),
		Context:   engine.Options{ContextSize: 128, Sequences: max(o.sequences, 1)},
	}.Open(ctx)
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(rt.Close)

	cfg := Config{
		Runtime:     rt,
		SlotTimeout: o.timeout,
		RateLimit:   o.rateLimit,
		Logger:      logger.Discard(),
	}
	if o.embeddings {
		opts := inference.DefaultEmbedderOptions()
		opts.ContextSize = 32
		emb, err := inference.NewEmbedder(rt.Model, opts, engine.WithLogger(logger.Discard()))
		if err != nil {
			t.Fatalf("new embedder: %v", err)
		}
		t.Cleanup(func() { _ = emb.Close() })
		cfg.Embedder = emb
	}

	server := NewServer(cfg)
	e := echo.New()
	server.Register(e)
	return server, e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, errType string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d body=%s", status, rec.Code, rec.Body.String())
	}
	body := decode[struct {
		Error ResponseError `json:"error"`
	}](t, rec)
	if body.Error.Type != errType || body.Error.Message == "" {
		t.Fatalf("expected %s error with a message, got %+v", errType, body.Error)
	}
}

func TestHealthAndModel(t *testing.T) {
	t.Parallel()

	_, e := newTestServer(t, testOptions{sequences: 2})
	rec := doJSON(t, e, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status: got %d", rec.Code)
	}
	health := decode[HealthResponse](t, rec)
	if health.Status != "ok" || health.SlotsTotal != 2 || health.SlotsIdle != 2 {
		t.Fatalf("unexpected health %+v", health)
	}

	rec = doJSON(t, e, http.MethodGet, "/v1/model", "")
	info := decode[ModelResponse](t, rec)
	if info.ID != "toy" || info.VocabSize != toy.VocabSize() || info.VocabType != "spm" {
		t.Fatalf("unexpected model %+v", info)
	}
	if info.Context.Size != 128 || info.Context.Sequences != 2 {
		t.Fatalf("unexpected context %+v", info.Context)
	}
}

func TestTokenizeRoundTrip(t *testing.T) {
	t.Parallel()

	_, e := newTestServer(t, testOptions{})
	rec := doJSON(t, e, http.MethodPost, "/v1/tokenize", `{"content":"hello world","with_pieces":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("tokenize status: got %d body=%s", rec.Code, rec.Body.String())
	}
	tok := decode[TokenizeResponse](t, rec)
	if len(tok.Tokens) == 0 || tok.Tokens[0] != toy.TokenBOS {
		t.Fatalf("expected tokens led by BOS, got %v", tok.Tokens)
	}
	if len(tok.Pieces) != len(tok.Tokens) || tok.Pieces[0].Piece != "<s>" {
		t.Fatalf("unexpected pieces %+v", tok.Pieces)
	}

	body, _ := json.Marshal(DetokenizeRequest{Tokens: tok.Tokens, RemoveSpecial: true})
	rec = doJSON(t, e, http.MethodPost, "/v1/detokenize", string(body))
	text := decode[DetokenizeResponse](t, rec)
	if strings.TrimSpace(text.Content) != "hello world" {
		t.Fatalf("expected round trip, got %q", text.Content)
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/detokenize", `{"tokens":[999999]}`)
	expectError(t, rec, http.StatusBadRequest, "invalid_request_error")
}

func TestCompletionsValidation(t *testing.T) {
	t.Parallel()

	_, e := newTestServer(t, testOptions{})
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed", body: `{"prompt":`},
		{name: "empty prompt", body: `{"prompt":""}`},
		{name: "bad bias", body: `{"prompt":"hello","logit_bias":{"x":1}}`},
		{name: "bad stop", body: `{"prompt":"hello","stop":3}`},
		{name: "too long", body: `{"prompt":"` + strings.Repeat("hello ", 200) + `"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, e, http.MethodPost, "/v1/completions", tc.body)
			expectError(t, rec, http.StatusBadRequest, "invalid_request_error")
		})
	}
}

func TestCompletionsReleaseTheSequence(t *testing.T) {
	t.Parallel()

	server, e := newTestServer(t, testOptions{sequences: 2})
	rec := doJSON(t, e, http.MethodPost, "/v1/completions", `{"prompt":"hello","max_tokens":4,"temperature":0,"stop":["\n\n"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("completion status: got %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decode[CompletionResponse](t, rec)
	if !strings.HasPrefix(resp.ID, "cmpl-") || resp.Object != "text_completion" {
		t.Fatalf("unexpected envelope %+v", resp)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].FinishReason == nil {
		t.Fatalf("expected one finished choice, got %+v", resp.Choices)
	}
	if resp.Usage == nil || resp.Usage.CompletionTokens > 4 || resp.Usage.PromptTokens == 0 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
	if got := server.rt.Context.UsedCells(); got != 0 {
		t.Fatalf("expected sequence removed after the request, got %d used cells", got)
	}
	if server.slots.idle() != 2 {
		t.Fatalf("expected all slots idle, got %d", server.slots.idle())
	}
}

func TestCompletionsStreamMatchesSync(t *testing.T) {
	t.Parallel()

	_, e := newTestServer(t, testOptions{})
	body := `{"prompt":"hello world","max_tokens":6,"temperature":0}`
	sync := decode[CompletionResponse](t, doJSON(t, e, http.MethodPost, "/v1/completions", body))

	rec := doJSON(t, e, http.MethodPost, "/v1/completions", strings.Replace(body, "{", `{"stream":true,`, 1))
	if rec.Code != http.StatusOK {
		t.Fatalf("stream status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}

	var (
		text   strings.Builder
		reason string
		done   bool
	)
	sc := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			done = true
			continue
		}
		var chunk CompletionResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			t.Fatalf("decode chunk %q: %v", data, err)
		}
		text.WriteString(chunk.Choices[0].Text)
		if chunk.Choices[0].FinishReason != nil {
			reason = *chunk.Choices[0].FinishReason
		}
	}
	if !done {
		t.Fatalf("expected [DONE] terminator")
	}
	if text.String() != sync.Choices[0].Text {
		t.Fatalf("expected streamed %q to equal %q", text.String(), sync.Choices[0].Text)
	}
	if reason != *sync.Choices[0].FinishReason {
		t.Fatalf("expected finish reason %q, got %q", *sync.Choices[0].FinishReason, reason)
	}
}

func TestCompletionsNoFreeSlot(t *testing.T) {
	t.Parallel()

	server, e := newTestServer(t, testOptions{timeout: 20 * time.Millisecond})
	seq, err := server.slots.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer server.slots.release(seq)

	rec := doJSON(t, e, http.MethodPost, "/v1/completions", `{"prompt":"hello","max_tokens":1}`)
	expectError(t, rec, http.StatusServiceUnavailable, "unavailable_error")
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	_, e := newTestServer(t, testOptions{rateLimit: 0.001})
	if rec := doJSON(t, e, http.MethodGet, "/v1/model", ""); rec.Code != http.StatusOK {
		t.Fatalf("first request: got %d", rec.Code)
	}
	rec := doJSON(t, e, http.MethodGet, "/v1/model", "")
	expectError(t, rec, http.StatusTooManyRequests, "rate_limit_error")

	if rec := doJSON(t, e, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health must not be limited, got %d", rec.Code)
	}
}

func TestEmbeddings(t *testing.T) {
	t.Parallel()

	_, disabled := newTestServer(t, testOptions{})
	rec := doJSON(t, disabled, http.MethodPost, "/v1/embeddings", `{"input":"hello"}`)
	expectError(t, rec, http.StatusNotImplemented, "not_implemented_error")

	_, e := newTestServer(t, testOptions{embeddings: true})
	rec = doJSON(t, e, http.MethodPost, "/v1/embeddings", `{"input":["hello","the world"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("embeddings status: got %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decode[EmbeddingResponse](t, rec)
	if len(resp.Data) != 2 || resp.Data[1].Index != 1 {
		t.Fatalf("expected two embeddings, got %+v", resp.Data)
	}
	if len(resp.Data[0].Embedding) != toy.DefaultConfig().Embd || resp.Usage.PromptTokens == 0 {
		t.Fatalf("unexpected embedding response %+v", resp.Usage)
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/embeddings", `{"input":"`+strings.Repeat("hello ", 40)+`"}`)
	expectError(t, rec, http.StatusBadRequest, "invalid_request_error")

	rec = doJSON(t, e, http.MethodPost, "/v1/embeddings", `{"input":"hello","normalize":"cubic"}`)
	expectError(t, rec, http.StatusBadRequest, "invalid_request_error")
}
