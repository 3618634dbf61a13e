package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "model: /models/a.gguf\nctx_size: 0\ntemperature: 0.2\nparallel: 4\nlog_format: json\nchat_wrapper: chatml\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Model != "/models/a.gguf" || cfg.LogFormat != "json" || cfg.ChatWrapper != "chatml" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.ContextSize == nil || *cfg.ContextSize != 0 {
		t.Fatalf("expected explicit zero ctx_size, got %v", cfg.ContextSize)
	}
	if cfg.TopK != nil {
		t.Fatalf("expected unset top_k, got %d", *cfg.TopK)
	}
	defaults := cfg.genDefaults()
	if defaults.Temperature == nil || *defaults.Temperature != 0.2 {
		t.Fatalf("expected temperature default 0.2, got %v", defaults.Temperature)
	}
	if cfg.Parallel == nil || *cfg.Parallel != 4 {
		t.Fatalf("expected parallel 4, got %v", cfg.Parallel)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing explicit config")
	}
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("temperature: [1,2"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(bad); err == nil {
		t.Fatalf("expected a parse error")
	}
}

func TestParseTensorType(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"f32", "F16", "bf16", "q8_0"} {
		if _, err := parseTensorType(name); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
	if _, err := parseTensorType("q4_k"); err == nil {
		t.Fatalf("expected unsupported type error")
	}
}

func TestParseLayerName(t *testing.T) {
	t.Parallel()

	idx, suffix, ok := parseLayerName("blk.12.attn_k.weight")
	if !ok || idx != 12 || suffix != "attn_k.weight" {
		t.Fatalf("unexpected parse %d %q %v", idx, suffix, ok)
	}
	if _, _, ok := parseLayerName("output.weight"); ok {
		t.Fatalf("expected non layer tensor to be rejected")
	}
}
