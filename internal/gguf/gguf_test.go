package gguf

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func writeTestFile(t *testing.T, alignment uint64) string {
	t.Helper()
	w := NewWriter()
	w.Alignment = alignment
	mustSet(t, w, "general.architecture", "llama")
	mustSet(t, w, "llama.context_length", uint32(128))
	mustSet(t, w, "tokenizer.ggml.tokens", []string{"<unk>", "<s>", "</s>"})
	mustSet(t, w, "tokenizer.ggml.scores", []float32{0, -1, -2})
	mustSet(t, w, "tokenizer.ggml.add_bos_token", true)

	if err := w.AddF32("a", TypeF32, []uint64{3}, []float32{1, -2, 3.5}); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if err := w.AddF32("b", TypeF16, []uint64{2, 2}, []float32{0.5, 1, -1, 2}); err != nil {
		t.Fatalf("add b: %v", err)
	}
	if err := w.AddF32("c", TypeBF16, []uint64{2}, []float32{1, -4}); err != nil {
		t.Fatalf("add c: %v", err)
	}
	q := make([]float32, 64)
	for i := range q {
		q[i] = float32(i-32) / 8
	}
	if err := w.AddF32("q", TypeQ8_0, []uint64{64}, q); err != nil {
		t.Fatalf("add q: %v", err)
	}

	path := filepath.Join(t.TempDir(), "test.gguf")
	if err := w.WriteFile(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func mustSet(t *testing.T, w *Writer, key string, v any) {
	t.Helper()
	if err := w.Set(key, v); err != nil {
		t.Fatalf("set %s: %v", key, err)
	}
}

func TestWriterRoundTrip(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name      string
		mmap      bool
		alignment uint64
	}{
		{name: "read", mmap: false, alignment: 32},
		{name: "mmap", mmap: true, alignment: 32},
		{name: "aligned-64", mmap: false, alignment: 64},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := writeTestFile(t, tc.alignment)

			f, err := Open(path, OpenOptions{UseMmap: tc.mmap})
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer func() { _ = f.Close() }()

			if f.Mapped() != tc.mmap {
				t.Fatalf("expected mapped=%v, got %v", tc.mmap, f.Mapped())
			}
			if f.Alignment != tc.alignment {
				t.Fatalf("expected alignment %d, got %d", tc.alignment, f.Alignment)
			}
			if f.Header.Version != Version || f.Header.TensorCount != 4 {
				t.Fatalf("unexpected header %+v", f.Header)
			}
			if arch, _ := GetString(f.KV, "general.architecture"); arch != "llama" {
				t.Fatalf("expected llama, got %q", arch)
			}
			if v, _ := GetBool(f.KV, "tokenizer.ggml.add_bos_token"); !v {
				t.Fatal("expected add_bos_token=true")
			}
			toks, _ := GetArray[string](f.KV, "tokenizer.ggml.tokens")
			if diff := cmp.Diff([]string{"<unk>", "<s>", "</s>"}, toks); diff != "" {
				t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
			}

			a, dims, err := f.ReadTensorF32("a")
			if err != nil {
				t.Fatalf("read a: %v", err)
			}
			if diff := cmp.Diff([]float32{1, -2, 3.5}, a); diff != "" {
				t.Fatalf("a mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff([]uint64{3}, dims); diff != "" {
				t.Fatalf("dims mismatch (-want +got):\n%s", diff)
			}

			b, _, err := f.ReadTensorF32("b")
			if err != nil {
				t.Fatalf("read b: %v", err)
			}
			if diff := cmp.Diff([]float32{0.5, 1, -1, 2}, b); diff != "" {
				t.Fatalf("b mismatch (-want +got):\n%s", diff)
			}

			c, _, err := f.ReadTensorF32("c")
			if err != nil {
				t.Fatalf("read c: %v", err)
			}
			if diff := cmp.Diff([]float32{1, -4}, c); diff != "" {
				t.Fatalf("c mismatch (-want +got):\n%s", diff)
			}

			q, _, err := f.ReadTensorF32("q")
			if err != nil {
				t.Fatalf("read q: %v", err)
			}
			approx := cmpopts.EquateApprox(0, 0.02)
			for i, v := range q {
				want := float32(i-32) / 8
				if !cmp.Equal(want, v, approx) {
					t.Fatalf("q[%d]: expected ~%v, got %v", i, want, v)
				}
			}
		})
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.gguf")
	if err := os.WriteFile(path, []byte("NOPE0000000000000000000000"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(path, OpenOptions{})
	if !errors.Is(err, ErrInvalidFile) {
		t.Fatalf("expected ErrInvalidFile, got %v", err)
	}
}

func TestOpenRejectsTruncatedData(t *testing.T) {
	t.Parallel()

	path := writeTestFile(t, 32)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data[:len(data)-8], 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := Open(path, OpenOptions{})
	if err != nil {
		t.Fatalf("header should still parse: %v", err)
	}
	defer func() { _ = f.Close() }()

	if _, _, err := f.ReadTensorF32("q"); !errors.Is(err, ErrInvalidFile) {
		t.Fatalf("expected ErrInvalidFile for truncated tensor, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	f, err := Open(writeTestFile(t, 32), OpenOptions{UseMmap: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, _, err := f.ReadTensorF32("a"); err == nil {
		t.Fatal("expected error reading from closed file")
	}
}

func TestDecodeF32RejectsLength(t *testing.T) {
	t.Parallel()

	if _, err := DecodeF32(TypeF32, make([]byte, 7), 2); err == nil {
		t.Fatal("expected length error")
	}
	if _, err := DecodeF32(TypeQ4_K, nil, 256); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
	out, err := DecodeF32(TypeF32, []byte{0, 0, 0xc0, 0x7f}, 1)
	if err != nil || !math.IsNaN(float64(out[0])) {
		t.Fatalf("expected NaN, got %v (%v)", out, err)
	}
}
