package model

import (
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/o2ter/LangVector/internal/gguf"
	"github.com/o2ter/LangVector/internal/logger"
	"github.com/o2ter/LangVector/internal/tensor"
	"github.com/o2ter/LangVector/internal/tokenizer"
)

// Handle is a loaded model shared by any number of contexts. It is
// reference counted: Load hands out one reference, each context retains
// another, and the weights are released when the count drops to zero.
type Handle struct {
	path  string
	opts  LoadOptions
	file  *gguf.File
	meta  map[string]gguf.Value
	hp    Hyperparameters
	vocab *tokenizer.Vocab

	weights *Weights
	size    uint64
	types   map[gguf.TensorType]uint64

	refs     atomic.Int64
	disposed atomic.Bool
	log      logger.Logger
}

// Retain adds a reference. It fails once the handle has been released.
func (h *Handle) Retain() error {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return ErrModelDisposed
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Release drops a reference taken with Retain.
func (h *Handle) Release() {
	n := h.refs.Add(-1)
	switch {
	case n == 0:
		h.free()
	case n < 0:
		h.refs.Store(0)
	}
}

// Dispose releases the reference returned by Load. Further calls are
// no-ops. Contexts that still hold a reference keep the weights alive.
func (h *Handle) Dispose() {
	if h == nil || !h.disposed.CompareAndSwap(false, true) {
		return
	}
	h.Release()
}

// Disposed reports whether the owner reference was released.
func (h *Handle) Disposed() bool { return h.disposed.Load() }

// Alive reports whether any reference remains.
func (h *Handle) Alive() bool { return h.refs.Load() > 0 }

func (h *Handle) free() {
	if h.file != nil {
		if err := h.file.Close(); err != nil {
			h.log.Warn("failed to release model file", "error", err)
		}
	}
	h.log.Debug("model released")
}

// check reports ErrModelDisposed once the owner reference is gone. Contexts
// that still hold a reference reach the model through Vocab and
// Hyperparameters, which do not check.
func (h *Handle) check() error {
	if h.disposed.Load() {
		return ErrModelDisposed
	}
	return nil
}

func (h *Handle) Path() string        { return h.path }
func (h *Handle) Options() LoadOptions { return h.opts }

// Hyperparameters and Vocab serve reference holders and stay usable after
// Dispose for as long as a context retains the handle.
func (h *Handle) Hyperparameters() Hyperparameters { return h.hp }
func (h *Handle) Vocab() *tokenizer.Vocab          { return h.vocab }

func (h *Handle) VocabSize() (int, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	return h.vocab.Size(), nil
}

func (h *Handle) EmbeddingSize() (int, error)    { return h.hparam(h.hp.EmbeddingSize) }
func (h *Handle) TrainContextSize() (int, error) { return h.hparam(h.hp.ContextLength) }
func (h *Handle) LayerCount() (int, error)       { return h.hparam(h.hp.BlockCount) }
func (h *Handle) HeadCount() (int, error)        { return h.hparam(h.hp.HeadCount) }

func (h *Handle) hparam(v int) (int, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	return v, nil
}

// TotalSize is the byte size of all tensor payloads.
func (h *Handle) TotalSize() (uint64, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	return h.size, nil
}

// ParameterCount is the number of scalar weights in the file.
func (h *Handle) ParameterCount() (uint64, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	return h.parameters(), nil
}

func (h *Handle) parameters() uint64 {
	var n uint64
	for _, c := range h.types {
		n += c
	}
	return n
}

// Description summarises the model as "<arch> <size> <type>".
func (h *Handle) Description() (string, error) {
	if err := h.check(); err != nil {
		return "", err
	}
	dominant := "none"
	var best uint64
	for t, n := range h.types {
		if n > best || (n == best && t.String() < dominant) {
			dominant, best = t.String(), n
		}
	}
	return fmt.Sprintf("%s %s %s", h.hp.Arch, sizeLabel(h.parameters()), dominant), nil
}

func sizeLabel(params uint64) string {
	switch {
	case params >= 1e9:
		return fmt.Sprintf("%.1fB", float64(params)/1e9)
	case params >= 1e6:
		return fmt.Sprintf("%.1fM", float64(params)/1e6)
	case params >= 1e3:
		return fmt.Sprintf("%.1fK", float64(params)/1e3)
	}
	return fmt.Sprintf("%d", params)
}

// MetaKeys lists the metadata keys in sorted order.
func (h *Handle) MetaKeys() ([]string, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(h.meta))
	for k := range h.meta {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

// Meta formats a metadata value. Arrays render their length and type.
func (h *Handle) Meta(key string) (string, error) {
	if err := h.check(); err != nil {
		return "", err
	}
	v, ok := h.meta[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoMetadata, key)
	}
	if arr, ok := v.Value.(gguf.ArrayValue); ok {
		return fmt.Sprintf("[%s; %d]", arr.ElemType, len(arr.Values)), nil
	}
	return strings.TrimSpace(fmt.Sprint(v.Value)), nil
}

// Weights returns the decoded network.
func (h *Handle) Weights() (*Weights, error) {
	if !h.Alive() {
		return nil, ErrModelDisposed
	}
	if h.weights == nil {
		return nil, ErrNoWeights
	}
	return h.weights, nil
}

// RotateKey moves a cached key row by delta positions.
func (h *Handle) RotateKey(key []float32, delta int32) {
	if delta == 0 || h.weights == nil {
		return
	}
	tensor.ApplyRoPE(key, h.hp.HeadCountKV, h.hp.HeadDim(), delta, h.weights.invFreq)
}
