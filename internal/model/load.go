package model

import (
	"context"
	"fmt"
	"time"

	"github.com/o2ter/LangVector/internal/gguf"
	"github.com/o2ter/LangVector/internal/logger"
	"github.com/o2ter/LangVector/internal/tokenizer"
)

// LoadOptions controls how a model file is brought into memory.
type LoadOptions struct {
	// GPULayers is recorded for callers; layers always run on the CPU.
	GPULayers int
	// VocabOnly loads the vocabulary and skips all weights.
	VocabOnly bool
	UseMmap   bool
	// UseMlock pins the model pages in RAM. Failure to lock is logged
	// and does not fail the load.
	UseMlock bool
	// CheckTensors validates tensor ranges and values before use.
	CheckTensors bool
	// OnProgress receives non-decreasing values in [0,1], ending with 1 on
	// success. Returning false aborts the load.
	OnProgress func(progress float32) bool
	// Logger overrides the logger carried by the load context.
	Logger logger.Logger
}

func DefaultLoadOptions() LoadOptions {
	return LoadOptions{UseMmap: true}
}

// Load opens the model at path. The returned handle holds one reference
// owned by the caller; release it with Dispose. Every error matches
// ErrLoadFailed.
func Load(ctx context.Context, path string, opts LoadOptions) (*Handle, error) {
	log := opts.Logger
	if log == nil {
		log = logger.FromContext(ctx)
	}
	log = log.With("component", "model", "path", path)
	start := time.Now()

	var file *gguf.File
	fail := func(err error) (*Handle, error) {
		if file != nil {
			_ = file.Close()
		}
		log.Debug("model load failed", "error", err)
		return nil, &loadError{path: path, err: err}
	}
	report := func(p float32) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrLoadCancelled, err)
		}
		if opts.OnProgress != nil && !opts.OnProgress(p) {
			return ErrLoadCancelled
		}
		return nil
	}

	if opts.GPULayers < 0 {
		return fail(fmt.Errorf("gpu layers must be >= 0, got %d", opts.GPULayers))
	}
	if err := report(0); err != nil {
		return fail(err)
	}

	var err error
	file, err = gguf.Open(path, gguf.OpenOptions{UseMmap: opts.UseMmap})
	if err != nil {
		return fail(err)
	}

	vcfg, err := tokenizer.ConfigFromGGUF(file.KV)
	if err != nil {
		return fail(err)
	}
	vocab, err := tokenizer.New(vcfg)
	if err != nil {
		return fail(err)
	}
	hp, err := readHyperparameters(file.KV, opts.VocabOnly)
	if err != nil {
		return fail(err)
	}

	if opts.UseMlock {
		if err := file.Lock(); err != nil {
			log.Warn("failed to lock model memory", "error", err)
		}
	}

	if opts.CheckTensors && !opts.VocabOnly {
		if err := checkTensors(ctx, file); err != nil {
			return fail(err)
		}
	}

	var weights *Weights
	if !opts.VocabOnly {
		loader := &tensorLoader{
			ctx:      ctx,
			file:     file,
			zeroCopy: file.Mapped(),
			total:    file.TensorDataSize(),
			progress: opts.OnProgress,
		}
		weights, err = loadWeights(loader, hp, vocab.Size())
		if err != nil {
			return fail(err)
		}
		if !loader.zeroCopy {
			// Everything was decoded into private buffers.
			_ = file.Close()
		}
	} else {
		_ = file.Close()
	}

	if err := report(1); err != nil {
		return fail(err)
	}

	if opts.GPULayers > 0 {
		log.Info("gpu offload unavailable, running all layers on cpu", "gpu_layers", opts.GPULayers)
	}

	h := &Handle{
		path:    path,
		opts:    opts,
		file:    file,
		meta:    file.KV,
		hp:      hp,
		vocab:   vocab,
		weights: weights,
		size:    file.TensorDataSize(),
		types:   tensorTypeCounts(file),
		log:     log,
	}
	h.refs.Store(1)
	log.Info("model loaded",
		"arch", hp.Arch,
		"vocab", vocab.Size(),
		"vocab_type", vocab.Type().String(),
		"vocab_only", opts.VocabOnly,
		"mmap", file.Mapped(),
		"elapsed", time.Since(start),
	)
	return h, nil
}

func tensorTypeCounts(f *gguf.File) map[gguf.TensorType]uint64 {
	out := make(map[gguf.TensorType]uint64)
	for _, t := range f.Tensors {
		out[t.Type] += t.Elements()
	}
	return out
}
