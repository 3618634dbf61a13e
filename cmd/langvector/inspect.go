package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/o2ter/LangVector/internal/gguf"
	"github.com/o2ter/LangVector/internal/model"
)

type inspectReport struct {
	Path        string            `json:"path"`
	Version     uint32            `json:"version"`
	Description string            `json:"description"`
	Parameters  uint64            `json:"parameters"`
	Size        uint64            `json:"size"`
	VocabType   string            `json:"vocab_type"`
	VocabSize   int               `json:"vocab_size"`
	Context     int               `json:"train_context"`
	Embedding   int               `json:"embedding_size"`
	Layers      []layerInfo       `json:"layers"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Tensors     []tensorInfo      `json:"tensors,omitempty"`
}

type tensorInfo struct {
	Name   string   `json:"name"`
	Type   string   `json:"type"`
	Dims   []uint64 `json:"dims"`
	Offset uint64   `json:"offset"`
}

type layerInfo struct {
	Index   int    `json:"index"`
	Attn    bool   `json:"attn"`
	FFN     bool   `json:"ffn"`
	KVHeads int    `json:"kv_heads"`
	Type    string `json:"type"`
}

func inspectCmd() *cli.Command {
	var (
		showKV      bool
		tensorLimit int
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Show GGUF metadata, hyperparameters and tensors",
		ArgsUsage: "<path.gguf>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "kv", Usage: "show all metadata key/values", Destination: &showKV},
			&cli.IntFlag{Name: "tensors", Usage: "number of tensors to list (0 to skip, -1 for all)", Value: 20, Destination: &tensorLimit},
			jsonFlag(),
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			path := c.Args().First()
			if path == "" {
				return errors.New("usage: langvector inspect [--kv] [--tensors N] <path.gguf>")
			}

			opts := model.DefaultLoadOptions()
			opts.VocabOnly = true
			h, err := model.Load(ctx, path, opts)
			if err != nil {
				return err
			}
			defer h.Dispose()

			f, err := gguf.Open(path, gguf.OpenOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			report, err := buildReport(h, f, showKV, tensorLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(report)
			}
			printReport(report, len(f.Tensors))
			return nil
		},
	}
}

// firstErr keeps the first error of a run of model queries.
type firstErr struct{ err error }

func query[T any](f *firstErr, v T, err error) T {
	if f.err == nil {
		f.err = err
	}
	return v
}

func buildReport(h *model.Handle, f *gguf.File, showKV bool, tensorLimit int) (inspectReport, error) {
	var q firstErr
	r := inspectReport{
		Path:        h.Path(),
		Version:     f.Header.Version,
		Description: query(&q, h.Description()),
		Parameters:  query(&q, h.ParameterCount()),
		Size:        query(&q, h.TotalSize()),
		VocabType:   query(&q, h.VocabularyType()).String(),
		VocabSize:   query(&q, h.VocabSize()),
		Context:     query(&q, h.TrainContextSize()),
		Embedding:   query(&q, h.EmbeddingSize()),
		Layers:      summarizeLayers(h.Hyperparameters(), f),
	}
	if showKV {
		keys := query(&q, h.MetaKeys())
		r.Metadata = make(map[string]string, len(keys))
		for _, k := range keys {
			r.Metadata[k] = query(&q, h.Meta(k))
		}
	}
	if q.err != nil {
		return inspectReport{}, q.err
	}
	n := tensorLimit
	if n < 0 || n > len(f.Tensors) {
		n = len(f.Tensors)
	}
	for _, t := range f.Tensors[:n] {
		r.Tensors = append(r.Tensors, tensorInfo{Name: t.Name, Type: t.Type.String(), Dims: t.Dims, Offset: t.Offset})
	}
	return r, nil
}

func summarizeLayers(hp model.Hyperparameters, f *gguf.File) []layerInfo {
	layers := make([]layerInfo, hp.BlockCount)
	for i := range layers {
		layers[i].Index = i
	}
	headDim := hp.HeadDim()
	for _, t := range f.Tensors {
		idx, suffix, ok := parseLayerName(t.Name)
		if !ok || idx < 0 || idx >= len(layers) {
			continue
		}
		info := &layers[idx]
		switch suffix {
		case "attn_q.weight":
			info.Attn = true
			info.Type = t.Type.String()
		case "attn_k.weight":
			if headDim > 0 && len(t.Dims) == 2 {
				info.KVHeads = int(t.Dims[1]) / headDim
			}
		case "ffn_gate.weight", "ffn_up.weight", "ffn_down.weight":
			info.FFN = true
		}
	}
	return layers
}

func printReport(r inspectReport, tensorCount int) {
	fmt.Printf("File: %s\n", r.Path)
	fmt.Printf("GGUF v%d | %s | params=%d | size=%d\n", r.Version, r.Description, r.Parameters, r.Size)
	fmt.Printf("  vocab:          %s (%d)\n", r.VocabType, r.VocabSize)
	fmt.Printf("  train context:  %d\n", r.Context)
	fmt.Printf("  embedding:      %d\n", r.Embedding)

	fmt.Println()
	fmt.Println("Layers:")
	for _, l := range r.Layers {
		fmt.Printf("  layer %02d: attn=%v ffn=%v kv_heads=%d type=%s\n", l.Index, l.Attn, l.FFN, l.KVHeads, l.Type)
	}

	if len(r.Metadata) > 0 {
		fmt.Println()
		fmt.Println("All metadata:")
		keys := make([]string, 0, len(r.Metadata))
		for k := range r.Metadata {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", k, r.Metadata[k])
		}
	}

	if len(r.Tensors) > 0 {
		fmt.Println()
		fmt.Println("Tensors:")
		for _, t := range r.Tensors {
			fmt.Printf("  %-40s %-6s dims=%s off=%d\n", t.Name, t.Type, formatDims(t.Dims), t.Offset)
		}
		if len(r.Tensors) < tensorCount {
			fmt.Printf("  ... (%d more)\n", tensorCount-len(r.Tensors))
		}
	}
}

func formatDims(dims []uint64) string {
	if len(dims) == 0 {
		return "[]"
	}
	parts := make([]string, len(dims))
	for i, v := range dims {
		parts[i] = strconv.FormatUint(v, 10)
	}
	return "[" + strings.Join(parts, "x") + "]"
}

func parseLayerName(name string) (int, string, bool) {
	rest, ok := strings.CutPrefix(name, "blk.")
	if !ok {
		return 0, "", false
	}
	idx, suffix, ok := strings.Cut(rest, ".")
	if !ok {
		return 0, "", false
	}
	n, err := strconv.Atoi(idx)
	if err != nil {
		return 0, "", false
	}
	return n, suffix, true
}
