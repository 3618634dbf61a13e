package model

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/o2ter/LangVector/internal/gguf"
)

// checkTensors validates the byte range of every tensor and scans float
// payloads for NaN and Inf values.
func checkTensors(ctx context.Context, f *gguf.File) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, info := range f.Tensors {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			raw, err := f.TensorBytes(info)
			if err != nil {
				return err
			}
			if !info.Type.IsFloat() {
				return nil
			}
			vals, err := gguf.DecodeF32(info.Type, raw, int(info.Elements()))
			if err != nil {
				return fmt.Errorf("tensor %s: %w", info.Name, err)
			}
			for i, v := range vals {
				if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
					return fmt.Errorf("tensor %s: invalid value %v at element %d", info.Name, v, i)
				}
			}
			return nil
		})
	}
	return g.Wait()
}
