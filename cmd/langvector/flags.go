package main

import (
	"github.com/urfave/cli/v3"

	"github.com/o2ter/LangVector/internal/engine"
	"github.com/o2ter/LangVector/internal/model"
)

var (
	configFile string
	config     Config

	logLevel  string
	logFormat string
	debug     bool

	modelPath    string
	contextSize  int
	batchSize    int
	threads      int
	flashAttn    bool
	noMmap       bool
	mlock        bool
	gpuLayers    int
	checkTensors bool
	jsonOutput   bool
	chatWrapper  string
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to .gguf file",
			Destination: &modelPath,
		},
		&cli.IntFlag{
			Name:        "ctx-size",
			Aliases:     []string{"c"},
			Usage:       "context size in cells (0 = model training context)",
			Destination: &contextSize,
		},
		&cli.IntFlag{
			Name:        "batch-size",
			Aliases:     []string{"b"},
			Usage:       "max tokens per decode (0 = min(512, ctx-size))",
			Destination: &batchSize,
		},
		&cli.IntFlag{
			Name:        "threads",
			Aliases:     []string{"t"},
			Usage:       "compute threads (0 = all cores)",
			Destination: &threads,
		},
		&cli.BoolFlag{
			Name:        "flash-attn",
			Aliases:     []string{"fa"},
			Usage:       "use streaming softmax attention",
			Destination: &flashAttn,
		},
		&cli.BoolFlag{
			Name:        "no-mmap",
			Usage:       "read weights into memory instead of mapping the file",
			Destination: &noMmap,
		},
		&cli.BoolFlag{
			Name:        "mlock",
			Usage:       "lock the mapped model in memory",
			Destination: &mlock,
		},
		&cli.IntFlag{
			Name:        "gpu-layers",
			Aliases:     []string{"ngl"},
			Usage:       "layers to offload (accepted for compatibility, all layers run on the CPU)",
			Destination: &gpuLayers,
		},
		&cli.BoolFlag{
			Name:        "check-tensors",
			Usage:       "validate tensor data while loading",
			Destination: &checkTensors,
		},
	}
}

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:        "json",
		Usage:       "print machine readable JSON",
		Destination: &jsonOutput,
	}
}

func chatWrapperFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "chat-wrapper",
		Usage:       "chat prompt format (auto, llama3, chatml)",
		Value:       "auto",
		Destination: &chatWrapper,
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func loadOptions() model.LoadOptions {
	opts := model.DefaultLoadOptions()
	opts.UseMmap = !noMmap
	opts.UseMlock = mlock
	opts.GPULayers = gpuLayers
	opts.CheckTensors = checkTensors
	return opts
}

func contextOptions() engine.Options {
	opts := engine.DefaultOptions()
	opts.ContextSize = contextSize
	opts.BatchSize = batchSize
	opts.Threads = threads
	opts.BatchThreads = threads
	opts.FlashAttention = flashAttn
	return opts
}
