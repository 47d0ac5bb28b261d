package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/internal/model"
	"github.com/samcharles93/kiln/internal/tensor"
)

func benchmarkCmd() *cli.Command {
	var (
		layerName  string
		rows       int64
		warmupRuns int64
		benchRuns  int64
	)

	flags := append(checkpointFlags(), loggingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "layer",
			Usage:       "layer to benchmark (default: first layer)",
			Destination: &layerName,
		},
		&cli.Int64Flag{
			Name:        "rows",
			Usage:       "activation rows per run",
			Value:       32,
			Destination: &rows,
		},
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       5,
			Destination: &benchRuns,
		},
	)

	return &cli.Command{
		Name:    "benchmark",
		Aliases: []string{"bench"},
		Usage:   "Measure quantized projection throughput",
		Flags:   flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyConfig(cmd, LoadConfig())
			log := newLog()

			if checkpointPath == "" {
				return cli.Exit("error: --checkpoint is required", 1)
			}
			loadStart := time.Now()
			m, err := model.Load(checkpointPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load checkpoint: %v", err), 1)
			}
			log.Info("loaded checkpoint", "path", checkpointPath, "took", time.Since(loadStart))

			if layerName == "" {
				layerName = m.Names()[0]
			}
			layer, ok := m.Layer(layerName)
			if !ok {
				return cli.Exit(fmt.Sprintf("error: layer %q not found (have %v)", layerName, m.Names()), 1)
			}

			x := tensor.NewMat(int(rows), layer.InputSize())
			tensor.FillRand(x, 42)

			for i := int64(0); i < warmupRuns; i++ {
				if _, err := layer.Forward(x); err != nil {
					return cli.Exit(fmt.Sprintf("error: forward: %v", err), 1)
				}
			}

			// 2 ops (mul+add) per int8 MAC.
			opsPerRun := 2 * float64(rows) * float64(layer.InputSize()) * float64(layer.OutputSize())
			var total time.Duration
			best := time.Duration(0)
			for i := int64(0); i < benchRuns; i++ {
				start := time.Now()
				if _, err := layer.Forward(x); err != nil {
					return cli.Exit(fmt.Sprintf("error: forward: %v", err), 1)
				}
				elapsed := time.Since(start)
				total += elapsed
				if best == 0 || elapsed < best {
					best = elapsed
				}
				log.Debug("run complete", "run", i+1, "took", elapsed)
			}
			avg := total / time.Duration(benchRuns)

			fmt.Printf("layer:      %s (%d x %d, %s, %s activations)\n",
				layerName, layer.InputSize(), layer.OutputSize(),
				layer.Strategy(), activationMode(layer.StaticInput()))
			fmt.Printf("rows:       %d\n", rows)
			fmt.Printf("runs:       %d (after %d warmup)\n", benchRuns, warmupRuns)
			fmt.Printf("avg:        %v (%.2f GOPS)\n", avg, opsPerRun/avg.Seconds()/1e9)
			fmt.Printf("best:       %v (%.2f GOPS)\n", best, opsPerRun/best.Seconds()/1e9)
			return nil
		},
	}
}

func activationMode(static bool) string {
	if static {
		return "static"
	}
	return "dynamic"
}
