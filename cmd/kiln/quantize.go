package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/internal/quant"
	"github.com/samcharles93/kiln/internal/safetensors"
	"github.com/samcharles93/kiln/internal/tensor"
)

func quantizeCmd() *cli.Command {
	var (
		inputPath   string
		outputPath  string
		strategyStr string
		fuseSpecs   []string
		calibPath   string
	)

	flags := append([]cli.Flag{
		&cli.StringFlag{
			Name:        "input",
			Aliases:     []string{"i"},
			Usage:       "path to float .safetensors checkpoint",
			Required:    true,
			Destination: &inputPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "path for the INT8 .safetensors checkpoint",
			Required:    true,
			Destination: &outputPath,
		},
		&cli.StringFlag{
			Name:        "strategy",
			Usage:       "weight scale strategy (tensor, channel)",
			Value:       "channel",
			Destination: &strategyStr,
		},
		&cli.StringSliceFlag{
			Name:        "fuse",
			Usage:       "fuse layers: fused_name=partA,partB,... (repeatable)",
			Destination: &fuseSpecs,
		},
		&cli.StringFlag{
			Name:        "calibration",
			Usage:       "activation samples (.safetensors, one F32 tensor per layer) for static input scales",
			Destination: &calibPath,
		},
	}, loggingFlags()...)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Quantize a float checkpoint to INT8 weights with scales",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := newLog()

			strategy, err := quant.ParseStrategy(strategyStr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			fused, err := parseFuseSpecs(fuseSpecs)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			src, err := safetensors.Open(inputPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open input: %v", err), 1)
			}

			var calib *safetensors.File
			if calibPath != "" {
				calib, err = safetensors.Open(calibPath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: open calibration: %v", err), 1)
				}
			}

			layers, err := planLayers(src, fused)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			out := make(map[string]safetensors.TensorData)
			metadata := make(map[string]string)
			for _, layer := range layers {
				if err := quantizeLayer(src, calib, layer, strategy, out, metadata); err != nil {
					return cli.Exit(fmt.Sprintf("error: layer %s: %v", layer.name, err), 1)
				}
				log.Info("quantized layer",
					"layer", layer.name,
					"strategy", strategy.String(),
					"widths", formatWidths(layer.widths),
					"input_size", layer.inputSize,
				)
			}
			if len(layers) == 0 {
				return cli.Exit("error: no rank-2 F32 *.weight tensors found", 1)
			}

			if err := safetensors.Write(outputPath, out, metadata); err != nil {
				return cli.Exit(fmt.Sprintf("error: write output: %v", err), 1)
			}
			log.Info("wrote checkpoint", "path", outputPath, "layers", len(layers))
			return nil
		},
	}
}

// layerPlan describes one output layer: either a single source weight or
// several source weights stacked row-wise into one fused weight.
type layerPlan struct {
	name      string
	parts     []string // source prefixes, in stacking order
	widths    []int    // output rows contributed by each part
	inputSize int
}

func parseFuseSpecs(specs []string) (map[string][]string, error) {
	fused := make(map[string][]string, len(specs))
	for _, spec := range specs {
		name, parts, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --fuse %q, want fused_name=partA,partB", spec)
		}
		name = strings.TrimSpace(name)
		split := strings.Split(parts, ",")
		cleaned := make([]string, 0, len(split))
		for _, p := range split {
			p = strings.TrimSpace(p)
			if p == "" {
				return nil, fmt.Errorf("invalid --fuse %q: empty part name", spec)
			}
			cleaned = append(cleaned, p)
		}
		if name == "" || len(cleaned) < 2 {
			return nil, fmt.Errorf("invalid --fuse %q: need a name and at least two parts", spec)
		}
		fused[name] = cleaned
	}
	return fused, nil
}

// planLayers resolves fuse specs against the checkpoint and pairs the
// remaining standalone weights one layer each.
func planLayers(src *safetensors.File, fused map[string][]string) ([]layerPlan, error) {
	weightOf := func(prefix string) (safetensors.TensorInfo, error) {
		info, ok := src.Tensor(prefix + ".weight")
		if !ok {
			return safetensors.TensorInfo{}, fmt.Errorf("missing tensor %s.weight", prefix)
		}
		if info.DType != "F32" || len(info.Shape) != 2 {
			return safetensors.TensorInfo{}, fmt.Errorf("%s.weight: want rank-2 F32, have %s rank %d", prefix, info.DType, len(info.Shape))
		}
		return info, nil
	}

	consumed := make(map[string]bool)
	var plans []layerPlan

	fusedNames := make([]string, 0, len(fused))
	for name := range fused {
		fusedNames = append(fusedNames, name)
	}
	sort.Strings(fusedNames)
	for _, name := range fusedNames {
		plan := layerPlan{name: name, parts: fused[name]}
		for _, part := range plan.parts {
			info, err := weightOf(part)
			if err != nil {
				return nil, err
			}
			if plan.inputSize == 0 {
				plan.inputSize = info.Shape[1]
			} else if info.Shape[1] != plan.inputSize {
				return nil, fmt.Errorf("fuse %s: %s has input size %d, want %d", name, part, info.Shape[1], plan.inputSize)
			}
			plan.widths = append(plan.widths, info.Shape[0])
			consumed[part] = true
		}
		plans = append(plans, plan)
	}

	standalone := make([]string, 0, len(src.Tensors))
	for name, info := range src.Tensors {
		prefix, ok := strings.CutSuffix(name, ".weight")
		if !ok || info.DType != "F32" || len(info.Shape) != 2 || consumed[prefix] {
			continue
		}
		standalone = append(standalone, prefix)
	}
	sort.Strings(standalone)
	for _, prefix := range standalone {
		info, _ := src.Tensor(prefix + ".weight")
		plans = append(plans, layerPlan{
			name:      prefix,
			parts:     []string{prefix},
			widths:    []int{info.Shape[0]},
			inputSize: info.Shape[1],
		})
	}
	return plans, nil
}

func quantizeLayer(src, calib *safetensors.File, layer layerPlan, strategy quant.Strategy, out map[string]safetensors.TensorData, metadata map[string]string) error {
	totalRows := 0
	for _, w := range layer.widths {
		totalRows += w
	}
	qweight := make([]int8, totalRows*layer.inputSize)

	var scales []float32
	rowBase := 0
	for bi, part := range layer.parts {
		vals, _, err := src.ReadTensorF32(part + ".weight")
		if err != nil {
			return err
		}
		block := qweight[rowBase*layer.inputSize : (rowBase+layer.widths[bi])*layer.inputSize]
		switch strategy {
		case quant.StrategyTensor:
			scale := tensor.AbsMaxScale(vals)
			tensor.QuantizeInt8(block, vals, scale)
			scales = append(scales, scale)
		case quant.StrategyChannel:
			for r := 0; r < layer.widths[bi]; r++ {
				row := vals[r*layer.inputSize : (r+1)*layer.inputSize]
				scale := tensor.AbsMaxScale(row)
				tensor.QuantizeInt8(block[r*layer.inputSize:(r+1)*layer.inputSize], row, scale)
				scales = append(scales, scale)
			}
		}
		rowBase += layer.widths[bi]
	}

	out[layer.name+".weight"] = safetensors.TensorData{
		DType: "I8",
		Shape: []int{totalRows, layer.inputSize},
		I8:    qweight,
	}
	switch strategy {
	case quant.StrategyTensor:
		out[layer.name+".weight_scale"] = safetensors.TensorData{
			DType: "F32",
			Shape: []int{len(scales)},
			F32:   scales,
		}
	case quant.StrategyChannel:
		out[layer.name+".weight_scale"] = safetensors.TensorData{
			DType: "F32",
			Shape: []int{len(scales), 1},
			F32:   scales,
		}
	}
	if len(layer.widths) > 1 {
		metadata[layer.name+".logical_widths"] = formatWidths(layer.widths)
	}

	if calib != nil {
		if _, ok := calib.Tensor(layer.name); ok {
			samples, _, err := calib.ReadTensorF32(layer.name)
			if err != nil {
				return err
			}
			out[layer.name+".input_scale"] = safetensors.TensorData{
				DType: "F32",
				Shape: []int{1},
				F32:   []float32{tensor.AbsMaxScale(samples)},
			}
		}
	}
	return nil
}

func formatWidths(widths []int) string {
	parts := make([]string, len(widths))
	for i, w := range widths {
		parts[i] = strconv.Itoa(w)
	}
	return strings.Join(parts, ",")
}
