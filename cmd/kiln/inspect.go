package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/internal/safetensors"
)

func inspectCmd() *cli.Command {
	var (
		path         string
		showTensors  bool
		showMeta     bool
		tensorLimit  int
		tensorFilter string
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect a .safetensors checkpoint and its quantization layout",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "checkpoint",
				Aliases:     []string{"c"},
				Usage:       "path to .safetensors checkpoint",
				Required:    true,
				Destination: &path,
			},
			&cli.BoolFlag{Name: "tensors", Usage: "list every tensor", Destination: &showTensors},
			&cli.BoolFlag{Name: "metadata", Usage: "print raw metadata entries", Destination: &showMeta},
			&cli.IntFlag{Name: "tensors-limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &tensorLimit},
			&cli.StringFlag{Name: "tensor-filter", Usage: "substring filter for tensor listing", Destination: &tensorFilter},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			stat, err := os.Stat(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: stat %q: %v", path, err), 1)
			}
			st, err := safetensors.Open(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open checkpoint: %v", err), 1)
			}

			fmt.Printf("Checkpoint: %s (%s, %d tensors)\n", path, formatBytes(uint64(stat.Size())), len(st.Tensors))

			printLayerSummary(st)

			if showTensors {
				printTensorListing(st, tensorFilter, tensorLimit)
			}
			if showMeta {
				printMetadata(st)
			}
			return nil
		},
	}
}

// printLayerSummary reconstructs the quantized-layer view of the file:
// every I8 "<name>.weight" with its scale strategy, fused widths and
// activation quantization mode.
func printLayerSummary(st *safetensors.File) {
	names := make([]string, 0, len(st.Tensors))
	for name, info := range st.Tensors {
		if prefix, ok := strings.CutSuffix(name, ".weight"); ok && info.DType == "I8" {
			names = append(names, prefix)
		}
	}
	sort.Strings(names)

	section("Quantized Layers")
	if len(names) == 0 {
		fmt.Println("(none)")
		return
	}
	for _, prefix := range names {
		weight, _ := st.Tensor(prefix + ".weight")
		strategy := "?"
		scaleCount := 0
		if scale, ok := st.Tensor(prefix + ".weight_scale"); ok {
			scaleCount = scale.Shape[0]
			switch len(scale.Shape) {
			case 2:
				strategy = "channel"
			case 1:
				strategy = "tensor"
			}
		}
		activation := "dynamic"
		if _, ok := st.Tensor(prefix + ".input_scale"); ok {
			activation = "static"
		}
		line := fmt.Sprintf("%s  shape=%s strategy=%s scales=%d activation=%s",
			prefix, formatShape(weight.Shape), strategy, scaleCount, activation)
		if widths, ok := st.Metadata[prefix+".logical_widths"]; ok {
			line += " widths=" + widths
		}
		fmt.Println(line)
	}
}

func printTensorListing(st *safetensors.File, filter string, limit int) {
	section("Tensors")
	names := make([]string, 0, len(st.Tensors))
	for name := range st.Tensors {
		if filter == "" || strings.Contains(name, filter) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	printed := 0
	for _, name := range names {
		info := st.Tensors[name]
		fmt.Printf("%s  dtype=%s shape=%s\n", name, info.DType, formatShape(info.Shape))
		printed++
		if limit > 0 && printed >= limit {
			break
		}
	}
	if limit > 0 && printed < len(names) {
		fmt.Printf("... (%d shown of %d)\n", printed, len(names))
	}
}

func printMetadata(st *safetensors.File) {
	section("Metadata")
	if len(st.Metadata) == 0 {
		fmt.Println("(none)")
		return
	}
	keys := make([]string, 0, len(st.Metadata))
	for k := range st.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-32s %s\n", k+":", st.Metadata[k])
	}
}

func section(title string) {
	line := strings.Repeat("-", len(title)+8)
	fmt.Printf("\n%s\n--- %s ---\n%s\n", line, title, line)
}

func formatShape(shape []int) string {
	if len(shape) == 0 {
		return "[]"
	}
	parts := make([]string, len(shape))
	for i, v := range shape {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
