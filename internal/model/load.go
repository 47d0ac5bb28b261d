package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/samcharles93/kiln/internal/param"
	"github.com/samcharles93/kiln/internal/quant"
	"github.com/samcharles93/kiln/internal/safetensors"
)

// Model is a named set of quantized linear layers loaded from one
// checkpoint. All layers are finalized by Load; Forward traffic may
// start as soon as Load returns.
type Model struct {
	Path   string
	layers map[string]*Linear
}

// Layer returns the layer registered under name.
func (m *Model) Layer(name string) (*Linear, bool) {
	l, ok := m.layers[name]
	return l, ok
}

// Names returns the layer names in sorted order.
func (m *Model) Names() []string {
	names := make([]string, 0, len(m.layers))
	for name := range m.layers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load opens an INT8 checkpoint and builds finalized layers from it.
//
// Every I8 tensor named "<layer>.weight" starts a layer. Its scale
// layout is inferred from "<layer>.weight_scale": a rank-2 (rows,1)
// tensor selects the channel strategy, a rank-1 tensor the per-tensor
// strategy. Fused layers carry their logical widths in the checkpoint
// metadata under "<layer>.logical_widths" (comma-separated). Static
// input quantization is selected by the presence of
// "<layer>.input_scale".
func Load(path string) (*Model, error) {
	st, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	m := &Model{
		Path:   path,
		layers: make(map[string]*Linear),
	}
	for name, info := range st.Tensors {
		prefix, ok := strings.CutSuffix(name, ".weight")
		if !ok || info.DType != "I8" {
			continue
		}
		layer, err := loadLayer(st, prefix, info)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", prefix, err)
		}
		m.layers[prefix] = layer
	}
	if len(m.layers) == 0 {
		return nil, fmt.Errorf("%s: no quantized layers found", path)
	}
	return m, nil
}

func loadLayer(st *safetensors.File, prefix string, weight safetensors.TensorInfo) (*Linear, error) {
	if len(weight.Shape) != 2 {
		return nil, fmt.Errorf("weight rank %d, want 2", len(weight.Shape))
	}
	rows, cols := weight.Shape[0], weight.Shape[1]

	scaleInfo, ok := st.Tensor(prefix + ".weight_scale")
	if !ok {
		return nil, fmt.Errorf("missing weight_scale")
	}
	var strategy quant.Strategy
	switch len(scaleInfo.Shape) {
	case 2:
		strategy = quant.StrategyChannel
	case 1:
		strategy = quant.StrategyTensor
	default:
		return nil, fmt.Errorf("weight_scale rank %d", len(scaleInfo.Shape))
	}

	widths, err := layerWidths(st, prefix, strategy, scaleInfo, rows)
	if err != nil {
		return nil, err
	}

	_, static := st.Tensor(prefix + ".input_scale")

	layer, err := NewLinear(prefix, strategy, static, widths, cols)
	if err != nil {
		return nil, err
	}
	if err := fillParams(st, prefix, layer.Params()); err != nil {
		return nil, err
	}
	if err := layer.Finalize(); err != nil {
		return nil, err
	}
	return layer, nil
}

// layerWidths resolves the logical sub-weight widths for a layer. The
// metadata entry wins; otherwise a per-tensor layer takes one block per
// persisted scale and a per-channel layer is a single block.
func layerWidths(st *safetensors.File, prefix string, strategy quant.Strategy, scaleInfo safetensors.TensorInfo, rows int) ([]int, error) {
	if raw, ok := st.Metadata[prefix+".logical_widths"]; ok {
		widths, err := parseWidths(raw)
		if err != nil {
			return nil, err
		}
		total := 0
		for _, w := range widths {
			total += w
		}
		if total != rows {
			return nil, fmt.Errorf("logical widths sum %d, weight has %d rows", total, rows)
		}
		return widths, nil
	}
	if strategy == quant.StrategyTensor && scaleInfo.Shape[0] > 1 {
		return nil, fmt.Errorf("%d block scales but no logical_widths metadata", scaleInfo.Shape[0])
	}
	return []int{rows}, nil
}

func parseWidths(raw string) ([]int, error) {
	parts := strings.Split(raw, ",")
	widths := make([]int, 0, len(parts))
	for _, p := range parts {
		w, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid logical_widths %q: %w", raw, err)
		}
		widths = append(widths, w)
	}
	return widths, nil
}

func fillParams(st *safetensors.File, prefix string, reg *param.Registry) error {
	for _, name := range reg.Names() {
		p, _ := reg.Get(name)
		full := prefix + "." + name
		switch p.DType {
		case param.I8:
			vals, _, err := st.ReadTensorI8(full)
			if err != nil {
				return err
			}
			if err := p.LoadI8(vals); err != nil {
				return err
			}
		case param.F32:
			vals, _, err := st.ReadTensorF32(full)
			if err != nil {
				return err
			}
			if err := p.LoadF32(vals); err != nil {
				return err
			}
		default:
			return fmt.Errorf("param %s: unsupported dtype %s", full, p.DType)
		}
	}
	return nil
}
