// Package quant implements INT8 weight/activation quantization for
// linear layers: scale layout management for per-tensor and per-channel
// weight scales, including the reconciliation fused layers need before
// the scaled matmul kernel can consume them, and the inference-time
// dispatch that quantizes activations statically or dynamically.
package quant

import "fmt"

// Strategy selects the weight-scale granularity.
type Strategy int

const (
	// StrategyTensor stores one scale per logical sub-weight.
	StrategyTensor Strategy = iota
	// StrategyChannel stores one scale per output row of the weight.
	StrategyChannel
)

func (s Strategy) String() string {
	switch s {
	case StrategyTensor:
		return "tensor"
	case StrategyChannel:
		return "channel"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy converts a config string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "tensor":
		return StrategyTensor, nil
	case "channel":
		return StrategyChannel, nil
	default:
		return 0, fmt.Errorf("quant: unknown strategy %q", s)
	}
}
