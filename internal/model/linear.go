// Package model hosts the layers that own quantized tensors and the
// loader that fills them from a checkpoint.
package model

import (
	"github.com/samcharles93/kiln/internal/param"
	"github.com/samcharles93/kiln/internal/quant"
	"github.com/samcharles93/kiln/internal/tensor"
)

// Linear is a quantized linear projection. It may fuse several logical
// sub-weights (QKV, gated MLP) into one physical weight matrix; the
// fusion layout is described by the logical widths passed at
// construction. The layer owns its tensors exclusively.
type Linear struct {
	Name string

	scheme  *quant.Scheme
	weights *quant.Weights
	params  *param.Registry
}

// NewLinear declares a linear layer's tensors without loading values.
func NewLinear(name string, strategy quant.Strategy, staticInput bool, widths []int, inputSize int) (*Linear, error) {
	scheme := quant.NewScheme(strategy, staticInput)
	reg := param.NewRegistry()
	w, err := scheme.CreateWeights(reg, widths, inputSize)
	if err != nil {
		return nil, err
	}
	return &Linear{
		Name:    name,
		scheme:  scheme,
		weights: w,
		params:  reg,
	}, nil
}

// Params exposes the layer's registered parameters to the loader.
func (l *Linear) Params() *param.Registry { return l.params }

// Finalize reconciles scale layout and weight orientation once loading
// is complete. It must run exactly once, before the first Forward.
func (l *Linear) Finalize() error {
	return l.scheme.Finalize(l.weights)
}

// Forward applies the quantized projection to x.
func (l *Linear) Forward(x *tensor.Mat) (*tensor.Mat, error) {
	return l.scheme.Apply(l.weights, x)
}

func (l *Linear) Strategy() quant.Strategy { return l.scheme.Strategy() }
func (l *Linear) StaticInput() bool        { return l.scheme.StaticInput() }
func (l *Linear) LogicalWidths() []int     { return l.scheme.LogicalWidths() }
func (l *Linear) InputSize() int           { return l.scheme.InputSize() }
func (l *Linear) OutputSize() int          { return l.scheme.OutputSize() }

// WeightScale returns the layer's current weight-scale values. Before
// Finalize this is the creation-time layout; after, the kernel layout.
func (l *Linear) WeightScale() []float32 { return l.weights.WeightScale }
