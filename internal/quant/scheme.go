package quant

import (
	"errors"
	"fmt"

	"github.com/samcharles93/kiln/internal/param"
	"github.com/samcharles93/kiln/internal/tensor"
)

var (
	ErrWeightsExist     = errors.New("quant: weights already created")
	ErrNoWeights        = errors.New("quant: weights not created")
	ErrAlreadyFinalized = errors.New("quant: scheme already finalized")
	ErrNotFinalized     = errors.New("quant: scheme not finalized")
	ErrNoInputScale     = errors.New("quant: static input scheme has no input scale")
)

type schemeState int

const (
	stateNew schemeState = iota
	stateAllocated
	stateFinalized
)

// Weights holds the tensors a Scheme manages for one layer. The layer
// owns them exclusively: Finalize replaces Weight and WeightScale in
// place, and after that no method mutates them again.
type Weights struct {
	// Weight is (sum(widths), inputSize) after CreateWeights and the
	// transpose of that after Finalize.
	Weight *tensor.Int8Mat
	// WeightScale has one entry per logical block under StrategyTensor
	// and one per output row under StrategyChannel; Finalize expands the
	// former into the latter when the layer fuses multiple blocks.
	WeightScale []float32
	// InputScale has exactly one entry for static input schemes and is
	// nil for dynamic ones.
	InputScale []float32
}

// Scheme is an INT8 weight/activation quantization scheme for one
// linear layer. It moves through the states
//
//	new -> allocated (CreateWeights) -> finalized (Finalize)
//
// and Apply is only valid once finalized. Finalize must be called
// exactly once; a second call is rejected rather than silently
// double-transposing the weight. Apply is safe for concurrent use once
// the scheme is finalized.
type Scheme struct {
	strategy    Strategy
	staticInput bool

	widths    []int
	inputSize int
	state     schemeState
}

// NewScheme returns a scheme with the given weight-scale strategy.
// staticInput selects static activation quantization (the input scale
// is loaded from the checkpoint) over dynamic (computed per call).
func NewScheme(strategy Strategy, staticInput bool) *Scheme {
	return &Scheme{strategy: strategy, staticInput: staticInput}
}

func (s *Scheme) Strategy() Strategy { return s.strategy }
func (s *Scheme) StaticInput() bool  { return s.staticInput }
func (s *Scheme) InputSize() int     { return s.inputSize }

// LogicalWidths returns a copy of the layer's logical sub-weight widths.
func (s *Scheme) LogicalWidths() []int {
	out := make([]int, len(s.widths))
	copy(out, s.widths)
	return out
}

// OutputSize returns the total output row count, sum(widths).
func (s *Scheme) OutputSize() int {
	total := 0
	for _, w := range s.widths {
		total += w
	}
	return total
}

// CreateWeights allocates the layer's tensors and registers them on reg
// for the external loader. widths lists the logical sub-weights fused
// into the physical weight; inputSize is the column count of the
// un-transposed weight. No numeric values are computed here.
func (s *Scheme) CreateWeights(reg *param.Registry, widths []int, inputSize int) (*Weights, error) {
	if s.state != stateNew {
		return nil, ErrWeightsExist
	}
	if len(widths) == 0 {
		return nil, fmt.Errorf("quant: empty logical widths")
	}
	total := 0
	for i, w := range widths {
		if w <= 0 {
			return nil, fmt.Errorf("quant: logical width %d is %d", i, w)
		}
		total += w
	}
	if inputSize <= 0 {
		return nil, fmt.Errorf("quant: input size is %d", inputSize)
	}

	weight, err := reg.Register(&param.Tensor{
		Name:      "weight",
		Shape:     []int{total, inputSize},
		DType:     param.I8,
		InputDim:  1,
		OutputDim: 0,
	})
	if err != nil {
		return nil, err
	}

	var scale *param.Tensor
	if s.strategy == StrategyChannel {
		scale, err = reg.Register(&param.Tensor{
			Name:      "weight_scale",
			Shape:     []int{total, 1},
			DType:     param.F32,
			OutputDim: 0,
		})
	} else {
		// One scale per logical block; a bare scalar in the checkpoint
		// is broadcast across the blocks on load.
		scale, err = reg.Register(&param.Tensor{
			Name:          "weight_scale",
			Shape:         []int{len(widths)},
			DType:         param.F32,
			OutputDim:     -1,
			ScalarToArray: true,
		})
	}
	if err != nil {
		return nil, err
	}

	w := &Weights{
		Weight:      tensor.NewInt8MatFromData(total, inputSize, weight.I8),
		WeightScale: scale.F32,
	}

	if s.staticInput {
		inputScale, err := reg.Register(&param.Tensor{
			Name:      "input_scale",
			Shape:     []int{1},
			DType:     param.F32,
			OutputDim: -1,
		})
		if err != nil {
			return nil, err
		}
		w.InputScale = inputScale.F32
	}

	s.widths = append([]int(nil), widths...)
	s.inputSize = inputSize
	s.state = stateAllocated
	return w, nil
}

// Finalize reconciles the scale layout and weight orientation after the
// loader has populated all tensors, before the first Apply call.
//
// Under StrategyTensor with multiple logical blocks, the per-block
// scales are expanded into per-row form: the matmul kernel only accepts
// one global scale or genuinely per-row scales, so a fused layer must
// be promoted to the per-channel layout. A single-block tensor scale
// and a channel-strategy scale are already in kernel form. The weight
// is then transposed, once, into the kernel's operand orientation.
//
// Finalize requires exclusive access to w and must complete before any
// concurrent Apply traffic begins.
func (s *Scheme) Finalize(w *Weights) error {
	switch s.state {
	case stateNew:
		return ErrNoWeights
	case stateFinalized:
		return ErrAlreadyFinalized
	}

	if s.strategy == StrategyTensor && len(s.widths) > 1 {
		perRow, err := ExpandBlockScales(s.widths, w.WeightScale)
		if err != nil {
			return err
		}
		w.WeightScale = perRow
	}

	w.Weight = w.Weight.Transpose()
	s.state = stateFinalized
	return nil
}

// Apply quantizes the activation x and runs the scaled INT8 matmul
// against the finalized weight. The output has x's leading dimension
// and sum(widths) columns. x and the layer tensors are not mutated.
func (s *Scheme) Apply(w *Weights, x *tensor.Mat) (*tensor.Mat, error) {
	if s.state != stateFinalized {
		return nil, ErrNotFinalized
	}
	mode := DynamicScale()
	if s.staticInput {
		if len(w.InputScale) == 0 {
			return nil, ErrNoInputScale
		}
		mode = StaticScale(w.InputScale[0])
	}
	return s.apply(w, x, mode), nil
}

func (s *Scheme) apply(w *Weights, x *tensor.Mat, mode ActivationScaleMode) *tensor.Mat {
	scale, static := mode.Scale()
	qx, xScale := tensor.ScaledInt8Quant(x, scale, static)

	out := tensor.NewMat(x.R, s.OutputSize())
	tensor.ScaledMatMul(out, qx, w.Weight, xScale, w.WeightScale)
	return out
}
