package quant

import (
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/kiln/internal/param"
	"github.com/samcharles93/kiln/internal/tensor"
)

func newAllocated(t *testing.T, strategy Strategy, static bool, widths []int, inputSize int) (*Scheme, *Weights) {
	t.Helper()
	s := NewScheme(strategy, static)
	w, err := s.CreateWeights(param.NewRegistry(), widths, inputSize)
	if err != nil {
		t.Fatalf("create weights: %v", err)
	}
	return s, w
}

func TestCreateWeightsShapes(t *testing.T) {
	_, w := newAllocated(t, StrategyTensor, false, []int{4, 4, 4}, 16)
	if w.Weight.R != 12 || w.Weight.C != 16 {
		t.Fatalf("weight shape: got (%d,%d), want (12,16)", w.Weight.R, w.Weight.C)
	}
	if len(w.WeightScale) != 3 {
		t.Fatalf("tensor-strategy scale length: got %d, want 3", len(w.WeightScale))
	}
	if w.InputScale != nil {
		t.Fatal("dynamic scheme must not allocate an input scale")
	}

	_, w = newAllocated(t, StrategyChannel, true, []int{6}, 8)
	if len(w.WeightScale) != 6 {
		t.Fatalf("channel-strategy scale length: got %d, want 6", len(w.WeightScale))
	}
	if len(w.InputScale) != 1 {
		t.Fatalf("static scheme input scale length: got %d, want 1", len(w.InputScale))
	}
}

func TestCreateWeightsRegistersParams(t *testing.T) {
	reg := param.NewRegistry()
	s := NewScheme(StrategyTensor, true)
	if _, err := s.CreateWeights(reg, []int{2, 2}, 4); err != nil {
		t.Fatalf("create weights: %v", err)
	}

	weight, ok := reg.Get("weight")
	if !ok || weight.DType != param.I8 || weight.OutputDim != 0 || weight.InputDim != 1 {
		t.Fatalf("weight param metadata: %+v", weight)
	}
	scale, ok := reg.Get("weight_scale")
	if !ok || !scale.ScalarToArray {
		t.Fatalf("tensor-strategy scale must allow scalar broadcast: %+v", scale)
	}
	if _, ok := reg.Get("input_scale"); !ok {
		t.Fatal("static scheme must register input_scale")
	}
}

func TestCreateWeightsInvalidArgs(t *testing.T) {
	s := NewScheme(StrategyTensor, false)
	if _, err := s.CreateWeights(param.NewRegistry(), nil, 4); err == nil {
		t.Fatal("expected error for empty widths")
	}
	if _, err := s.CreateWeights(param.NewRegistry(), []int{4, -1}, 4); err == nil {
		t.Fatal("expected error for negative width")
	}
	if _, err := s.CreateWeights(param.NewRegistry(), []int{4}, 0); err == nil {
		t.Fatal("expected error for zero input size")
	}
}

func TestCreateWeightsTwice(t *testing.T) {
	s, _ := newAllocated(t, StrategyTensor, false, []int{4}, 4)
	if _, err := s.CreateWeights(param.NewRegistry(), []int{4}, 4); !errors.Is(err, ErrWeightsExist) {
		t.Fatalf("expected ErrWeightsExist, got %v", err)
	}
}

func TestFinalizeExpandsFusedTensorScales(t *testing.T) {
	s, w := newAllocated(t, StrategyTensor, false, []int{4, 4, 4}, 8)
	w.WeightScale[0] = 0.5
	w.WeightScale[1] = 0.25
	w.WeightScale[2] = 0.125

	if err := s.Finalize(w); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(w.WeightScale) != 12 {
		t.Fatalf("finalized scale length: got %d, want 12", len(w.WeightScale))
	}
	want := []float32{0.5, 0.25, 0.125}
	for r := 0; r < 12; r++ {
		if w.WeightScale[r] != want[r/4] {
			t.Fatalf("scale[%d] = %g, want %g", r, w.WeightScale[r], want[r/4])
		}
	}
}

func TestFinalizeKeepsSingleBlockTensorScale(t *testing.T) {
	s, w := newAllocated(t, StrategyTensor, false, []int{8}, 4)
	w.WeightScale[0] = 0.75

	if err := s.Finalize(w); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(w.WeightScale) != 1 || w.WeightScale[0] != 0.75 {
		t.Fatalf("single-block scale changed: %v", w.WeightScale)
	}
}

func TestFinalizeKeepsChannelScales(t *testing.T) {
	s, w := newAllocated(t, StrategyChannel, false, []int{6}, 4)
	for i := range w.WeightScale {
		w.WeightScale[i] = 0.1 * float32(i+1)
	}
	before := append([]float32(nil), w.WeightScale...)

	if err := s.Finalize(w); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(w.WeightScale) != 6 {
		t.Fatalf("channel scale length changed: %d", len(w.WeightScale))
	}
	for i := range before {
		if w.WeightScale[i] != before[i] {
			t.Fatalf("scale[%d] changed: %g != %g", i, w.WeightScale[i], before[i])
		}
	}
}

func TestFinalizeTransposesWeight(t *testing.T) {
	s, w := newAllocated(t, StrategyChannel, false, []int{3}, 5)
	orig := tensor.NewInt8Mat(3, 5)
	for i := range orig.Data {
		orig.Data[i] = int8(i - 7)
		w.Weight.Data[i] = orig.Data[i]
	}

	if err := s.Finalize(w); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if w.Weight.R != 5 || w.Weight.C != 3 {
		t.Fatalf("finalized weight shape: got (%d,%d), want (5,3)", w.Weight.R, w.Weight.C)
	}
	for i := 0; i < orig.R; i++ {
		for j := 0; j < orig.C; j++ {
			if w.Weight.Row(j)[i] != orig.Row(i)[j] {
				t.Fatalf("weight'[%d][%d] = %d, want %d", j, i, w.Weight.Row(j)[i], orig.Row(i)[j])
			}
		}
	}
}

func TestFinalizeStateMachine(t *testing.T) {
	s := NewScheme(StrategyTensor, false)
	if err := s.Finalize(&Weights{}); !errors.Is(err, ErrNoWeights) {
		t.Fatalf("finalize before create: got %v, want ErrNoWeights", err)
	}

	s, w := newAllocated(t, StrategyTensor, false, []int{4}, 4)
	if err := s.Finalize(w); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	if err := s.Finalize(w); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("second finalize: got %v, want ErrAlreadyFinalized", err)
	}
	// The rejected second call must not have transposed again.
	if w.Weight.R != 4 || w.Weight.C != 4 {
		t.Fatalf("weight shape after rejected finalize: (%d,%d)", w.Weight.R, w.Weight.C)
	}
}

func TestApplyBeforeFinalize(t *testing.T) {
	s, w := newAllocated(t, StrategyTensor, false, []int{4}, 4)
	if _, err := s.Apply(w, tensor.NewMat(1, 4)); !errors.Is(err, ErrNotFinalized) {
		t.Fatalf("expected ErrNotFinalized, got %v", err)
	}
}

func TestApplyStaticClipsInsteadOfRescaling(t *testing.T) {
	// Identity-ish layer: one output row, weight value 1, unit weight
	// scale. With a fixed input scale of 0.5 a large activation must be
	// clipped at 127*0.5, not rescaled per call.
	s, w := newAllocated(t, StrategyTensor, true, []int{1}, 1)
	w.Weight.Data[0] = 1
	w.WeightScale[0] = 1
	w.InputScale[0] = 0.5
	if err := s.Finalize(w); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	out, err := s.Apply(w, tensor.NewMatFromData(1, 1, []float32{1}))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Data[0] != 1 {
		t.Fatalf("in-range static apply: got %g, want 1", out.Data[0])
	}

	out, err = s.Apply(w, tensor.NewMatFromData(1, 1, []float32{100}))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Data[0] != 127*0.5 {
		t.Fatalf("clipped static apply: got %g, want %g", out.Data[0], 127*0.5)
	}
}

func TestApplyDynamicAdaptsScale(t *testing.T) {
	s, w := newAllocated(t, StrategyTensor, false, []int{1}, 1)
	w.Weight.Data[0] = 1
	w.WeightScale[0] = 1
	if err := s.Finalize(w); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// Dynamic quantization recomputes the scale per call, so the same
	// layer reproduces both small and large inputs exactly (a single
	// element is always representable at q=±127... here q=127).
	for _, v := range []float32{0.25, 100} {
		out, err := s.Apply(w, tensor.NewMatFromData(1, 1, []float32{v}))
		if err != nil {
			t.Fatalf("apply(%g): %v", v, err)
		}
		if math.Abs(float64(out.Data[0]-v)) > 1e-5 {
			t.Fatalf("dynamic apply(%g): got %g", v, out.Data[0])
		}
	}
}

func TestApplyStaticMissingInputScale(t *testing.T) {
	s, w := newAllocated(t, StrategyTensor, true, []int{2}, 2)
	if err := s.Finalize(w); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	w.InputScale = nil
	if _, err := s.Apply(w, tensor.NewMat(1, 2)); !errors.Is(err, ErrNoInputScale) {
		t.Fatalf("expected ErrNoInputScale, got %v", err)
	}
}

func TestApplyFusedEndToEnd(t *testing.T) {
	// widths [2,1], input size 3, static unit input scale so integer
	// activations quantize exactly.
	s, w := newAllocated(t, StrategyTensor, true, []int{2, 1}, 3)
	weight := [][]int8{
		{1, 2, 3},
		{-1, 0, 1},
		{2, -2, 4},
	}
	for i, row := range weight {
		copy(w.Weight.Row(i), row)
	}
	w.WeightScale[0] = 0.1
	w.WeightScale[1] = 0.2
	w.InputScale[0] = 1

	if err := s.Finalize(w); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	x := tensor.NewMatFromData(2, 3, []float32{
		1, 2, 3,
		-1, 1, 0,
	})
	out, err := s.Apply(w, x)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.R != 2 || out.C != 3 {
		t.Fatalf("output shape: got (%d,%d), want (2,3)", out.R, out.C)
	}

	rowScales := []float32{0.1, 0.1, 0.2}
	for i := 0; i < x.R; i++ {
		for j := 0; j < 3; j++ {
			var acc float32
			for k := 0; k < 3; k++ {
				acc += x.Row(i)[k] * float32(weight[j][k])
			}
			want := acc * rowScales[j]
			if math.Abs(float64(out.Row(i)[j]-want)) > 1e-5 {
				t.Fatalf("out[%d][%d] = %g, want %g", i, j, out.Row(i)[j], want)
			}
		}
	}
}

func TestApplyOutputShape(t *testing.T) {
	s, w := newAllocated(t, StrategyChannel, true, []int{5}, 4)
	for i := range w.WeightScale {
		w.WeightScale[i] = 0.01
	}
	w.InputScale[0] = 0.5
	if err := s.Finalize(w); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	out, err := s.Apply(w, tensor.NewMat(2, 4))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.R != 2 || out.C != 5 {
		t.Fatalf("output shape: got (%d,%d), want (2,5)", out.R, out.C)
	}
}

func TestParseStrategy(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Strategy
	}{
		{"tensor", StrategyTensor},
		{"channel", StrategyChannel},
	} {
		got, err := ParseStrategy(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("ParseStrategy(%q) = %v, %v", tc.in, got, err)
		}
	}
	if _, err := ParseStrategy("group"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}
