package main

import (
	"path/filepath"
	"testing"

	"github.com/samcharles93/kiln/internal/model"
	"github.com/samcharles93/kiln/internal/quant"
	"github.com/samcharles93/kiln/internal/safetensors"
)

func TestParseFuseSpecs(t *testing.T) {
	fused, err := parseFuseSpecs([]string{"attn_qkv=attn_q, attn_k, attn_v"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	parts := fused["attn_qkv"]
	want := []string{"attn_q", "attn_k", "attn_v"}
	if len(parts) != len(want) {
		t.Fatalf("parts: got %v, want %v", parts, want)
	}
	for i := range want {
		if parts[i] != want[i] {
			t.Fatalf("parts[%d] = %q, want %q", i, parts[i], want[i])
		}
	}
}

func TestParseFuseSpecsInvalid(t *testing.T) {
	for _, spec := range []string{"no-equals", "name=single", "=a,b", "name=a,,b"} {
		if _, err := parseFuseSpecs([]string{spec}); err == nil {
			t.Fatalf("spec %q: expected error", spec)
		}
	}
}

func TestQuantizeFusedRoundtrip(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "float.safetensors")
	err := safetensors.Write(srcPath, map[string]safetensors.TensorData{
		"attn_q.weight": {DType: "F32", Shape: []int{2, 4}, F32: []float32{
			1, 2, 3, 4,
			-4, -3, -2, -1,
		}},
		"attn_k.weight": {DType: "F32", Shape: []int{1, 4}, F32: []float32{8, 6, 4, 2}},
	}, nil)
	if err != nil {
		t.Fatalf("write source: %v", err)
	}
	src, err := safetensors.Open(srcPath)
	if err != nil {
		t.Fatalf("open source: %v", err)
	}

	fused, err := parseFuseSpecs([]string{"attn_qk=attn_q,attn_k"})
	if err != nil {
		t.Fatalf("parse fuse: %v", err)
	}
	plans, err := planLayers(src, fused)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plans) != 1 || plans[0].name != "attn_qk" {
		t.Fatalf("plans: %+v", plans)
	}

	out := make(map[string]safetensors.TensorData)
	metadata := make(map[string]string)
	if err := quantizeLayer(src, nil, plans[0], quant.StrategyTensor, out, metadata); err != nil {
		t.Fatalf("quantize: %v", err)
	}
	if metadata["attn_qk.logical_widths"] != "2,1" {
		t.Fatalf("widths metadata: %q", metadata["attn_qk.logical_widths"])
	}
	scales := out["attn_qk.weight_scale"]
	if len(scales.F32) != 2 {
		t.Fatalf("scales: got %d, want one per fused block", len(scales.F32))
	}
	// Block maxima are 4 and 8.
	if scales.F32[0] != 4.0/127 || scales.F32[1] != 8.0/127 {
		t.Fatalf("scales: %v", scales.F32)
	}

	outPath := filepath.Join(dir, "int8.safetensors")
	if err := safetensors.Write(outPath, out, metadata); err != nil {
		t.Fatalf("write output: %v", err)
	}
	m, err := model.Load(outPath)
	if err != nil {
		t.Fatalf("load quantized: %v", err)
	}
	layer, ok := m.Layer("attn_qk")
	if !ok {
		t.Fatalf("layer not found; have %v", m.Names())
	}
	if layer.OutputSize() != 3 || layer.InputSize() != 4 {
		t.Fatalf("layer dims: out=%d in=%d", layer.OutputSize(), layer.InputSize())
	}
	// Finalize expanded the two block scales across the fused rows.
	ws := layer.WeightScale()
	wantScales := []float32{4.0 / 127, 4.0 / 127, 8.0 / 127}
	for i := range wantScales {
		if ws[i] != wantScales[i] {
			t.Fatalf("scale[%d] = %g, want %g", i, ws[i], wantScales[i])
		}
	}
}

func TestPlanLayersStandalone(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "float.safetensors")
	err := safetensors.Write(srcPath, map[string]safetensors.TensorData{
		"mlp_up.weight":   {DType: "F32", Shape: []int{2, 2}, F32: []float32{1, 2, 3, 4}},
		"mlp_down.weight": {DType: "F32", Shape: []int{2, 2}, F32: []float32{1, 2, 3, 4}},
		"norm.bias":       {DType: "F32", Shape: []int{2}, F32: []float32{0, 0}},
	}, nil)
	if err != nil {
		t.Fatalf("write source: %v", err)
	}
	src, err := safetensors.Open(srcPath)
	if err != nil {
		t.Fatalf("open source: %v", err)
	}
	plans, err := planLayers(src, nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("plans: got %d, want 2 (rank-1 bias skipped)", len(plans))
	}
	if plans[0].name != "mlp_down" || plans[1].name != "mlp_up" {
		t.Fatalf("plan order: %q, %q", plans[0].name, plans[1].name)
	}
}
