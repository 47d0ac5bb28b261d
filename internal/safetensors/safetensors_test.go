package safetensors

import (
	"math"
	"path/filepath"
	"testing"
)

func TestWriteOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")

	err := Write(path, map[string]TensorData{
		"proj.weight":       {DType: "I8", Shape: []int{2, 3}, I8: []int8{1, -2, 3, -4, 5, -6}},
		"proj.weight_scale": {DType: "F32", Shape: []int{2, 1}, F32: []float32{0.5, 0.25}},
		"proj.input_scale":  {DType: "F32", Shape: []int{1}, F32: []float32{0.125}},
	}, map[string]string{
		"proj.logical_widths": "2",
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if f.Metadata["proj.logical_widths"] != "2" {
		t.Fatalf("metadata: %v", f.Metadata)
	}

	w, info, err := f.ReadTensorI8("proj.weight")
	if err != nil {
		t.Fatalf("read weight: %v", err)
	}
	if info.Shape[0] != 2 || info.Shape[1] != 3 {
		t.Fatalf("weight shape: %v", info.Shape)
	}
	want := []int8{1, -2, 3, -4, 5, -6}
	for i := range want {
		if w[i] != want[i] {
			t.Fatalf("weight[%d] = %d, want %d", i, w[i], want[i])
		}
	}

	s, _, err := f.ReadTensorF32("proj.weight_scale")
	if err != nil {
		t.Fatalf("read scale: %v", err)
	}
	if s[0] != 0.5 || s[1] != 0.25 {
		t.Fatalf("scale values: %v", s)
	}

	is, _, err := f.ReadTensorF32("proj.input_scale")
	if err != nil {
		t.Fatalf("read input scale: %v", err)
	}
	if is[0] != 0.125 {
		t.Fatalf("input scale: %v", is)
	}
}

func TestReadTensorI8WrongDType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	err := Write(path, map[string]TensorData{
		"x": {DType: "F32", Shape: []int{2}, F32: []float32{1, 2}},
	}, nil)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, _, err := f.ReadTensorI8("x"); err == nil {
		t.Fatal("expected dtype error")
	}
}

func TestReadMissingTensor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	err := Write(path, map[string]TensorData{
		"x": {DType: "F32", Shape: []int{1}, F32: []float32{1}},
	}, nil)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, _, err := f.ReadTensor("missing"); err == nil {
		t.Fatal("expected error for missing tensor")
	}
}

func TestWriteSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.safetensors")
	err := Write(path, map[string]TensorData{
		"x": {DType: "F32", Shape: []int{3}, F32: []float32{1, 2}},
	}, nil)
	if err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestF32Precision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	vals := []float32{0.1, -1e-7, math.MaxFloat32, float32(math.Inf(-1))}
	err := Write(path, map[string]TensorData{
		"x": {DType: "F32", Shape: []int{4}, F32: vals},
	}, nil)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got, _, err := f.ReadTensorF32("x")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := range vals {
		if got[i] != vals[i] {
			t.Fatalf("x[%d] = %g, want %g", i, got[i], vals[i])
		}
	}
}
