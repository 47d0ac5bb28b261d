// Package param implements named-parameter registration for layers.
// A layer declares its tensors up front with shape, dtype, and loading
// metadata; an external loader later fills the registered storage by
// name. The registry itself never interprets tensor contents.
package param

import (
	"errors"
	"fmt"
)

type DType int

const (
	F32 DType = iota
	I8
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case I8:
		return "i8"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

var (
	ErrDuplicateName = errors.New("param: duplicate parameter name")
	ErrSizeMismatch  = errors.New("param: value count does not match shape")
	ErrWrongDType    = errors.New("param: wrong dtype for load")
)

// Tensor is a declared layer parameter plus its loading metadata.
//
// OutputDim is the axis that indexes output channels, or -1 when the
// parameter has no output-channel axis. ScalarToArray marks vectors
// whose persisted form may be a single scalar that must be broadcast
// across the whole array on load.
type Tensor struct {
	Name          string
	Shape         []int
	DType         DType
	InputDim      int
	OutputDim     int
	ScalarToArray bool

	F32 []float32
	I8  []int8
}

// NumElements returns the product of the tensor's shape dimensions.
func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// LoadF32 copies vals into the tensor's float32 storage. A single
// scalar is broadcast across the array when ScalarToArray is set.
func (t *Tensor) LoadF32(vals []float32) error {
	if t.DType != F32 {
		return fmt.Errorf("%w: %s is %s", ErrWrongDType, t.Name, t.DType)
	}
	if t.ScalarToArray && len(vals) == 1 {
		for i := range t.F32 {
			t.F32[i] = vals[0]
		}
		return nil
	}
	if len(vals) != len(t.F32) {
		return fmt.Errorf("%w: %s got %d values, want %d", ErrSizeMismatch, t.Name, len(vals), len(t.F32))
	}
	copy(t.F32, vals)
	return nil
}

// LoadI8 copies vals into the tensor's int8 storage.
func (t *Tensor) LoadI8(vals []int8) error {
	if t.DType != I8 {
		return fmt.Errorf("%w: %s is %s", ErrWrongDType, t.Name, t.DType)
	}
	if len(vals) != len(t.I8) {
		return fmt.Errorf("%w: %s got %d values, want %d", ErrSizeMismatch, t.Name, len(vals), len(t.I8))
	}
	copy(t.I8, vals)
	return nil
}

// Registry holds the parameters declared by one layer, in registration
// order. Names are unique within a registry.
type Registry struct {
	params []*Tensor
	byName map[string]*Tensor
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Tensor)}
}

// Register allocates storage for t according to its shape and dtype and
// adds it to the registry. The storage starts zeroed and is filled later
// by the loader.
func (r *Registry) Register(t *Tensor) (*Tensor, error) {
	if t.Name == "" {
		return nil, errors.New("param: empty parameter name")
	}
	if _, ok := r.byName[t.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, t.Name)
	}
	for _, d := range t.Shape {
		if d <= 0 {
			return nil, fmt.Errorf("param: %s has invalid dim %d", t.Name, d)
		}
	}
	switch t.DType {
	case F32:
		t.F32 = make([]float32, t.NumElements())
	case I8:
		t.I8 = make([]int8, t.NumElements())
	default:
		return nil, fmt.Errorf("param: %s has unsupported dtype %s", t.Name, t.DType)
	}
	r.params = append(r.params, t)
	r.byName[t.Name] = t
	return t, nil
}

// Get returns the parameter registered under name.
func (r *Registry) Get(name string) (*Tensor, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Names returns the registered parameter names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.params))
	for i, t := range r.params {
		names[i] = t.Name
	}
	return names
}
