package tensor

// Int8Mat represents a dense row‑major matrix of signed 8‑bit integers.
// It is the storage type for quantized weights and quantized activations.
// Like Mat, it performs no bounds checking beyond Go's slice semantics.
type Int8Mat struct {
	R, C   int
	Stride int
	Data   []int8
}

// NewInt8Mat allocates a zero-initialised int8 matrix.
func NewInt8Mat(r, c int) *Int8Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return &Int8Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]int8, r*c),
	}
}

// NewInt8MatFromData creates an int8 matrix from existing data.
// It checks that the data length matches r*c.
func NewInt8MatFromData(r, c int, data []int8) *Int8Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return &Int8Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}
}

// Row returns a view of the i‑th row of the matrix as a slice.
func (m *Int8Mat) Row(i int) []int8 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// Transpose returns a new matrix with rows and columns swapped, so that
// out[j][i] == m[i][j]. Weight tensors are transposed exactly once after
// loading to match the operand orientation ScaledMatMul expects.
func (m *Int8Mat) Transpose() *Int8Mat {
	out := NewInt8Mat(m.C, m.R)
	for i := 0; i < m.R; i++ {
		row := m.Data[i*m.Stride : i*m.Stride+m.C]
		for j, v := range row {
			out.Data[j*out.Stride+i] = v
		}
	}
	return out
}
