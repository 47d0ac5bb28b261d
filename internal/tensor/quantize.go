package tensor

import "math"

// AbsMaxScale returns the symmetric int8 quantization scale for x:
// max(|x|)/127. An all-zero input yields scale 0, which QuantizeInt8
// treats as "everything quantizes to zero".
func AbsMaxScale(x []float32) float32 {
	maxAbs := float32(0)
	for _, v := range x {
		if v < 0 {
			v = -v
		}
		if v > maxAbs {
			maxAbs = v
		}
	}
	return maxAbs / 127.0
}

// QuantizeInt8 quantizes x into dst using q = clamp(round(x/scale), ±127).
// dst must have at least len(x) elements.
func QuantizeInt8(dst []int8, x []float32, scale float32) {
	if len(dst) < len(x) {
		panic("quantize: dst too small")
	}
	if scale == 0 {
		for i := range x {
			dst[i] = 0
		}
		return
	}
	inv := float32(1.0) / scale
	for i, v := range x {
		q := int32(math.Round(float64(v * inv)))
		if q > 127 {
			q = 127
		} else if q < -127 {
			q = -127
		}
		dst[i] = int8(q)
	}
}

// ScaledInt8Quant quantizes the activation matrix x to int8.
//
// When hasScale is true the provided scale is used directly and echoed
// back unchanged (static activation quantization). Otherwise a fresh
// scale is computed from x's value range (dynamic quantization).
func ScaledInt8Quant(x *Mat, scale float32, hasScale bool) (*Int8Mat, float32) {
	if !hasScale {
		scale = AbsMaxScale(x.Data)
	}
	q := NewInt8Mat(x.R, x.C)
	if x.Stride == x.C {
		QuantizeInt8(q.Data, x.Data, scale)
		return q, scale
	}
	for i := 0; i < x.R; i++ {
		QuantizeInt8(q.Row(i), x.Row(i), scale)
	}
	return q, scale
}
