package tensor

import "simd/archsimd"

func dotInt8Int16(q []int8, x []int16, n int) int32 {
	if hasAVX2 && n >= 16 {
		return dotInt8Int16SIMD(q, x, n)
	}
	return dotInt8Int16Scalar(q, x, n)
}

func dotInt8Int16Scalar(q []int8, x []int16, n int) int32 {
	var sum int32
	for i := 0; i < n; i++ {
		sum += int32(q[i]) * int32(x[i])
	}
	return sum
}

func dotInt8Int16SIMD(q []int8, x []int16, n int) int32 {
	var acc archsimd.Int32x8
	i := 0
	for ; i+16 <= n; i += 16 {
		vq := archsimd.LoadInt8x16Slice(q[i:])
		iq := vq.ExtendToInt16()
		ix := archsimd.LoadInt16x16Slice(x[i:])
		acc = acc.Add(iq.DotProductPairs(ix))
	}

	var tmp [8]int32
	acc.Store(&tmp)
	sum := tmp[0] + tmp[1] + tmp[2] + tmp[3] + tmp[4] + tmp[5] + tmp[6] + tmp[7]
	for ; i < n; i++ {
		sum += int32(q[i]) * int32(x[i])
	}
	return sum
}
