package tensor

import "runtime"

type mmTask struct {
	dst    *Mat
	qa, qb *Int8Mat
	scaleA float32
	scaleB []float32
	cs, ce int
	done   chan struct{}
}

type mmPool struct {
	size      int
	tasks     chan mmTask
	doneSlots chan chan struct{}
}

func newMMPool() *mmPool {
	size := runtime.GOMAXPROCS(0)
	if size < 1 {
		size = 1
	}
	p := &mmPool{
		size:      size,
		tasks:     make(chan mmTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		p.doneSlots <- make(chan struct{}, 1)
	}
	for w := 0; w < size; w++ {
		go func() {
			var col16 []int16
			for task := range p.tasks {
				if len(col16) < task.qb.R {
					col16 = make([]int16, task.qb.R)
				}
				scaledMatMulCols(task.dst, task.qa, task.qb, task.scaleA, task.scaleB, task.cs, task.ce, col16)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

var mmWorkPool = newMMPool()

// ScaledMatMul computes dst = dequant(qa × qb) where qa is an (M,K) int8
// activation matrix, qb is a (K,N) int8 weight matrix in its finalized
// (transposed) orientation, and dst is an (M,N) float32 matrix.
//
// scaleA is the single activation scale. scaleB holds either one global
// weight scale (per-tensor) or one scale per output column of qb
// (per-channel); the kernel broadcasts accordingly. Accumulation is in
// int32; dequantization multiplies by scaleA*scaleB[j]. Dimension or
// scale-length mismatches panic.
func ScaledMatMul(dst *Mat, qa, qb *Int8Mat, scaleA float32, scaleB []float32) {
	if qa.C != qb.R || dst.R != qa.R || dst.C != qb.C {
		panic("scaledmm: dimension mismatch")
	}
	if len(scaleB) != 1 && len(scaleB) != qb.C {
		panic("scaledmm: weight scale length mismatch")
	}
	if dst.R == 0 || dst.C == 0 {
		return
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > dst.C {
		workers = dst.C
	}
	if workers <= 1 {
		col16 := make([]int16, qb.R)
		scaledMatMulCols(dst, qa, qb, scaleA, scaleB, 0, dst.C, col16)
		return
	}
	if workers > mmWorkPool.size {
		workers = mmWorkPool.size
	}

	chunk := (dst.C + workers - 1) / workers

	done := <-mmWorkPool.doneSlots
	for w := 0; w < workers; w++ {
		cs := w * chunk
		ce := cs + chunk
		if ce > dst.C {
			ce = dst.C
		}
		mmWorkPool.tasks <- mmTask{
			dst:    dst,
			qa:     qa,
			qb:     qb,
			scaleA: scaleA,
			scaleB: scaleB,
			cs:     cs,
			ce:     ce,
			done:   done,
		}
	}
	for i := 0; i < workers; i++ {
		<-done
	}
	mmWorkPool.doneSlots <- done
}

// scaledMatMulCols computes the output columns [cs, ce). Each column of
// qb is packed once into a contiguous int16 buffer and reused across all
// activation rows, keeping the inner dot product on contiguous memory.
func scaledMatMulCols(dst *Mat, qa, qb *Int8Mat, scaleA float32, scaleB []float32, cs, ce int, col16 []int16) {
	k := qb.R
	for j := cs; j < ce; j++ {
		for kk := 0; kk < k; kk++ {
			col16[kk] = int16(qb.Data[kk*qb.Stride+j])
		}
		sb := scaleB[0]
		if len(scaleB) > 1 {
			sb = scaleB[j]
		}
		f := scaleA * sb
		for i := 0; i < qa.R; i++ {
			acc := dotInt8Int16(qa.Row(i), col16[:k], k)
			dst.Data[i*dst.Stride+j] = float32(acc) * f
		}
	}
}
