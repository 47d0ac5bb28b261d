package tensor

import "golang.org/x/sys/cpu"

// hasAVX2 gates the SIMD kernels; every kernel keeps a scalar fallback.
var hasAVX2 = cpu.X86.HasAVX2
