package quant

import "fmt"

// ExpandBlockScales broadcasts one scale per logical block into one
// scale per output row. widths[i] is the row count of block i and
// perBlock[i] its scale; the result has sum(widths) entries where the
// contiguous row range of block i holds perBlock[i], in block order.
func ExpandBlockScales(widths []int, perBlock []float32) ([]float32, error) {
	if len(widths) == 0 {
		return nil, fmt.Errorf("quant: empty logical widths")
	}
	if len(widths) != len(perBlock) {
		return nil, fmt.Errorf("quant: %d logical widths but %d block scales", len(widths), len(perBlock))
	}
	total := 0
	for i, w := range widths {
		if w <= 0 {
			return nil, fmt.Errorf("quant: logical width %d is %d", i, w)
		}
		total += w
	}
	perRow := make([]float32, 0, total)
	for i, w := range widths {
		for r := 0; r < w; r++ {
			perRow = append(perRow, perBlock[i])
		}
	}
	return perRow, nil
}
