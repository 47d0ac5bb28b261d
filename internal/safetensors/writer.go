package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/goccy/go-json"
)

// TensorData is one tensor to be written. Exactly one of F32 or I8 must
// be populated, matching DType.
type TensorData struct {
	DType string // "F32" or "I8"
	Shape []int
	F32   []float32
	I8    []int8
}

func (t TensorData) byteSize() (int, error) {
	n, err := numElements(t.Shape)
	if err != nil {
		return 0, err
	}
	switch t.DType {
	case "F32":
		if len(t.F32) != n {
			return 0, fmt.Errorf("f32 data length %d does not match shape", len(t.F32))
		}
		return n * 4, nil
	case "I8":
		if len(t.I8) != n {
			return 0, fmt.Errorf("i8 data length %d does not match shape", len(t.I8))
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %s", t.DType)
	}
}

// Write persists tensors and metadata as a safetensors file. Tensors are
// laid out in sorted-name order so output is deterministic.
func Write(path string, tensors map[string]TensorData, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	off := int64(0)
	for _, name := range names {
		t := tensors[name]
		size, err := t.byteSize()
		if err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}
		header[name] = tensorHeader{
			DType:       t.DType,
			Shape:       t.Shape,
			DataOffsets: []int64{off, off + int64(size)},
		}
		off += int64(size)
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriterSize(f, 1<<20)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		return err
	}

	var scratch [4]byte
	for _, name := range names {
		t := tensors[name]
		switch t.DType {
		case "F32":
			for _, v := range t.F32 {
				binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(v))
				if _, err := w.Write(scratch[:]); err != nil {
					return err
				}
			}
		case "I8":
			for _, v := range t.I8 {
				if err := w.WriteByte(byte(v)); err != nil {
					return err
				}
			}
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}
