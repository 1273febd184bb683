//go:build !noarrow

package backend

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/23skdu/longbow-nock/internal/tensor"
)

type arrowAdapter struct{}

func (arrowAdapter) Name() string   { return "arrow" }
func (arrowAdapter) Compiled() bool { return true }

func (arrowAdapter) Accepts(v any) bool {
	switch a := v.(type) {
	case *array.Float16, *array.Float32, *array.Float64:
		return true
	case *array.FixedSizeList:
		return isFloatType(a.DataType().(*arrow.FixedSizeListType).Elem())
	}
	return false
}

func (arrowAdapter) Kind(v any) tensor.Kind {
	switch a := v.(type) {
	case *array.Float16:
		return tensor.Float16
	case *array.Float32:
		return tensor.Float32
	case *array.Float64:
		return tensor.Float64
	case *array.FixedSizeList:
		switch a.DataType().(*arrow.FixedSizeListType).Elem().ID() {
		case arrow.FLOAT16:
			return tensor.Float16
		case arrow.FLOAT32:
			return tensor.Float32
		case arrow.FLOAT64:
			return tensor.Float64
		}
	}
	return tensor.Invalid
}

// Convert reads primitive float arrays as 1-D tensors and fixed size lists of
// floats as 2-D tensors (rows = list count, cols = list size). Nulls are rejected.
func (arrowAdapter) Convert(v any) (*tensor.Tensor, error) {
	switch a := v.(type) {
	case *array.FixedSizeList:
		if a.NullN() > 0 {
			return nil, fmt.Errorf("arrow: fixed size list has %d null rows", a.NullN())
		}
		size := int(a.DataType().(*arrow.FixedSizeListType).Len())
		rows := a.Len()
		start, _ := a.ValueOffsets(0)
		vals, err := floatValues(a.ListValues(), int(start), rows*size)
		if err != nil {
			return nil, err
		}
		return tensor.FromFloat32("", tensor.Shape{rows, size}, vals)
	case arrow.Array:
		vals, err := floatValues(a, 0, a.Len())
		if err != nil {
			return nil, err
		}
		return tensor.FromFloat32("", tensor.Shape{len(vals)}, vals)
	default:
		return nil, fmt.Errorf("arrow: unsupported value %T", v)
	}
}

func isFloatType(dt arrow.DataType) bool {
	switch dt.ID() {
	case arrow.FLOAT16, arrow.FLOAT32, arrow.FLOAT64:
		return true
	}
	return false
}

func floatValues(arr arrow.Array, offset, n int) ([]float32, error) {
	if arr.NullN() > 0 {
		return nil, fmt.Errorf("arrow: array has %d nulls", arr.NullN())
	}
	if offset+n > arr.Len() {
		return nil, fmt.Errorf("arrow: need %d values from offset %d, array has %d", n, offset, arr.Len())
	}
	out := make([]float32, n)
	switch a := arr.(type) {
	case *array.Float16:
		for i := range out {
			out[i] = a.Value(offset + i).Float32()
		}
	case *array.Float32:
		copy(out, a.Float32Values()[offset:offset+n])
	case *array.Float64:
		for i := range out {
			out[i] = float32(a.Value(offset + i))
		}
	default:
		return nil, fmt.Errorf("arrow: unsupported element type %s", arr.DataType())
	}
	return out, nil
}
