//go:build !nogonum

package backend

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-nock/internal/tensor"
)

type gonumAdapter struct{}

func (gonumAdapter) Name() string   { return "gonum" }
func (gonumAdapter) Compiled() bool { return true }

func (gonumAdapter) Accepts(v any) bool {
	m, ok := v.(mat.Matrix)
	return ok && m != nil
}

func (gonumAdapter) Kind(v any) tensor.Kind {
	if _, ok := v.(mat.Matrix); ok {
		return tensor.Float64
	}
	return tensor.Invalid
}

// Convert narrows float64 elements to float32. Vectors become 1-D tensors,
// every other matrix is 2-D (rows, cols).
func (gonumAdapter) Convert(v any) (*tensor.Tensor, error) {
	switch m := v.(type) {
	case mat.Vector:
		n := m.Len()
		vals := make([]float32, n)
		for i := 0; i < n; i++ {
			vals[i] = float32(m.AtVec(i))
		}
		return tensor.FromFloat32("", tensor.Shape{n}, vals)
	case mat.Matrix:
		r, c := m.Dims()
		vals := make([]float32, r*c)
		if d, ok := m.(*mat.Dense); ok {
			raw := d.RawMatrix()
			for i := 0; i < r; i++ {
				row := raw.Data[i*raw.Stride : i*raw.Stride+c]
				for j, x := range row {
					vals[i*c+j] = float32(x)
				}
			}
		} else {
			for i := 0; i < r; i++ {
				for j := 0; j < c; j++ {
					vals[i*c+j] = float32(m.At(i, j))
				}
			}
		}
		return tensor.FromFloat32("", tensor.Shape{r, c}, vals)
	default:
		return nil, fmt.Errorf("gonum: unsupported value %T", v)
	}
}
