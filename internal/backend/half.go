package backend

import (
	"fmt"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-nock/internal/tensor"
)

// halfAdapter accepts host buffers of IEEE binary16 values.
type halfAdapter struct{}

func (halfAdapter) Name() string   { return "float16" }
func (halfAdapter) Compiled() bool { return true }

func (halfAdapter) Accepts(v any) bool {
	_, ok := v.([]float16.Float16)
	return ok
}

func (halfAdapter) Kind(v any) tensor.Kind {
	if _, ok := v.([]float16.Float16); ok {
		return tensor.Float16
	}
	return tensor.Invalid
}

func (halfAdapter) Convert(v any) (*tensor.Tensor, error) {
	h, ok := v.([]float16.Float16)
	if !ok {
		return nil, fmt.Errorf("float16: unsupported value %T", v)
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("float16: empty buffer")
	}
	vals := make([]float32, len(h))
	for i, x := range h {
		vals[i] = x.Float32()
	}
	return tensor.FromFloat32("", tensor.Shape{len(h)}, vals)
}
