package backend

import (
	"fmt"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

type deviceAdapter struct{}

func (deviceAdapter) Name() string   { return "device" }
func (deviceAdapter) Compiled() bool { return true }

func (deviceAdapter) Accepts(v any) bool {
	t, ok := v.(device.Tensor)
	return ok && t != nil
}

func (deviceAdapter) Kind(v any) tensor.Kind {
	t, ok := v.(device.Tensor)
	if !ok {
		return tensor.Invalid
	}
	if t.Precision() == device.FP16 {
		return tensor.Float16
	}
	return tensor.Float32
}

func (deviceAdapter) Convert(v any) (*tensor.Tensor, error) {
	t, ok := v.(device.Tensor)
	if !ok {
		return nil, fmt.Errorf("device: unsupported value %T", v)
	}
	r, c := t.Dims()
	return tensor.FromFloat32("", tensor.Shape{r, c}, t.ToHost())
}
