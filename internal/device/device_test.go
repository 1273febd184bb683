package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCPUBackend_Tensors(t *testing.T) {
	t.Run("FP32", func(t *testing.T) {
		backend := NewCPUBackend()
		a := backend.NewTensor(2, 2, []float32{1, 2, 3, 4})

		r, c := a.Dims()
		assert.Equal(t, 2, r)
		assert.Equal(t, 2, c)
		assert.Equal(t, FP32, a.Precision())
		assert.Equal(t, float32(3), a.At(1, 0))

		a.Set(1, 1, 40)
		assert.Equal(t, []float32{1, 2, 3, 40}, a.ToHost())
		assert.Equal(t, "CPU", a.Backend())
	})

	t.Run("FP16", func(t *testing.T) {
		backend := NewCPUBackendFP16()
		a := backend.NewTensor(1, 3, []float32{0.5, -2, 1024})

		assert.Equal(t, FP16, a.Precision())
		assert.Equal(t, []float32{0.5, -2, 1024}, a.ToHost())
		assert.Equal(t, "CPU-FP16", backend.Name())
	})

	t.Run("Size mismatch panics", func(t *testing.T) {
		backend := NewCPUBackend()
		assert.Panics(t, func() {
			backend.NewTensor(2, 2, []float32{1})
		})
	})
}

func TestCPUBackend_Pooling(t *testing.T) {
	backend := NewCPUBackend()

	t1 := backend.GetTensor(10, 10)
	t1.Set(0, 0, 123)
	backend.PutTensor(t1)

	t2 := backend.GetTensor(10, 10)
	// A recycled tensor must come back zeroed
	assert.Equal(t, float32(0), t2.At(0, 0))

	// Foreign tensors are ignored
	other := NewCPUBackendFP16()
	backend.PutTensor(other.NewTensor(1, 1, nil))
}
