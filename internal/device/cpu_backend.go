package device

import (
	"fmt"
	"sync"

	"github.com/x448/float16"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Tensor = (*CPUTensor)(nil)

// CPUBackend keeps tensors in host memory, either as float32 or as IEEE
// binary16 when created with NewCPUBackendFP16.
type CPUBackend struct {
	precision Precision
	pool      sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return newCPUBackend(FP32)
}

// NewCPUBackendFP16 stores elements as float16, halving resident memory.
func NewCPUBackendFP16() *CPUBackend {
	return newCPUBackend(FP16)
}

func newCPUBackend(p Precision) *CPUBackend {
	return &CPUBackend{
		precision: p,
		pool: sync.Pool{
			New: func() interface{} {
				return &CPUTensor{}
			},
		},
	}
}

func (b *CPUBackend) Name() string {
	if b.precision == FP16 {
		return "CPU-FP16"
	}
	return "CPU"
}

func (b *CPUBackend) Precision() Precision {
	return b.precision
}

func (b *CPUBackend) NewTensor(r, c int, data []float32) Tensor {
	size := r * c
	t := b.alloc(r, c)
	if data != nil {
		if len(data) != size {
			panic("NewTensor: provided data length does not match dimensions")
		}
		t.CopyFromFloat32(data)
	}
	return t
}

func (b *CPUBackend) alloc(r, c int) *CPUTensor {
	t := &CPUTensor{backend: b, rows: r, cols: c}
	if b.precision == FP16 {
		t.half = make([]float16.Float16, r*c)
	} else {
		t.data = make([]float32, r*c)
	}
	return t
}

func (b *CPUBackend) GetTensor(r, c int) Tensor {
	v := b.pool.Get()
	ct, ok := v.(*CPUTensor)
	if !ok || ct == nil || ct.backend != b {
		poolMisses.Inc()
		return b.alloc(r, c)
	}
	poolHits.Inc()

	// Reset and zero the recycled tensor
	ct.rows = r
	ct.cols = c
	size := r * c
	if b.precision == FP16 {
		if cap(ct.half) < size {
			ct.half = make([]float16.Float16, size)
		} else {
			ct.half = ct.half[:size]
			clear(ct.half)
		}
	} else {
		if cap(ct.data) < size {
			ct.data = make([]float32, size)
		} else {
			ct.data = ct.data[:size]
			clear(ct.data)
		}
	}
	return ct
}

func (b *CPUBackend) PutTensor(t Tensor) {
	ct, ok := t.(*CPUTensor)
	if !ok || ct.backend != b {
		return // Don't pool foreign tensors
	}
	ct.rows = 0
	ct.cols = 0
	b.pool.Put(ct)
}

func (b *CPUBackend) Synchronize() {
	// CPU is always synchronous
}

type CPUTensor struct {
	backend *CPUBackend
	data    []float32
	half    []float16.Float16
	rows    int
	cols    int
}

func (t *CPUTensor) Dims() (int, int) {
	return t.rows, t.cols
}

func (t *CPUTensor) At(i, j int) float32 {
	if t.half != nil {
		return t.half[i*t.cols+j].Float32()
	}
	return t.data[i*t.cols+j]
}

func (t *CPUTensor) Set(i, j int, v float32) {
	if t.half != nil {
		t.half[i*t.cols+j] = float16.Fromfloat32(v)
		return
	}
	t.data[i*t.cols+j] = v
}

func (t *CPUTensor) Precision() Precision {
	return t.backend.precision
}

func (t *CPUTensor) Backend() string {
	return t.backend.Name()
}

func (t *CPUTensor) ToHost() []float32 {
	out := make([]float32, t.rows*t.cols)
	if t.half != nil {
		for i, h := range t.half {
			out[i] = h.Float32()
		}
		return out
	}
	copy(out, t.data)
	return out
}

func (t *CPUTensor) CopyFromFloat32(data []float32) {
	if len(data) != t.rows*t.cols {
		panic(fmt.Sprintf("CopyFromFloat32: size mismatch, tensor %dx%d, data %d", t.rows, t.cols, len(data)))
	}
	if t.half != nil {
		for i, v := range data {
			t.half[i] = float16.Fromfloat32(v)
		}
		return
	}
	copy(t.data, data)
}
