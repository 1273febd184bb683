package device

// Precision is the storage precision of a device-resident tensor.
type Precision int

const (
	FP32 Precision = iota
	FP16
)

func (p Precision) String() string {
	if p == FP16 {
		return "fp16"
	}
	return "fp32"
}

// Tensor is a 2-D buffer resident on a device backend.
type Tensor interface {
	// Dims returns the dimensions (rows, cols) of the tensor.
	Dims() (int, int)

	// At returns the value at (i, j).
	// This is slow and should be used for debugging or infrequent access.
	At(i, j int) float32

	// Set sets the value at (i, j).
	Set(i, j int, v float32)

	// Precision reports how the elements are stored.
	Precision() Precision

	// ToHost copies the data to a Go slice (float32, row-major).
	ToHost() []float32

	// CopyFromFloat32 copies data from a Go slice (float32) to the tensor.
	CopyFromFloat32(data []float32)

	// Backend returns the name of the owning backend.
	Backend() string
}

// Backend creates tensors and manages device memory.
type Backend interface {
	Name() string
	Precision() Precision
	NewTensor(r, c int, data []float32) Tensor

	// GetTensor gets a tensor from the pool or creates a new one.
	GetTensor(r, c int) Tensor

	// PutTensor returns a tensor to the pool.
	PutTensor(t Tensor)

	// Synchronize blocks until all queued operations are complete.
	Synchronize()
}
