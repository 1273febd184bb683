// Package kernel is the boundary to compute kernels that pack float tensors
// into low-bit layouts. Kernels are registered under string identifiers and
// resolved once by the passes that use them.
package kernel

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/23skdu/longbow-nock/internal/tensor"
)

var (
	ErrKernelNotFound = errors.New("kernel not found")
	ErrInvalidInput   = errors.New("kernel rejected input")
	ErrUnknownTile    = errors.New("unknown tile configuration")
	ErrCorruptLayout  = errors.New("corrupt packed layout")
)

// PackFunc packs a float32 weight (and optional bias, nil when absent) using
// the named tile configuration. The result is an unnamed packed tensor.
type PackFunc func(tile string, weight, bias *tensor.Tensor) (*tensor.Tensor, error)

// UnpackFunc reverses a PackFunc up to quantization error.
type UnpackFunc func(packed *tensor.Tensor) (*Unpacked, error)

// Unpacked is the dequantized content of a packed tensor.
type Unpacked struct {
	Rows   int
	Cols   int
	Weight []float32 // row-major Rows x Cols
	Bias   []float32 // nil when the weight was packed without a bias
}

// Kernel is one registered compute capability.
type Kernel struct {
	ID     string
	Tiles  []string
	Pack   PackFunc
	Unpack UnpackFunc
}

// SupportsTile reports whether tile is one of the kernel's tile configurations.
func (k Kernel) SupportsTile(tile string) bool {
	return slices.Contains(k.Tiles, tile)
}

// Layout is the layout id stamped on tensors packed with tile.
func (k Kernel) Layout(tile string) string {
	return k.ID + "/" + tile
}

// Registry maps kernel identifiers to kernels.
type Registry struct {
	mu      sync.RWMutex
	kernels map[string]Kernel
}

func NewRegistry() *Registry {
	return &Registry{kernels: make(map[string]Kernel)}
}

// Default returns a registry holding the built-in reference kernels.
func Default() *Registry {
	r := NewRegistry()
	if err := r.Register(QSI4C32P()); err != nil {
		panic(err)
	}
	return r
}

// Register adds a kernel. Identifiers are unique.
func (r *Registry) Register(k Kernel) error {
	if k.ID == "" {
		return fmt.Errorf("kernel: empty id")
	}
	if k.Pack == nil {
		return fmt.Errorf("kernel %s: missing pack function", k.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kernels[k.ID]; exists {
		return fmt.Errorf("kernel %s: already registered", k.ID)
	}
	r.kernels[k.ID] = k
	return nil
}

// Lookup resolves a kernel by id.
func (r *Registry) Lookup(id string) (Kernel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kernels[id]
	if !ok {
		return Kernel{}, fmt.Errorf("%w: %s", ErrKernelNotFound, id)
	}
	return k, nil
}

// ForLayout resolves the kernel that produced a packed layout id and returns
// the tile configuration encoded in it.
func (r *Registry) ForLayout(layout string) (Kernel, string, error) {
	id, tile, ok := strings.Cut(layout, "/")
	if !ok {
		return Kernel{}, "", fmt.Errorf("%w: layout %q has no tile", ErrCorruptLayout, layout)
	}
	k, err := r.Lookup(id)
	if err != nil {
		return Kernel{}, "", err
	}
	return k, tile, nil
}

// IDs returns the registered identifiers, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.kernels))
	for id := range r.kernels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
