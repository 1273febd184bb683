package tensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

var (
	// ErrNameBound is returned when a name is bound to a tensor that already has one.
	ErrNameBound = errors.New("tensor name already bound")
	// ErrOpaque is returned when the contents of a packed tensor are read as numbers.
	ErrOpaque = errors.New("packed tensor layout is opaque")
	// ErrShape is returned for invalid shapes or buffer sizes.
	ErrShape = errors.New("invalid tensor shape")
)

// Kind is the scalar element kind of a canonical tensor.
type Kind uint8

const (
	Invalid Kind = iota
	Float32
	Float16
	BFloat16
	Float64
	// Packed is a kernel-defined byte layout. Only the kernel that produced it
	// (or its unpacker) may interpret the bytes.
	Packed
)

// Size returns the byte size of one element. Packed tensors are addressed in bytes.
func (k Kind) Size() int {
	switch k {
	case Float32:
		return 4
	case Float16, BFloat16:
		return 2
	case Float64:
		return 8
	case Packed:
		return 1
	default:
		return 0
	}
}

func (k Kind) String() string {
	switch k {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case BFloat16:
		return "bfloat16"
	case Float64:
		return "float64"
	case Packed:
		return "packed"
	default:
		return "invalid"
	}
}

// IsFloat reports whether elements of this kind can be decoded to float32.
func (k Kind) IsFloat() bool {
	return k == Float32 || k == Float16 || k == BFloat16 || k == Float64
}

// Shape is an ordered list of positive dimensions.
type Shape []int

// NumElements returns the product of all dimensions.
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Validate checks that the shape is non-empty and every dimension is positive.
func (s Shape) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: empty shape", ErrShape)
	}
	for i, d := range s {
		if d <= 0 {
			return fmt.Errorf("%w: dim %d is %d (must be positive)", ErrShape, i, d)
		}
	}
	return nil
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, "x") + "]"
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

// Tensor is the pipeline's canonical tensor: a named, typed, little-endian
// byte buffer. The tensor owns its buffer.
type Tensor struct {
	name   string
	shape  Shape
	kind   Kind
	layout string
	data   []byte
}

// New creates a tensor that takes ownership of data. name may be empty.
func New(name string, kind Kind, shape Shape, data []byte) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if kind == Invalid {
		return nil, fmt.Errorf("tensor %q: invalid element kind", name)
	}
	if kind != Packed {
		if want := shape.NumElements() * kind.Size(); len(data) != want {
			return nil, fmt.Errorf("%w: %s %s needs %d bytes, got %d", ErrShape, kind, shape, want, len(data))
		}
	} else if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty packed buffer", ErrShape)
	}
	return &Tensor{name: name, shape: shape.Clone(), kind: kind, data: data}, nil
}

// NewPacked creates an unnamed packed tensor tagged with the layout id of the
// kernel that produced it.
func NewPacked(layout string, shape Shape, data []byte) (*Tensor, error) {
	t, err := New("", Packed, shape, data)
	if err != nil {
		return nil, err
	}
	t.layout = layout
	return t, nil
}

// FromFloat32 encodes vals into a new float32 tensor.
func FromFloat32(name string, shape Shape, vals []float32) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if len(vals) != shape.NumElements() {
		return nil, fmt.Errorf("%w: %s needs %d values, got %d", ErrShape, shape, shape.NumElements(), len(vals))
	}
	data := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return &Tensor{name: name, shape: shape.Clone(), kind: Float32, data: data}, nil
}

func (t *Tensor) Name() string   { return t.name }
func (t *Tensor) HasName() bool  { return t.name != "" }
func (t *Tensor) Kind() Kind     { return t.kind }
func (t *Tensor) Shape() Shape   { return t.shape.Clone() }
func (t *Tensor) Layout() string { return t.layout }
func (t *Tensor) NumBytes() int  { return len(t.data) }

// Bytes returns the backing buffer. Callers must not modify it.
func (t *Tensor) Bytes() []byte { return t.data }

// SetName binds a name to an unnamed tensor. A name can be bound once.
func (t *Tensor) SetName(name string) error {
	if name == "" {
		return fmt.Errorf("tensor: empty name")
	}
	if t.name != "" {
		return fmt.Errorf("%w: %q cannot become %q", ErrNameBound, t.name, name)
	}
	t.name = name
	return nil
}

// Rename moves the buffer into a new tensor identity called name. The
// receiver is left empty and must not be used afterwards.
func (t *Tensor) Rename(name string) (*Tensor, error) {
	if name == "" {
		return nil, fmt.Errorf("tensor: empty name")
	}
	if t.data == nil {
		return nil, fmt.Errorf("tensor %q: buffer already moved", t.name)
	}
	out := &Tensor{name: name, shape: t.shape, kind: t.kind, layout: t.layout, data: t.data}
	t.data = nil
	t.shape = nil
	return out, nil
}

// Float32s decodes the elements to float32. Packed tensors return ErrOpaque.
func (t *Tensor) Float32s() ([]float32, error) {
	if t.kind == Packed {
		return nil, fmt.Errorf("tensor %q: %w", t.name, ErrOpaque)
	}
	if t.data == nil {
		return nil, fmt.Errorf("tensor %q: buffer already moved", t.name)
	}
	n := t.shape.NumElements()
	out := make([]float32, n)
	b := t.data
	switch t.kind {
	case Float32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
		}
	case Float16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(b[2*i:])).Float32()
		}
	case BFloat16:
		for i := range out {
			out[i] = BFloat16ToFloat32(binary.LittleEndian.Uint16(b[2*i:]))
		}
	case Float64:
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:])))
		}
	default:
		return nil, fmt.Errorf("tensor %q: cannot decode kind %s", t.name, t.kind)
	}
	return out, nil
}

// ToFloat32 returns a new float32 tensor carrying the same name and shape.
func (t *Tensor) ToFloat32() (*Tensor, error) {
	vals, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	return FromFloat32(t.name, t.shape, vals)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("%s %s %s", t.name, t.kind, t.shape)
}

// BFloat16ToFloat32 widens a bfloat16 bit pattern.
func BFloat16ToFloat32(h uint16) float32 {
	return math.Float32frombits(uint32(h) << 16)
}

// Float32ToBFloat16 narrows f with round-to-nearest-even. NaN stays NaN.
func Float32ToBFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	if math.IsNaN(float64(f)) {
		return uint16(bits>>16) | 0x0040
	}
	rounding := uint32(0x7FFF) + ((bits >> 16) & 1)
	return uint16((bits + rounding) >> 16)
}
