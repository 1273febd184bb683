//go:build !nogonum && !noarrow

package normalize

import (
	"errors"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-nock/internal/backend"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

type brokenValue struct{}

type brokenAdapter struct{}

func (brokenAdapter) Name() string         { return "broken" }
func (brokenAdapter) Compiled() bool       { return true }
func (brokenAdapter) Kind(any) tensor.Kind { return tensor.Float16 }

func (brokenAdapter) Accepts(v any) bool {
	_, ok := v.(brokenValue)
	return ok
}

func (brokenAdapter) Convert(any) (*tensor.Tensor, error) {
	return nil, errors.New("corrupt buffer")
}

func TestNormalize_MixedAvailability(t *testing.T) {
	caps, err := backend.Probe("arrow")
	require.NoError(t, err)
	n := New(caps)

	b := array.NewFloat32Builder(memory.NewGoAllocator())
	defer b.Release()
	b.AppendValues([]float32{1, 2}, nil)
	arr := b.NewFloat32Array()
	defer arr.Release()

	dense := mat.NewDense(1, 2, []float64{0.5, 1.5})
	in := tensor.Mapping{"a.weight": dense, "a.bias": arr}

	out, diags := n.Normalize(in)
	require.Len(t, out, 2)

	w, ok := out.Canonical("a.weight")
	require.True(t, ok)
	assert.Equal(t, tensor.Float32, w.Kind())
	assert.Equal(t, "a.weight", w.Name())

	// The disabled backend's value is untouched
	assert.Same(t, arr, out["a.bias"])

	byKey := map[string]Diagnostic{}
	for _, d := range diags {
		byKey[d.Key] = d
	}
	assert.Equal(t, Converted, byKey["a.weight"].Outcome)
	assert.Equal(t, "gonum", byKey["a.weight"].Backend)
	assert.Equal(t, Unavailable, byKey["a.bias"].Outcome)
	assert.True(t, byKey["a.bias"].Outcome.Degraded())

	// Input mapping is not modified
	assert.Same(t, dense, in["a.weight"])
}

func TestNormalize_Outcomes(t *testing.T) {
	caps, err := backend.NewCapabilities([]backend.Adapter{brokenAdapter{}})
	require.NoError(t, err)
	n := New(caps)

	existing, _ := tensor.FromFloat32("x", tensor.Shape{1}, []float32{1})
	out, diags := n.Normalize(tensor.Mapping{
		"bad":   brokenValue{},
		"odd":   "not a tensor",
		"ready": existing,
	})

	assert.Equal(t, brokenValue{}, out["bad"])
	assert.Equal(t, "not a tensor", out["odd"])
	assert.Same(t, existing, out["ready"])

	require.Len(t, diags, 3)
	assert.Equal(t, Failed, diags[0].Outcome)
	assert.EqualError(t, diags[0].Err, "corrupt buffer")
	assert.Equal(t, Unrecognized, diags[1].Outcome)
	assert.Equal(t, Passthrough, diags[2].Outcome)
	assert.False(t, diags[2].Outcome.Degraded())
}

func TestNormalize_RoundTrip(t *testing.T) {
	caps, err := backend.Probe()
	require.NoError(t, err)
	n := New(caps)

	src := []float64{3.14159265358979, -1e-7, 65504.25, 0, -0.1}
	out, _ := n.Normalize(tensor.Mapping{"v": mat.NewVecDense(len(src), src)})

	v, ok := out.Canonical("v")
	require.True(t, ok)
	vals, err := v.Float32s()
	require.NoError(t, err)
	for i, x := range src {
		assert.Equal(t, float32(x), vals[i])
	}
}

func TestInspect(t *testing.T) {
	caps, err := backend.Probe("gonum")
	require.NoError(t, err)
	n := New(caps)

	kind, name, ok := n.Inspect(mat.NewDense(1, 1, nil))
	assert.False(t, ok)
	assert.Equal(t, tensor.Invalid, kind)
	assert.Empty(t, name)

	h, _ := tensor.New("h", tensor.Float16, tensor.Shape{1}, []byte{0, 0x3c})
	kind, _, ok = n.Inspect(h)
	assert.True(t, ok)
	assert.Equal(t, tensor.Float16, kind)
}
