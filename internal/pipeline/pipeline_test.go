package pipeline

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-nock/internal/backend"
	"github.com/23skdu/longbow-nock/internal/kernel"
	"github.com/23skdu/longbow-nock/internal/normalize"
	"github.com/23skdu/longbow-nock/internal/quant"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

const testRules = `
concurrency: 2
rules:
  - pattern: "*.proj.weight"
    unit: layer
    config:
      quant_method: kai
      kai_matmul_triplet: f32_qai8dxp_qsi4c32p
      kai_matmul_layout: mxk_nxk
      kai_matmul_tile_cfg: qai8dxp1x8_qsi4c32p4x8_1x4x32_neon_dotprod
  - pattern: "emb.*"
    unit: tensor
    config:
      quant_method: cast_2_fp32
`

func newDriver(t *testing.T, src string) *Driver {
	t.Helper()
	rules, err := ParseRules([]byte(src))
	require.NoError(t, err)
	caps, err := backend.Probe()
	require.NoError(t, err)
	norm := normalize.New(caps)
	return NewDriver(rules, quant.Defaults(quant.Deps{Normalizer: norm, Kernels: kernel.Default()}), norm)
}

func f32(t *testing.T, name string, shape tensor.Shape, vals []float32) *tensor.Tensor {
	t.Helper()
	tt, err := tensor.FromFloat32(name, shape, vals)
	require.NoError(t, err)
	return tt
}

func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i%15 - 7)
	}
	return out
}

func TestParseRules(t *testing.T) {
	r, err := ParseRules([]byte(testRules))
	require.NoError(t, err)
	require.Len(t, r.Rules, 2)
	assert.Equal(t, 2, r.Concurrency)
	assert.Equal(t, quant.MethodKai, r.Rules[0].QuantConfig().Method())

	idx, rule := r.Match("l0.proj.weight")
	assert.Equal(t, 0, idx)
	require.NotNil(t, rule)
	idx, rule = r.Match("other")
	assert.Equal(t, -1, idx)
	assert.Nil(t, rule)

	r, err = ParseRules([]byte("rules:\n  - pattern: \"*\"\n    config: {quant_method: kai}\n"))
	require.NoError(t, err)
	assert.Equal(t, UnitLayer, r.Rules[0].Unit, "unit defaults to layer")
}

func TestParseRules_Invalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"no rules", "concurrency: 1\n", "none defined"},
		{"negative concurrency", "concurrency: -1\nrules: [{pattern: a, config: {quant_method: kai}}]\n", "invalid concurrency"},
		{"empty pattern", "rules: [{config: {quant_method: kai}}]\n", "invalid pattern"},
		{"bad glob", "rules: [{pattern: \"[\", config: {quant_method: kai}}]\n", "valid glob"},
		{"bad unit", "rules: [{pattern: a, unit: model, config: {quant_method: kai}}]\n", "invalid unit"},
		{"no method", "rules: [{pattern: a, config: {rename: x}}]\n", "quant_method missing"},
		{"bad config", "rules: [{pattern: a, config: {quant_method: kai, replace: [1, 2]}}]\n", "invalid config"},
		{"bad yaml", "rules: {", "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBiasPartner(t *testing.T) {
	assert.Equal(t, "l.bias", biasPartner("l.weight"))
	assert.Equal(t, "a.weight.b.bias", biasPartner("a.weight.b.weight"))
	assert.Empty(t, biasPartner("l.scale"))
}

func TestDriver_Run(t *testing.T) {
	d := newDriver(t, testRules)
	half := []float16.Float16{float16.Fromfloat32(0.5), float16.Fromfloat32(2)}
	bias := f32(t, "l0.proj.bias", tensor.Shape{4}, []float32{1, 2, 3, 4})
	coll := tensor.Mapping{
		"l0.proj.weight": f32(t, "l0.proj.weight", tensor.Shape{4, 32}, ramp(128)),
		"l0.proj.bias":   bias,
		"emb.tokens":     half,
		"norm.scale":     "left alone",
	}

	rep, err := d.Run(context.Background(), coll)
	require.NoError(t, err)
	assert.Equal(t, []string{"emb.tokens", "l0.proj.weight", "norm.scale"}, coll.Keys())

	packed, ok := coll.Canonical("l0.proj.weight")
	require.True(t, ok)
	assert.Equal(t, tensor.Packed, packed.Kind())

	emb, ok := coll.Canonical("emb.tokens")
	require.True(t, ok)
	assert.Equal(t, tensor.Float32, emb.Kind())

	assert.Equal(t, "left alone", coll["norm.scale"])
	assert.Equal(t, 2, rep.Count(OutcomeExecuted))
	require.Len(t, rep.Units, 2)
	assert.Equal(t, "l0.proj.weight", rep.Units[0].Primary)
	assert.Len(t, rep.Units[0].Inputs, 2)
	assert.Equal(t, "float16", rep.Units[1].Inputs[0].Backend)
	assert.NotEmpty(t, rep.Backends)
}

func TestDriver_UnmatchedUnit(t *testing.T) {
	d := newDriver(t, testRules)
	already := f32(t, "emb.tokens", tensor.Shape{1}, []float32{1})
	ids := []int64{3, 1, 4}
	coll := tensor.Mapping{"emb.tokens": already, "emb.ids": ids}

	rep, err := d.Run(context.Background(), coll)
	require.NoError(t, err)
	assert.Same(t, already, coll["emb.tokens"])
	assert.Equal(t, ids, coll["emb.ids"])
	require.Len(t, rep.Units, 2)
	for _, u := range rep.Units {
		assert.Equal(t, OutcomeUnmatched, u.Outcome, u.Primary)
		require.Len(t, u.Inputs, 1)
		if u.Primary == "emb.ids" {
			assert.NotEmpty(t, u.Inputs[0].Diagnostic)
		} else {
			assert.Empty(t, u.Inputs[0].Diagnostic)
		}
	}
}

func TestDriver_DryRunLeavesCollection(t *testing.T) {
	d := newDriver(t, testRules)
	w := f32(t, "l0.proj.weight", tensor.Shape{4, 32}, ramp(128))
	coll := tensor.Mapping{"l0.proj.weight": w}

	rep, err := d.DryRun(coll)
	require.NoError(t, err)
	assert.True(t, rep.DryRun)
	assert.Same(t, w, coll["l0.proj.weight"])
	require.Len(t, rep.Units, 1)
	assert.Equal(t, OutcomePlanned, rep.Units[0].Outcome)
	assert.Equal(t, []string{"l0.proj.weight"}, rep.Units[0].Outputs)

	var buf bytes.Buffer
	require.NoError(t, rep.WriteCBOR(&buf))
	back, err := ReadReport(&buf)
	require.NoError(t, err)
	assert.Equal(t, rep.Units, back.Units)
}

func TestDriver_OutputCollision(t *testing.T) {
	src := `
rules:
  - pattern: "*.weight"
    config:
      quant_method: kai
      kai_matmul_triplet: f32_qai8dxp_qsi4c32p
      kai_matmul_layout: mxk_nxk
      kai_matmul_tile_cfg: qai8dxp1x8_qsi4c32p4x8_1x4x32_neon_dotprod
      replace: false
      rename: packed.out
`
	d := newDriver(t, src)
	coll := tensor.Mapping{
		"a.weight": f32(t, "a.weight", tensor.Shape{1, 32}, ramp(32)),
		"b.weight": f32(t, "b.weight", tensor.Shape{1, 32}, ramp(32)),
	}
	_, err := d.Run(context.Background(), coll)
	assert.ErrorIs(t, err, ErrOutputCollision)
	assert.Len(t, coll, 2, "nothing is written when planning fails")
}

func TestDriver_OutputOverwritesOtherUnitInput(t *testing.T) {
	src := `
concurrency: 1
rules:
  - pattern: "a.weight"
    config:
      quant_method: kai
      kai_matmul_triplet: f32_qai8dxp_qsi4c32p
      kai_matmul_layout: mxk_nxk
      kai_matmul_tile_cfg: qai8dxp1x8_qsi4c32p4x8_1x4x32_neon_dotprod
      replace: false
      rename: b.weight
  - pattern: "b.weight"
    config:
      quant_method: kai
      kai_matmul_triplet: f32_qai8dxp_qsi4c32p
      kai_matmul_layout: mxk_nxk
      kai_matmul_tile_cfg: qai8dxp1x8_qsi4c32p4x8_1x4x32_neon_dotprod
      replace: false
      rename: c.weight
`
	d := newDriver(t, src)
	a := f32(t, "a.weight", tensor.Shape{1, 32}, ramp(32))
	b := f32(t, "b.weight", tensor.Shape{1, 32}, ramp(32))
	coll := tensor.Mapping{"a.weight": a, "b.weight": b}

	_, err := d.Run(context.Background(), coll)
	assert.ErrorIs(t, err, ErrOutputCollision)
	assert.Same(t, a, coll["a.weight"])
	assert.Same(t, b, coll["b.weight"])

	_, err = d.DryRun(coll)
	assert.ErrorIs(t, err, ErrOutputCollision)
}

func TestDriver_OutputOverwritesUnmatchedTensor(t *testing.T) {
	src := `
rules:
  - pattern: "a.weight"
    config:
      quant_method: kai
      kai_matmul_triplet: f32_qai8dxp_qsi4c32p
      kai_matmul_layout: mxk_nxk
      kai_matmul_tile_cfg: qai8dxp1x8_qsi4c32p4x8_1x4x32_neon_dotprod
      replace: false
      rename: keep.me
`
	d := newDriver(t, src)
	keep := f32(t, "keep.me", tensor.Shape{1}, []float32{1})
	coll := tensor.Mapping{"a.weight": f32(t, "a.weight", tensor.Shape{1, 32}, ramp(32)), "keep.me": keep}

	_, err := d.Run(context.Background(), coll)
	assert.ErrorIs(t, err, ErrOutputCollision)
	assert.Same(t, keep, coll["keep.me"])
}

func TestDriver_CastLeavesLayersAlone(t *testing.T) {
	src := `
rules:
  - pattern: "**"
    config:
      quant_method: cast_2_fp32
`
	d := newDriver(t, src)
	half := func(v float32) []float16.Float16 { return []float16.Float16{float16.Fromfloat32(v)} }
	coll := tensor.Mapping{
		"l.weight": half(1),
		"l.bias":   half(2),
		"emb":      half(3),
	}

	rep, err := d.Run(context.Background(), coll)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(OutcomeExecuted))
	assert.Equal(t, 1, rep.Count(OutcomeUnmatched))

	emb, ok := coll.Canonical("emb")
	require.True(t, ok)
	assert.Equal(t, tensor.Float32, emb.Kind())
	assert.Equal(t, half(1), coll["l.weight"])
}

func TestDriver_PassFailure(t *testing.T) {
	d := newDriver(t, testRules)
	// k=33 is not a multiple of the block length
	coll := tensor.Mapping{"l0.proj.weight": f32(t, "l0.proj.weight", tensor.Shape{1, 33}, make([]float32, 33))}

	rep, err := d.Run(context.Background(), coll)
	require.Error(t, err)
	assert.ErrorIs(t, err, kernel.ErrInvalidInput)
	require.NotNil(t, rep)
	assert.Equal(t, OutcomeFailed, rep.Units[0].Outcome)
	assert.Contains(t, coll, "l0.proj.weight")
}

func TestDriver_PlanViolation(t *testing.T) {
	d := newDriver(t, testRules)
	misnamed := f32(t, "other", tensor.Shape{1, 32}, ramp(32))
	_, err := d.Run(context.Background(), tensor.Mapping{"l0.proj.weight": misnamed})
	assert.ErrorIs(t, err, quant.ErrPlanViolation)
}

func TestDriver_Cancelled(t *testing.T) {
	d := newDriver(t, testRules)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	coll := tensor.Mapping{"l0.proj.weight": f32(t, "l0.proj.weight", tensor.Shape{1, 32}, ramp(32))}
	rep, err := d.Run(ctx, coll)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, OutcomeCancelled, rep.Units[0].Outcome)
}
