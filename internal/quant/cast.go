package quant

import (
	"fmt"

	"github.com/23skdu/longbow-nock/internal/normalize"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// CastFP32Pass promotes a single tensor to canonical float32 precision.
type CastFP32Pass struct {
	norm *normalize.Normalizer
}

func NewCastFP32Pass(norm *normalize.Normalizer) *CastFP32Pass {
	return &CastFP32Pass{norm: norm}
}

func (p *CastFP32Pass) Name() string { return MethodCastFP32 }

// Match is true when the single input is stored in a known float kind other
// than float32. Mappings of any other size never match.
func (p *CastFP32Pass) Match(cfg Config, tensors tensor.Mapping) bool {
	if cfg.Method() != MethodCastFP32 || len(tensors) != 1 {
		return false
	}
	for _, v := range tensors {
		kind, _, ok := p.norm.Inspect(v)
		return ok && kind.IsFloat() && kind != tensor.Float32
	}
	return false
}

func (p *CastFP32Pass) Prepare(cfg Config, tensors tensor.Mapping) (*Plan, error) {
	if len(tensors) != 1 {
		return nil, violation("%s takes exactly one tensor, got %d", MethodCastFP32, len(tensors))
	}
	if err := checkBindings(tensors); err != nil {
		return nil, err
	}
	key := tensors.Keys()[0]
	return &Plan{
		Pass:       p.Name(),
		InputsNum:  1,
		Inputs:     tensors.Clone(),
		OutputsNum: 1,
		Outputs:    map[string]*tensor.Tensor{key: nil},
		WeightKey:  key,
	}, nil
}

func (p *CastFP32Pass) Run(cfg Config, tensors tensor.Mapping) (tensor.Mapping, error) {
	plan, err := p.Prepare(cfg, tensors)
	if err != nil {
		return nil, err
	}
	key := plan.WeightKey

	t, err := p.canonical(key, tensors[key])
	if err != nil {
		return nil, err
	}
	vals, err := t.Float32s()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedValue, key, err)
	}
	out, err := tensor.FromFloat32(key, t.Shape(), vals)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedValue, key, err)
	}
	return tensor.Mapping{key: out}, nil
}

func (p *CastFP32Pass) canonical(key string, v any) (*tensor.Tensor, error) {
	normalized, diags := p.norm.Normalize(tensor.Mapping{key: v})
	if t, ok := normalized.Canonical(key); ok {
		return t, nil
	}
	return nil, unsupported(key, diags)
}

func unsupported(key string, diags []normalize.Diagnostic) error {
	for _, d := range diags {
		if d.Key == key && d.Err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnsupportedValue, key, d.Err)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedValue, key)
}
