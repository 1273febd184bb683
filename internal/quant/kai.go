package quant

import (
	"fmt"

	"github.com/23skdu/longbow-nock/internal/kernel"
	"github.com/23skdu/longbow-nock/internal/normalize"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// Accepted values of the kai_matmul_* options.
const (
	KaiTriplet = "f32_qai8dxp_qsi4c32p"
	KaiLayout  = "mxk_nxk"
)

// KaiPass packs a weight (and optional bias) into the signed 4-bit
// block-quantized qsi4c32p layout used by KleidiAI matmul micro-kernels.
type KaiPass struct {
	norm      *normalize.Normalizer
	kernel    kernel.Kernel
	kernelErr error
}

// NewKaiPass resolves the packing kernel once. A missing kernel does not
// prevent construction; Run then fails with ErrKernelUnavailable.
func NewKaiPass(reg *kernel.Registry, norm *normalize.Normalizer) *KaiPass {
	p := &KaiPass{norm: norm}
	if reg == nil {
		p.kernelErr = fmt.Errorf("%w: no kernel registry", kernel.ErrKernelNotFound)
		return p
	}
	p.kernel, p.kernelErr = reg.Lookup(kernel.PackQAI8DXPQSI4C32P)
	return p
}

func (p *KaiPass) Name() string { return MethodKai }

func (p *KaiPass) Match(cfg Config, tensors tensor.Mapping) bool {
	if cfg.Method() != MethodKai ||
		cfg.KaiTriplet() != KaiTriplet ||
		cfg.KaiLayout() != KaiLayout ||
		cfg.KaiTileCfg() == "" {
		return false
	}
	if p.kernelErr == nil && !p.kernel.SupportsTile(cfg.KaiTileCfg()) {
		return false
	}
	if !cfg.Replace() && cfg.Rename() == "" {
		return false
	}
	return true
}

func (p *KaiPass) Prepare(cfg Config, tensors tensor.Mapping) (*Plan, error) {
	if n := len(tensors); n < 1 || n > 2 {
		return nil, violation("%s takes a weight and an optional bias, got %d tensors", MethodKai, n)
	}
	if err := checkBindings(tensors); err != nil {
		return nil, err
	}
	roles, err := DetectRoles(tensors.Keys())
	if err != nil {
		return nil, err
	}

	out := roles.Weight
	if !cfg.Replace() {
		if cfg.Rename() == "" {
			return nil, violation("replace is false but rename is empty")
		}
		out = cfg.Rename()
	}
	return &Plan{
		Pass:       p.Name(),
		InputsNum:  len(tensors),
		Inputs:     tensors.Clone(),
		OutputsNum: 1,
		Outputs:    map[string]*tensor.Tensor{out: nil},
		WeightKey:  roles.Weight,
		BiasKey:    roles.Bias,
	}, nil
}

func (p *KaiPass) Run(cfg Config, tensors tensor.Mapping) (tensor.Mapping, error) {
	plan, err := p.Prepare(cfg, tensors)
	if err != nil {
		return nil, err
	}
	if p.kernelErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrKernelUnavailable, p.kernelErr)
	}

	normalized, diags := p.norm.Normalize(tensors)
	weight, err := float32Input(normalized, plan.WeightKey, diags)
	if err != nil {
		return nil, err
	}
	var bias *tensor.Tensor
	if plan.BiasKey != "" {
		if bias, err = float32Input(normalized, plan.BiasKey, diags); err != nil {
			return nil, err
		}
	}

	packed, err := p.kernel.Pack(cfg.KaiTileCfg(), weight, bias)
	if err != nil {
		return nil, fmt.Errorf("kernel %s: %w", p.kernel.ID, err)
	}
	if packed == nil {
		return nil, fmt.Errorf("kernel %s returned no tensor", p.kernel.ID)
	}
	for _, in := range tensors {
		if in == any(packed) {
			return nil, fmt.Errorf("kernel %s returned an input tensor", p.kernel.ID)
		}
	}

	name := plan.OutputNames()[0]
	switch {
	case !packed.HasName():
		if err := packed.SetName(name); err != nil {
			return nil, err
		}
	case packed.Name() != name:
		if packed, err = packed.Rename(name); err != nil {
			return nil, err
		}
	}
	return tensor.Mapping{name: packed}, nil
}

// float32Input returns the entry as a float32 canonical tensor, decoding
// canonical half and double precision inputs.
func float32Input(m tensor.Mapping, key string, diags []normalize.Diagnostic) (*tensor.Tensor, error) {
	t, ok := m.Canonical(key)
	if !ok {
		return nil, unsupported(key, diags)
	}
	switch {
	case t.Kind() == tensor.Float32:
		return t, nil
	case t.Kind().IsFloat():
		f, err := t.ToFloat32()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedValue, key, err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrUnsupportedValue, key, t.Kind())
	}
}
