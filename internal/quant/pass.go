// Package quant defines the quantization pass contract and its concrete
// passes. A pass is evaluated as Match, then Prepare, then Run on one
// (config, tensors) pair and holds no state between invocations.
package quant

import (
	"errors"
	"fmt"
	"sort"

	"github.com/23skdu/longbow-nock/internal/tensor"
)

var (
	// ErrPlanViolation marks broken cardinality or naming preconditions. It is
	// a programming error in the caller and fatal to the invocation.
	ErrPlanViolation = errors.New("plan violation")
	// ErrKernelUnavailable is returned when the compute kernel a pass needs
	// could not be resolved.
	ErrKernelUnavailable = errors.New("kernel unavailable")
	// ErrUnsupportedValue is returned when an input cannot be brought into
	// the representation the transform needs.
	ErrUnsupportedValue = errors.New("unsupported tensor value")
)

// Pass is one pluggable transform.
type Pass interface {
	// Name identifies the pass in logs and reports.
	Name() string
	// Match is a pure predicate. It validates every config field the pass
	// depends on and never modifies tensors.
	Match(cfg Config, tensors tensor.Mapping) bool
	// Prepare computes output naming and cardinality without transforming.
	Prepare(cfg Config, tensors tensor.Mapping) (*Plan, error)
	// Run executes the transform and returns exactly the outputs of the plan.
	Run(cfg Config, tensors tensor.Mapping) (tensor.Mapping, error)
}

// Plan describes what a pass will consume and produce.
type Plan struct {
	Pass       string
	InputsNum  int
	Inputs     tensor.Mapping
	OutputsNum int
	// Outputs maps every final output name to a placeholder; values stay nil
	// until Run computes them.
	Outputs map[string]*tensor.Tensor
	// WeightKey and BiasKey are the inputs selected by role; BiasKey is empty
	// when no bias is consumed.
	WeightKey string
	BiasKey   string
}

// OutputNames returns the planned output names, sorted.
func (p *Plan) OutputNames() []string {
	names := make([]string, 0, len(p.Outputs))
	for n := range p.Outputs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// InputNames returns the consumed input names, sorted.
func (p *Plan) InputNames() []string {
	return p.Inputs.Keys()
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPlanViolation, fmt.Sprintf(format, args...))
}

// checkBindings rejects canonical tensors bound to a name other than their key.
func checkBindings(tensors tensor.Mapping) error {
	for key, v := range tensors {
		if t, ok := v.(*tensor.Tensor); ok && t != nil && t.HasName() && t.Name() != key {
			return violation("tensor %q is stored under key %q", t.Name(), key)
		}
	}
	return nil
}

// Defaults returns the built-in passes in the order a driver should try them.
func Defaults(deps Deps) []Pass {
	return []Pass{
		NewCastFP32Pass(deps.Normalizer),
		NewKaiPass(deps.Kernels, deps.Normalizer),
	}
}
