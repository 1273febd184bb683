// Package pipeline drives quantization passes over a tensor collection
// according to a rule file.
package pipeline

import (
	"errors"
	"fmt"
	"os"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-nock/internal/quant"
)

// Unit selects how tensors are grouped for one pass invocation.
type Unit string

const (
	// UnitLayer groups a weight with the bias of the same layer.
	UnitLayer Unit = "layer"
	// UnitTensor passes every tensor on its own.
	UnitTensor Unit = "tensor"
)

// Rule binds a quantization config to the tensors whose name matches Pattern.
type Rule struct {
	Pattern string         `yaml:"pattern"`
	Unit    Unit           `yaml:"unit"`
	Config  map[string]any `yaml:"config"`

	cfg quant.Config
}

// QuantConfig is the decoded config. Valid after Validate.
func (r *Rule) QuantConfig() quant.Config {
	return r.cfg
}

// Rules is the content of a rule file.
type Rules struct {
	DisableBackends []string `yaml:"disable_backends"`
	Concurrency     int      `yaml:"concurrency"`
	Rules           []Rule   `yaml:"rules"`
}

// LoadRules reads and validates a rule file.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates rules from YAML.
func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks every rule and decodes its config.
func (r *Rules) Validate() error {
	var errs []error
	if r.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("invalid concurrency: %d (must be >= 0)", r.Concurrency))
	}
	if len(r.Rules) == 0 {
		errs = append(errs, errors.New("invalid rules: none defined (must have at least one)"))
	}
	for i := range r.Rules {
		rule := &r.Rules[i]
		if rule.Unit == "" {
			rule.Unit = UnitLayer
		}
		if err := rule.validate(); err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Rule) validate() error {
	if r.Pattern == "" {
		return errors.New("invalid pattern: empty (must be a glob)")
	}
	if !doublestar.ValidatePattern(r.Pattern) {
		return fmt.Errorf("invalid pattern: %q (must be a valid glob)", r.Pattern)
	}
	if r.Unit != UnitLayer && r.Unit != UnitTensor {
		return fmt.Errorf("invalid unit: %q (must be %s or %s)", r.Unit, UnitLayer, UnitTensor)
	}
	cfg, err := quant.ParseConfig(r.Config)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Method() == "" {
		return errors.New("invalid config: quant_method missing (must be set)")
	}
	r.cfg = cfg
	return nil
}

// Match returns the first rule whose pattern matches name, or nil.
func (r *Rules) Match(name string) (int, *Rule) {
	for i := range r.Rules {
		if ok, _ := doublestar.Match(r.Rules[i].Pattern, name); ok {
			return i, &r.Rules[i]
		}
	}
	return -1, nil
}
