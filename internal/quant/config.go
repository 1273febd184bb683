package quant

import (
	"fmt"
	"maps"

	"github.com/go-viper/mapstructure/v2"
)

// Recognized quant_method values.
const (
	MethodCastFP32 = "cast_2_fp32"
	MethodKai      = "kai"
)

// Config is the read-only quantization configuration of one pass invocation.
// Unknown keys are kept and reachable through Get but otherwise ignored.
type Config struct {
	method  string
	replace bool
	rename  string
	triplet string
	layout  string
	tileCfg string
	raw     map[string]any
}

type configFields struct {
	QuantMethod      string `mapstructure:"quant_method"`
	Replace          *bool  `mapstructure:"replace"`
	Rename           string `mapstructure:"rename"`
	KaiMatmulTriplet string `mapstructure:"kai_matmul_triplet"`
	KaiMatmulLayout  string `mapstructure:"kai_matmul_layout"`
	KaiMatmulTileCfg string `mapstructure:"kai_matmul_tile_cfg"`
}

// ParseConfig decodes a configuration map. Values are weakly typed
// ("true" is a valid replace). An absent replace means true.
func ParseConfig(m map[string]any) (Config, error) {
	var f configFields
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &f,
	})
	if err != nil {
		return Config{}, fmt.Errorf("failed to create config decoder: %w", err)
	}
	if err := decoder.Decode(m); err != nil {
		return Config{}, fmt.Errorf("failed to decode quantize config: %w", err)
	}

	cfg := Config{
		method:  f.QuantMethod,
		replace: true,
		rename:  f.Rename,
		triplet: f.KaiMatmulTriplet,
		layout:  f.KaiMatmulLayout,
		tileCfg: f.KaiMatmulTileCfg,
		raw:     maps.Clone(m),
	}
	if f.Replace != nil {
		cfg.replace = *f.Replace
	}
	if cfg.raw == nil {
		cfg.raw = map[string]any{}
	}
	return cfg, nil
}

// MustConfig is ParseConfig for literals known to be valid.
func MustConfig(m map[string]any) Config {
	cfg, err := ParseConfig(m)
	if err != nil {
		panic(err)
	}
	return cfg
}

func (c Config) Method() string     { return c.method }
func (c Config) Replace() bool      { return c.replace }
func (c Config) KaiTriplet() string { return c.triplet }
func (c Config) KaiLayout() string  { return c.layout }
func (c Config) KaiTileCfg() string { return c.tileCfg }

// Rename is the output name used when Replace is false. It is ignored otherwise.
func (c Config) Rename() string {
	if c.replace {
		return ""
	}
	return c.rename
}

// Get returns a raw option, including method-specific and unknown keys.
func (c Config) Get(key string) (any, bool) {
	v, ok := c.raw[key]
	return v, ok
}

// Map returns a copy of the raw options.
func (c Config) Map() map[string]any {
	return maps.Clone(c.raw)
}
