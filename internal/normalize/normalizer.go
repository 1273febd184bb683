// Package normalize turns named tensor collections whose values come from
// heterogeneous backends into collections of canonical float32 tensors.
package normalize

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-nock/internal/backend"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// Outcome describes what happened to one mapping entry.
type Outcome int

const (
	// Passthrough: the value already was a canonical tensor.
	Passthrough Outcome = iota
	// Converted: a backend adapter produced a float32 tensor.
	Converted
	// Unrecognized: no adapter accepts the value; it was kept as is.
	Unrecognized
	// Unavailable: the accepting backend is compiled out or disabled; value kept.
	Unavailable
	// Failed: the adapter returned an error; value kept.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Passthrough:
		return "passthrough"
	case Converted:
		return "converted"
	case Unrecognized:
		return "unrecognized"
	case Unavailable:
		return "unavailable"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Degraded reports whether the entry was left in its original representation.
func (o Outcome) Degraded() bool {
	return o == Unrecognized || o == Unavailable || o == Failed
}

// Diagnostic records the normalization result of one entry.
type Diagnostic struct {
	Key     string
	Backend string
	Outcome Outcome
	Err     error
}

func (d Diagnostic) String() string {
	s := fmt.Sprintf("%s: %s", d.Key, d.Outcome)
	if d.Backend != "" {
		s += " (" + d.Backend + ")"
	}
	if d.Err != nil {
		s += ": " + d.Err.Error()
	}
	return s
}

// Normalizer converts values using the adapters of a capability registry.
type Normalizer struct {
	caps *backend.Capabilities
}

func New(caps *backend.Capabilities) *Normalizer {
	return &Normalizer{caps: caps}
}

// Capabilities returns the registry the normalizer was built with.
func (n *Normalizer) Capabilities() *backend.Capabilities {
	return n.caps
}

// Normalize returns a new mapping with the same keys. Values that can be
// converted become float32 canonical tensors named after their key; every
// other value is kept unchanged and reported in the diagnostics. Normalize
// never fails and does not modify m.
func (n *Normalizer) Normalize(m tensor.Mapping) (tensor.Mapping, []Diagnostic) {
	out := make(tensor.Mapping, len(m))
	diags := make([]Diagnostic, 0, len(m))
	for _, key := range m.Keys() {
		v, d := n.normalizeOne(key, m[key])
		out[key] = v
		diags = append(diags, d)
		record(d)
	}
	return out, diags
}

func (n *Normalizer) normalizeOne(key string, v any) (any, Diagnostic) {
	if t, ok := v.(*tensor.Tensor); ok && t != nil {
		return t, Diagnostic{Key: key, Outcome: Passthrough}
	}

	c, ok := n.caps.Resolve(v)
	if !ok {
		return v, Diagnostic{Key: key, Outcome: Unrecognized, Err: fmt.Errorf("no backend accepts %T", v)}
	}
	name := c.Adapter.Name()
	if !c.Available {
		return v, Diagnostic{Key: key, Backend: name, Outcome: Unavailable, Err: fmt.Errorf("backend %s unavailable: %s", name, c.Reason)}
	}

	t, err := convert(c.Adapter, v)
	if err != nil {
		return v, Diagnostic{Key: key, Backend: name, Outcome: Failed, Err: err}
	}
	if !t.HasName() {
		if err := t.SetName(key); err != nil {
			return v, Diagnostic{Key: key, Backend: name, Outcome: Failed, Err: err}
		}
	}
	return t, Diagnostic{Key: key, Backend: name, Outcome: Converted}
}

// convert shields the normalizer from adapters that panic on malformed input.
func convert(a backend.Adapter, v any) (t *tensor.Tensor, err error) {
	defer func() {
		if r := recover(); r != nil {
			t, err = nil, fmt.Errorf("%s adapter panicked: %v", a.Name(), r)
		}
	}()
	return a.Convert(v)
}

// Inspect reports the stored element kind of v without converting it.
// ok is false when no available backend understands v.
func (n *Normalizer) Inspect(v any) (kind tensor.Kind, backendName string, ok bool) {
	if t, isTensor := v.(*tensor.Tensor); isTensor && t != nil {
		return t.Kind(), "", true
	}
	c, found := n.caps.Resolve(v)
	if !found || !c.Available {
		return tensor.Invalid, "", false
	}
	return c.Adapter.Kind(v), c.Adapter.Name(), true
}

func record(d Diagnostic) {
	outcomes.WithLabelValues(backendLabel(d.Backend), d.Outcome.String()).Inc()
	switch d.Outcome {
	case Failed:
		log.Warn().Err(d.Err).Str("tensor", d.Key).Str("backend", d.Backend).Msg("Tensor conversion failed, keeping original value")
	case Unavailable, Unrecognized:
		log.Debug().Err(d.Err).Str("tensor", d.Key).Str("outcome", d.Outcome.String()).Msg("Tensor left unconverted")
	}
}

func backendLabel(name string) string {
	if name == "" {
		return "none"
	}
	return name
}
