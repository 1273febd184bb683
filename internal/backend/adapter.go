// Package backend converts tensors from foreign numeric libraries into
// canonical tensors. Each library is wrapped in an Adapter; the set of
// adapters and their availability is captured once in a Capabilities value.
package backend

import (
	"fmt"
	"slices"
	"strings"

	"github.com/23skdu/longbow-nock/internal/tensor"
)

// Adapter converts values of one backend into canonical float32 tensors.
type Adapter interface {
	// Name is the stable identifier used in configuration and diagnostics.
	Name() string
	// Compiled reports whether the backend library is part of this build.
	Compiled() bool
	// Accepts reports whether v is a value of this backend.
	Accepts(v any) bool
	// Kind reports the element kind of v as stored by the backend.
	Kind(v any) tensor.Kind
	// Convert returns an unnamed float32 tensor holding the values of v.
	Convert(v any) (*tensor.Tensor, error)
}

// Priority is the fixed order in which adapters are consulted. A value is
// handled by the first adapter that accepts it.
var Priority = []string{"device", "gonum", "arrow", "float16"}

func builtin() []Adapter {
	return []Adapter{
		deviceAdapter{},
		gonumAdapter{},
		arrowAdapter{},
		halfAdapter{},
	}
}

// Capability is one entry of the capability registry.
type Capability struct {
	Adapter   Adapter
	Available bool
	Reason    string
}

// Capabilities is the process-wide registry of tensor backends, in priority order.
type Capabilities struct {
	entries []Capability
}

// Probe builds the registry from the compiled-in adapters. Backends named in
// disabled are registered but reported unavailable.
func Probe(disabled ...string) (*Capabilities, error) {
	return newCapabilities(builtin(), disabled)
}

// NewCapabilities builds a registry from explicit adapters, kept in the given order.
func NewCapabilities(adapters []Adapter, disabled ...string) (*Capabilities, error) {
	return newCapabilities(adapters, disabled)
}

func newCapabilities(adapters []Adapter, disabled []string) (*Capabilities, error) {
	known := make(map[string]bool, len(adapters))
	for _, a := range adapters {
		if known[a.Name()] {
			return nil, fmt.Errorf("duplicate backend adapter %q", a.Name())
		}
		known[a.Name()] = true
	}
	for _, d := range disabled {
		if !known[strings.ToLower(d)] {
			return nil, fmt.Errorf("unknown backend %q (known: %s)", d, strings.Join(Priority, ", "))
		}
	}

	caps := &Capabilities{entries: make([]Capability, 0, len(adapters))}
	for _, a := range adapters {
		c := Capability{Adapter: a, Available: true}
		switch {
		case !a.Compiled():
			c.Available = false
			c.Reason = "not compiled into this build"
		case slices.ContainsFunc(disabled, func(d string) bool { return strings.EqualFold(d, a.Name()) }):
			c.Available = false
			c.Reason = "disabled by configuration"
		}
		caps.entries = append(caps.entries, c)
	}
	return caps, nil
}

// Entries returns the registry in priority order.
func (c *Capabilities) Entries() []Capability {
	return slices.Clone(c.entries)
}

// Available reports whether the named backend can be used.
func (c *Capabilities) Available(name string) bool {
	for _, e := range c.entries {
		if e.Adapter.Name() == name {
			return e.Available
		}
	}
	return false
}

// Resolve returns the first capability whose adapter accepts v, available or not.
func (c *Capabilities) Resolve(v any) (Capability, bool) {
	for _, e := range c.entries {
		if e.Adapter.Compiled() && e.Adapter.Accepts(v) {
			return e, true
		}
	}
	return Capability{}, false
}
