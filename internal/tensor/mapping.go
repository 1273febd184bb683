package tensor

import "sort"

// Mapping is a named tensor collection for one pass invocation. Values are
// canonical *Tensor or any backend value the normalizer understands.
type Mapping map[string]any

// Keys returns the names in sorted order.
func (m Mapping) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy.
func (m Mapping) Clone() Mapping {
	out := make(Mapping, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Canonical returns the value under key when it is a canonical tensor.
func (m Mapping) Canonical(key string) (*Tensor, bool) {
	t, ok := m[key].(*Tensor)
	return t, ok && t != nil
}
