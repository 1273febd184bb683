package quant

import "strings"

// Role markers matched against tensor names.
const (
	WeightMarker = ".weight"
	BiasMarker   = ".bias"
)

// Roles are the inputs selected by name role.
type Roles struct {
	Weight string
	Bias   string
}

// DetectRoles selects exactly one weight-role key and at most one bias-role
// key. Names carrying both markers or neither, and repeated roles, are plan
// violations.
func DetectRoles(keys []string) (Roles, error) {
	var r Roles
	for _, k := range keys {
		isWeight := strings.Contains(k, WeightMarker)
		isBias := strings.Contains(k, BiasMarker)
		switch {
		case isWeight && isBias:
			return Roles{}, violation("tensor %q matches both weight and bias roles", k)
		case isWeight:
			if r.Weight != "" {
				return Roles{}, violation("two weight tensors: %q and %q", r.Weight, k)
			}
			r.Weight = k
		case isBias:
			if r.Bias != "" {
				return Roles{}, violation("two bias tensors: %q and %q", r.Bias, k)
			}
			r.Bias = k
		default:
			return Roles{}, violation("tensor %q has neither a weight nor a bias role", k)
		}
	}
	if r.Weight == "" {
		return Roles{}, violation("no weight tensor among %q", keys)
	}
	return r, nil
}
