//go:build nogonum

package backend

import (
	"errors"

	"github.com/23skdu/longbow-nock/internal/tensor"
)

// gonumAdapter is compiled out; it never accepts values.
type gonumAdapter struct{}

func (gonumAdapter) Name() string         { return "gonum" }
func (gonumAdapter) Compiled() bool       { return false }
func (gonumAdapter) Accepts(any) bool     { return false }
func (gonumAdapter) Kind(any) tensor.Kind { return tensor.Invalid }
func (gonumAdapter) Convert(any) (*tensor.Tensor, error) {
	return nil, errors.New("gonum backend requires a build without the nogonum tag")
}
