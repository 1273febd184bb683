//go:build noarrow

package backend

import (
	"errors"

	"github.com/23skdu/longbow-nock/internal/tensor"
)

// arrowAdapter is compiled out; it never accepts values.
type arrowAdapter struct{}

func (arrowAdapter) Name() string         { return "arrow" }
func (arrowAdapter) Compiled() bool       { return false }
func (arrowAdapter) Accepts(any) bool     { return false }
func (arrowAdapter) Kind(any) tensor.Kind { return tensor.Invalid }
func (arrowAdapter) Convert(any) (*tensor.Tensor, error) {
	return nil, errors.New("arrow backend requires a build without the noarrow tag")
}
