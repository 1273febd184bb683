package quant

import (
	"github.com/23skdu/longbow-nock/internal/kernel"
	"github.com/23skdu/longbow-nock/internal/normalize"
)

// Deps are the process-wide collaborators injected into passes.
type Deps struct {
	Normalizer *normalize.Normalizer
	Kernels    *kernel.Registry
}
