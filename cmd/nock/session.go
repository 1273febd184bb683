package main

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-nock/internal/backend"
	"github.com/23skdu/longbow-nock/internal/kernel"
	"github.com/23skdu/longbow-nock/internal/normalize"
	"github.com/23skdu/longbow-nock/internal/pipeline"
	"github.com/23skdu/longbow-nock/internal/quant"
	"github.com/23skdu/longbow-nock/internal/safetensors"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

// metadata key recording which source tensor a packed output came from
const sourcePrefix = "nock.source."

type session struct {
	rules  *pipeline.Rules
	driver *pipeline.Driver
}

func newSession(rulesFile string) (*session, error) {
	rules, err := pipeline.LoadRules(rulesFile)
	if err != nil {
		return nil, err
	}
	caps, err := backend.Probe(append(rules.DisableBackends, disableBackends...)...)
	if err != nil {
		return nil, err
	}
	for _, c := range caps.Entries() {
		if !c.Available {
			log.Info().Str("backend", c.Adapter.Name()).Str("reason", c.Reason).Msg("Backend unavailable")
		}
	}

	norm := normalize.New(caps)
	passes := quant.Defaults(quant.Deps{Normalizer: norm, Kernels: kernel.Default()})
	return &session{
		rules:  rules,
		driver: pipeline.NewDriver(rules, passes, norm),
	}, nil
}

func loadCollection(path string) (tensor.Mapping, map[string]string, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	m, err := f.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	log.Info().Str("path", path).Int("tensors", len(m)).Msg("Loaded tensors")
	return m, f.Metadata, nil
}
