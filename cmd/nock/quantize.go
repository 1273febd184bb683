package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-nock/internal/client"
	"github.com/23skdu/longbow-nock/internal/pipeline"
	"github.com/23skdu/longbow-nock/internal/quant"
	"github.com/23skdu/longbow-nock/internal/safetensors"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

func quantizeCmd() *cli.Command {
	flags := []cli.Flag{
		inputFlag(),
		rulesFlag(),
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "path of the quantized .safetensors file",
			Required:    true,
			Destination: &outputPath,
		},
		reportFlag("write the run report (CBOR) to this file"),
	}
	return &cli.Command{
		Name:   "quantize",
		Usage:  "Run the passes selected by the rule file over a safetensors file",
		Flags:  append(flags, exportFlags()...),
		Action: runQuantize,
	}
}

func runQuantize(ctx context.Context, cmd *cli.Command) error {
	rt, err := newSession(rulesPath)
	if err != nil {
		return err
	}
	coll, meta, err := loadCollection(inputPath)
	if err != nil {
		return err
	}

	rep, err := rt.driver.Run(ctx, coll)
	if rep != nil && reportPath != "" {
		if werr := writeReport(reportPath, rep); werr != nil {
			log.Error().Err(werr).Msg("Failed to write report")
		}
	}
	if err != nil {
		return fmt.Errorf("quantize %s: %w", inputPath, err)
	}

	for k, v := range sourceMetadata(rep) {
		meta[k] = v
	}
	if err := safetensors.Write(outputPath, coll, meta); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	log.Info().
		Str("output", outputPath).
		Int("executed", rep.Count(pipeline.OutcomeExecuted)).
		Int("tensors", len(coll)).
		Msg("Quantized model written")

	return export(ctx, coll)
}

// sourceMetadata maps every packed output of a weight unit to its weight.
func sourceMetadata(rep *pipeline.Report) map[string]string {
	meta := make(map[string]string)
	for _, u := range rep.Units {
		if u.Outcome != pipeline.OutcomeExecuted || u.Pass != quant.MethodKai {
			continue
		}
		for _, out := range u.Outputs {
			meta[sourcePrefix+out] = u.Primary
		}
	}
	return meta
}

func export(ctx context.Context, coll tensor.Mapping) error {
	if arrowOut != "" {
		f, err := os.Create(arrowOut)
		if err != nil {
			return err
		}
		n, err := client.WriteStream(f, coll)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		log.Info().Str("path", arrowOut).Int("tensors", n).Msg("Arrow stream written")
	}

	if flightAddr != "" {
		fc, err := client.NewFlightClient(flightAddr)
		if err != nil {
			return err
		}
		defer func() { _ = fc.Close() }()
		log.Info().Str("addr", flightAddr).Str("dataset", datasetName).Msg("Exporting to Flight server")

		exp := client.NewExporter(fc, client.NewCircuitBreaker(3, 5*time.Second), datasetName, client.DefaultBatchSize)
		n, err := exp.Export(ctx, coll)
		if err != nil {
			return fmt.Errorf("flight export: %w", err)
		}
		log.Info().Int("tensors", n).Msg("Flight export complete")
	}
	return nil
}

func writeReport(path string, rep *pipeline.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := rep.WriteCBOR(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
