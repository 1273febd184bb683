package main

import (
	"context"
	"fmt"
	"math"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-nock/internal/kernel"
	"github.com/23skdu/longbow-nock/internal/safetensors"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

func verifyCmd() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Dequantize packed tensors and compare them with the source weights",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "source",
				Usage:       "path to the original .safetensors file",
				Required:    true,
				Destination: &sourcePath,
			},
			inputFlag(),
			&cli.FloatFlag{
				Name:        "max-rmse",
				Usage:       "fail when the relative RMSE of any tensor exceeds this value (0 disables)",
				Destination: &maxRMSE,
			},
		},
		Action: runVerify,
	}
}

// errorStats summarizes the dequantization error of one tensor.
type errorStats struct {
	Name    string
	Source  string
	RMSE    float64
	RelRMSE float64
	MaxAbs  float64
}

func runVerify(ctx context.Context, cmd *cli.Command) error {
	quantized, err := safetensors.Open(inputPath)
	if err != nil {
		return err
	}
	defer func() { _ = quantized.Close() }()
	source, err := safetensors.Open(sourcePath)
	if err != nil {
		return err
	}
	defer func() { _ = source.Close() }()

	reg := kernel.Default()
	var stats []errorStats
	for _, name := range quantized.Names() {
		if _, packed := quantized.Layout(name); !packed {
			continue
		}
		s, err := verifyTensor(reg, quantized, source, name)
		if err != nil {
			return err
		}
		stats = append(stats, s)
	}
	if len(stats) == 0 {
		log.Warn().Str("path", inputPath).Msg("No packed tensors found")
		return nil
	}

	tw := tabwriter.NewWriter(stdout(cmd), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TENSOR\tSOURCE\tRMSE\tREL_RMSE\tMAX_ABS")
	var failed []string
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%s\t%.6g\t%.6g\t%.6g\n", s.Name, s.Source, s.RMSE, s.RelRMSE, s.MaxAbs)
		if maxRMSE > 0 && s.RelRMSE > maxRMSE {
			failed = append(failed, s.Name)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(failed) > 0 {
		return fmt.Errorf("relative RMSE above %g for %s", maxRMSE, strings.Join(failed, ", "))
	}
	return nil
}

func verifyTensor(reg *kernel.Registry, quantized, source *safetensors.File, name string) (errorStats, error) {
	v, err := quantized.Read(name)
	if err != nil {
		return errorStats{}, err
	}
	packed, ok := v.(*tensor.Tensor)
	if !ok || packed.Kind() != tensor.Packed {
		return errorStats{}, fmt.Errorf("tensor %s: layout recorded but not a packed tensor", name)
	}
	k, _, err := reg.ForLayout(packed.Layout())
	if err != nil {
		return errorStats{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	u, err := k.Unpack(packed)
	if err != nil {
		return errorStats{}, fmt.Errorf("tensor %s: %w", name, err)
	}

	srcName := name
	if s, ok := quantized.Metadata[sourcePrefix+name]; ok {
		srcName = s
	}
	sv, err := source.Read(srcName)
	if err != nil {
		return errorStats{}, fmt.Errorf("tensor %s: source: %w", name, err)
	}
	st, ok := sv.(*tensor.Tensor)
	if !ok {
		return errorStats{}, fmt.Errorf("tensor %s: source %s is not a float tensor", name, srcName)
	}
	want, err := st.Float32s()
	if err != nil {
		return errorStats{}, fmt.Errorf("tensor %s: source: %w", name, err)
	}
	if len(want) != len(u.Weight) {
		return errorStats{}, fmt.Errorf("tensor %s: %d values, source %s has %d", name, len(u.Weight), srcName, len(want))
	}

	s := compare(toFloat64(want), toFloat64(u.Weight))
	s.Name, s.Source = name, srcName
	return s, nil
}

func compare(want, got []float64) errorStats {
	n := float64(len(want))
	rmse := floats.Distance(want, got, 2) / math.Sqrt(n)
	s := errorStats{
		RMSE:   rmse,
		MaxAbs: floats.Distance(want, got, math.Inf(1)),
	}
	if norm := floats.Norm(want, 2) / math.Sqrt(n); norm > 0 {
		s.RelRMSE = rmse / norm
	}
	return s
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
