package main

import "github.com/urfave/cli/v3"

var (
	logLevel        string
	logFormat       string
	enableOTel      bool
	metricsOut      string
	disableBackends []string

	inputPath   string
	outputPath  string
	rulesPath   string
	reportPath  string
	arrowOut    string
	flightAddr  string
	datasetName string

	sourcePath string
	maxRMSE    float64
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "otel",
			Usage:       "enable OpenTelemetry tracing (stdout)",
			Destination: &enableOTel,
		},
		&cli.StringFlag{
			Name:        "metrics-out",
			Usage:       "write Prometheus metrics in text format to this file on exit",
			Destination: &metricsOut,
		},
		&cli.StringSliceFlag{
			Name:        "disable-backend",
			Usage:       "disable a tensor backend adapter (device, gonum, arrow, float16); repeatable",
			Destination: &disableBackends,
		},
	}
}

func inputFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "input",
		Aliases:     []string{"i"},
		Usage:       "path to the source .safetensors file",
		Required:    true,
		Destination: &inputPath,
	}
}

func rulesFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "rules",
		Aliases:     []string{"r"},
		Usage:       "path to the YAML rule file",
		Required:    true,
		Destination: &rulesPath,
	}
}

func reportFlag(usage string) cli.Flag {
	return &cli.StringFlag{
		Name:        "report",
		Usage:       usage,
		Destination: &reportPath,
	}
}

func exportFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "arrow-out",
			Usage:       "also write the output tensors as an Arrow IPC stream",
			Destination: &arrowOut,
		},
		&cli.StringFlag{
			Name:        "flight",
			Usage:       "Flight server address to export output tensors to (e.g. localhost:3000)",
			Destination: &flightAddr,
		},
		&cli.StringFlag{
			Name:        "dataset",
			Usage:       "target dataset name on the Flight server",
			Value:       "nock_tensors",
			Destination: &datasetName,
		},
	}
}
