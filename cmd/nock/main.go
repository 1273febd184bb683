package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		log.Error().Err(err).Msg("nock failed")
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	var shutdownTracer func(context.Context) error

	return &cli.Command{
		Name:  "nock",
		Usage: "Quantize model weight tensors with configurable passes",
		Flags: globalFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if err := setupLogging(os.Stderr); err != nil {
				return ctx, err
			}
			if enableOTel {
				shutdown, err := initTracer()
				if err != nil {
					return ctx, fmt.Errorf("failed to initialize tracer: %w", err)
				}
				shutdownTracer = shutdown
			}
			return ctx, nil
		},
		After: func(ctx context.Context, cmd *cli.Command) error {
			if shutdownTracer != nil {
				if err := shutdownTracer(context.Background()); err != nil {
					log.Warn().Err(err).Msg("Failed to flush traces")
				}
			}
			if metricsOut != "" {
				if err := prometheus.WriteToTextfile(metricsOut, prometheus.DefaultGatherer); err != nil {
					return fmt.Errorf("failed to write metrics: %w", err)
				}
			}
			return nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			quantizeCmd(),
			planCmd(),
			verifyCmd(),
			backendsCmd(),
		},
	}
}

func setupLogging(w io.Writer) error {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	switch logFormat {
	case "json":
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	case "pretty", "":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).With().Caller().Logger()
	default:
		return fmt.Errorf("invalid log format %q (must be pretty or json)", logFormat)
	}
	return nil
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("nock"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}

func stdout(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}
